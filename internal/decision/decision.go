// Package decision turns unanalyzed replies into phase transitions. The
// classifier is an external call; this package only decides when it may run
// and how its verdict is applied.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/messaging"
	"github.com/zulandar/outreach/internal/metrics"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/notify"
	"gorm.io/gorm"
)

// Input is what the classifier sees for one enrollment.
type Input struct {
	Contact         models.Contact
	Phase           enrollment.Phase
	MessagesInPhase int
	Transcript      string
	Reply           string
}

// Classifier maps a conversation to a decision.
type Classifier interface {
	Classify(ctx context.Context, in Input) (enrollment.Decision, error)
}

// Reasons an Analyze call applied nothing.
const (
	SkipUpToDate = "already analyzed"
	SkipStale    = "newer reply arrived"
	SkipInactive = "not in a conversational phase"
)

// errStale and errUpToDate abort the optimistic write without treating the
// outcome as a failure.
var (
	errStale    = errors.New("decision: stale analysis")
	errUpToDate = errors.New("decision: already analyzed")
)

// Options wires an Engine.
type Options struct {
	DB         *gorm.DB
	Store      *enrollment.Store
	Classifier Classifier
	Notifier   notify.Notifier
	Log        logrus.FieldLogger
	Now        func() time.Time
	// TranscriptTurns defaults to messaging.DefaultTranscriptTurns.
	TranscriptTurns int
}

// Engine applies classifier decisions to smart-pipeline enrollments.
type Engine struct {
	db         *gorm.DB
	store      *enrollment.Store
	classifier Classifier
	notifier   notify.Notifier
	log        logrus.FieldLogger
	now        func() time.Time
	turns      int
}

// New returns an Engine. DB, Store and Classifier are required.
func New(o Options) *Engine {
	e := &Engine{
		db:         o.DB,
		store:      o.Store,
		classifier: o.Classifier,
		notifier:   o.Notifier,
		log:        o.Log,
		now:        o.Now,
		turns:      o.TranscriptTurns,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.turns <= 0 {
		e.turns = messaging.DefaultTranscriptTurns
	}
	return e
}

// Result describes one Analyze call.
type Result struct {
	EnrollmentID string
	Applied      bool
	Skipped      string
	Decision     enrollment.Decision
	Transition   enrollment.Transition
}

// NeedsAnalysis reports whether the enrollment holds a reply that no
// decision has covered yet.
func NeedsAnalysis(e *models.SequenceEnrollment) bool {
	if e.Status != enrollment.StatusActive || !enrollment.Phase(e.CurrentPhase).Conversational() {
		return false
	}
	if e.LastResponseAt == nil {
		return false
	}
	return e.LastAnalyzedAt == nil || e.LastResponseAt.After(*e.LastAnalyzedAt)
}

// Analyze classifies the newest reply on an enrollment and applies the
// verdict. A classifier error leaves the enrollment untouched. The
// classifier runs with no lock held; the write re-checks that the reply it
// saw is still the newest and still unanalyzed.
func (en *Engine) Analyze(ctx context.Context, enrollmentID string) (Result, error) {
	res := Result{EnrollmentID: enrollmentID}
	log := en.log.WithField("enrollment", enrollmentID)

	e, err := en.store.Get(ctx, enrollmentID)
	if err != nil {
		return res, err
	}
	if !NeedsAnalysis(e) {
		res.Skipped = SkipUpToDate
		if e.Status != enrollment.StatusActive || !enrollment.Phase(e.CurrentPhase).Conversational() {
			res.Skipped = SkipInactive
		}
		return res, nil
	}
	snapshot := *e.LastResponseAt
	log = log.WithFields(logrus.Fields{"contact": e.ContactID, "phase": enrollment.Phase(e.CurrentPhase).String()})

	in, err := en.input(ctx, e)
	if err != nil {
		return res, err
	}
	d, err := en.classifier.Classify(ctx, in)
	if err != nil {
		log.WithError(err).Warn("classify reply")
		return res, fmt.Errorf("decision: classify %s: %w", enrollmentID, err)
	}
	if err := validate(&d); err != nil {
		log.WithError(err).Warn("classifier returned an unusable decision")
		return res, fmt.Errorf("decision: classify %s: %w", enrollmentID, err)
	}
	res.Decision = d
	analysis, err := json.Marshal(d)
	if err != nil {
		return res, fmt.Errorf("decision: encode analysis: %w", err)
	}

	now := en.now().UTC()
	m := en.store.Machine()
	var tr enrollment.Transition
	_, err = en.store.Update(ctx, enrollmentID, func(e *models.SequenceEnrollment) error {
		if e.LastResponseAt == nil || !e.LastResponseAt.Equal(snapshot) {
			return errStale
		}
		if !NeedsAnalysis(e) {
			return errUpToDate
		}
		var err error
		if tr, err = m.Apply(e, d, now); err != nil {
			return err
		}
		analyzed := snapshot
		e.LastAnalyzedAt = &analyzed
		e.PhaseAnalysis = string(analysis)
		return nil
	})
	switch {
	case errors.Is(err, errStale):
		res.Skipped = SkipStale
		log.Info("reply superseded during analysis; will retry")
		return res, nil
	case errors.Is(err, errUpToDate):
		res.Skipped = SkipUpToDate
		return res, nil
	case err != nil:
		return res, fmt.Errorf("decision: apply %s: %w", enrollmentID, err)
	}
	res.Applied = true
	res.Transition = tr

	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome), metrics.Bool(tr.Forced)).Inc()
	if tr.From != tr.To {
		metrics.TransitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	}
	log.WithFields(logrus.Fields{
		"outcome": d.Outcome,
		"to":      tr.To.String(),
		"forced":  tr.Forced,
	}).Info("decision applied")

	if err := en.updateContact(ctx, &in.Contact, d, tr); err != nil {
		log.WithError(err).Error("update contact after decision")
	}
	if tr.Handoff {
		en.handoff(ctx, log, e, &in.Contact, d)
	}
	return res, nil
}

func (en *Engine) input(ctx context.Context, e *models.SequenceEnrollment) (Input, error) {
	db := en.db.WithContext(ctx)
	var c models.Contact
	if err := db.Where("id = ?", e.ContactID).First(&c).Error; err != nil {
		return Input{}, fmt.Errorf("decision: load contact %s: %w", e.ContactID, err)
	}
	turns, err := messaging.Recent(db, e.ContactID, en.turns)
	if err != nil {
		return Input{}, err
	}
	return Input{
		Contact:         c,
		Phase:           enrollment.Phase(e.CurrentPhase),
		MessagesInPhase: e.MessagesInPhase,
		Transcript:      messaging.Transcript(turns),
		Reply:           e.LastResponseText,
	}, nil
}

// validate rejects outcomes and phases the machine does not know. An
// advance without a target is allowed; the machine picks the default.
func validate(d *enrollment.Decision) error {
	if _, err := enrollment.ParseOutcome(string(d.Outcome)); err != nil {
		return err
	}
	if d.NextPhase != "" {
		if _, err := enrollment.ParsePhase(string(d.NextPhase)); err != nil {
			return err
		}
	}
	return nil
}

func (en *Engine) updateContact(ctx context.Context, c *models.Contact, d enrollment.Decision, tr enrollment.Transition) error {
	updates := map[string]interface{}{}
	if d.Sentiment != "" {
		updates["sentiment"] = d.Sentiment
	}
	if d.SignalStrength != "" {
		updates["signal_strength"] = d.SignalStrength
	}
	switch {
	case tr.To == enrollment.PhaseMeeting:
		updates["status"] = enrollment.ContactMeetingScheduled
	case d.Outcome == enrollment.OutcomeExit:
		updates["status"] = enrollment.ContactDisqualified
	}
	if len(updates) == 0 {
		return nil
	}
	return en.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", c.ID).Updates(updates).Error
}

func (en *Engine) handoff(ctx context.Context, log logrus.FieldLogger, e *models.SequenceEnrollment, c *models.Contact, d enrollment.Decision) {
	ev := notify.Event{
		Kind:         notify.KindMeeting,
		AccountID:    e.AccountID,
		ContactID:    c.ID,
		ContactName:  c.FullName(),
		Company:      c.Company,
		EnrollmentID: e.ID,
		Body:         e.LastResponseText,
	}
	if d.Reason != "" {
		ev.Fields = append(ev.Fields, notify.Field{Name: "Reason", Value: d.Reason})
	}
	if c.JobTitle != "" {
		ev.Fields = append(ev.Fields, notify.Field{Name: "Title", Value: c.JobTitle, Short: true})
	}
	if err := en.notifier.Notify(ctx, ev); err != nil {
		log.WithError(err).Warn("meeting notification")
	}
}

// Pending lists enrollments with an unanalyzed reply, oldest reply first.
func Pending(db *gorm.DB, accountID string, limit int) ([]models.SequenceEnrollment, error) {
	q := db.Model(&models.SequenceEnrollment{}).
		Where("status = ?", enrollment.StatusActive).
		Where("current_phase IN ?", conversationalPhases()).
		Where("last_response_at IS NOT NULL").
		Where("(last_analyzed_at IS NULL OR last_response_at > last_analyzed_at)")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.SequenceEnrollment
	if err := q.Order("last_response_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("decision: pending: %w", err)
	}
	return out, nil
}

func conversationalPhases() []string {
	return []string{
		string(enrollment.PhaseApertura),
		string(enrollment.PhaseCalificacion),
		string(enrollment.PhaseValor),
		string(enrollment.PhaseNurture),
		string(enrollment.PhaseReactivacion),
	}
}

// AnalyzePending analyzes up to batch enrollments for the account. One
// enrollment's failure is logged and does not stop the rest.
func (en *Engine) AnalyzePending(ctx context.Context, accountID string, batch int) ([]Result, error) {
	pending, err := Pending(en.db.WithContext(ctx), accountID, batch)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, p := range pending {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		r, err := en.Analyze(ctx, p.ID)
		if err != nil {
			en.log.WithFields(logrus.Fields{"account": accountID, "enrollment": p.ID}).
				WithError(err).Error("analyze reply")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
