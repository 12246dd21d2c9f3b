// Package prepare generates the messages the dispatcher will send. Nothing
// is eligible for dispatch until it has been prepared here.
package prepare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/messaging"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

// MaxNoteLength is the provider's limit on a connection request note.
const MaxNoteLength = 300

// Kinds of text a Generator writes.
const (
	KindNote    = "note"
	KindMessage = "message"
)

// Request is what the generator is asked to write.
type Request struct {
	Kind            string
	Contact         models.Contact
	Phase           enrollment.Phase
	MessagesInPhase int
	// Step is set for classic enrollments.
	Step       *models.SequenceStep
	Transcript string
	// Analysis is the latest classifier verdict, when there is one.
	Analysis *enrollment.Decision
}

// Generator writes one outbound text.
type Generator interface {
	Generate(ctx context.Context, r Request) (string, error)
}

var errAlreadyPrepared = errors.New("prepare: already prepared")

// Preparer fills in pending messages for due work.
type Preparer struct {
	db       *gorm.DB
	quota    *quota.Tracker
	selector *selector.Selector
	store    *enrollment.Store
	gen      Generator
	log      logrus.FieldLogger
	now      func() time.Time
}

// New returns a Preparer.
func New(db *gorm.DB, q *quota.Tracker, sel *selector.Selector, store *enrollment.Store, gen Generator, log logrus.FieldLogger) *Preparer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Preparer{db: db, quota: q, selector: sel, store: store, gen: gen, log: log, now: time.Now}
}

// Summary reports one PreparePending call.
type Summary struct {
	Prepared int
	Failed   int
	Skipped  int
}

// PreparePending generates messages for up to n due candidates, in the
// order they would be dispatched. A generator failure on one candidate is
// logged and the rest still run.
func (p *Preparer) PreparePending(ctx context.Context, accountID string, n int) (Summary, error) {
	var sum Summary
	now := p.now().UTC()
	st, err := p.quota.Settings(ctx, accountID, now)
	if err != nil {
		return sum, err
	}
	f := selector.FilterFromSettings(st, now)
	f.Limit = n
	cands, err := p.selector.Unprepared(ctx, f)
	if err != nil {
		return sum, err
	}

	for i := range cands {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		c := &cands[i]
		log := p.log.WithFields(logrus.Fields{"account": accountID, "contact": c.Contact.ID})
		var err error
		if c.Enrollment != nil {
			log = log.WithField("enrollment", c.Enrollment.ID)
			err = p.prepareEnrollment(ctx, c)
		} else {
			err = p.prepareInvitation(ctx, c)
		}
		switch {
		case errors.Is(err, errAlreadyPrepared):
			sum.Skipped++
		case err != nil:
			sum.Failed++
			log.WithError(err).Warn("prepare message")
		default:
			sum.Prepared++
			log.Debug("prepared")
		}
	}
	return sum, nil
}

func (p *Preparer) prepareInvitation(ctx context.Context, c *selector.Candidate) error {
	text, err := p.generate(ctx, Request{Kind: KindNote, Contact: c.Contact})
	if err != nil {
		return err
	}
	result := p.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND (outreach_message = '' OR outreach_message IS NULL)", c.Contact.ID).
		Update("outreach_message", text)
	if result.Error != nil {
		return fmt.Errorf("prepare: save note: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errAlreadyPrepared
	}
	return nil
}

func (p *Preparer) prepareEnrollment(ctx context.Context, c *selector.Candidate) error {
	e := c.Enrollment
	db := p.db.WithContext(ctx)
	seq, err := sequence.Get(db, e.SequenceID)
	if err != nil {
		return err
	}
	req := Request{
		Kind:            KindMessage,
		Contact:         c.Contact,
		Phase:           enrollment.Phase(e.CurrentPhase),
		MessagesInPhase: e.MessagesInPhase,
	}
	if c.Action == enrollment.ActionConnectionRequest {
		req.Kind = KindNote
	}
	if seq.Mode != sequence.ModeSmart {
		req.Step = enrollment.CurrentStep(e, seq.Steps)
	}
	if req.Kind == KindMessage {
		turns, err := messaging.Recent(db, e.ContactID, messaging.DefaultTranscriptTurns)
		if err != nil {
			return err
		}
		req.Transcript = messaging.Transcript(turns)
	}
	if e.PhaseAnalysis != "" {
		var d enrollment.Decision
		if err := json.Unmarshal([]byte(e.PhaseAnalysis), &d); err == nil {
			req.Analysis = &d
		}
	}

	text, err := p.generate(ctx, req)
	if err != nil {
		return err
	}
	_, err = p.store.Update(ctx, e.ID, func(cur *models.SequenceEnrollment) error {
		if cur.PendingMessage != "" || cur.PendingAction != c.Action || cur.Status != enrollment.StatusActive {
			return errAlreadyPrepared
		}
		cur.PendingMessage = text
		return nil
	})
	return err
}

func (p *Preparer) generate(ctx context.Context, r Request) (string, error) {
	text, err := p.gen.Generate(ctx, r)
	if err != nil {
		return "", fmt.Errorf("prepare: generate %s: %w", r.Kind, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("prepare: generate %s: empty text", r.Kind)
	}
	if r.Kind == KindNote {
		text = Truncate(text, MaxNoteLength)
	}
	return text, nil
}

// Truncate shortens s to at most n runes, cutting at a word boundary and
// marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n-3]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ") + "..."
}
