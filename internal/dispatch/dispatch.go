// Package dispatch performs one paced external send per call: it takes the
// account lock, checks the window and quota, picks the oldest eligible
// candidate, sends, and records the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/lock"
	"github.com/zulandar/outreach/internal/messaging"
	"github.com/zulandar/outreach/internal/metrics"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/notify"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

// Dispatch modes.
const (
	ModeManual    = "manual"
	ModeAutomatic = "automatic"
)

// Log kinds.
const (
	KindInvitation = "invitation"
	KindMessage    = "message"
)

// Reasons a call ended without a successful send. Quota reasons are passed
// through from quota.Check.
const (
	ReasonLocked       = "dispatch already in progress"
	ReasonDisabled     = "automation disabled"
	ReasonNoCandidates = "no eligible contacts"
	ReasonSendFailed   = "send failed"
	ReasonPhaseCap     = "phase message cap reached"
)

// maxPreview is the stored length of a message preview.
const maxPreview = 300

// Options wires a Dispatcher.
type Options struct {
	DB       *gorm.DB
	Quota    *quota.Tracker
	Selector *selector.Selector
	Store    *enrollment.Store
	Locker   lock.Locker
	Sender   Sender
	Notifier notify.Notifier
	Log      logrus.FieldLogger

	// Rand, Now and Sleep default to the real thing.
	Rand  enrollment.Rand
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher sends the next action for an account.
type Dispatcher struct {
	db       *gorm.DB
	quota    *quota.Tracker
	selector *selector.Selector
	store    *enrollment.Store
	locker   lock.Locker
	sender   Sender
	notifier notify.Notifier
	log      logrus.FieldLogger
	rand     enrollment.Rand
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns a Dispatcher. DB, Quota, Selector, Store, Locker and Sender
// are required.
func New(o Options) *Dispatcher {
	d := &Dispatcher{
		db:       o.DB,
		quota:    o.Quota,
		selector: o.Selector,
		store:    o.Store,
		locker:   o.Locker,
		sender:   o.Sender,
		notifier: o.Notifier,
		log:      o.Log,
		rand:     o.Rand,
		now:      o.Now,
		sleep:    o.Sleep,
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.rand == nil {
		d.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepWithContext
	}
	return d
}

// Result describes one DispatchNext call.
type Result struct {
	Sent         bool
	Reason       string
	Kind         string
	ContactID    string
	ContactName  string
	EnrollmentID string
	Error        string
	// Failed is set when this failure exhausted the retry budget.
	Failed     bool
	Remaining  int
	NextSendAt *time.Time
}

// DispatchNext sends at most one action for the account. Manual mode
// ignores the automation toggle but nothing else. Provider failures are
// reported in the Result; the returned error is for store or lock trouble.
func (d *Dispatcher) DispatchNext(ctx context.Context, accountID, mode string) (Result, error) {
	log := d.log.WithFields(logrus.Fields{"account": accountID, "mode": mode})

	lease, ok, err := d.locker.TryAcquire(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	if !ok {
		return d.skip(ReasonLocked), nil
	}
	defer func() {
		// Release with a fresh context so a cancelled tick still frees the lease.
		if err := lease.Release(context.Background()); err != nil {
			log.WithError(err).Warn("release dispatch lock")
		}
	}()

	now := d.now().UTC()
	st, err := d.quota.Check(ctx, accountID, now)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	metrics.QuotaRemaining.WithLabelValues(accountID).Set(float64(st.Remaining))
	if mode != ModeManual && !st.Settings.Enabled {
		return d.skip(ReasonDisabled), nil
	}
	if !st.Allowed {
		r := d.skip(st.Reason)
		r.Remaining = st.Remaining
		r.NextSendAt = st.Settings.NextSendAt
		return r, nil
	}

	cand, err := d.selector.Next(ctx, selector.FilterFromSettings(&st.Settings, now))
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	if cand == nil {
		r := d.skip(ReasonNoCandidates)
		r.Remaining = st.Remaining
		return r, nil
	}
	log = log.WithField("contact", cand.Contact.ID)
	if cand.Enrollment != nil {
		log = log.WithField("enrollment", cand.Enrollment.ID)
	}

	res := Result{
		Kind:        kindOf(cand.Action),
		ContactID:   cand.Contact.ID,
		ContactName: cand.Contact.FullName(),
		Remaining:   st.Remaining,
	}

	var seq *models.Sequence
	if cand.Enrollment != nil {
		res.EnrollmentID = cand.Enrollment.ID
		if seq, err = sequence.Get(d.db.WithContext(ctx), cand.Enrollment.SequenceID); err != nil {
			return Result{}, fmt.Errorf("dispatch: %w", err)
		}
		if err := d.store.Machine().CheckSendable(cand.Enrollment); err != nil {
			if errors.Is(err, enrollment.ErrPhaseCapExceeded) {
				d.forceAdvance(ctx, log, cand.Enrollment.ID, now)
				res.Reason = ReasonPhaseCap
				metrics.DispatchSkipped.WithLabelValues(ReasonPhaseCap).Inc()
				return res, nil
			}
			return Result{}, fmt.Errorf("dispatch: %w", err)
		}
	}

	chatID, sendErr := d.send(ctx, cand)
	if err := d.writeLog(ctx, accountID, mode, cand, now, sendErr); err != nil {
		log.WithError(err).Error("write invitation log")
	}
	if sendErr != nil {
		metrics.DispatchTotal.WithLabelValues(res.Kind, mode, "failure").Inc()
		res.Reason = ReasonSendFailed
		res.Error = sendErr.Error()
		res.Failed = d.recordFailure(ctx, log, cand, now, sendErr.Error())
		// A failure consumes no quota but still gates the next attempt.
		delay := d.delay(st.Settings)
		if err := d.quota.RecordAttempt(ctx, accountID, now, delay); err != nil {
			log.WithError(err).Error("record failed attempt against pacing")
		}
		next := now.Add(delay)
		res.NextSendAt = &next
		log.WithError(sendErr).Warn("send failed")
		return res, nil
	}
	metrics.DispatchTotal.WithLabelValues(res.Kind, mode, "success").Inc()
	res.Sent = true

	delay := d.delay(st.Settings)
	if err := d.quota.RecordSend(ctx, accountID, now, delay); err != nil {
		// The message is out; keep going so state matches reality.
		log.WithError(err).Error("record send against quota")
	} else {
		next := now.Add(delay)
		res.NextSendAt = &next
		res.Remaining = st.Remaining - 1
		metrics.QuotaRemaining.WithLabelValues(accountID).Set(float64(res.Remaining))
	}
	if err := d.recordSuccess(ctx, cand, seq, chatID, now); err != nil {
		log.WithError(err).Error("record successful send")
	}
	log.WithField("kind", res.Kind).Info("sent")
	return res, nil
}

func (d *Dispatcher) skip(reason string) Result {
	metrics.DispatchSkipped.WithLabelValues(reason).Inc()
	return Result{Reason: reason}
}

func kindOf(action string) string {
	if action == enrollment.ActionConnectionRequest {
		return KindInvitation
	}
	return KindMessage
}

// send makes the provider call. chatID is set for messages.
func (d *Dispatcher) send(ctx context.Context, c *selector.Candidate) (chatID string, err error) {
	if c.Action == enrollment.ActionConnectionRequest {
		return "", d.sender.SendInvitation(ctx, c.Contact, c.Message)
	}
	return d.sender.SendMessage(ctx, c.Contact, c.Message)
}

// delay picks the gap before the account's next send, uniform in
// [min_delay_seconds, max_delay_seconds].
func (d *Dispatcher) delay(s models.AutomationSettings) time.Duration {
	lo, hi := s.MinDelaySeconds, s.MaxDelaySeconds
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(int64(lo)+d.rand.Int63n(int64(hi-lo)+1)) * time.Second
}

func (d *Dispatcher) writeLog(ctx context.Context, accountID, mode string, c *selector.Candidate, now time.Time, sendErr error) error {
	row := models.InvitationLog{
		AccountID:      accountID,
		ContactID:      c.Contact.ID,
		CampaignID:     c.Contact.CampaignID,
		ContactName:    c.Contact.FullName(),
		ContactCompany: c.Contact.Company,
		Kind:           kindOf(c.Action),
		Mode:           mode,
		Success:        sendErr == nil,
		MessagePreview: preview(c.Message),
		SentAt:         now,
	}
	if c.Enrollment != nil {
		id := c.Enrollment.ID
		row.EnrollmentID = &id
	}
	if sendErr != nil {
		row.ErrorMessage = sendErr.Error()
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= maxPreview {
		return s
	}
	return string([]rune(s)[:maxPreview])
}

func (d *Dispatcher) recordSuccess(ctx context.Context, c *selector.Candidate, seq *models.Sequence, chatID string, now time.Time) error {
	db := d.db.WithContext(ctx)
	contact := map[string]interface{}{
		"dispatch_failures":   0,
		"last_dispatch_error": "",
	}
	if c.Action == enrollment.ActionConnectionRequest {
		contact["status"] = enrollment.ContactInvitationSent
		contact["connection_sent_at"] = now
	} else {
		contact["last_message_at"] = now
		if chatID != "" && chatID != c.Contact.ChatID {
			contact["chat_id"] = chatID
		}
	}
	if err := db.Model(&models.Contact{}).Where("id = ?", c.Contact.ID).Updates(contact).Error; err != nil {
		return fmt.Errorf("update contact: %w", err)
	}

	opts := messaging.RecordOpts{AccountID: c.Contact.AccountID, ContactID: c.Contact.ID}
	if c.Enrollment != nil {
		opts.EnrollmentID = c.Enrollment.ID
	}
	if _, err := messaging.Record(db, opts, messaging.Outbound, c.Message, now); err != nil {
		return err
	}

	if c.Enrollment == nil {
		return nil
	}
	m := d.store.Machine()
	smart := seq.Mode == sequence.ModeSmart
	_, err := d.store.Update(ctx, c.Enrollment.ID, func(e *models.SequenceEnrollment) error {
		if smart {
			return m.MarkSmartSent(e, now)
		}
		return m.AdvanceStep(e, seq.Steps, now)
	})
	return err
}

// recordFailure counts the failure against the enrollment or, for a
// standalone invitation, the contact. It reports whether the retry budget
// is now spent.
func (d *Dispatcher) recordFailure(ctx context.Context, log logrus.FieldLogger, c *selector.Candidate, now time.Time, reason string) bool {
	if c.Enrollment != nil {
		failed := false
		_, err := d.store.Update(ctx, c.Enrollment.ID, func(e *models.SequenceEnrollment) error {
			failed = d.store.Machine().RecordFailure(e, reason, now)
			return nil
		})
		if err != nil {
			log.WithError(err).Error("record enrollment failure")
			return false
		}
		if failed {
			d.notifyFailure(ctx, log, notify.KindEnrollmentFailed, c, reason)
		}
		return failed
	}

	max := d.store.Machine().Policy.MaxDispatchFailures
	updates := map[string]interface{}{
		"dispatch_failures":   gorm.Expr("dispatch_failures + 1"),
		"last_dispatch_error": reason,
	}
	failed := c.Contact.DispatchFailures+1 >= max
	if failed {
		updates["status"] = enrollment.ContactFailed
	}
	if err := d.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", c.Contact.ID).
		Updates(updates).Error; err != nil {
		log.WithError(err).Error("record contact failure")
		return false
	}
	if failed {
		d.notifyFailure(ctx, log, notify.KindContactFailed, c, reason)
	}
	return failed
}

func (d *Dispatcher) notifyFailure(ctx context.Context, log logrus.FieldLogger, kind string, c *selector.Candidate, reason string) {
	e := notify.Event{
		Kind:        kind,
		AccountID:   c.Contact.AccountID,
		ContactID:   c.Contact.ID,
		ContactName: c.Contact.FullName(),
		Company:     c.Contact.Company,
		Body:        reason,
	}
	if c.Enrollment != nil {
		e.EnrollmentID = c.Enrollment.ID
	}
	if err := d.notifier.Notify(ctx, e); err != nil {
		log.WithError(err).Warn("failure notification")
	}
}

// forceAdvance moves an enrollment stuck at its phase cap on to the next
// phase, the same way a stay decision at the cap would.
func (d *Dispatcher) forceAdvance(ctx context.Context, log logrus.FieldLogger, id string, now time.Time) {
	m := d.store.Machine()
	var tr enrollment.Transition
	_, err := d.store.Update(ctx, id, func(e *models.SequenceEnrollment) error {
		var err error
		tr, err = m.Apply(e, enrollment.Decision{Outcome: enrollment.OutcomeStay, Reason: "phase message cap"}, now)
		return err
	})
	if err != nil {
		log.WithError(err).Error("force advance at phase cap")
		return
	}
	metrics.TransitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	log.WithField("phase", tr.To.String()).Warn("pending message exceeded phase cap; advanced phase")
}

// RunBatch dispatches up to n actions, waiting out the randomized gap
// between sends. The wait happens with no lock held. It stops early when
// the account cannot send.
func (d *Dispatcher) RunBatch(ctx context.Context, accountID, mode string, n int) ([]Result, error) {
	var out []Result
	for i := 0; i < n; i++ {
		r, err := d.DispatchNext(ctx, accountID, mode)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		if !r.Sent && r.Reason != ReasonSendFailed && r.Reason != ReasonPhaseCap {
			return out, nil
		}
		if i == n-1 {
			break
		}
		if r.NextSendAt == nil {
			continue
		}
		if wait := r.NextSendAt.Sub(d.now()); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
