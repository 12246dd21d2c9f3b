// Package enrollment implements the per-contact sequence state machine:
// classic step progression, smart-pipeline phase transitions, and the
// optimistic persistence that keeps concurrent writers from clobbering each
// other.
package enrollment

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
)

// Enrollment statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusReplied   = "replied"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusWithdrawn = "withdrawn"
	StatusParked    = "parked"
)

// Pending actions awaiting dispatch.
const (
	ActionConnectionRequest = "connection_request"
	ActionMessage           = "message"
)

var (
	// ErrInvalidTransition is returned when a requested change is not legal
	// from the enrollment's current state.
	ErrInvalidTransition = errors.New("enrollment: invalid transition")
	// ErrPhaseCapExceeded is returned when a send would exceed the per-phase
	// message cap.
	ErrPhaseCapExceeded = errors.New("enrollment: phase message cap exceeded")
	// ErrAlreadyEnrolled is returned when a contact already holds a
	// non-terminal enrollment.
	ErrAlreadyEnrolled = errors.New("enrollment: contact already enrolled")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("enrollment: concurrent update conflict")
	// ErrNotFound is returned for unknown enrollment ids.
	ErrNotFound = errors.New("enrollment: not found")
)

// Policy holds the pipeline limits.
type Policy struct {
	MaxMessagesPerPhase     int
	MaxNurtureTouches       int
	MaxReactivationAttempts int
	MaxDispatchFailures     int
	NurtureMinDays          int
	NurtureMaxDays          int
	ReactivationSilence     time.Duration
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxMessagesPerPhase:     2,
		MaxNurtureTouches:       4,
		MaxReactivationAttempts: 1,
		MaxDispatchFailures:     3,
		NurtureMinDays:          42,
		NurtureMaxDays:          56,
		ReactivationSilence:     30 * 24 * time.Hour,
	}
}

// PolicyFromConfig converts the configured limits.
func PolicyFromConfig(c config.PolicyConfig) Policy {
	return Policy{
		MaxMessagesPerPhase:     c.MaxMessagesPerPhase,
		MaxNurtureTouches:       c.MaxNurtureTouches,
		MaxReactivationAttempts: c.MaxReactivationAttempts,
		MaxDispatchFailures:     c.MaxDispatchFailures,
		NurtureMinDays:          c.NurtureMinDays,
		NurtureMaxDays:          c.NurtureMaxDays,
		ReactivationSilence:     time.Duration(c.ReactivationSilenceDays) * 24 * time.Hour,
	}
}

// Rand is the randomness the machine needs for nurture scheduling.
type Rand interface {
	Int63n(n int64) int64
}

// Machine applies transitions to enrollments in memory. It never touches
// the database; Store persists the result.
type Machine struct {
	Policy Policy
	Rand   Rand
}

// NewMachine returns a Machine seeded from the wall clock.
func NewMachine(p Policy) Machine {
	return Machine{Policy: p, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NurtureDelay picks a uniformly random gap in [NurtureMinDays, NurtureMaxDays].
func (m Machine) NurtureDelay() time.Duration {
	lo := time.Duration(m.Policy.NurtureMinDays) * 24 * time.Hour
	hi := time.Duration(m.Policy.NurtureMaxDays) * 24 * time.Hour
	if hi <= lo || m.Rand == nil {
		return lo
	}
	return lo + time.Duration(m.Rand.Int63n(int64(hi-lo)+1))
}

// Transition describes what Apply did.
type Transition struct {
	From    Phase
	To      Phase
	Outcome Outcome
	Forced  bool
	Status  string
	Handoff bool
}

// IsTerminal reports whether the enrollment can never change again.
func IsTerminal(e *models.SequenceEnrollment) bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusWithdrawn:
		return true
	}
	return Phase(e.CurrentPhase) == PhaseExited
}

// Apply moves a smart-pipeline enrollment according to a classified reply.
func (m Machine) Apply(e *models.SequenceEnrollment, d Decision, now time.Time) (Transition, error) {
	from := Phase(e.CurrentPhase)
	if e.Status != StatusActive {
		return Transition{}, fmt.Errorf("%w: status is %q", ErrInvalidTransition, e.Status)
	}
	if !from.Conversational() {
		return Transition{}, fmt.Errorf("%w: phase %s does not take decisions", ErrInvalidTransition, from)
	}
	if _, err := ParseOutcome(string(d.Outcome)); err != nil {
		return Transition{}, err
	}

	tr := Transition{From: from, Outcome: d.Outcome}
	switch d.Outcome {
	case OutcomeAdvance:
		m.advance(e, &tr, advanceTarget(from, d.NextPhase), now)
	case OutcomeStay:
		if e.MessagesInPhase >= m.Policy.MaxMessagesPerPhase {
			tr.Forced = true
			m.advance(e, &tr, NextInOrder(from), now)
		} else {
			tr.To = from
			queueMessage(e, now)
		}
	case OutcomeNurture:
		m.nurture(e, &tr, now)
	case OutcomePark:
		park(e, &tr)
	case OutcomeMeeting:
		finish(e, &tr, PhaseMeeting, now)
		tr.Handoff = true
	case OutcomeExit:
		finish(e, &tr, PhaseExited, now)
	}
	tr.Status = e.Status
	return tr, nil
}

func (m Machine) advance(e *models.SequenceEnrollment, tr *Transition, to Phase, now time.Time) {
	if to == PhaseNurture {
		m.nurture(e, tr, now)
		return
	}
	enterPhase(e, to, now)
	tr.To = to
	queueMessage(e, now)
}

// nurture schedules the next long-interval touch, or exits once the touch
// budget is spent.
func (m Machine) nurture(e *models.SequenceEnrollment, tr *Transition, now time.Time) {
	if e.NurtureCount >= m.Policy.MaxNurtureTouches {
		finish(e, tr, PhaseExited, now)
		return
	}
	enterPhase(e, PhaseNurture, now)
	e.NurtureCount++
	tr.To = PhaseNurture
	due := now.Add(m.NurtureDelay())
	e.PendingAction = ActionMessage
	e.PendingMessage = ""
	e.NextStepDueAt = &due
}

// Reactivate re-engages an enrollment that went silent. Once reactivation
// attempts are spent it falls back to nurture.
func (m Machine) Reactivate(e *models.SequenceEnrollment, now time.Time) (Transition, error) {
	from := Phase(e.CurrentPhase)
	if e.Status != StatusActive {
		return Transition{}, fmt.Errorf("%w: status is %q", ErrInvalidTransition, e.Status)
	}
	switch from {
	case PhaseApertura, PhaseCalificacion, PhaseValor:
	default:
		return Transition{}, fmt.Errorf("%w: cannot reactivate from %s", ErrInvalidTransition, from)
	}
	tr := Transition{From: from, Outcome: OutcomeNurture}
	if e.ReactivationCount >= m.Policy.MaxReactivationAttempts {
		m.nurture(e, &tr, now)
		tr.Status = e.Status
		return tr, nil
	}
	tr.Outcome = OutcomeAdvance
	enterPhase(e, PhaseReactivacion, now)
	e.ReactivationCount++
	tr.To = PhaseReactivacion
	queueMessage(e, now)
	tr.Status = e.Status
	return tr, nil
}

// NurtureAgain queues the next touch for a nurture enrollment whose last
// touch went unanswered. The silence timer set on send already waited out
// the interval, so the touch is due now.
func (m Machine) NurtureAgain(e *models.SequenceEnrollment, now time.Time) (Transition, error) {
	if e.Status != StatusActive || Phase(e.CurrentPhase) != PhaseNurture {
		return Transition{}, fmt.Errorf("%w: not an active nurture enrollment", ErrInvalidTransition)
	}
	tr := Transition{From: PhaseNurture, Outcome: OutcomeNurture}
	if e.NurtureCount >= m.Policy.MaxNurtureTouches {
		finish(e, &tr, PhaseExited, now)
	} else {
		enterPhase(e, PhaseNurture, now)
		e.NurtureCount++
		tr.To = PhaseNurture
		queueMessage(e, now)
	}
	tr.Status = e.Status
	return tr, nil
}

// GiveUp exits an enrollment whose reactivation attempt went unanswered.
func (m Machine) GiveUp(e *models.SequenceEnrollment, now time.Time) (Transition, error) {
	if e.Status != StatusActive || Phase(e.CurrentPhase) != PhaseReactivacion {
		return Transition{}, fmt.Errorf("%w: not an active reactivation enrollment", ErrInvalidTransition)
	}
	tr := Transition{From: PhaseReactivacion, Outcome: OutcomeExit}
	finish(e, &tr, PhaseExited, now)
	tr.Status = e.Status
	return tr, nil
}

func enterPhase(e *models.SequenceEnrollment, p Phase, now time.Time) {
	e.CurrentPhase = string(p)
	e.PhaseEnteredAt = &now
	e.MessagesInPhase = 0
}

func queueMessage(e *models.SequenceEnrollment, now time.Time) {
	e.PendingAction = ActionMessage
	e.PendingMessage = ""
	e.NextStepDueAt = &now
}

func clearPending(e *models.SequenceEnrollment) {
	e.PendingAction = ""
	e.PendingMessage = ""
	e.NextStepDueAt = nil
}

func park(e *models.SequenceEnrollment, tr *Transition) {
	e.Status = StatusParked
	e.CurrentPhase = string(PhaseParked)
	clearPending(e)
	tr.To = PhaseParked
}

func finish(e *models.SequenceEnrollment, tr *Transition, p Phase, now time.Time) {
	e.Status = StatusCompleted
	e.CurrentPhase = string(p)
	e.CompletedAt = &now
	clearPending(e)
	tr.To = p
}

// CheckSendable rejects a send that the enrollment is not in a state to make.
func (m Machine) CheckSendable(e *models.SequenceEnrollment) error {
	if e.Status != StatusActive {
		return fmt.Errorf("%w: status is %q", ErrInvalidTransition, e.Status)
	}
	if e.PendingAction == "" || e.PendingMessage == "" {
		return fmt.Errorf("%w: nothing pending", ErrInvalidTransition)
	}
	if e.PendingAction == ActionMessage && Phase(e.CurrentPhase).Conversational() &&
		e.MessagesInPhase >= m.Policy.MaxMessagesPerPhase {
		return fmt.Errorf("%w: %d messages already sent in %s", ErrPhaseCapExceeded, e.MessagesInPhase, e.CurrentPhase)
	}
	return nil
}

// MarkSmartSent records a successful smart-pipeline dispatch.
func (m Machine) MarkSmartSent(e *models.SequenceEnrollment, now time.Time) error {
	if err := m.CheckSendable(e); err != nil {
		return err
	}
	action := e.PendingAction
	e.LastStepCompletedAt = &now
	e.ConsecutiveFailures = 0
	clearPending(e)
	if action == ActionConnectionRequest {
		return nil
	}
	e.MessagesInPhase++
	e.TotalMessagesSent++
	if Phase(e.CurrentPhase) == PhaseNurture {
		// Silence timer for the next touch.
		due := now.Add(m.NurtureDelay())
		e.NextStepDueAt = &due
	}
	return nil
}

// MarkConnected handles acceptance of the connection request. Smart
// enrollments enter apertura with an opening message due immediately; the
// dispatcher holds it until the account's window opens.
func (m Machine) MarkConnected(e *models.SequenceEnrollment, steps []models.SequenceStep, smart bool, at time.Time) error {
	if e.Status != StatusActive {
		return fmt.Errorf("%w: status is %q", ErrInvalidTransition, e.Status)
	}
	if smart {
		if Phase(e.CurrentPhase) != PhaseAwaitingConnection {
			return fmt.Errorf("%w: already in phase %s", ErrInvalidTransition, e.CurrentPhase)
		}
		enterPhase(e, PhaseApertura, at)
		queueMessage(e, at)
		return nil
	}
	step := stepAt(steps, e.CurrentStepOrder)
	if step == nil || e.PendingAction != "" {
		return nil
	}
	due := at.Add(time.Duration(step.DelayDays) * 24 * time.Hour)
	e.NextStepDueAt = &due
	e.PendingAction = actionFor(step)
	return nil
}

// StartClassic initializes a classic enrollment at its first step.
func StartClassic(e *models.SequenceEnrollment, steps []models.SequenceStep, prepared string, now time.Time) {
	e.Status = StatusActive
	e.CurrentStepOrder = 1
	step := stepAt(steps, 1)
	if step == nil {
		return
	}
	due := now.Add(time.Duration(step.DelayDays) * 24 * time.Hour)
	e.NextStepDueAt = &due
	e.PendingAction = actionFor(step)
	if e.PendingAction == ActionConnectionRequest {
		e.PendingMessage = prepared
	}
}

// StartSmart initializes a smart enrollment with its connection request.
func StartSmart(e *models.SequenceEnrollment, prepared string, now time.Time) {
	e.Status = StatusActive
	e.CurrentPhase = string(PhaseAwaitingConnection)
	e.PendingAction = ActionConnectionRequest
	e.PendingMessage = prepared
	e.NextStepDueAt = &now
}

// AdvanceStep records a successful classic step and schedules the next one.
func (m Machine) AdvanceStep(e *models.SequenceEnrollment, steps []models.SequenceStep, now time.Time) error {
	if err := m.CheckSendable(e); err != nil {
		return err
	}
	cur := stepAt(steps, e.CurrentStepOrder)
	if cur == nil {
		return fmt.Errorf("%w: no step %d", ErrInvalidTransition, e.CurrentStepOrder)
	}
	e.LastStepCompletedAt = &now
	e.ConsecutiveFailures = 0
	clearPending(e)
	if cur.StepType != sequence.StepConnectionRequest {
		e.TotalMessagesSent++
	}

	e.CurrentStepOrder++
	next := stepAt(steps, e.CurrentStepOrder)
	if next == nil {
		e.Status = StatusCompleted
		e.CompletedAt = &now
		return nil
	}
	if cur.StepType == sequence.StepConnectionRequest {
		// Follow-ups wait for acceptance.
		return nil
	}
	due := now.Add(time.Duration(next.DelayDays) * 24 * time.Hour)
	e.NextStepDueAt = &due
	e.PendingAction = actionFor(next)
	return nil
}

// MarkReplied halts a classic enrollment on an inbound reply. A paused
// enrollment counts as running.
func MarkReplied(e *models.SequenceEnrollment, at time.Time) error {
	if e.Status != StatusActive && e.Status != StatusPaused {
		return fmt.Errorf("%w: status is %q", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusReplied
	e.RepliedAt = &at
	clearPending(e)
	return nil
}

// RecordFailure counts a failed dispatch and fails the enrollment once the
// bound is reached. It reports whether the enrollment is now failed.
func (m Machine) RecordFailure(e *models.SequenceEnrollment, reason string, now time.Time) bool {
	e.ConsecutiveFailures++
	if e.ConsecutiveFailures < m.Policy.MaxDispatchFailures {
		return false
	}
	e.Status = StatusFailed
	e.FailedReason = reason
	e.CompletedAt = &now
	clearPending(e)
	return true
}

// Pause suspends an active enrollment.
func Pause(e *models.SequenceEnrollment) error {
	if e.Status != StatusActive {
		return fmt.Errorf("%w: cannot pause from %q", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusPaused
	return nil
}

// Resume reactivates a replied, paused or parked enrollment. Classic
// enrollments pick up at their current step; parked smart enrollments
// restart in reactivacion.
func Resume(e *models.SequenceEnrollment, steps []models.SequenceStep, smart bool, now time.Time) error {
	switch e.Status {
	case StatusReplied, StatusPaused, StatusParked:
	default:
		return fmt.Errorf("%w: cannot resume from %q", ErrInvalidTransition, e.Status)
	}
	prev := e.Status
	e.Status = StatusActive
	if smart {
		if prev == StatusParked {
			enterPhase(e, PhaseReactivacion, now)
			queueMessage(e, now)
		}
		return nil
	}
	step := stepAt(steps, e.CurrentStepOrder)
	if step == nil {
		e.Status = StatusCompleted
		e.CompletedAt = &now
		return nil
	}
	if e.PendingAction == "" {
		e.PendingAction = actionFor(step)
		e.NextStepDueAt = &now
	}
	return nil
}

// Withdraw removes a contact from the sequence for good.
func Withdraw(e *models.SequenceEnrollment, now time.Time) error {
	if IsTerminal(e) {
		return fmt.Errorf("%w: enrollment already %s", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusWithdrawn
	e.CompletedAt = &now
	clearPending(e)
	return nil
}

func stepAt(steps []models.SequenceStep, order int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepOrder == order {
			return &steps[i]
		}
	}
	return nil
}

// CurrentStep returns the step the enrollment is on, or nil past the end.
func CurrentStep(e *models.SequenceEnrollment, steps []models.SequenceStep) *models.SequenceStep {
	return stepAt(steps, e.CurrentStepOrder)
}

func actionFor(step *models.SequenceStep) string {
	if step.StepType == sequence.StepConnectionRequest {
		return ActionConnectionRequest
	}
	return ActionMessage
}
