package enrollment

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
)

// fixedRand returns v clamped into [0, n).
type fixedRand int64

func (f fixedRand) Int63n(n int64) int64 {
	if int64(f) >= n {
		return n - 1
	}
	return int64(f)
}

var t0 = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

func testMachine() Machine {
	return Machine{Policy: DefaultPolicy(), Rand: fixedRand(0)}
}

func smartAt(phase Phase, messages int) *models.SequenceEnrollment {
	entered := t0.Add(-48 * time.Hour)
	return &models.SequenceEnrollment{
		ID:              "e1",
		Status:          StatusActive,
		CurrentPhase:    string(phase),
		PhaseEnteredAt:  &entered,
		MessagesInPhase: messages,
	}
}

func TestApply_StayUnderCapQueuesMessage(t *testing.T) {
	m := testMachine()
	e := smartAt(PhaseCalificacion, 1)

	tr, err := m.Apply(e, Decision{Outcome: OutcomeStay}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.To != PhaseCalificacion || tr.Forced {
		t.Errorf("transition = %+v, want stay in calificacion", tr)
	}
	if e.MessagesInPhase != 1 {
		t.Errorf("MessagesInPhase = %d, want 1 until the message is sent", e.MessagesInPhase)
	}
	if e.PendingAction != ActionMessage || e.NextStepDueAt == nil || !e.NextStepDueAt.Equal(t0) {
		t.Errorf("pending = %q due %v, want message due now", e.PendingAction, e.NextStepDueAt)
	}
}

func TestApply_StayAtCapForcesAdvance(t *testing.T) {
	tests := []struct {
		from Phase
		want Phase
	}{
		{PhaseApertura, PhaseCalificacion},
		{PhaseCalificacion, PhaseValor},
		{PhaseValor, PhaseNurture},
		{PhaseReactivacion, PhaseValor},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			e := smartAt(tt.from, 2)
			tr, err := testMachine().Apply(e, Decision{Outcome: OutcomeStay}, t0)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !tr.Forced {
				t.Error("Forced = false, want true")
			}
			if Phase(e.CurrentPhase) != tt.want {
				t.Errorf("phase = %s, want %s", e.CurrentPhase, tt.want)
			}
			if e.MessagesInPhase != 0 {
				t.Errorf("MessagesInPhase = %d, want 0", e.MessagesInPhase)
			}
		})
	}
}

func TestApply_AdvanceTargets(t *testing.T) {
	tests := []struct {
		name      string
		from      Phase
		requested Phase
		want      Phase
	}{
		{"default from apertura", PhaseApertura, "", PhaseCalificacion},
		{"skip from apertura not allowed", PhaseApertura, PhaseValor, PhaseCalificacion},
		{"calificacion to valor", PhaseCalificacion, PhaseValor, PhaseValor},
		{"calificacion to nurture", PhaseCalificacion, PhaseNurture, PhaseNurture},
		{"backwards ignored", PhaseValor, PhaseApertura, PhaseNurture},
		{"nurture back to valor", PhaseNurture, "", PhaseValor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := smartAt(tt.from, 1)
			tr, err := testMachine().Apply(e, Decision{Outcome: OutcomeAdvance, NextPhase: tt.requested}, t0)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if tr.To != tt.want {
				t.Errorf("To = %s, want %s", tr.To, tt.want)
			}
			if e.PhaseEnteredAt == nil || !e.PhaseEnteredAt.Equal(t0) {
				t.Errorf("PhaseEnteredAt = %v, want %v", e.PhaseEnteredAt, t0)
			}
		})
	}
}

func TestApply_NurtureFromValor(t *testing.T) {
	m := Machine{Policy: DefaultPolicy(), Rand: fixedRand(3 * 24 * int64(time.Hour))}
	e := smartAt(PhaseValor, 1)

	tr, err := m.Apply(e, Decision{Outcome: OutcomeNurture}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.To != PhaseNurture || Phase(e.CurrentPhase) != PhaseNurture {
		t.Fatalf("phase = %s, want nurture", e.CurrentPhase)
	}
	if e.NurtureCount != 1 {
		t.Errorf("NurtureCount = %d, want 1", e.NurtureCount)
	}
	if e.MessagesInPhase != 0 {
		t.Errorf("MessagesInPhase = %d, want 0", e.MessagesInPhase)
	}
	want := t0.Add(45 * 24 * time.Hour)
	if e.NextStepDueAt == nil || !e.NextStepDueAt.Equal(want) {
		t.Errorf("NextStepDueAt = %v, want %v", e.NextStepDueAt, want)
	}
	if e.PendingAction != ActionMessage {
		t.Errorf("PendingAction = %q, want message", e.PendingAction)
	}
}

func TestApply_NurtureAtCapExits(t *testing.T) {
	e := smartAt(PhaseNurture, 1)
	e.NurtureCount = 4

	tr, err := testMachine().Apply(e, Decision{Outcome: OutcomeNurture}, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.To != PhaseExited {
		t.Errorf("To = %s, want exited", tr.To)
	}
	if !IsTerminal(e) {
		t.Error("enrollment should be terminal")
	}
	if e.NurtureCount != 4 {
		t.Errorf("NurtureCount = %d, want unchanged 4", e.NurtureCount)
	}
}

func TestApply_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		phase    Phase
		status   string
		terminal bool
		handoff  bool
	}{
		{OutcomePark, PhaseParked, StatusParked, false, false},
		{OutcomeMeeting, PhaseMeeting, StatusCompleted, true, true},
		{OutcomeExit, PhaseExited, StatusCompleted, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			e := smartAt(PhaseValor, 1)
			e.PendingAction = ActionMessage
			e.PendingMessage = "draft"
			tr, err := testMachine().Apply(e, Decision{Outcome: tt.outcome}, t0)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if Phase(e.CurrentPhase) != tt.phase || e.Status != tt.status {
				t.Errorf("got phase %s status %s, want %s %s", e.CurrentPhase, e.Status, tt.phase, tt.status)
			}
			if IsTerminal(e) != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v", IsTerminal(e), tt.terminal)
			}
			if tr.Handoff != tt.handoff {
				t.Errorf("Handoff = %v, want %v", tr.Handoff, tt.handoff)
			}
			if e.PendingAction != "" || e.PendingMessage != "" || e.NextStepDueAt != nil {
				t.Error("pending work should be cleared")
			}
		})
	}
}

func TestApply_Rejections(t *testing.T) {
	tests := []struct {
		name string
		e    *models.SequenceEnrollment
		d    Decision
	}{
		{"awaiting connection", smartAt(PhaseAwaitingConnection, 0), Decision{Outcome: OutcomeAdvance}},
		{"parked", &models.SequenceEnrollment{Status: StatusParked, CurrentPhase: string(PhaseParked)}, Decision{Outcome: OutcomeAdvance}},
		{"completed", &models.SequenceEnrollment{Status: StatusCompleted, CurrentPhase: string(PhaseMeeting)}, Decision{Outcome: OutcomeStay}},
		{"unknown outcome", smartAt(PhaseValor, 0), Decision{Outcome: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := *tt.e
			_, err := testMachine().Apply(tt.e, tt.d, t0)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			if tt.e.CurrentPhase != before.CurrentPhase || tt.e.Status != before.Status {
				t.Error("rejected transition mutated the enrollment")
			}
		})
	}
}

func TestReactivate(t *testing.T) {
	m := testMachine()

	e := smartAt(PhaseCalificacion, 1)
	tr, err := m.Reactivate(e, t0)
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if tr.To != PhaseReactivacion || e.ReactivationCount != 1 {
		t.Errorf("got %s count %d, want reactivacion count 1", tr.To, e.ReactivationCount)
	}
	if e.PendingAction != ActionMessage {
		t.Errorf("PendingAction = %q, want message", e.PendingAction)
	}

	spent := smartAt(PhaseValor, 1)
	spent.ReactivationCount = 1
	tr, err = m.Reactivate(spent, t0)
	if err != nil {
		t.Fatalf("Reactivate spent: %v", err)
	}
	if tr.To != PhaseNurture || spent.NurtureCount != 1 {
		t.Errorf("got %s nurture %d, want nurture 1", tr.To, spent.NurtureCount)
	}

	if _, err := m.Reactivate(smartAt(PhaseNurture, 0), t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reactivate from nurture: err = %v, want ErrInvalidTransition", err)
	}
}

func TestGiveUpAndNurtureAgain(t *testing.T) {
	m := testMachine()

	e := smartAt(PhaseReactivacion, 1)
	if _, err := m.GiveUp(e, t0); err != nil {
		t.Fatalf("GiveUp: %v", err)
	}
	if Phase(e.CurrentPhase) != PhaseExited {
		t.Errorf("phase = %s, want exited", e.CurrentPhase)
	}

	n := smartAt(PhaseNurture, 1)
	n.NurtureCount = 2
	if _, err := m.NurtureAgain(n, t0); err != nil {
		t.Fatalf("NurtureAgain: %v", err)
	}
	if n.NurtureCount != 3 || n.MessagesInPhase != 0 {
		t.Errorf("count %d messages %d, want 3 and 0", n.NurtureCount, n.MessagesInPhase)
	}
	if n.PendingAction != ActionMessage || n.NextStepDueAt == nil || !n.NextStepDueAt.Equal(t0) {
		t.Errorf("next touch pending %q due %v, want message due now", n.PendingAction, n.NextStepDueAt)
	}

	spent := smartAt(PhaseNurture, 1)
	spent.NurtureCount = 4
	tr, err := m.NurtureAgain(spent, t0)
	if err != nil {
		t.Fatalf("NurtureAgain at cap: %v", err)
	}
	if tr.To != PhaseExited || spent.Status != StatusCompleted {
		t.Errorf("at cap: to %s status %s, want exited completed", tr.To, spent.Status)
	}
}

func TestCheckSendable_PhaseCap(t *testing.T) {
	e := smartAt(PhaseValor, 2)
	e.PendingAction = ActionMessage
	e.PendingMessage = "one more"
	if err := testMachine().CheckSendable(e); !errors.Is(err, ErrPhaseCapExceeded) {
		t.Fatalf("err = %v, want ErrPhaseCapExceeded", err)
	}
	if err := testMachine().MarkSmartSent(e, t0); !errors.Is(err, ErrPhaseCapExceeded) {
		t.Fatalf("MarkSmartSent err = %v, want ErrPhaseCapExceeded", err)
	}
	if e.MessagesInPhase != 2 {
		t.Errorf("MessagesInPhase = %d, want unchanged 2", e.MessagesInPhase)
	}
}

func TestMarkSmartSent(t *testing.T) {
	m := testMachine()

	conn := &models.SequenceEnrollment{Status: StatusActive, PendingAction: ActionConnectionRequest, PendingMessage: "Hi"}
	if err := m.MarkSmartSent(conn, t0); err != nil {
		t.Fatalf("MarkSmartSent connection: %v", err)
	}
	if conn.TotalMessagesSent != 0 || conn.PendingAction != "" || conn.NextStepDueAt != nil {
		t.Errorf("connection request sent: %+v", conn)
	}

	e := smartAt(PhaseApertura, 0)
	e.PendingAction = ActionMessage
	e.PendingMessage = "Thanks for connecting"
	e.ConsecutiveFailures = 2
	if err := m.MarkSmartSent(e, t0); err != nil {
		t.Fatalf("MarkSmartSent: %v", err)
	}
	if e.MessagesInPhase != 1 || e.TotalMessagesSent != 1 || e.ConsecutiveFailures != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", e.MessagesInPhase, e.TotalMessagesSent, e.ConsecutiveFailures)
	}
	if e.NextStepDueAt != nil {
		t.Errorf("NextStepDueAt = %v, want nil while awaiting reply", e.NextStepDueAt)
	}

	n := smartAt(PhaseNurture, 0)
	n.PendingAction = ActionMessage
	n.PendingMessage = "Checking in"
	if err := m.MarkSmartSent(n, t0); err != nil {
		t.Fatalf("MarkSmartSent nurture: %v", err)
	}
	if n.NextStepDueAt == nil || !n.NextStepDueAt.Equal(t0.Add(42*24*time.Hour)) {
		t.Errorf("nurture silence timer = %v, want +42d", n.NextStepDueAt)
	}
}

func classicSteps() []models.SequenceStep {
	return []models.SequenceStep{
		{StepOrder: 1, StepType: sequence.StepConnectionRequest},
		{StepOrder: 2, StepType: sequence.StepFollowUp, DelayDays: 2},
		{StepOrder: 3, StepType: sequence.StepFollowUp, DelayDays: 3},
	}
}

func TestClassicProgression(t *testing.T) {
	m := testMachine()
	steps := classicSteps()
	e := &models.SequenceEnrollment{}
	StartClassic(e, steps, "Hi, let's connect", t0)

	if e.PendingAction != ActionConnectionRequest || e.PendingMessage != "Hi, let's connect" {
		t.Fatalf("start = %+v", e)
	}

	if err := m.AdvanceStep(e, steps, t0); err != nil {
		t.Fatalf("AdvanceStep 1: %v", err)
	}
	if e.CurrentStepOrder != 2 || e.NextStepDueAt != nil || e.PendingAction != "" {
		t.Fatalf("after connection request: order %d due %v pending %q", e.CurrentStepOrder, e.NextStepDueAt, e.PendingAction)
	}

	accepted := t0.Add(24 * time.Hour)
	if err := m.MarkConnected(e, steps, false, accepted); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if e.NextStepDueAt == nil || !e.NextStepDueAt.Equal(accepted.Add(48*time.Hour)) {
		t.Fatalf("step 2 due = %v, want accepted+2d", e.NextStepDueAt)
	}

	e.PendingMessage = "Follow-up one"
	sent := accepted.Add(48 * time.Hour)
	if err := m.AdvanceStep(e, steps, sent); err != nil {
		t.Fatalf("AdvanceStep 2: %v", err)
	}
	if e.CurrentStepOrder != 3 || !e.NextStepDueAt.Equal(sent.Add(72*time.Hour)) {
		t.Fatalf("after step 2: order %d due %v", e.CurrentStepOrder, e.NextStepDueAt)
	}

	e.PendingMessage = "Follow-up two"
	if err := m.AdvanceStep(e, steps, sent.Add(72*time.Hour)); err != nil {
		t.Fatalf("AdvanceStep 3: %v", err)
	}
	if e.Status != StatusCompleted || e.CompletedAt == nil {
		t.Errorf("status = %s, want completed", e.Status)
	}
	if e.TotalMessagesSent != 2 {
		t.Errorf("TotalMessagesSent = %d, want 2", e.TotalMessagesSent)
	}
}

func TestMarkRepliedAndResume(t *testing.T) {
	steps := classicSteps()[1:]
	steps[0].StepOrder, steps[1].StepOrder = 1, 2
	e := &models.SequenceEnrollment{}
	StartClassic(e, steps, "", t0)

	if err := MarkReplied(e, t0); err != nil {
		t.Fatalf("MarkReplied: %v", err)
	}
	if e.Status != StatusReplied || e.NextStepDueAt != nil {
		t.Fatalf("after reply: %+v", e)
	}
	if err := MarkReplied(e, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkReplied err = %v", err)
	}

	if err := Resume(e, steps, false, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	paused := &models.SequenceEnrollment{}
	StartClassic(paused, steps, "", t0)
	if err := Pause(paused); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := MarkReplied(paused, t0); err != nil || paused.Status != StatusReplied {
		t.Errorf("MarkReplied on paused: err = %v, status = %q", err, paused.Status)
	}
	if e.Status != StatusActive || e.PendingAction != ActionMessage || e.CurrentStepOrder != 1 {
		t.Errorf("after resume: %+v", e)
	}
}

func TestResume_ParkedSmartRestartsInReactivacion(t *testing.T) {
	e := &models.SequenceEnrollment{Status: StatusParked, CurrentPhase: string(PhaseParked)}
	if err := Resume(e, nil, true, t0); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if e.Status != StatusActive || Phase(e.CurrentPhase) != PhaseReactivacion {
		t.Errorf("got %s/%s", e.Status, e.CurrentPhase)
	}
	if err := Resume(e, nil, true, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume active: err = %v", err)
	}
}

func TestRecordFailure(t *testing.T) {
	m := testMachine()
	e := &models.SequenceEnrollment{Status: StatusActive, PendingAction: ActionMessage, PendingMessage: "x"}

	for i := 1; i < 3; i++ {
		if m.RecordFailure(e, "rate limited", t0) {
			t.Fatalf("failed after %d attempts, want 3", i)
		}
	}
	if !m.RecordFailure(e, "rate limited", t0) {
		t.Fatal("not failed after 3 attempts")
	}
	if e.Status != StatusFailed || e.FailedReason != "rate limited" || !IsTerminal(e) {
		t.Errorf("after failures: %+v", e)
	}
}

func TestWithdraw(t *testing.T) {
	e := smartAt(PhaseValor, 0)
	if err := Withdraw(e, t0); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if err := Withdraw(e, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Withdraw err = %v", err)
	}
}

func TestNurtureDelayBounds(t *testing.T) {
	lo := Machine{Policy: DefaultPolicy(), Rand: fixedRand(0)}.NurtureDelay()
	hi := Machine{Policy: DefaultPolicy(), Rand: fixedRand(1 << 62)}.NurtureDelay()
	if lo != 42*24*time.Hour {
		t.Errorf("min delay = %s, want 42d", lo)
	}
	if hi != 56*24*time.Hour {
		t.Errorf("max delay = %s, want 56d", hi)
	}
}

func TestParsePhaseAndOutcome(t *testing.T) {
	if _, err := ParsePhase("valor"); err != nil {
		t.Errorf("ParsePhase(valor): %v", err)
	}
	if _, err := ParsePhase("closing"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ParsePhase(closing) err = %v", err)
	}
	if _, err := ParseOutcome("meeting"); err != nil {
		t.Errorf("ParseOutcome(meeting): %v", err)
	}
	if PhaseAwaitingConnection.String() != "awaiting_connection" {
		t.Errorf("String() = %q", PhaseAwaitingConnection.String())
	}
}
