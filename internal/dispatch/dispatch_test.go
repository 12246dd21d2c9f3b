package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/db"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/lock"
	"github.com/zulandar/outreach/internal/logging"
	"github.com/zulandar/outreach/internal/messaging"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/notify"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

// monday10 is inside the default 09:00-18:00 Mon-Fri UTC window.
var monday10 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type zeroRand struct{}

func (zeroRand) Int63n(int64) int64 { return 0 }

type call struct {
	kind    string
	contact string
	text    string
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []call
	err    error
	chatID string
}

func (f *fakeSender) SendInvitation(_ context.Context, c models.Contact, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{KindInvitation, c.ID, note})
	return f.err
}

func (f *fakeSender) SendMessage(_ context.Context, c models.Contact, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{KindMessage, c.ID, text})
	if f.err != nil {
		return "", f.err
	}
	if c.ChatID != "" {
		return c.ChatID, nil
	}
	return f.chatID, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, e notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type harness struct {
	db       *gorm.DB
	d        *Dispatcher
	store    *enrollment.Store
	locker   *lock.DBLocker
	sender   *fakeSender
	notifier *fakeNotifier
	clock    time.Time
	slept    []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	_, err = db.SeedSettings(gdb, "acme")
	require.NoError(t, err)
	setSettings(t, gdb, map[string]interface{}{"enabled": true})

	h := &harness{
		db:       gdb,
		store:    enrollment.NewStore(gdb, enrollment.Machine{Policy: enrollment.DefaultPolicy(), Rand: zeroRand{}}),
		locker:   lock.NewDBLocker(gdb, time.Minute),
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
		clock:    monday10,
	}
	h.d = New(Options{
		DB:       gdb,
		Quota:    quota.New(gdb, 40),
		Selector: selector.New(gdb),
		Store:    h.store,
		Locker:   h.locker,
		Sender:   h.sender,
		Notifier: h.notifier,
		Log:      logging.Discard(),
		Rand:     zeroRand{},
		Now:      func() time.Time { return h.clock },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			h.clock = h.clock.Add(d)
			return nil
		},
	})
	return h
}

func setSettings(t *testing.T, gdb *gorm.DB, updates map[string]interface{}) {
	t.Helper()
	require.NoError(t, gdb.Model(&models.AutomationSettings{}).Where("account_id = ?", "acme").Updates(updates).Error)
}

func (h *harness) settings(t *testing.T) models.AutomationSettings {
	t.Helper()
	var s models.AutomationSettings
	require.NoError(t, h.db.Where("account_id = ?", "acme").First(&s).Error)
	return s
}

func (h *harness) contact(t *testing.T, id string) models.Contact {
	t.Helper()
	var c models.Contact
	require.NoError(t, h.db.Where("id = ?", id).First(&c).Error)
	return c
}

func addContact(t *testing.T, gdb *gorm.DB, id string, created time.Time) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.Contact{
		ID:              id,
		AccountID:       "acme",
		FirstName:       "Ana",
		LastName:        id,
		Company:         "Initech",
		ProfileURL:      "https://social.example/in/" + id,
		OutreachMessage: "Hi, would love to connect (" + id + ")",
		CreatedAt:       created,
	}).Error)
}

func (h *harness) logs(t *testing.T) []models.InvitationLog {
	t.Helper()
	var out []models.InvitationLog
	require.NoError(t, h.db.Order("id ASC").Find(&out).Error)
	return out
}

func TestDispatchNext_InvitationSuccess(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-time.Hour))

	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent, "reason: %s", r.Reason)
	assert.Equal(t, KindInvitation, r.Kind)
	assert.Equal(t, "c1", r.ContactID)
	assert.Equal(t, 39, r.Remaining)

	require.Len(t, h.sender.calls, 1)
	assert.Equal(t, call{KindInvitation, "c1", "Hi, would love to connect (c1)"}, h.sender.calls[0])

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, ModeAutomatic, logs[0].Mode)
	assert.Nil(t, logs[0].EnrollmentID)
	assert.Equal(t, "Ana c1", logs[0].ContactName)

	s := h.settings(t)
	assert.Equal(t, 1, s.SentToday)
	require.NotNil(t, s.NextSendAt)
	assert.True(t, s.NextSendAt.Equal(monday10.Add(60*time.Second)), "next_send_at = %s", s.NextSendAt)

	c := h.contact(t, "c1")
	assert.Equal(t, enrollment.ContactInvitationSent, c.Status)
	require.NotNil(t, c.ConnectionSentAt)

	msgs, err := messaging.Recent(h.db, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.Outbound, msgs[0].Direction)
}

func TestDispatchNext_DisabledOnlyBlocksAutomatic(t *testing.T) {
	h := newHarness(t)
	setSettings(t, h.db, map[string]interface{}{"enabled": false})
	addContact(t, h.db, "c1", monday10.Add(-time.Hour))

	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.False(t, r.Sent)
	assert.Equal(t, ReasonDisabled, r.Reason)
	assert.Zero(t, h.sender.count())

	r, err = h.d.DispatchNext(context.Background(), "acme", ModeManual)
	require.NoError(t, err)
	assert.True(t, r.Sent)
	assert.Equal(t, ModeManual, h.logs(t)[0].Mode)
}

func TestDispatchNext_RespectsWindowAndDelay(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-2*time.Hour))
	addContact(t, h.db, "c2", monday10.Add(-time.Hour))

	h.clock = time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC) // Saturday
	r, err := h.d.DispatchNext(context.Background(), "acme", ModeManual)
	require.NoError(t, err)
	assert.Equal(t, quota.ReasonOutsideWindow, r.Reason)

	h.clock = monday10
	r, err = h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent)

	h.clock = monday10.Add(30 * time.Second)
	r, err = h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, quota.ReasonDelay, r.Reason)
	require.NotNil(t, r.NextSendAt)

	h.clock = monday10.Add(61 * time.Second)
	r, err = h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.True(t, r.Sent)
	assert.Equal(t, "c2", r.ContactID)
}

func TestDispatchNext_QuotaExhausted(t *testing.T) {
	h := newHarness(t)
	setSettings(t, h.db, map[string]interface{}{"daily_limit": 1})
	addContact(t, h.db, "c1", monday10.Add(-2*time.Hour))
	addContact(t, h.db, "c2", monday10.Add(-time.Hour))

	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent)

	h.clock = monday10.Add(time.Hour)
	r, err = h.d.DispatchNext(context.Background(), "acme", ModeManual)
	require.NoError(t, err)
	assert.Equal(t, quota.ReasonLimitReached, r.Reason)
	assert.Equal(t, 0, r.Remaining)
	assert.Equal(t, 1, h.sender.count())
}

func TestDispatchNext_NoCandidates(t *testing.T) {
	h := newHarness(t)
	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoCandidates, r.Reason)
	assert.Empty(t, h.logs(t))
}

func TestDispatchNext_LockHeld(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-time.Hour))

	lease, ok, err := h.locker.TryAcquire(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := h.d.DispatchNext(context.Background(), "acme", ModeManual)
	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, r.Reason)
	assert.Zero(t, h.sender.count())

	require.NoError(t, lease.Release(context.Background()))
	r, err = h.d.DispatchNext(context.Background(), "acme", ModeManual)
	require.NoError(t, err)
	assert.True(t, r.Sent)
}

func TestDispatchNext_ConcurrentCallsSendOnce(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-2*time.Hour))
	addContact(t, h.db, "c2", monday10.Add(-time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 1, h.settings(t).SentToday)
}

func TestDispatchNext_InvitationFailureBudget(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-time.Hour))
	h.sender.err = &SendError{Op: KindInvitation, StatusCode: 429, Body: "rate limited"}

	for i := 1; i <= 3; i++ {
		h.clock = monday10.Add(time.Duration(i) * time.Minute)
		r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
		require.NoError(t, err)
		assert.False(t, r.Sent)
		assert.Equal(t, ReasonSendFailed, r.Reason)
		assert.Contains(t, r.Error, "status 429")
		assert.Equal(t, i == 3, r.Failed, "attempt %d", i)
	}

	c := h.contact(t, "c1")
	assert.Equal(t, enrollment.ContactFailed, c.Status)
	assert.Equal(t, 3, c.DispatchFailures)
	assert.Contains(t, c.LastDispatchError, "rate limited")

	logs := h.logs(t)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.False(t, l.Success)
		assert.NotEmpty(t, l.ErrorMessage)
	}
	assert.Equal(t, 0, h.settings(t).SentToday, "failures consume no quota")

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, notify.KindContactFailed, h.notifier.events[0].Kind)

	h.clock = monday10.Add(time.Hour)
	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoCandidates, r.Reason)
}

func enroll(t *testing.T, h *harness, mode string) *models.SequenceEnrollment {
	t.Helper()
	seq, err := sequence.Create(h.db, sequence.CreateOpts{AccountID: "acme", Name: "S-" + mode, Mode: mode})
	require.NoError(t, err)
	if mode == sequence.ModeClassic {
		_, err = sequence.AddStep(h.db, seq.ID, sequence.StepOpts{StepType: sequence.StepConnectionRequest})
		require.NoError(t, err)
		_, err = sequence.AddStep(h.db, seq.ID, sequence.StepOpts{StepType: sequence.StepFollowUp, DelayDays: 3})
		require.NoError(t, err)
	}
	require.NoError(t, sequence.Activate(h.db, seq.ID))
	e, err := h.store.Enroll(context.Background(), seq.ID, "c1", monday10.Add(-time.Hour))
	require.NoError(t, err)
	return e
}

func TestDispatchNext_ClassicConnectionRequestAdvancesStep(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-24*time.Hour))
	e := enroll(t, h, sequence.ModeClassic)

	r, err := h.d.DispatchNext(context.Background(), "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent, "reason: %s", r.Reason)
	assert.Equal(t, e.ID, r.EnrollmentID)
	assert.Equal(t, KindInvitation, r.Kind)

	got, err := h.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStepOrder)
	assert.Nil(t, got.NextStepDueAt, "follow-up waits for acceptance")
	assert.Empty(t, got.PendingAction)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].EnrollmentID)
	assert.Equal(t, e.ID, *logs[0].EnrollmentID)
}

func TestDispatchNext_SmartMessageCountsInPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addContact(t, h.db, "c1", monday10.Add(-24*time.Hour))
	e := enroll(t, h, sequence.ModeSmart)
	h.sender.chatID = "chat-77"

	r, err := h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent)
	assert.Empty(t, h.contact(t, "c1").ChatID, "invitations open no chat")

	_, err = h.store.MarkConnected(ctx, "c1", monday10.Add(time.Minute))
	require.NoError(t, err)

	h.clock = monday10.Add(10 * time.Minute)
	r, err = h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoCandidates, r.Reason, "opening message not prepared yet")

	_, err = h.store.Update(ctx, e.ID, func(e *models.SequenceEnrollment) error {
		e.PendingMessage = "Thanks for connecting!"
		return nil
	})
	require.NoError(t, err)

	r, err = h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	require.True(t, r.Sent, "reason: %s", r.Reason)
	assert.Equal(t, KindMessage, r.Kind)

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessagesInPhase)
	assert.Equal(t, 1, got.TotalMessagesSent)
	assert.Empty(t, got.PendingMessage)
	c := h.contact(t, "c1")
	require.NotNil(t, c.LastMessageAt)
	assert.Equal(t, "chat-77", c.ChatID, "first message stores the provider chat")
}

func TestDispatchNext_PhaseCapForcesAdvanceWithoutSending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addContact(t, h.db, "c1", monday10.Add(-24*time.Hour))
	e := enroll(t, h, sequence.ModeSmart)

	due := monday10.Add(-time.Minute)
	_, err := h.store.Update(ctx, e.ID, func(e *models.SequenceEnrollment) error {
		e.CurrentPhase = string(enrollment.PhaseCalificacion)
		e.MessagesInPhase = 2
		e.PendingAction = enrollment.ActionMessage
		e.PendingMessage = "a third one"
		e.NextStepDueAt = &due
		return nil
	})
	require.NoError(t, err)

	r, err := h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.False(t, r.Sent)
	assert.Equal(t, ReasonPhaseCap, r.Reason)
	assert.Zero(t, h.sender.count())

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.PhaseValor, enrollment.Phase(got.CurrentPhase))
	assert.Equal(t, 0, got.MessagesInPhase)
	assert.Empty(t, got.PendingMessage)
}

func TestDispatchNext_EnrollmentFailsAfterRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addContact(t, h.db, "c1", monday10.Add(-24*time.Hour))
	e := enroll(t, h, sequence.ModeSmart)
	h.sender.err = &SendError{Op: KindInvitation, Err: errors.New("connection reset")}

	setSettings(t, h.db, map[string]interface{}{"min_delay_seconds": 120, "max_delay_seconds": 300})

	var last Result
	for i := 0; i < 3; i++ {
		var err error
		last, err = h.d.DispatchNext(ctx, "acme", ModeAutomatic)
		require.NoError(t, err)
		require.Equal(t, ReasonSendFailed, last.Reason, "attempt %d", i+1)

		next := h.settings(t).NextSendAt
		require.NotNil(t, next, "attempt %d stored no pacing gate", i+1)
		assert.True(t, next.Equal(h.clock.Add(120*time.Second)), "next_send_at = %s", next)
		h.clock = next.Add(time.Second)
	}
	assert.True(t, last.Failed)
	assert.Equal(t, 3, h.sender.count())

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusFailed, got.Status)
	assert.Contains(t, got.FailedReason, "connection reset")
	assert.Nil(t, h.contact(t, "c1").ActiveEnrollmentID)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, notify.KindEnrollmentFailed, h.notifier.events[0].Kind)
	assert.Equal(t, e.ID, h.notifier.events[0].EnrollmentID)
}

func TestDispatchNext_FailedSendKeepsPacing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setSettings(t, h.db, map[string]interface{}{"min_delay_seconds": 120, "max_delay_seconds": 300})
	addContact(t, h.db, "c1", monday10.Add(-2*time.Hour))
	addContact(t, h.db, "c2", monday10.Add(-time.Hour))
	h.sender.err = &SendError{Op: KindInvitation, StatusCode: 503, Body: "unavailable"}

	r, err := h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, ReasonSendFailed, r.Reason)
	require.Equal(t, 1, h.sender.count())

	s := h.settings(t)
	assert.Equal(t, 0, s.SentToday)
	require.NotNil(t, s.NextSendAt)
	assert.True(t, s.NextSendAt.Equal(monday10.Add(120*time.Second)), "next_send_at = %s", s.NextSendAt)

	// The next scheduler tick lands inside the gap.
	h.clock = monday10.Add(30 * time.Second)
	r, err = h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, quota.ReasonDelay, r.Reason)
	assert.Equal(t, 1, h.sender.count(), "no send attempt inside the delay")

	h.sender.err = nil
	h.clock = monday10.Add(121 * time.Second)
	r, err = h.d.DispatchNext(ctx, "acme", ModeAutomatic)
	require.NoError(t, err)
	assert.True(t, r.Sent, "reason: %s", r.Reason)
}

func TestRunBatch_PacesBetweenSends(t *testing.T) {
	h := newHarness(t)
	setSettings(t, h.db, map[string]interface{}{"min_delay_seconds": 90, "max_delay_seconds": 120})
	for i, id := range []string{"c1", "c2", "c3"} {
		addContact(t, h.db, id, monday10.Add(-time.Duration(3-i)*time.Hour))
	}

	results, err := h.d.RunBatch(context.Background(), "acme", ModeManual, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.True(t, r.Sent, "send %d: %s", i, r.Reason)
	}
	assert.Equal(t, []time.Duration{90 * time.Second, 90 * time.Second}, h.slept)
	assert.Equal(t, 3, h.settings(t).SentToday)
}

func TestRunBatch_StopsWhenNothingToSend(t *testing.T) {
	h := newHarness(t)
	addContact(t, h.db, "c1", monday10.Add(-time.Hour))

	results, err := h.d.RunBatch(context.Background(), "acme", ModeManual, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Sent)
	assert.Equal(t, ReasonNoCandidates, results[1].Reason)
	assert.Len(t, h.slept, 1)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", 400)
	assert.Equal(t, 300, len([]rune(preview(long))))
	assert.Equal(t, "short", preview("short"))
}

func TestSendError(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := &SendError{Op: KindMessage, Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "send message: dial tcp: timeout", err.Error())
	assert.Equal(t, "send invitation: status 422: bad profile", (&SendError{Op: KindInvitation, StatusCode: 422, Body: "bad profile"}).Error())
}
