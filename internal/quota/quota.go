// Package quota tracks each account's daily send budget and the randomized
// gap between sends. Counters live on the AutomationSettings row; the local
// day rollover happens lazily on every read and write.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/window"
	"gorm.io/gorm"
)

// DefaultDailyCap is the platform-safe ceiling on sends per account per day.
const DefaultDailyCap = 40

// ErrQuotaExhausted is returned by RecordSend when the day's budget is
// already spent.
var ErrQuotaExhausted = errors.New("quota: daily limit reached")

// Reasons reported by Check when sending is not allowed.
const (
	ReasonLimitReached  = "daily limit reached"
	ReasonOutsideWindow = "outside working window"
	ReasonMisconfigured = "working window misconfigured"
	ReasonDelay         = "waiting for send delay"
)

// Tracker reads and updates per-account send counters.
type Tracker struct {
	db  *gorm.DB
	cap int
}

// New returns a Tracker that clamps configured limits to cap. A cap <= 0
// uses DefaultDailyCap.
func New(db *gorm.DB, cap int) *Tracker {
	if cap <= 0 {
		cap = DefaultDailyCap
	}
	return &Tracker{db: db, cap: cap}
}

// Cap returns the ceiling applied to configured limits.
func (t *Tracker) Cap() int { return t.cap }

// EffectiveLimit clamps a configured daily limit into [0, cap].
func EffectiveLimit(configured, cap int) int {
	if configured < 0 {
		return 0
	}
	if configured > cap {
		return cap
	}
	return configured
}

// Status is a point-in-time view of an account's budget.
type Status struct {
	Settings         models.AutomationSettings
	Window           window.Window
	TimezoneFallback bool
	Limit            int
	SentToday        int
	Remaining        int
	WindowOpen       bool
	Allowed          bool
	Reason           string
}

// Settings returns the account's settings after applying any pending day
// rollover.
func (t *Tracker) Settings(ctx context.Context, accountID string, now time.Time) (*models.AutomationSettings, error) {
	s, err := t.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	rolled, err := t.rollover(ctx, s, now)
	if err != nil {
		return nil, err
	}
	if rolled {
		if s, err = t.load(ctx, accountID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Rollover resets the daily counter if the account's local date has moved
// past the last reset. It reports whether a reset happened.
func (t *Tracker) Rollover(ctx context.Context, accountID string, now time.Time) (bool, error) {
	s, err := t.load(ctx, accountID)
	if err != nil {
		return false, err
	}
	return t.rollover(ctx, s, now)
}

func (t *Tracker) rollover(ctx context.Context, s *models.AutomationSettings, now time.Time) (bool, error) {
	w, _ := window.FromSettings(*s)
	today := w.LocalDate(now)
	if s.LastResetDate != "" && s.LastResetDate >= today {
		return false, nil
	}
	// The date predicate makes the reset happen once even when several
	// callers race on the boundary.
	result := t.db.WithContext(ctx).Model(&models.AutomationSettings{}).
		Where("account_id = ? AND (last_reset_date IS NULL OR last_reset_date = '' OR last_reset_date < ?)", s.AccountID, today).
		Updates(map[string]interface{}{
			"sent_today":      0,
			"last_reset_date": today,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("quota: rollover %s: %w", s.AccountID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Remaining returns how many sends the account has left today.
func (t *Tracker) Remaining(ctx context.Context, accountID string, now time.Time) (int, error) {
	s, err := t.Settings(ctx, accountID, now)
	if err != nil {
		return 0, err
	}
	return remaining(*s, t.cap), nil
}

func remaining(s models.AutomationSettings, cap int) int {
	r := EffectiveLimit(s.DailyLimit, cap) - s.SentToday
	if r < 0 {
		return 0
	}
	return r
}

// Check evaluates budget, window and inter-send delay for the account.
func (t *Tracker) Check(ctx context.Context, accountID string, now time.Time) (Status, error) {
	s, err := t.Settings(ctx, accountID, now)
	if err != nil {
		return Status{}, err
	}
	w, tzOK := window.FromSettings(*s)
	st := Status{
		Settings:         *s,
		Window:           w,
		TimezoneFallback: !tzOK && s.Timezone != "",
		Limit:            EffectiveLimit(s.DailyLimit, t.cap),
		SentToday:        s.SentToday,
		Remaining:        remaining(*s, t.cap),
		WindowOpen:       w.IsOpen(now),
	}
	switch {
	case st.Remaining <= 0:
		st.Reason = ReasonLimitReached
	case w.Misconfigured():
		st.Reason = ReasonMisconfigured
	case !st.WindowOpen:
		st.Reason = ReasonOutsideWindow
	case s.NextSendAt != nil && now.Before(*s.NextSendAt):
		st.Reason = ReasonDelay
	default:
		st.Allowed = true
	}
	return st, nil
}

// CanSend reports whether the account may dispatch right now.
func (t *Tracker) CanSend(ctx context.Context, accountID string, now time.Time) (bool, error) {
	st, err := t.Check(ctx, accountID, now)
	if err != nil {
		return false, err
	}
	return st.Allowed, nil
}

// RecordSend consumes one unit of today's budget and schedules the earliest
// next send at now+delay. The increment is conditional on the limit so
// concurrent callers can never push the counter past it.
func (t *Tracker) RecordSend(ctx context.Context, accountID string, now time.Time, delay time.Duration) error {
	s, err := t.Settings(ctx, accountID, now)
	if err != nil {
		return err
	}
	limit := EffectiveLimit(s.DailyLimit, t.cap)
	next := now.Add(delay)
	result := t.db.WithContext(ctx).Model(&models.AutomationSettings{}).
		Where("account_id = ? AND sent_today < ?", accountID, limit).
		Updates(map[string]interface{}{
			"sent_today":   gorm.Expr("sent_today + 1"),
			"last_sent_at": now,
			"next_send_at": next,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("quota: record send %s: %w", accountID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// RecordAttempt schedules the earliest next send at now+delay after an
// attempt that consumed no budget. sent_today is untouched, and a gate
// already set later than now+delay is kept.
func (t *Tracker) RecordAttempt(ctx context.Context, accountID string, now time.Time, delay time.Duration) error {
	next := now.Add(delay)
	result := t.db.WithContext(ctx).Model(&models.AutomationSettings{}).
		Where("account_id = ? AND (next_send_at IS NULL OR next_send_at < ?)", accountID, next).
		Updates(map[string]interface{}{
			"next_send_at": next,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("quota: record attempt %s: %w", accountID, result.Error)
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, accountID string) (*models.AutomationSettings, error) {
	var s models.AutomationSettings
	if err := t.db.WithContext(ctx).Where("account_id = ?", accountID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("quota: no settings for account %s", accountID)
		}
		return nil, fmt.Errorf("quota: load settings %s: %w", accountID, err)
	}
	return &s, nil
}
