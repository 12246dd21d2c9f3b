package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

// StatusView is the account's dispatch state at a point in time.
type StatusView struct {
	AccountID        string     `json:"account_id"`
	Enabled          bool       `json:"enabled"`
	Timezone         string     `json:"timezone"`
	TimezoneFallback bool       `json:"timezone_fallback"`
	Window           string     `json:"window"`
	WorkingDays      string     `json:"working_days"`
	WindowOpen       bool       `json:"window_open"`
	Limit            int        `json:"limit"`
	SentToday        int        `json:"sent_today"`
	Remaining        int        `json:"remaining"`
	CanSend          bool       `json:"can_send"`
	Reason           string     `json:"reason,omitempty"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	NextSendAt       *time.Time `json:"next_send_at,omitempty"`
	NextWindowOpen   *time.Time `json:"next_window_open,omitempty"`
}

// Status evaluates the account's quota and window.
func Status(ctx context.Context, t *quota.Tracker, accountID string, now time.Time) (*StatusView, error) {
	st, err := t.Check(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	s := st.Settings
	v := &StatusView{
		AccountID:        s.AccountID,
		Enabled:          s.Enabled,
		Timezone:         st.Window.Location.String(),
		TimezoneFallback: st.TimezoneFallback,
		Window:           fmt.Sprintf("%s-%s", st.Window.Start, st.Window.End),
		WorkingDays:      st.Window.Days.String(),
		WindowOpen:       st.WindowOpen,
		Limit:            st.Limit,
		SentToday:        st.SentToday,
		Remaining:        st.Remaining,
		CanSend:          st.Allowed && s.Enabled,
		Reason:           st.Reason,
		LastSentAt:       s.LastSentAt,
		NextSendAt:       s.NextSendAt,
	}
	if v.Reason == "" && !s.Enabled {
		v.Reason = "disabled"
	}
	if !st.WindowOpen {
		if next, ok := st.Window.NextOpen(now); ok {
			v.NextWindowOpen = &next
		}
	}
	return v, nil
}

// QueueRow is one eligible action in dispatch order.
type QueueRow struct {
	Kind         string    `json:"kind"`
	ContactID    string    `json:"contact_id"`
	ContactName  string    `json:"contact_name"`
	Company      string    `json:"company"`
	Score        int       `json:"score"`
	EnrollmentID string    `json:"enrollment_id,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Action       string    `json:"action"`
	DueAt        time.Time `json:"due_at"`
	Preview      string    `json:"preview"`
}

// Queue lists what automatic dispatch would send next, oldest first.
func Queue(ctx context.Context, t *quota.Tracker, sel *selector.Selector, accountID string, now time.Time, limit int) ([]QueueRow, error) {
	s, err := t.Settings(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	f := selector.FilterFromSettings(s, now)
	f.Limit = limit
	cands, err := sel.Candidates(ctx, f)
	if err != nil {
		return nil, err
	}
	rows := make([]QueueRow, len(cands))
	for i, c := range cands {
		rows[i] = QueueRow{
			Kind:        c.Kind,
			ContactID:   c.Contact.ID,
			ContactName: c.Contact.FullName(),
			Company:     c.Contact.Company,
			Score:       c.Contact.Score,
			Action:      c.Action,
			DueAt:       c.DueAt,
			Preview:     preview(c.Message, 80),
		}
		if c.Enrollment != nil {
			rows[i].EnrollmentID = c.Enrollment.ID
			rows[i].Phase = enrollment.Phase(c.Enrollment.CurrentPhase).String()
		}
	}
	return rows, nil
}

// LogFilters narrows RecentLogs.
type LogFilters struct {
	AccountID    string
	FailuresOnly bool
	Limit        int

	// Follow returns rows with an id above AfterID, oldest first, so a
	// poller can resume from the last id it saw.
	Follow  bool
	AfterID uint
}

// RecentLogs returns dispatch attempts, newest first unless Follow is set.
func RecentLogs(db *gorm.DB, f LogFilters) ([]models.InvitationLog, error) {
	q := db.Model(&models.InvitationLog{}).Where("account_id = ?", f.AccountID)
	if f.FailuresOnly {
		q = q.Where("success = ?", false)
	}
	if f.Follow {
		q = q.Where("id > ?", f.AfterID).Order("id ASC")
	} else {
		q = q.Order("sent_at DESC, id DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var logs []models.InvitationLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("dashboard: logs: %w", err)
	}
	return logs, nil
}

// SequenceStats holds one sequence's counters and its live enrollments by
// phase.
type SequenceStats struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Mode           string         `json:"mode"`
	Status         string         `json:"status"`
	TotalEnrolled  int            `json:"total_enrolled"`
	ActiveEnrolled int            `json:"active_enrolled"`
	CompletedCount int            `json:"completed_count"`
	RepliedCount   int            `json:"replied_count"`
	ByStatus       map[string]int `json:"by_status"`
	ByPhase        map[string]int `json:"by_phase,omitempty"`
}

// Stats summarizes every sequence of the account.
func Stats(db *gorm.DB, accountID string) ([]SequenceStats, error) {
	var seqs []models.Sequence
	if err := db.Where("account_id = ?", accountID).Order("created_at ASC, id ASC").Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("dashboard: sequences: %w", err)
	}

	type row struct {
		SequenceID   string
		Status       string
		CurrentPhase string
		Count        int
	}
	var rows []row
	if err := db.Model(&models.SequenceEnrollment{}).
		Select("sequence_id, status, current_phase, count(*) as count").
		Where("account_id = ?", accountID).
		Group("sequence_id, status, current_phase").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("dashboard: enrollment counts: %w", err)
	}

	byID := make(map[string]*SequenceStats, len(seqs))
	out := make([]SequenceStats, len(seqs))
	for i, s := range seqs {
		out[i] = SequenceStats{
			ID:             s.ID,
			Name:           s.Name,
			Mode:           s.Mode,
			Status:         s.Status,
			TotalEnrolled:  s.TotalEnrolled,
			ActiveEnrolled: s.ActiveEnrolled,
			CompletedCount: s.CompletedCount,
			RepliedCount:   s.RepliedCount,
			ByStatus:       map[string]int{},
		}
		byID[s.ID] = &out[i]
	}
	for _, r := range rows {
		st, ok := byID[r.SequenceID]
		if !ok {
			continue
		}
		st.ByStatus[r.Status] += r.Count
		if st.Mode == sequence.ModeSmart {
			if st.ByPhase == nil {
				st.ByPhase = map[string]int{}
			}
			st.ByPhase[enrollment.Phase(r.CurrentPhase).String()] += r.Count
		}
	}
	return out, nil
}

// SortedKeys returns a map's keys in order, for stable rendering.
func SortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
