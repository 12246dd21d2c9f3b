// Package selector picks the next contact the dispatcher should act on.
// It only reads; calling it any number of times changes nothing.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

// Candidate kinds.
const (
	KindInvitation = "invitation" // standalone contact, no enrollment
	KindEnrollment = "enrollment"
)

// Filter narrows the candidate pool. The zero MinScore and a nil
// CampaignID disable those filters.
type Filter struct {
	AccountID      string
	CampaignID     *string
	MinScore       int
	TargetStatuses []string
	Now            time.Time
	Limit          int
}

// FilterFromSettings builds the automatic-mode filter for an account.
func FilterFromSettings(s *models.AutomationSettings, now time.Time) Filter {
	return Filter{
		AccountID:      s.AccountID,
		CampaignID:     s.TargetCampaignID,
		MinScore:       s.MinLeadScore,
		TargetStatuses: ParseStatuses(s.TargetStatuses),
		Now:            now,
	}
}

// ParseStatuses splits a comma-separated status list, dropping blanks.
func ParseStatuses(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Candidate is one dispatchable action.
type Candidate struct {
	Kind       string
	Contact    models.Contact
	Enrollment *models.SequenceEnrollment
	Action     string // connection_request or message
	Message    string
	DueAt      time.Time
	CreatedAt  time.Time
}

// ID identifies the candidate for logs: the enrollment id when there is
// one, otherwise the contact id.
func (c Candidate) ID() string {
	if c.Enrollment != nil {
		return c.Enrollment.ID
	}
	return c.Contact.ID
}

// Selector queries the store for eligible work.
type Selector struct {
	db *gorm.DB
}

// New returns a Selector over db.
func New(db *gorm.DB) *Selector {
	return &Selector{db: db}
}

// Candidates returns prepared, due actions, oldest-eligible first.
func (s *Selector) Candidates(ctx context.Context, f Filter) ([]Candidate, error) {
	return s.collect(ctx, f, true)
}

// Next returns the single oldest eligible candidate, or nil when there is
// nothing to send.
func (s *Selector) Next(ctx context.Context, f Filter) (*Candidate, error) {
	f.Limit = 1
	cs, err := s.Candidates(ctx, f)
	if err != nil || len(cs) == 0 {
		return nil, err
	}
	return &cs[0], nil
}

// Unprepared returns due actions that still lack a message, in the same
// order Candidates would dispatch them once prepared.
func (s *Selector) Unprepared(ctx context.Context, f Filter) ([]Candidate, error) {
	return s.collect(ctx, f, false)
}

func (s *Selector) collect(ctx context.Context, f Filter, prepared bool) ([]Candidate, error) {
	now := f.Now.UTC()
	if f.Now.IsZero() {
		now = time.Now().UTC()
	}
	db := s.db.WithContext(ctx)

	enrolled, err := enrollmentCandidates(db, f, now, prepared)
	if err != nil {
		return nil, fmt.Errorf("selector: enrollments: %w", err)
	}
	standalone, err := invitationCandidates(db, f, prepared)
	if err != nil {
		return nil, fmt.Errorf("selector: invitations: %w", err)
	}

	out := append(enrolled, standalone...)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func less(a, b Candidate) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID() < b.ID()
}

func enrollmentCandidates(db *gorm.DB, f Filter, now time.Time, prepared bool) ([]Candidate, error) {
	q := db.Model(&models.SequenceEnrollment{}).
		Select("sequence_enrollments.*").
		Joins("JOIN sequences ON sequences.id = sequence_enrollments.sequence_id").
		Joins("JOIN contacts ON contacts.id = sequence_enrollments.contact_id").
		Where("sequence_enrollments.account_id = ?", f.AccountID).
		Where("sequence_enrollments.status = ?", enrollment.StatusActive).
		Where("sequences.status = ?", sequence.StatusActive).
		Where("sequence_enrollments.pending_action <> ''").
		Where("sequence_enrollments.next_step_due_at IS NOT NULL AND sequence_enrollments.next_step_due_at <= ?", now)
	if prepared {
		q = q.Where("sequence_enrollments.pending_message <> ''")
	} else {
		q = q.Where("(sequence_enrollments.pending_message = '' OR sequence_enrollments.pending_message IS NULL)")
	}
	q = contactFilters(q, f)
	q = q.Order("sequence_enrollments.next_step_due_at ASC, sequence_enrollments.enrolled_at ASC, sequence_enrollments.id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []models.SequenceEnrollment
	if err := q.Preload("Contact").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for i := range rows {
		e := rows[i]
		out = append(out, Candidate{
			Kind:       KindEnrollment,
			Contact:    e.Contact,
			Enrollment: &e,
			Action:     e.PendingAction,
			Message:    e.PendingMessage,
			DueAt:      *e.NextStepDueAt,
			CreatedAt:  e.EnrolledAt,
		})
	}
	return out, nil
}

// invitationCandidates finds contacts outside any sequence whose status is
// targeted. They are due from the moment they were created.
func invitationCandidates(db *gorm.DB, f Filter, prepared bool) ([]Candidate, error) {
	if len(f.TargetStatuses) == 0 {
		return nil, nil
	}
	q := db.Model(&models.Contact{}).
		Where("contacts.account_id = ?", f.AccountID).
		Where("contacts.status IN ?", f.TargetStatuses).
		Where("contacts.active_enrollment_id IS NULL").
		Where("contacts.profile_url <> ''")
	if prepared {
		q = q.Where("contacts.outreach_message <> ''")
	} else {
		q = q.Where("(contacts.outreach_message = '' OR contacts.outreach_message IS NULL)")
	}
	q = contactFilters(q, f).Order("contacts.created_at ASC, contacts.id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []models.Contact
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, c := range rows {
		out = append(out, Candidate{
			Kind:      KindInvitation,
			Contact:   c,
			Action:    enrollment.ActionConnectionRequest,
			Message:   c.OutreachMessage,
			DueAt:     c.CreatedAt,
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

func contactFilters(q *gorm.DB, f Filter) *gorm.DB {
	if f.CampaignID != nil && *f.CampaignID != "" {
		q = q.Where("contacts.campaign_id = ?", *f.CampaignID)
	}
	if f.MinScore > 0 {
		q = q.Where("contacts.score >= ?", f.MinScore)
	}
	return q
}
