package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/outreach/internal/messaging"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxUpdateAttempts bounds how often Update re-reads after losing a
// version race.
const maxUpdateAttempts = 3

// Contact statuses written by the pipeline.
const (
	ContactInvitationSent   = "invitation_sent"
	ContactConnected        = "connected"
	ContactInConversation   = "in_conversation"
	ContactMeetingScheduled = "meeting_scheduled"
	ContactDisqualified     = "disqualified"
	ContactFailed           = "failed"
)

// Store persists enrollments with optimistic concurrency.
type Store struct {
	db      *gorm.DB
	machine Machine
}

// NewStore returns a Store that applies transitions with m.
func NewStore(db *gorm.DB, m Machine) *Store {
	return &Store{db: db, machine: m}
}

// Machine returns the transition rules the store applies.
func (s *Store) Machine() Machine { return s.machine }

// Get loads an enrollment by id.
func (s *Store) Get(ctx context.Context, id string) (*models.SequenceEnrollment, error) {
	return get(s.db.WithContext(ctx), id)
}

func get(db *gorm.DB, id string) (*models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	if err := db.Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("enrollment: get %s: %w", id, err)
	}
	return &e, nil
}

// Update runs fn against the latest stored enrollment and writes the result
// only if nobody else wrote in between. On a lost race it re-reads and
// re-runs fn, so fn must be a pure function of the enrollment. An error from
// fn aborts without writing.
func (s *Store) Update(ctx context.Context, id string, fn func(e *models.SequenceEnrollment) error) (*models.SequenceEnrollment, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		before := *e
		if err := fn(e); err != nil {
			return nil, err
		}

		won := false
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			e.Version = before.Version + 1
			result := tx.Model(&models.SequenceEnrollment{}).
				Where("id = ? AND version = ?", id, before.Version).
				Updates(columns(e))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			won = true
			return applySideEffects(tx, &before, e)
		})
		if err != nil {
			return nil, fmt.Errorf("enrollment: update %s: %w", id, err)
		}
		if won {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

// columns lists every mutable column. A map is used so zero values and
// nils are written too.
func columns(e *models.SequenceEnrollment) map[string]interface{} {
	return map[string]interface{}{
		"status":                 e.Status,
		"current_step_order":     e.CurrentStepOrder,
		"next_step_due_at":       e.NextStepDueAt,
		"last_step_completed_at": e.LastStepCompletedAt,
		"current_phase":          e.CurrentPhase,
		"phase_entered_at":       e.PhaseEnteredAt,
		"messages_in_phase":      e.MessagesInPhase,
		"total_messages_sent":    e.TotalMessagesSent,
		"nurture_count":          e.NurtureCount,
		"reactivation_count":     e.ReactivationCount,
		"last_response_at":       e.LastResponseAt,
		"last_response_text":     e.LastResponseText,
		"last_analyzed_at":       e.LastAnalyzedAt,
		"phase_analysis":         e.PhaseAnalysis,
		"pending_action":         e.PendingAction,
		"pending_message":        e.PendingMessage,
		"consecutive_failures":   e.ConsecutiveFailures,
		"failed_reason":          e.FailedReason,
		"replied_at":             e.RepliedAt,
		"completed_at":           e.CompletedAt,
		"version":                e.Version,
	}
}

// applySideEffects keeps the contact's enrollment pointer and the
// sequence's counters in step with a status change.
func applySideEffects(tx *gorm.DB, before, after *models.SequenceEnrollment) error {
	seqCounters := map[string]interface{}{}
	if !IsTerminal(before) && IsTerminal(after) {
		if err := tx.Model(&models.Contact{}).
			Where("id = ? AND active_enrollment_id = ?", after.ContactID, after.ID).
			Update("active_enrollment_id", nil).Error; err != nil {
			return fmt.Errorf("release contact: %w", err)
		}
		seqCounters["active_enrolled"] = gorm.Expr("active_enrolled - 1")
		if after.Status == StatusCompleted {
			seqCounters["completed_count"] = gorm.Expr("completed_count + 1")
		}
	}
	replied := after.Status == StatusReplied || Phase(after.CurrentPhase) == PhaseMeeting
	wasReplied := before.Status == StatusReplied || Phase(before.CurrentPhase) == PhaseMeeting
	if replied && !wasReplied {
		seqCounters["replied_count"] = gorm.Expr("replied_count + 1")
	}
	if len(seqCounters) == 0 {
		return nil
	}
	if err := tx.Model(&models.Sequence{}).Where("id = ?", after.SequenceID).Updates(seqCounters).Error; err != nil {
		return fmt.Errorf("sequence counters: %w", err)
	}
	return nil
}

// Enroll binds a contact to an active sequence. A contact may hold only one
// non-terminal enrollment across all sequences.
func (s *Store) Enroll(ctx context.Context, sequenceID, contactID string, now time.Time) (*models.SequenceEnrollment, error) {
	now = now.UTC()
	var e *models.SequenceEnrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := sequence.Get(tx, sequenceID)
		if err != nil {
			return err
		}
		if seq.Status != sequence.StatusActive {
			return fmt.Errorf("%w: sequence %s is %s", sequence.ErrSequenceState, seq.ID, seq.Status)
		}

		var contact models.Contact
		if err := tx.Where("id = ?", contactID).First(&contact).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("contact not found: %s", contactID)
			}
			return err
		}
		if contact.AccountID != seq.AccountID {
			return fmt.Errorf("contact %s belongs to another account", contactID)
		}

		var open int64
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("contact_id = ? AND status IN ? AND current_phase <> ?", contactID,
				[]string{StatusActive, StatusReplied, StatusPaused, StatusParked}, string(PhaseExited)).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, contactID)
		}

		e = &models.SequenceEnrollment{
			ID:         uuid.NewString(),
			SequenceID: seq.ID,
			ContactID:  contactID,
			AccountID:  seq.AccountID,
			Version:    1,
			EnrolledAt: now,
		}
		if seq.Mode == sequence.ModeSmart {
			StartSmart(e, contact.OutreachMessage, now)
		} else {
			StartClassic(e, seq.Steps, contact.OutreachMessage, now)
		}

		// Claiming the contact row is what serializes concurrent enrollments.
		claim := tx.Model(&models.Contact{}).
			Where("id = ? AND active_enrollment_id IS NULL", contactID).
			Update("active_enrollment_id", e.ID)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, contactID)
		}

		if err := tx.Omit(clause.Associations).Create(e).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s already in sequence %s", ErrAlreadyEnrolled, contactID, seq.ID)
			}
			return err
		}
		return tx.Model(&models.Sequence{}).Where("id = ?", seq.ID).Updates(map[string]interface{}{
			"total_enrolled":  gorm.Expr("total_enrolled + 1"),
			"active_enrolled": gorm.Expr("active_enrolled + 1"),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyEnrolled) || errors.Is(err, sequence.ErrSequenceState) || errors.Is(err, sequence.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("enrollment: enroll %s in %s: %w", contactID, sequenceID, err)
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// sequenceFor loads an enrollment's sequence with its steps.
func (s *Store) sequenceFor(ctx context.Context, e *models.SequenceEnrollment) (*models.Sequence, error) {
	return sequence.Get(s.db.WithContext(ctx), e.SequenceID)
}

// Pause suspends an active enrollment.
func (s *Store) Pause(ctx context.Context, id string) (*models.SequenceEnrollment, error) {
	return s.Update(ctx, id, Pause)
}

// Withdraw permanently removes an enrollment from its sequence.
func (s *Store) Withdraw(ctx context.Context, id string, now time.Time) (*models.SequenceEnrollment, error) {
	return s.Update(ctx, id, func(e *models.SequenceEnrollment) error {
		return Withdraw(e, now.UTC())
	})
}

// Resume reactivates a replied, paused or parked enrollment.
func (s *Store) Resume(ctx context.Context, id string, now time.Time) (*models.SequenceEnrollment, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	seq, err := s.sequenceFor(ctx, e)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, func(e *models.SequenceEnrollment) error {
		return Resume(e, seq.Steps, seq.Mode == sequence.ModeSmart, now.UTC())
	})
}

// MarkConnected records acceptance of the contact's connection request.
func (s *Store) MarkConnected(ctx context.Context, contactID string, at time.Time) (*models.SequenceEnrollment, error) {
	at = at.UTC()
	var contact models.Contact
	if err := s.db.WithContext(ctx).Where("id = ?", contactID).First(&contact).Error; err != nil {
		return nil, fmt.Errorf("enrollment: connected %s: %w", contactID, err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", contactID).Updates(map[string]interface{}{
		"status":       ContactConnected,
		"connected_at": at,
	}).Error; err != nil {
		return nil, fmt.Errorf("enrollment: connected %s: %w", contactID, err)
	}
	if contact.ActiveEnrollmentID == nil {
		return nil, nil
	}
	e, err := s.Get(ctx, *contact.ActiveEnrollmentID)
	if err != nil {
		return nil, err
	}
	seq, err := s.sequenceFor(ctx, e)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, e.ID, func(e *models.SequenceEnrollment) error {
		return s.machine.MarkConnected(e, seq.Steps, seq.Mode == sequence.ModeSmart, at)
	})
}

// RecordReply ingests an inbound message from a contact. The turn is stored
// in the conversation; a classic enrollment halts as replied, a smart one
// records the reply for analysis. Replies older than the newest one seen
// never move last_response_at backwards.
func (s *Store) RecordReply(ctx context.Context, contactID, text string, at time.Time) (*models.SequenceEnrollment, error) {
	at = at.UTC()
	var contact models.Contact
	if err := s.db.WithContext(ctx).Where("id = ?", contactID).First(&contact).Error; err != nil {
		return nil, fmt.Errorf("enrollment: reply from %s: %w", contactID, err)
	}
	enrollmentID := ""
	if contact.ActiveEnrollmentID != nil {
		enrollmentID = *contact.ActiveEnrollmentID
	}
	if _, err := messaging.Record(s.db.WithContext(ctx), messaging.RecordOpts{
		AccountID:    contact.AccountID,
		ContactID:    contactID,
		EnrollmentID: enrollmentID,
	}, messaging.Inbound, text, at); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", contactID).
		Update("last_message_at", at).Error; err != nil {
		return nil, fmt.Errorf("enrollment: reply from %s: %w", contactID, err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND status NOT IN ?", contactID, []string{ContactMeetingScheduled, ContactDisqualified}).
		Update("status", ContactInConversation).Error; err != nil {
		return nil, fmt.Errorf("enrollment: reply from %s: %w", contactID, err)
	}
	if enrollmentID == "" {
		return nil, nil
	}

	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	seq, err := s.sequenceFor(ctx, e)
	if err != nil {
		return nil, err
	}
	smart := seq.Mode == sequence.ModeSmart
	return s.Update(ctx, enrollmentID, func(e *models.SequenceEnrollment) error {
		if e.LastResponseAt == nil || at.After(*e.LastResponseAt) {
			e.LastResponseAt = &at
			e.LastResponseText = text
		}
		if !smart && (e.Status == StatusActive || e.Status == StatusPaused) {
			return MarkReplied(e, at)
		}
		return nil
	})
}

// ListFilters narrows List.
type ListFilters struct {
	AccountID  string
	SequenceID string
	Status     string
	Phase      string
}

// List returns enrollments newest first.
func (s *Store) List(ctx context.Context, f ListFilters) ([]models.SequenceEnrollment, error) {
	q := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.SequenceID != "" {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Phase != "" {
		q = q.Where("current_phase = ?", f.Phase)
	}
	var out []models.SequenceEnrollment
	if err := q.Order("enrolled_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("enrollment: list: %w", err)
	}
	return out, nil
}
