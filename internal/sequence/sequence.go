// Package sequence provides sequence and step lifecycle operations.
package sequence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
)

// Sequence statuses.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Sequence modes.
const (
	ModeClassic = "classic"
	ModeSmart   = "smart_pipeline"
)

// Step types.
const (
	StepConnectionRequest = "connection_request"
	StepFollowUp          = "follow_up_message"
)

var (
	// ErrSequenceState is returned when an operation is not allowed in the
	// sequence's current status.
	ErrSequenceState = errors.New("sequence: operation not allowed in current status")
	// ErrStepOrder is returned when steps would violate the
	// connection-request-first rule.
	ErrStepOrder = errors.New("sequence: connection_request must be the single first step")
	// ErrNotFound is returned for unknown sequence or step ids.
	ErrNotFound = errors.New("sequence: not found")
)

// ValidTransitions maps each status to its valid next statuses.
var ValidTransitions = map[string][]string{
	StatusDraft:  {StatusActive, StatusArchived},
	StatusActive: {StatusPaused},
	StatusPaused: {StatusActive, StatusArchived},
}

var validate = validator.New()

// CreateOpts holds parameters for creating a new sequence.
type CreateOpts struct {
	AccountID   string `validate:"required,max=64"`
	Name        string `validate:"required,max=256"`
	Description string
	Mode        string `validate:"omitempty,oneof=classic smart_pipeline"`
}

// StepOpts holds parameters for adding or editing a step.
type StepOpts struct {
	StepType      string `validate:"required,oneof=connection_request follow_up_message"`
	DelayDays     int    `validate:"gte=0,lte=365"`
	PromptContext string
}

// Create creates a new sequence in draft status.
func Create(db *gorm.DB, opts CreateOpts) (*models.Sequence, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("sequence: invalid options: %w", err)
	}
	if opts.Mode == "" {
		opts.Mode = ModeClassic
	}
	seq := models.Sequence{
		ID:          uuid.NewString(),
		AccountID:   opts.AccountID,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      StatusDraft,
		Mode:        opts.Mode,
	}
	if err := db.Create(&seq).Error; err != nil {
		return nil, fmt.Errorf("sequence: create: %w", err)
	}
	return &seq, nil
}

// Get retrieves a sequence by ID with its steps ordered by step_order.
func Get(db *gorm.DB, id string) (*models.Sequence, error) {
	var seq models.Sequence
	err := db.Preload("Steps", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("step_order ASC")
	}).Where("id = ?", id).First(&seq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("sequence: get %s: %w", id, err)
	}
	return &seq, nil
}

// List returns an account's sequences, newest first. An empty status lists all.
func List(db *gorm.DB, accountID, status string) ([]models.Sequence, error) {
	q := db.Model(&models.Sequence{}).Where("account_id = ?", accountID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var seqs []models.Sequence
	if err := q.Order("created_at DESC").Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("sequence: list: %w", err)
	}
	return seqs, nil
}

// AddStep appends a step to a draft sequence.
func AddStep(db *gorm.DB, sequenceID string, opts StepOpts) (*models.SequenceStep, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("sequence: invalid step: %w", err)
	}
	var step *models.SequenceStep
	err := db.Transaction(func(tx *gorm.DB) error {
		seq, err := Get(tx, sequenceID)
		if err != nil {
			return err
		}
		if seq.Status != StatusDraft {
			return fmt.Errorf("%w: steps are editable only in draft (status %q)", ErrSequenceState, seq.Status)
		}
		if seq.Mode != ModeClassic {
			return fmt.Errorf("%w: %s sequences have no steps", ErrSequenceState, seq.Mode)
		}

		step = &models.SequenceStep{
			ID:            uuid.NewString(),
			SequenceID:    sequenceID,
			StepOrder:     len(seq.Steps) + 1,
			StepType:      opts.StepType,
			DelayDays:     opts.DelayDays,
			PromptContext: opts.PromptContext,
		}
		if err := ValidateSteps(append(seq.Steps, *step)); err != nil {
			return err
		}
		return tx.Create(step).Error
	})
	if err != nil {
		return nil, wrap("add step", err)
	}
	return step, nil
}

// UpdateStep edits a step of a draft sequence in place.
func UpdateStep(db *gorm.DB, stepID string, opts StepOpts) error {
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("sequence: invalid step: %w", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		var step models.SequenceStep
		if err := tx.Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: step %s", ErrNotFound, stepID)
			}
			return err
		}
		seq, err := Get(tx, step.SequenceID)
		if err != nil {
			return err
		}
		if seq.Status != StatusDraft {
			return fmt.Errorf("%w: steps are editable only in draft (status %q)", ErrSequenceState, seq.Status)
		}
		steps := make([]models.SequenceStep, len(seq.Steps))
		copy(steps, seq.Steps)
		for i := range steps {
			if steps[i].ID == stepID {
				steps[i].StepType = opts.StepType
				steps[i].DelayDays = opts.DelayDays
				steps[i].PromptContext = opts.PromptContext
			}
		}
		if err := ValidateSteps(steps); err != nil {
			return err
		}
		return tx.Model(&models.SequenceStep{}).Where("id = ?", stepID).Updates(map[string]interface{}{
			"step_type":      opts.StepType,
			"delay_days":     opts.DelayDays,
			"prompt_context": opts.PromptContext,
		}).Error
	})
	return wrap("update step", err)
}

// RemoveStep deletes a step from a draft sequence and renumbers the rest.
func RemoveStep(db *gorm.DB, stepID string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		var step models.SequenceStep
		if err := tx.Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: step %s", ErrNotFound, stepID)
			}
			return err
		}
		seq, err := Get(tx, step.SequenceID)
		if err != nil {
			return err
		}
		if seq.Status != StatusDraft {
			return fmt.Errorf("%w: steps are editable only in draft (status %q)", ErrSequenceState, seq.Status)
		}
		if err := tx.Delete(&models.SequenceStep{}, "id = ?", stepID).Error; err != nil {
			return err
		}
		return tx.Model(&models.SequenceStep{}).
			Where("sequence_id = ? AND step_order > ?", step.SequenceID, step.StepOrder).
			Update("step_order", gorm.Expr("step_order - 1")).Error
	})
	return wrap("remove step", err)
}

// ValidateSteps checks that at most one connection_request exists and that
// it comes first.
func ValidateSteps(steps []models.SequenceStep) error {
	sorted := make([]models.SequenceStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StepOrder < sorted[j].StepOrder })
	for i, s := range sorted {
		if s.StepType == StepConnectionRequest && i != 0 {
			return fmt.Errorf("%w: found at position %d", ErrStepOrder, i+1)
		}
	}
	return nil
}

// Activate moves a draft or paused sequence to active.
func Activate(db *gorm.DB, id string) error {
	return transition(db, id, StatusActive)
}

// Pause stops dispatch for an active sequence.
func Pause(db *gorm.DB, id string) error {
	return transition(db, id, StatusPaused)
}

// Archive retires a draft or paused sequence.
func Archive(db *gorm.DB, id string) error {
	return transition(db, id, StatusArchived)
}

func transition(db *gorm.DB, id, to string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		seq, err := Get(tx, id)
		if err != nil {
			return err
		}
		if !isValidTransition(seq.Status, to) {
			return fmt.Errorf("%w: invalid status transition from %q to %q; valid transitions: %v",
				ErrSequenceState, seq.Status, to, ValidTransitions[seq.Status])
		}
		if to == StatusActive && seq.Mode == ModeClassic && len(seq.Steps) == 0 {
			return fmt.Errorf("%w: classic sequence needs at least one step to activate", ErrSequenceState)
		}
		result := tx.Model(&models.Sequence{}).
			Where("id = ? AND status = ?", id, seq.Status).
			Update("status", to)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: status of %s changed concurrently", ErrSequenceState, id)
		}
		return nil
	})
	return wrap(to, err)
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Delete removes a draft sequence that never had enrollments. Steps are
// removed with it.
func Delete(db *gorm.DB, id string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		seq, err := Get(tx, id)
		if err != nil {
			return err
		}
		if seq.Status != StatusDraft {
			return fmt.Errorf("%w: only draft sequences can be deleted (status %q)", ErrSequenceState, seq.Status)
		}
		var n int64
		if err := tx.Model(&models.SequenceEnrollment{}).Where("sequence_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: sequence has %d enrollments", ErrSequenceState, n)
		}
		if err := tx.Delete(&models.SequenceStep{}, "sequence_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Sequence{}, "id = ?", id).Error
	})
	return wrap("delete", err)
}

// wrap adds the package prefix unless err already carries a sentinel.
func wrap(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSequenceState) || errors.Is(err, ErrStepOrder) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("sequence: %s: %w", action, err)
}
