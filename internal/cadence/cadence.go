// Package cadence runs the time-driven phase changes of the smart pipeline:
// repeat nurture touches, reactivation after silence, and giving up on a
// reactivation nobody answered.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/metrics"
	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
)

// errNotDue aborts an update whose enrollment changed since it was listed.
var errNotDue = errors.New("cadence: no longer due")

// Sweeper applies silence-based transitions.
type Sweeper struct {
	db    *gorm.DB
	store *enrollment.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// New returns a Sweeper.
func New(db *gorm.DB, store *enrollment.Store, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{db: db, store: store, log: log, now: time.Now}
}

// Summary counts what one Run changed.
type Summary struct {
	Nurtured    int
	Reactivated int
	Exited      int
	Failed      int
}

// Run applies every due cadence transition for the account.
func (s *Sweeper) Run(ctx context.Context, accountID string) (Summary, error) {
	var sum Summary
	now := s.now().UTC()
	m := s.store.Machine()
	cutoff := now.Add(-m.Policy.ReactivationSilence)

	sweeps := []struct {
		name  string
		query func() ([]models.SequenceEnrollment, error)
		due   func(e *models.SequenceEnrollment) bool
		apply func(e *models.SequenceEnrollment) (enrollment.Transition, error)
	}{
		{
			name:  "nurture",
			query: func() ([]models.SequenceEnrollment, error) { return s.nurtureDue(ctx, accountID, now) },
			due:   func(e *models.SequenceEnrollment) bool { return nurtureDue(e, now) },
			apply: func(e *models.SequenceEnrollment) (enrollment.Transition, error) { return m.NurtureAgain(e, now) },
		},
		{
			name: "reactivate",
			query: func() ([]models.SequenceEnrollment, error) {
				return s.silent(ctx, accountID, cutoff, enrollment.PhaseApertura, enrollment.PhaseCalificacion, enrollment.PhaseValor)
			},
			due:   func(e *models.SequenceEnrollment) bool { return silentSince(e, cutoff) },
			apply: func(e *models.SequenceEnrollment) (enrollment.Transition, error) { return m.Reactivate(e, now) },
		},
		{
			name: "give up",
			query: func() ([]models.SequenceEnrollment, error) {
				return s.silent(ctx, accountID, cutoff, enrollment.PhaseReactivacion)
			},
			due:   func(e *models.SequenceEnrollment) bool { return silentSince(e, cutoff) },
			apply: func(e *models.SequenceEnrollment) (enrollment.Transition, error) { return m.GiveUp(e, now) },
		},
	}

	for _, sw := range sweeps {
		rows, err := sw.query()
		if err != nil {
			return sum, err
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			log := s.log.WithFields(logrus.Fields{"account": accountID, "enrollment": row.ID, "sweep": sw.name})
			var tr enrollment.Transition
			_, err := s.store.Update(ctx, row.ID, func(e *models.SequenceEnrollment) error {
				if !sw.due(e) {
					return errNotDue
				}
				var err error
				tr, err = sw.apply(e)
				return err
			})
			if errors.Is(err, errNotDue) {
				continue
			}
			if err != nil {
				sum.Failed++
				log.WithError(err).Error("cadence transition")
				continue
			}
			metrics.TransitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
			log.WithField("to", tr.To.String()).Info("cadence transition")
			switch tr.To {
			case enrollment.PhaseExited:
				sum.Exited++
			case enrollment.PhaseReactivacion:
				sum.Reactivated++
			default:
				sum.Nurtured++
			}
		}
	}
	return sum, nil
}

// awaitingReply reports whether the enrollment has nothing queued and no
// reply newer than its last send.
func awaitingReply(e *models.SequenceEnrollment) bool {
	if e.Status != enrollment.StatusActive || e.PendingAction != "" {
		return false
	}
	if e.LastResponseAt == nil {
		return true
	}
	return e.LastStepCompletedAt != nil && !e.LastResponseAt.After(*e.LastStepCompletedAt)
}

func nurtureDue(e *models.SequenceEnrollment, now time.Time) bool {
	return enrollment.Phase(e.CurrentPhase) == enrollment.PhaseNurture &&
		awaitingReply(e) &&
		e.NextStepDueAt != nil && !e.NextStepDueAt.After(now)
}

func silentSince(e *models.SequenceEnrollment, cutoff time.Time) bool {
	return awaitingReply(e) &&
		e.LastStepCompletedAt != nil && !e.LastStepCompletedAt.After(cutoff)
}

func (s *Sweeper) base(ctx context.Context, accountID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("account_id = ?", accountID).
		Where("status = ?", enrollment.StatusActive).
		Where("(pending_action = '' OR pending_action IS NULL)").
		Where("(last_response_at IS NULL OR last_response_at <= last_step_completed_at)")
}

func (s *Sweeper) nurtureDue(ctx context.Context, accountID string, now time.Time) ([]models.SequenceEnrollment, error) {
	var out []models.SequenceEnrollment
	err := s.base(ctx, accountID).
		Where("current_phase = ?", string(enrollment.PhaseNurture)).
		Where("next_step_due_at IS NOT NULL AND next_step_due_at <= ?", now).
		Order("next_step_due_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("cadence: nurture due: %w", err)
	}
	return out, nil
}

func (s *Sweeper) silent(ctx context.Context, accountID string, cutoff time.Time, phases ...enrollment.Phase) ([]models.SequenceEnrollment, error) {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	var out []models.SequenceEnrollment
	err := s.base(ctx, accountID).
		Where("current_phase IN ?", names).
		Where("last_step_completed_at IS NOT NULL AND last_step_completed_at <= ?", cutoff).
		Order("last_step_completed_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("cadence: silent: %w", err)
	}
	return out, nil
}
