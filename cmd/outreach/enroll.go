package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/models"
)

func newEnrollCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "enroll <sequence-id> <contact-id>...",
		Short: "Enroll contacts in an active sequence",
		Long:  "Enrolls each contact in the sequence. A contact already holding an open enrollment is skipped and reported.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := ownedSequence(a, cmd, args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, contactID := range args[1:] {
				e, err := a.store.Enroll(cmd.Context(), args[0], contactID, a.now())
				if err != nil {
					failed++
					fmt.Fprintf(out, "  %s: %v\n", contactID, err)
					continue
				}
				fmt.Fprintf(out, "  %s: enrolled as %s (%s)\n", contactID, e.ID, describeEnrollment(e))
			}
			enrolled := len(args) - 1 - failed
			fmt.Fprintf(out, "Enrolled %d of %d contacts.\n", enrolled, len(args)-1)
			if enrolled == 0 {
				return errors.New("no contacts enrolled")
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// newEnrollmentOpCmd builds the single-enrollment lifecycle commands.
func newEnrollmentOpCmd(use, short, done string, op func(a *app, ctx context.Context, id string) (*models.SequenceEnrollment, error)) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <enrollment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if e.AccountID != a.cfg.Account {
				return fmt.Errorf("%w: %s", enrollment.ErrNotFound, args[0])
			}
			e, err = op(a, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enrollment %s %s (%s)\n", e.ID, done, describeEnrollment(e))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newWithdrawCmd() *cobra.Command {
	return newEnrollmentOpCmd("withdraw", "Withdraw a contact from its sequence", "withdrawn",
		func(a *app, ctx context.Context, id string) (*models.SequenceEnrollment, error) {
			return a.store.Withdraw(ctx, id, a.now())
		})
}

func newPauseCmd() *cobra.Command {
	return newEnrollmentOpCmd("pause", "Pause an active enrollment", "paused",
		func(a *app, ctx context.Context, id string) (*models.SequenceEnrollment, error) {
			return a.store.Pause(ctx, id)
		})
}

func newResumeCmd() *cobra.Command {
	return newEnrollmentOpCmd("resume", "Resume a paused, replied or parked enrollment", "resumed",
		func(a *app, ctx context.Context, id string) (*models.SequenceEnrollment, error) {
			return a.store.Resume(ctx, id, a.now())
		})
}

func newReplyCmd() *cobra.Command {
	var (
		configPath string
		at         string
	)

	cmd := &cobra.Command{
		Use:   "reply <contact-id> <text>",
		Short: "Record an inbound reply from a contact",
		Long:  "Stores the reply in the conversation. Classic enrollments stop as replied; smart pipeline enrollments queue the reply for analysis.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			when, err := parseAt(at, a.now())
			if err != nil {
				return err
			}
			if err := checkContact(a, cmd, args[0]); err != nil {
				return err
			}
			e, err := a.store.RecordReply(cmd.Context(), args[0], args[1], when)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if e == nil {
				fmt.Fprintf(out, "Reply recorded for %s (no open enrollment)\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Reply recorded for %s on enrollment %s (%s)\n", args[0], e.ID, describeEnrollment(e))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&at, "at", "", "when the reply arrived, RFC 3339 (default now)")
	return cmd
}

func newConnectedCmd() *cobra.Command {
	var (
		configPath string
		at         string
	)

	cmd := &cobra.Command{
		Use:   "connected <contact-id>",
		Short: "Record that a contact accepted the connection request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			when, err := parseAt(at, a.now())
			if err != nil {
				return err
			}
			if err := checkContact(a, cmd, args[0]); err != nil {
				return err
			}
			e, err := a.store.MarkConnected(cmd.Context(), args[0], when)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if e == nil {
				fmt.Fprintf(out, "Contact %s marked connected (no open enrollment)\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Contact %s marked connected; enrollment %s (%s)\n", args[0], e.ID, describeEnrollment(e))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&at, "at", "", "when the connection was accepted, RFC 3339 (default now)")
	return cmd
}

func checkContact(a *app, cmd *cobra.Command, id string) error {
	var c models.Contact
	if err := a.db.WithContext(cmd.Context()).Where("id = ? AND account_id = ?", id, a.cfg.Account).First(&c).Error; err != nil {
		return fmt.Errorf("contact %s: %w", id, err)
	}
	return nil
}

func parseAt(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC 3339, e.g. 2024-03-04T10:00:00Z", s)
	}
	return t.UTC(), nil
}

// describeEnrollment summarizes where an enrollment stands. Smart pipeline
// enrollments report their phase once connected; everything else reports the
// step.
func describeEnrollment(e *models.SequenceEnrollment) string {
	where := fmt.Sprintf("step %d", e.CurrentStepOrder)
	if e.CurrentPhase != "" {
		where = "phase " + enrollment.Phase(e.CurrentPhase).String()
	}
	s := e.Status + ", " + where
	if e.PendingAction != "" {
		s += ", next " + e.PendingAction + " " + formatTime(e.NextStepDueAt)
	}
	return s
}
