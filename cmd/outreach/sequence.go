package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
)

func newSequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sequence",
		Aliases: []string{"seq"},
		Short:   "Manage outreach sequences",
	}

	cmd.AddCommand(newSequenceCreateCmd())
	cmd.AddCommand(newSequenceAddStepCmd())
	cmd.AddCommand(newSequenceListCmd())
	cmd.AddCommand(newSequenceShowCmd())
	cmd.AddCommand(newSequenceTransitionCmd("activate", "Activate a draft or paused sequence", sequence.Activate))
	cmd.AddCommand(newSequenceTransitionCmd("pause", "Pause an active sequence", sequence.Pause))
	cmd.AddCommand(newSequenceTransitionCmd("resume", "Resume a paused sequence", sequence.Activate))
	cmd.AddCommand(newSequenceTransitionCmd("archive", "Archive a draft or paused sequence", sequence.Archive))
	cmd.AddCommand(newSequenceTransitionCmd("delete", "Delete a draft sequence with no enrollments", sequence.Delete))
	return cmd
}

func newSequenceCreateCmd() *cobra.Command {
	var (
		configPath  string
		name        string
		description string
		smart       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft sequence",
		Long:  "Creates a draft sequence. Classic sequences need steps before activation; --smart creates an AI-driven phase pipeline with no steps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			mode := sequence.ModeClassic
			if smart {
				mode = sequence.ModeSmart
			}
			seq, err := sequence.Create(a.db.WithContext(cmd.Context()), sequence.CreateOpts{
				AccountID:   a.cfg.Account,
				Name:        name,
				Description: description,
				Mode:        mode,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s sequence %s (%s)\n", seq.Mode, seq.ID, seq.Name)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&name, "name", "n", "", "sequence name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().BoolVar(&smart, "smart", false, "create a smart pipeline sequence")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newSequenceAddStepCmd() *cobra.Command {
	var (
		configPath string
		opts       sequence.StepOpts
	)

	cmd := &cobra.Command{
		Use:   "add-step <sequence-id>",
		Short: "Append a step to a draft classic sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := ownedSequence(a, cmd, args[0]); err != nil {
				return err
			}
			step, err := sequence.AddStep(a.db.WithContext(cmd.Context()), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added step %d (%s, after %d days) to %s\n", step.StepOrder, step.StepType, step.DelayDays, args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&opts.StepType, "type", "t", sequence.StepFollowUp, "step type: connection_request or follow_up_message")
	cmd.Flags().IntVarP(&opts.DelayDays, "delay-days", "d", 0, "days to wait after the previous step")
	cmd.Flags().StringVar(&opts.PromptContext, "prompt", "", "guidance for the message generator")
	return cmd
}

func newSequenceListCmd() *cobra.Command {
	var (
		configPath string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			seqs, err := sequence.List(a.db.WithContext(cmd.Context()), a.cfg.Account, status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(seqs) == 0 {
				fmt.Fprintln(out, "No sequences.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-24s  %-14s  %-8s  %8s  %6s  %7s\n", "ID", "NAME", "MODE", "STATUS", "ENROLLED", "ACTIVE", "REPLIED")
			for _, s := range seqs {
				fmt.Fprintf(out, "%-36s  %-24s  %-14s  %-8s  %8d  %6d  %7d\n",
					s.ID, truncate(s.Name, 24), s.Mode, s.Status, s.TotalEnrolled, s.ActiveEnrolled, s.RepliedCount)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, active, paused, archived)")
	return cmd
}

func newSequenceShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <sequence-id>",
		Short: "Show a sequence and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			seq, err := ownedSequence(a, cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sequence: %s\n", seq.Name)
			fmt.Fprintf(out, "ID:       %s\n", seq.ID)
			fmt.Fprintf(out, "Mode:     %s\n", seq.Mode)
			fmt.Fprintf(out, "Status:   %s\n", seq.Status)
			fmt.Fprintf(out, "Enrolled: %d total, %d active, %d completed, %d replied\n",
				seq.TotalEnrolled, seq.ActiveEnrolled, seq.CompletedCount, seq.RepliedCount)
			for _, st := range seq.Steps {
				fmt.Fprintf(out, "  %d. %-18s  +%dd  %s\n", st.StepOrder, st.StepType, st.DelayDays, orDash(truncate(st.PromptContext, 60)))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSequenceTransitionCmd(use, short string, fn func(db *gorm.DB, id string) error) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <sequence-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := ownedSequence(a, cmd, args[0]); err != nil {
				return err
			}
			if err := fn(a.db.WithContext(cmd.Context()), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sequence %s: %s done\n", args[0], use)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// ownedSequence loads a sequence and checks it belongs to the configured
// account.
func ownedSequence(a *app, cmd *cobra.Command, id string) (*models.Sequence, error) {
	seq, err := sequence.Get(a.db.WithContext(cmd.Context()), id)
	if err != nil {
		return nil, err
	}
	if seq.AccountID != a.cfg.Account {
		return nil, fmt.Errorf("%w: %s", sequence.ErrNotFound, id)
	}
	return seq, nil
}
