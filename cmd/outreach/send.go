package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/dispatch"
)

func newSendNextCmd() *cobra.Command {
	var (
		configPath string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "send-next",
		Short: "Send the next due action now",
		Long: "Sends the most urgent due invitation or sequence message, honoring the sending window,\n" +
			"daily quota and pacing. Works even when automation is disabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			d, cleanup, err := a.dispatcher(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var results []dispatch.Result
			if count == 1 {
				r, err := d.DispatchNext(cmd.Context(), a.cfg.Account, dispatch.ModeManual)
				if err != nil {
					return err
				}
				results = append(results, r)
			} else {
				results, err = d.RunBatch(cmd.Context(), a.cfg.Account, dispatch.ModeManual, count)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			sent := 0
			for _, r := range results {
				printResult(out, r)
				if r.Sent {
					sent++
				}
			}
			if count > 1 {
				fmt.Fprintf(out, "Sent %d of %d requested.\n", sent, count)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of actions to send, pacing between them")
	return cmd
}

func printResult(out io.Writer, r dispatch.Result) {
	switch {
	case r.Sent:
		fmt.Fprintf(out, "Sent %s to %s (%s); %d left today, next send after %s\n",
			r.Kind, orDash(r.ContactName), r.ContactID, r.Remaining, formatTime(r.NextSendAt))
	case r.Error != "":
		msg := fmt.Sprintf("Failed %s to %s (%s): %s", r.Kind, orDash(r.ContactName), r.ContactID, r.Error)
		if r.Failed {
			msg += " [gave up]"
		}
		fmt.Fprintln(out, msg)
	case r.ContactID != "":
		fmt.Fprintf(out, "Skipped %s (%s): %s\n", orDash(r.ContactName), r.ContactID, r.Reason)
	default:
		fmt.Fprintf(out, "Nothing sent: %s\n", r.Reason)
	}
}

func newGenerateCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate messages for due actions that lack one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if limit <= 0 {
				limit = a.cfg.Policy.PrepareBatch
			}
			p, err := a.preparer(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := p.PreparePending(cmd.Context(), a.cfg.Account, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prepared %d, failed %d, skipped %d.\n", sum.Prepared, sum.Failed, sum.Skipped)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum messages to generate (default from config)")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify unanalyzed replies and move enrollments between phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if limit <= 0 {
				limit = a.cfg.Policy.AnalyzeBatch
			}
			engine, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			results, err := engine.AnalyzePending(cmd.Context(), a.cfg.Account, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			applied := 0
			for _, r := range results {
				if !r.Applied {
					fmt.Fprintf(out, "  %s: skipped (%s)\n", r.EnrollmentID, r.Skipped)
					continue
				}
				applied++
				line := fmt.Sprintf("  %s: %s %s -> %s", r.EnrollmentID, r.Transition.Outcome, r.Transition.From, r.Transition.To)
				if r.Transition.Forced {
					line += " (forced)"
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "Analyzed %d of %d pending replies.\n", applied, len(results))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum replies to analyze (default from config)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply due nurture, reactivation and exit transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.sweeper().Run(cmd.Context(), a.cfg.Account)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nurtured %d, reactivated %d, exited %d, failed %d.\n",
				sum.Nurtured, sum.Reactivated, sum.Exited, sum.Failed)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
