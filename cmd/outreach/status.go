package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/dashboard"
	"github.com/zulandar/outreach/internal/models"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the account can send right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := dashboard.Status(cmd.Context(), a.quota, a.cfg.Account, a.now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tz := v.Timezone
			if v.TimezoneFallback {
				tz += " (fallback)"
			}
			fmt.Fprintf(out, "Account:      %s\n", v.AccountID)
			fmt.Fprintf(out, "Automation:   %s\n", yesNo(v.Enabled))
			fmt.Fprintf(out, "Window:       %s %s %s (open: %s)\n", v.Window, v.WorkingDays, tz, yesNo(v.WindowOpen))
			fmt.Fprintf(out, "Quota:        %d/%d sent, %d remaining\n", v.SentToday, v.Limit, v.Remaining)
			fmt.Fprintf(out, "Last sent:    %s\n", formatTime(v.LastSentAt))
			fmt.Fprintf(out, "Next send:    %s\n", formatTime(v.NextSendAt))
			if v.NextWindowOpen != nil {
				fmt.Fprintf(out, "Window opens: %s\n", formatTime(v.NextWindowOpen))
			}
			if v.CanSend {
				fmt.Fprintln(out, "Can send:     yes")
			} else {
				fmt.Fprintf(out, "Can send:     no (%s)\n", v.Reason)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newQueueCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List due actions in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			rows, err := dashboard.Queue(cmd.Context(), a.quota, a.selector, a.cfg.Account, a.now(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			fmt.Fprintf(out, "%-10s  %-36s  %-24s  %5s  %-20s  %-16s  %s\n", "KIND", "CONTACT", "NAME", "SCORE", "ACTION", "DUE", "MESSAGE")
			for _, r := range rows {
				action := r.Action
				if r.Phase != "" {
					action += "/" + r.Phase
				}
				due := r.DueAt
				fmt.Fprintf(out, "%-10s  %-36s  %-24s  %5d  %-20s  %-16s  %s\n",
					r.Kind, r.ContactID, truncate(r.ContactName, 24), r.Score, truncate(action, 20), formatTime(&due), orDash(r.Preview))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum rows")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		failures   bool
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent dispatch attempts",
		Long:  "Displays dispatch attempts from the invitation log, oldest first. --follow polls for new attempts every 2s.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			f := dashboard.LogFilters{AccountID: a.cfg.Account, FailuresOnly: failures, Limit: limit}
			entries, err := dashboard.RecentLogs(a.db.WithContext(cmd.Context()), f)
			if err != nil {
				return err
			}
			// Newest first from the query; print chronologically.
			for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
				entries[i], entries[j] = entries[j], entries[i]
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 && !follow {
				fmt.Fprintln(out, "No dispatch attempts found.")
				return nil
			}
			var lastID uint
			for _, e := range entries {
				printLogEntry(out, e)
				if e.ID > lastID {
					lastID = e.ID
				}
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()

			f.Follow = true
			f.Limit = 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					f.AfterID = lastID
					newEntries, err := dashboard.RecentLogs(a.db.WithContext(ctx), f)
					if err != nil {
						fmt.Fprintf(out, "poll error: %v\n", err)
						continue
					}
					for _, e := range newEntries {
						printLogEntry(out, e)
						lastID = e.ID
					}
				}
			}
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "lines", "n", 50, "number of entries to show")
	cmd.Flags().BoolVar(&failures, "failures", false, "only failed attempts")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new attempts every 2s")
	return cmd
}

func printLogEntry(out io.Writer, e models.InvitationLog) {
	result := "ok"
	if !e.Success {
		result = "FAILED: " + truncate(e.ErrorMessage, 60)
	}
	sent := e.SentAt
	fmt.Fprintf(out, "%s  %-10s  %-9s  %-24s  %s\n",
		formatTime(&sent), e.Kind, e.Mode, truncate(orDash(e.ContactName), 24), result)
}

func newStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize sequences and where their enrollments stand",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := dashboard.Stats(a.db.WithContext(cmd.Context()), a.cfg.Account)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				fmt.Fprintln(out, "No sequences.")
				return nil
			}
			for _, s := range stats {
				fmt.Fprintf(out, "%s  %s [%s, %s]\n", s.ID, s.Name, s.Mode, s.Status)
				fmt.Fprintf(out, "  enrolled %d, active %d, completed %d, replied %d\n",
					s.TotalEnrolled, s.ActiveEnrolled, s.CompletedCount, s.RepliedCount)
				if len(s.ByStatus) > 0 {
					fmt.Fprintf(out, "  by status: %s\n", joinCounts(s.ByStatus))
				}
				if len(s.ByPhase) > 0 {
					fmt.Fprintf(out, "  by phase:  %s\n", joinCounts(s.ByPhase))
				}
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func joinCounts(m map[string]int) string {
	keys := dashboard.SortedKeys(m)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
