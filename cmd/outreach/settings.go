package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/window"
	"gorm.io/gorm"
)

var validate = validator.New()

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the account's automation settings",
	}

	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the automation settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			s, err := a.quota.Settings(cmd.Context(), a.cfg.Account, a.now())
			if err != nil {
				return err
			}
			printSettings(cmd, s)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printSettings(cmd *cobra.Command, s *models.AutomationSettings) {
	out := cmd.OutOrStdout()
	w, _ := window.FromSettings(*s)
	campaign := "-"
	if s.TargetCampaignID != nil && *s.TargetCampaignID != "" {
		campaign = *s.TargetCampaignID
	}
	fmt.Fprintf(out, "Account:          %s\n", s.AccountID)
	fmt.Fprintf(out, "Enabled:          %s\n", yesNo(s.Enabled))
	fmt.Fprintf(out, "Window:           %s-%s %s\n", w.Start, w.End, w.Days)
	fmt.Fprintf(out, "Timezone:         %s\n", orDash(s.Timezone))
	fmt.Fprintf(out, "Daily limit:      %d (sent today: %d)\n", s.DailyLimit, s.SentToday)
	fmt.Fprintf(out, "Delay:            %d-%ds\n", s.MinDelaySeconds, s.MaxDelaySeconds)
	fmt.Fprintf(out, "Min lead score:   %d\n", s.MinLeadScore)
	fmt.Fprintf(out, "Target campaign:  %s\n", campaign)
	fmt.Fprintf(out, "Target statuses:  %s\n", orDash(s.TargetStatuses))
	fmt.Fprintf(out, "Last sent:        %s\n", formatTime(s.LastSentAt))
	fmt.Fprintf(out, "Next send after:  %s\n", formatTime(s.NextSendAt))
}

// settingsInput is the editable subset of AutomationSettings as typed on
// the command line.
type settingsInput struct {
	Enabled        bool
	Start          string `validate:"required,datetime=15:04"`
	End            string `validate:"required,datetime=15:04"`
	Days           string `validate:"required"`
	Timezone       string `validate:"required,timezone"`
	DailyLimit     int    `validate:"gte=1,lte=500"`
	MinDelay       int    `validate:"gte=0"`
	MaxDelay       int    `validate:"gtefield=MinDelay"`
	MinScore       int    `validate:"gte=0,lte=100"`
	Campaign       string `validate:"omitempty,max=36"`
	TargetStatuses string
}

func inputFromSettings(s *models.AutomationSettings) settingsInput {
	in := settingsInput{
		Enabled:        s.Enabled,
		Start:          fmt.Sprintf("%02d:%02d", s.WorkStartHour, s.WorkStartMinute),
		End:            fmt.Sprintf("%02d:%02d", s.WorkEndHour, s.WorkEndMinute),
		Days:           window.ParseMask(s.WorkingDays).String(),
		Timezone:       s.Timezone,
		DailyLimit:     s.DailyLimit,
		MinDelay:       s.MinDelaySeconds,
		MaxDelay:       s.MaxDelaySeconds,
		MinScore:       s.MinLeadScore,
		TargetStatuses: s.TargetStatuses,
	}
	if s.WorkEndHour == 24 {
		in.End = "00:00"
	}
	if s.TargetCampaignID != nil {
		in.Campaign = *s.TargetCampaignID
	}
	return in
}

// updates validates the input and returns the column map to write.
func (in settingsInput) updates() (map[string]interface{}, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	start, _ := time.Parse("15:04", in.Start)
	end, _ := time.Parse("15:04", in.End)
	if in.End != "00:00" && !end.After(start) {
		return nil, fmt.Errorf("invalid settings: window end %s must be after start %s", in.End, in.Start)
	}
	days, err := parseDays(in.Days)
	if err != nil {
		return nil, err
	}
	endHour := end.Hour()
	if in.End == "00:00" {
		endHour = 24
	}
	var campaign interface{}
	if in.Campaign != "" {
		campaign = in.Campaign
	}
	return map[string]interface{}{
		"enabled":            in.Enabled,
		"work_start_hour":    start.Hour(),
		"work_start_minute":  start.Minute(),
		"work_end_hour":      endHour,
		"work_end_minute":    end.Minute(),
		"working_days":       days.Mask(),
		"timezone":           in.Timezone,
		"daily_limit":        in.DailyLimit,
		"min_delay_seconds":  in.MinDelay,
		"max_delay_seconds":  in.MaxDelay,
		"min_lead_score":     in.MinScore,
		"target_campaign_id": campaign,
		"target_statuses":    strings.Join(selector.ParseStatuses(in.TargetStatuses), ","),
		"version":            gorm.Expr("version + 1"),
	}, nil
}

var dayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday, "thu": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

// parseDays accepts "weekdays", "all", or a comma list of three-letter day
// names such as "mon,tue,fri".
func parseDays(s string) (window.Weekdays, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekdays":
		return window.DefaultWeekdays, nil
	case "all", "everyday":
		return window.DaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday), nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		d, ok := dayNames[part]
		if !ok {
			return 0, fmt.Errorf("invalid settings: unknown day %q", part)
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return 0, fmt.Errorf("invalid settings: at least one working day is required")
	}
	return window.DaysOf(days...), nil
}

func newSettingsSetCmd() *cobra.Command {
	var (
		configPath string
		in         settingsInput
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change automation settings",
		Long:  "Changes only the flags given; the rest keep their stored values. The combined result is validated before it is written.",
		Example: `  outreach settings set --enabled --start 09:30 --end 17:00 --days mon,tue,wed,thu
  outreach settings set --timezone Europe/Madrid --daily-limit 25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsSet(cmd, configPath, in)
		},
	}

	addConfigFlag(cmd, &configPath)
	f := cmd.Flags()
	f.BoolVar(&in.Enabled, "enabled", false, "enable automatic dispatch (--enabled=false to disable)")
	f.StringVar(&in.Start, "start", "", "window start, HH:MM local time")
	f.StringVar(&in.End, "end", "", "window end, HH:MM local time (00:00 for midnight)")
	f.StringVar(&in.Days, "days", "", "working days: weekdays, all, or mon,tue,...")
	f.StringVar(&in.Timezone, "timezone", "", "IANA timezone, e.g. Europe/Madrid")
	f.IntVar(&in.DailyLimit, "daily-limit", 0, "sends per local day (clamped to the configured cap)")
	f.IntVar(&in.MinDelay, "min-delay", 0, "minimum seconds between sends")
	f.IntVar(&in.MaxDelay, "max-delay", 0, "maximum seconds between sends")
	f.IntVar(&in.MinScore, "min-score", 0, "minimum lead score for automatic sends")
	f.StringVar(&in.Campaign, "campaign", "", "only send to this campaign (empty string clears)")
	f.StringVar(&in.TargetStatuses, "statuses", "", "contact statuses eligible for standalone invitations, comma separated")
	return cmd
}

func runSettingsSet(cmd *cobra.Command, configPath string, flags settingsInput) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	s, err := a.quota.Settings(ctx, a.cfg.Account, a.now())
	if err != nil {
		return err
	}

	in := inputFromSettings(s)
	changed := cmd.Flags().Changed
	if changed("enabled") {
		in.Enabled = flags.Enabled
	}
	if changed("start") {
		in.Start = flags.Start
	}
	if changed("end") {
		in.End = flags.End
	}
	if changed("days") {
		in.Days = flags.Days
	}
	if changed("timezone") {
		in.Timezone = flags.Timezone
	}
	if changed("daily-limit") {
		in.DailyLimit = flags.DailyLimit
	}
	if changed("min-delay") {
		in.MinDelay = flags.MinDelay
	}
	if changed("max-delay") {
		in.MaxDelay = flags.MaxDelay
	}
	if changed("min-score") {
		in.MinScore = flags.MinScore
	}
	if changed("campaign") {
		in.Campaign = flags.Campaign
	}
	if changed("statuses") {
		in.TargetStatuses = flags.TargetStatuses
	}

	updates, err := in.updates()
	if err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Model(&models.AutomationSettings{}).
		Where("account_id = ?", a.cfg.Account).Updates(updates).Error; err != nil {
		return fmt.Errorf("update settings: %w", err)
	}

	s, err = a.quota.Settings(ctx, a.cfg.Account, a.now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Settings updated.")
	printSettings(cmd, s)
	return nil
}
