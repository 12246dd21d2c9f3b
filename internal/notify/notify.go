// Package notify tells a human when the pipeline needs one: a contact asked
// for a meeting, or automated outreach to a contact gave up.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zulandar/outreach/internal/config"
)

// Event kinds.
const (
	KindMeeting          = "meeting"
	KindEnrollmentFailed = "enrollment_failed"
	KindContactFailed    = "contact_failed"
)

// maxRetries bounds retries of rate-limited posts.
const maxRetries = 3

// Field is one labelled value shown with an event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Event is a handoff or failure worth a human's attention.
type Event struct {
	Kind         string
	AccountID    string
	ContactID    string
	ContactName  string
	Company      string
	EnrollmentID string
	Body         string
	Fields       []Field
}

// Title renders the headline for e.
func (e Event) Title() string {
	who := e.ContactName
	if who == "" {
		who = e.ContactID
	}
	if e.Company != "" {
		who += " (" + e.Company + ")"
	}
	switch e.Kind {
	case KindMeeting:
		return "Meeting requested: " + who
	case KindEnrollmentFailed:
		return "Sequence failed: " + who
	case KindContactFailed:
		return "Invitation failed: " + who
	}
	return fmt.Sprintf("%s: %s", e.Kind, who)
}

// Color returns the attachment color for e's kind.
func (e Event) Color() string {
	if e.Kind == KindMeeting {
		return "#2eb67d"
	}
	return "#e01e5a"
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured notifiers. With nothing configured it
// returns Nop.
func FromConfig(cfg config.NotifyConfig) (Notifier, error) {
	var out Multi
	if cfg.SlackWebhookURL != "" {
		out = append(out, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.DiscordBotToken != "" {
		d, err := NewDiscord(cfg.DiscordBotToken, cfg.DiscordChannelID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	switch len(out) {
	case 0:
		return Nop{}, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// retry calls fn until it succeeds, fails with a non-retryable error, or
// maxRetries is spent. wait returns the backoff for a retryable error and
// false for anything else.
func retry(ctx context.Context, base time.Duration, fn func() error, wait func(err error, attempt int) (time.Duration, bool)) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		d, ok := wait(err, attempt)
		if !ok || attempt == maxRetries {
			return err
		}
		if d <= 0 {
			d = time.Duration(math.Pow(2, float64(attempt))) * base
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
