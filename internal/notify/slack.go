package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slack-go/slack"
)

// Slack posts events to an incoming webhook.
type Slack struct {
	url     string
	backoff time.Duration
	post    func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack returns a Slack notifier for webhookURL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, backoff: time.Second, post: slack.PostWebhookContext}
}

func (s *Slack) Notify(ctx context.Context, e Event) error {
	msg := &slack.WebhookMessage{
		Text:        e.Title(),
		Attachments: []slack.Attachment{attachment(e)},
	}
	err := retry(ctx, s.backoff, func() error {
		return s.post(ctx, s.url, msg)
	}, func(err error, _ int) (time.Duration, bool) {
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return rle.RetryAfter, true
		}
		return 0, false
	})
	if err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func attachment(e Event) slack.Attachment {
	att := slack.Attachment{
		Title:    e.Title(),
		Text:     e.Body,
		Color:    e.Color(),
		Fallback: e.Title(),
	}
	for _, f := range e.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}
