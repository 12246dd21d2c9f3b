package dispatch

import (
	"context"
	"fmt"

	"github.com/zulandar/outreach/internal/models"
)

// Sender performs the external send calls. Each method is exactly one call
// to the provider. SendMessage returns the chat the message went to, so a
// contact keeps a single conversation thread.
type Sender interface {
	SendInvitation(ctx context.Context, contact models.Contact, note string) error
	SendMessage(ctx context.Context, contact models.Contact, text string) (chatID string, err error)
}

// SendError is a failed provider call.
type SendError struct {
	Op         string // invitation or message
	StatusCode int    // 0 when the request never got a response
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("send %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("send %s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("send %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("send %s: status %d", e.Op, e.StatusCode)
}

func (e *SendError) Unwrap() error { return e.Err }
