// Package messaging stores the conversation turns exchanged with contacts
// and renders them as transcripts for the reply classifier.
package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
)

// Directions of a conversation turn.
const (
	Outbound = "out"
	Inbound  = "in"
)

// DefaultTranscriptTurns is how many recent turns the classifier sees.
const DefaultTranscriptTurns = 15

// RecordOpts identifies who a turn belongs to.
type RecordOpts struct {
	AccountID    string
	ContactID    string
	EnrollmentID string
}

// Record appends a turn to the conversation.
func Record(db *gorm.DB, opts RecordOpts, direction, body string, at time.Time) (*models.ConversationMessage, error) {
	if opts.ContactID == "" {
		return nil, fmt.Errorf("messaging: contact is required")
	}
	if direction != Outbound && direction != Inbound {
		return nil, fmt.Errorf("messaging: unknown direction %q", direction)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("messaging: body is required")
	}
	msg := models.ConversationMessage{
		AccountID:    opts.AccountID,
		ContactID:    opts.ContactID,
		EnrollmentID: opts.EnrollmentID,
		Direction:    direction,
		Body:         body,
		SentAt:       at.UTC(),
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("messaging: record: %w", err)
	}
	return &msg, nil
}

// Recent returns the last n turns with a contact in chronological order.
func Recent(db *gorm.DB, contactID string, n int) ([]models.ConversationMessage, error) {
	if n <= 0 {
		n = DefaultTranscriptTurns
	}
	var msgs []models.ConversationMessage
	if err := db.Where("contact_id = ?", contactID).
		Order("sent_at DESC, id DESC").Limit(n).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: recent %s: %w", contactID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LatestInbound returns the newest inbound turn, or nil when the contact
// has never replied.
func LatestInbound(db *gorm.DB, contactID string) (*models.ConversationMessage, error) {
	var msg models.ConversationMessage
	result := db.Where("contact_id = ? AND direction = ?", contactID, Inbound).
		Order("sent_at DESC, id DESC").Limit(1).Find(&msg)
	if result.Error != nil {
		return nil, fmt.Errorf("messaging: latest inbound %s: %w", contactID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &msg, nil
}

// Transcript renders turns as "You:" / "Contact:" lines.
func Transcript(msgs []models.ConversationMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		speaker := "Contact"
		if m.Direction == Outbound {
			speaker = "You"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, strings.TrimSpace(m.Body))
	}
	return strings.TrimRight(b.String(), "\n")
}
