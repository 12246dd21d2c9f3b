package models

import "time"

// Contact is a prospect reachable on the social network. The record is owned
// upstream; outreach only reads targeting fields and writes status and
// dispatch bookkeeping.
type Contact struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	AccountID          string  `gorm:"size:64;not null;index"`
	FirstName          string  `gorm:"size:128"`
	LastName           string  `gorm:"size:128"`
	JobTitle           string  `gorm:"size:256"`
	Company            string  `gorm:"size:256"`
	Headline           string  `gorm:"type:text"`
	ProfileURL         string  `gorm:"size:512"`
	ProviderID         string  `gorm:"size:128"`
	ChatID             string  `gorm:"size:128"`
	CampaignID         *string `gorm:"size:36;index"`
	Score              int     `gorm:"default:0;index"`
	Status             string  `gorm:"size:32;default:new;index"`
	Sentiment          string  `gorm:"size:16"`
	SignalStrength     string  `gorm:"size:16"`
	OutreachMessage    string  `gorm:"type:text"`
	DispatchFailures   int     `gorm:"default:0"`
	LastDispatchError  string  `gorm:"type:text"`
	ActiveEnrollmentID *string `gorm:"size:36;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ConnectionSentAt   *time.Time
	ConnectedAt        *time.Time
	LastMessageAt      *time.Time
}

// FullName joins first and last name, skipping blanks.
func (c Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// ConversationMessage is one turn of the conversation with a contact, kept
// so the reply classifier can see the exchange.
type ConversationMessage struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	AccountID    string    `gorm:"size:64;not null"`
	ContactID    string    `gorm:"size:36;not null;index"`
	EnrollmentID string    `gorm:"size:36;index"`
	Direction    string    `gorm:"size:8;not null"` // "out" or "in"
	Body         string    `gorm:"type:text;not null"`
	SentAt       time.Time `gorm:"index"`
	CreatedAt    time.Time
}
