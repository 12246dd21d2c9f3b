package models

import "time"

// AutomationSettings holds one account's pacing configuration and its daily
// send counters. There is exactly one row per account.
type AutomationSettings struct {
	ID               uint    `gorm:"primaryKey;autoIncrement"`
	AccountID        string  `gorm:"size:64;not null;uniqueIndex"`
	Enabled          bool    `gorm:"default:false"`
	WorkStartHour    int     `gorm:"default:9"`
	WorkStartMinute  int     `gorm:"default:0"`
	WorkEndHour      int     `gorm:"default:18"`
	WorkEndMinute    int     `gorm:"default:0"`
	WorkingDays      int     `gorm:"default:31"` // bit 0 = Monday ... bit 6 = Sunday
	Timezone         string  `gorm:"size:64;default:UTC"`
	DailyLimit       int     `gorm:"default:40"`
	MinDelaySeconds  int     `gorm:"default:60"`
	MaxDelaySeconds  int     `gorm:"default:300"`
	MinLeadScore     int     `gorm:"default:0"`
	TargetCampaignID *string `gorm:"size:36"`
	TargetStatuses   string  `gorm:"size:256;default:new,pending"`
	SentToday        int     `gorm:"default:0"`
	LastSentAt       *time.Time
	LastResetDate    string `gorm:"size:10"` // YYYY-MM-DD in Timezone
	NextSendAt       *time.Time
	Version          int `gorm:"default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InvitationLog is an append-only record of every dispatch attempt.
type InvitationLog struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	AccountID      string    `gorm:"size:64;not null;index"`
	ContactID      string    `gorm:"size:36;not null;index"`
	EnrollmentID   *string   `gorm:"size:36;index"`
	CampaignID     *string   `gorm:"size:36"`
	ContactName    string    `gorm:"size:256"`
	ContactCompany string    `gorm:"size:256"`
	Kind           string    `gorm:"size:16;not null"` // invitation, message
	Mode           string    `gorm:"size:16;not null"` // manual, automatic
	Success        bool      `gorm:"index"`
	ErrorMessage   string    `gorm:"type:text"`
	MessagePreview string    `gorm:"size:300"`
	SentAt         time.Time `gorm:"index"`
}

// DispatchLease is the database fallback for the per-account dispatch lock
// when no Redis is configured.
type DispatchLease struct {
	AccountID  string `gorm:"primaryKey;size:64"`
	Holder     string `gorm:"size:64;not null"`
	AcquiredAt time.Time
	ExpiresAt  time.Time `gorm:"index"`
}
