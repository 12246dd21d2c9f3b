package models

import "time"

// Sequence is a named outreach template, either a fixed list of steps
// (classic) or an AI-driven phase pipeline (smart_pipeline).
type Sequence struct {
	ID             string `gorm:"primaryKey;size:36"`
	AccountID      string `gorm:"size:64;not null;index"`
	Name           string `gorm:"size:256;not null"`
	Description    string `gorm:"type:text"`
	Status         string `gorm:"size:16;default:draft;index"`
	Mode           string `gorm:"size:16;default:classic"`
	TotalEnrolled  int    `gorm:"default:0"`
	ActiveEnrolled int    `gorm:"default:0"`
	CompletedCount int    `gorm:"default:0"`
	RepliedCount   int    `gorm:"default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Steps []SequenceStep `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE"`
}

// SequenceStep is one ordered action in a classic sequence.
type SequenceStep struct {
	ID            string `gorm:"primaryKey;size:36"`
	SequenceID    string `gorm:"size:36;not null;index"`
	StepOrder     int    `gorm:"not null"`
	StepType      string `gorm:"size:32;not null"` // connection_request, follow_up_message
	DelayDays     int    `gorm:"default:0"`
	PromptContext string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SequenceEnrollment binds one contact to one sequence and carries its
// progress through steps (classic) or phases (smart pipeline).
type SequenceEnrollment struct {
	ID                  string     `gorm:"primaryKey;size:36"`
	SequenceID          string     `gorm:"size:36;not null;uniqueIndex:idx_enrollment_sequence_contact"`
	ContactID           string     `gorm:"size:36;not null;uniqueIndex:idx_enrollment_sequence_contact;index"`
	AccountID           string     `gorm:"size:64;not null;index"`
	Status              string     `gorm:"size:16;default:active;index"`
	CurrentStepOrder    int        `gorm:"default:1"`
	NextStepDueAt       *time.Time `gorm:"index"`
	LastStepCompletedAt *time.Time
	CurrentPhase        string `gorm:"size:16;index"`
	PhaseEnteredAt      *time.Time
	MessagesInPhase     int `gorm:"default:0"`
	TotalMessagesSent   int `gorm:"default:0"`
	NurtureCount        int `gorm:"default:0"`
	ReactivationCount   int `gorm:"default:0"`
	LastResponseAt      *time.Time
	LastResponseText    string `gorm:"type:text"`
	LastAnalyzedAt      *time.Time
	PhaseAnalysis       string `gorm:"type:text"`
	PendingAction       string `gorm:"size:32"` // connection_request, message
	PendingMessage      string `gorm:"type:text"`
	ConsecutiveFailures int    `gorm:"default:0"`
	FailedReason        string `gorm:"type:text"`
	RepliedAt           *time.Time
	CompletedAt         *time.Time
	Version             int `gorm:"default:1"`
	EnrolledAt          time.Time
	UpdatedAt           time.Time

	Sequence Sequence `gorm:"foreignKey:SequenceID"`
	Contact  Contact  `gorm:"foreignKey:ContactID"`
}
