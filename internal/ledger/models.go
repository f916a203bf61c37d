package ledger

import "time"

// ErrorOccurrence is written once per analysis result, novel or not.
type ErrorOccurrence struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    *string   `gorm:"type:varchar(36);index" json:"session_id"`
	ErrorMessage string    `gorm:"type:text;not null" json:"error_message"`
	RootCause    string    `gorm:"type:text;not null" json:"root_cause"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ErrorOccurrence) TableName() string { return "error_logs" }

// ErrorPattern aggregates occurrences sharing a fingerprint. Message and
// root cause keep their first-seen values.
type ErrorPattern struct {
	PatternHash     string    `gorm:"primaryKey;type:varchar(64)" json:"pattern_hash"`
	ErrorMessage    string    `gorm:"type:text;not null" json:"error_message"`
	RootCause       string    `gorm:"type:text;not null" json:"root_cause"`
	OccurrenceCount int64     `gorm:"not null;default:1;index" json:"occurrence_count"`
	FirstSeen       time.Time `gorm:"not null" json:"first_seen"`
	LastSeen        time.Time `gorm:"not null" json:"last_seen"`
}

func (ErrorPattern) TableName() string { return "error_patterns" }
