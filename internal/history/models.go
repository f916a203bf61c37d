package history

import "time"

// CodeVersion is one accepted code/log mutation. Rows are never updated.
type CodeVersion struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(36);index;not null" json:"session_id"`
	Code      string    `gorm:"type:text;not null" json:"code"`
	Logs      string    `gorm:"type:text;not null" json:"logs"`
	CreatedAt time.Time `json:"created_at"`
}

func (CodeVersion) TableName() string { return "code_versions" }
