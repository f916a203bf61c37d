package history

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Append stores a snapshot. at may be zero, in which case gorm fills CreatedAt.
func (r *Repo) Append(ctx context.Context, sessionID, code, logs string, at time.Time) error {
	return r.db.WithContext(ctx).Create(&CodeVersion{
		SessionID: sessionID,
		Code:      code,
		Logs:      logs,
		CreatedAt: at,
	}).Error
}

// List returns snapshots in DESC id order (newest -> oldest).
func (r *Repo) List(ctx context.Context, sessionID string, limit int, beforeID uint64) ([]CodeVersion, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var out []CodeVersion
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
