package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Fingerprint is sha256(message + "|" + rootCause), hex encoded.
func Fingerprint(message, rootCause string) string {
	sum := sha256.Sum256([]byte(message + "|" + rootCause))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return l.now()
	}
	return at
}

// RecordOccurrence appends a raw occurrence row observed at at (zero means
// now). An empty sessionID is stored as NULL. No-op when message is empty.
func (l *Ledger) RecordOccurrence(ctx context.Context, sessionID, message, rootCause string, at time.Time) error {
	if message == "" {
		return nil
	}
	row := &ErrorOccurrence{
		ErrorMessage: message,
		RootCause:    rootCause,
		CreatedAt:    l.stamp(at),
	}
	if sessionID != "" {
		row.SessionID = &sessionID
	}
	return l.db.WithContext(ctx).Create(row).Error
}

// UpsertPattern inserts the pattern with count 1 or atomically bumps the
// existing row's count and sets last_seen to at (zero means now). No-op when
// message is empty.
func (l *Ledger) UpsertPattern(ctx context.Context, message, rootCause string, at time.Time) error {
	if message == "" {
		return nil
	}
	now := l.stamp(at)
	row := &ErrorPattern{
		PatternHash:     Fingerprint(message, rootCause),
		ErrorMessage:    message,
		RootCause:       rootCause,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
	}
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "pattern_hash"}},
			DoUpdates: clause.Assignments(map[string]any{
				"occurrence_count": gorm.Expr("occurrence_count + 1"),
				"last_seen":        now,
			}),
		}).
		Create(row).Error
}

// Record performs both writes. They are independent: a failure in one does
// not skip the other.
func (l *Ledger) Record(ctx context.Context, sessionID, message, rootCause string, at time.Time) error {
	return errors.Join(
		l.RecordOccurrence(ctx, sessionID, message, rootCause, at),
		l.UpsertPattern(ctx, message, rootCause, at),
	)
}

func (l *Ledger) GetPattern(ctx context.Context, hash string) (*ErrorPattern, error) {
	var p ErrorPattern
	if err := l.db.WithContext(ctx).First(&p, "pattern_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPatterns returns the most frequent patterns first.
func (l *Ledger) ListPatterns(ctx context.Context, limit int) ([]ErrorPattern, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []ErrorPattern
	if err := l.db.WithContext(ctx).
		Order("occurrence_count DESC").
		Order("last_seen DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListOccurrences returns raw occurrences for a session, newest first.
func (l *Ledger) ListOccurrences(ctx context.Context, sessionID string, limit int) ([]ErrorOccurrence, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []ErrorOccurrence
	if err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
