package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/debug-collab/internal/history"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
)

var ErrUnknownJobKind = errors.New("persist: unknown job kind")

// Store applies jobs to the relational store.
type Store struct {
	history *history.Repo
	ledger  *ledger.Ledger
}

func NewStore(h *history.Repo, l *ledger.Ledger) *Store {
	return &Store{history: h, ledger: l}
}

func (s *Store) Apply(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobSnapshot:
		return s.history.Append(ctx, job.SessionID, job.Code, job.Logs, job.At)
	case JobOccurrence:
		return s.ledger.RecordOccurrence(ctx, job.SessionID, job.Message, job.RootCause, job.At)
	case JobPattern:
		return s.ledger.UpsertPattern(ctx, job.Message, job.RootCause, job.At)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, job.Kind)
	}
}
