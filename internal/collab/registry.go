package collab

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("collab: session not found")
	ErrChannelClosed   = errors.New("collab: channel closed")
	ErrChannelFull     = errors.New("collab: channel send buffer full")
)

// Channel is one participant's outbound path. Send is called while the
// owning session is locked, so it must not block: queue or fail fast.
type Channel interface {
	Send(msg Outbound) error
	Close() error
}

// Snapshot is a consistent copy of a session's buffers.
type Snapshot struct {
	Code string
	Logs string
}

// DeliveryError records a fan-out delivery that was dropped.
type DeliveryError struct {
	ConnID string
	Err    error
}

type SessionInfo struct {
	ID          string    `json:"session_id"`
	Connections int       `json:"connections"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Session is a live collaborative workspace. All fields behind mu.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	code       string
	logs       string
	lastActive time.Time
	conns      map[string]Channel
	// set once the registry has dropped the session; nothing may join it after
	evicted bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Code: s.code, Logs: s.logs}
}

// fanOutLocked delivers msg to every connection except exclude ("" excludes none).
func (s *Session) fanOutLocked(msg Outbound, exclude string) []DeliveryError {
	var failed []DeliveryError
	for cid, ch := range s.conns {
		if cid == exclude {
			continue
		}
		if err := ch.Send(msg); err != nil {
			failed = append(failed, DeliveryError{ConnID: cid, Err: err})
		}
	}
	return failed
}

// Registry owns every live session. It is the single source of truth for
// who is connected where; there is no cross-session state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

func NewSessionID() string {
	return uuid.NewString()
}

// NewConnID returns 8 hex chars; unique enough within one session.
func NewConnID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (r *Registry) CreateSession() string {
	now := r.now()
	s := &Session{
		id:         NewSessionID(),
		createdAt:  now,
		lastActive: now,
		conns:      make(map[string]Channel),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s.id
}

func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) lookup(id string) (*Session, error) {
	s, ok := r.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// AddConnection registers ch under connID. No-op if the session does not exist.
func (r *Registry) AddConnection(sessionID, connID string, ch Channel) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return
	}
	s.conns[connID] = ch
	s.lastActive = r.now()
}

// Join allocates a connection id, registers ch and sends greet's message as
// the connection's first delivery, all under the session lock, so no update
// can slip between the snapshot and registration.
func (r *Registry) Join(sessionID string, ch Channel, greet func(connID string, snap Snapshot) Outbound) (string, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return r.join(s, ch, greet)
}

func (r *Registry) join(s *Session, ch Channel, greet func(connID string, snap Snapshot) Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return "", ErrSessionNotFound
	}

	connID := NewConnID()
	for {
		if _, taken := s.conns[connID]; !taken {
			break
		}
		connID = NewConnID()
	}
	if err := ch.Send(greet(connID, Snapshot{Code: s.code, Logs: s.logs})); err != nil {
		return "", err
	}
	s.conns[connID] = ch
	s.lastActive = r.now()
	return connID, nil
}

// RemoveConnection is idempotent.
func (r *Registry) RemoveConnection(sessionID, connID string) {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (r *Registry) UpdateCode(sessionID, code string) error {
	_, _, err := r.PublishCode(sessionID, "", code, false)
	return err
}

func (r *Registry) ReadCode(sessionID string) (string, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return s.Snapshot().Code, nil
}

func (r *Registry) UpdateLogs(sessionID, logs string) error {
	_, _, err := r.PublishLogs(sessionID, "", logs, false)
	return err
}

func (r *Registry) ReadLogs(sessionID string) (string, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return s.Snapshot().Logs, nil
}

func (r *Registry) Snapshot(sessionID string) (Snapshot, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// PublishCode replaces the code buffer (last writer wins) and, when notify
// is set, sends code_update to every connection except from. Returns the
// buffers as they stood right after the write.
func (r *Registry) PublishCode(sessionID, from, code string, notify bool) (Snapshot, []DeliveryError, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.lastActive = r.now()
	var failed []DeliveryError
	if notify {
		failed = s.fanOutLocked(CodeUpdated{Code: code, UpdatedBy: from}, from)
	}
	return Snapshot{Code: s.code, Logs: s.logs}, failed, nil
}

// PublishLogs is PublishCode for the log buffer.
func (r *Registry) PublishLogs(sessionID, from, logs string, notify bool) (Snapshot, []DeliveryError, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = logs
	s.lastActive = r.now()
	var failed []DeliveryError
	if notify {
		failed = s.fanOutLocked(LogsUpdated{Logs: logs, UpdatedBy: from}, from)
	}
	return Snapshot{Code: s.code, Logs: s.logs}, failed, nil
}

// Broadcast sends msg to every connection except exclude ("" for all).
func (r *Registry) Broadcast(sessionID string, msg Outbound, exclude string) ([]DeliveryError, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fanOutLocked(msg, exclude), nil
}

// SendTo delivers msg to a single connection.
func (r *Registry) SendTo(sessionID, connID string, msg Outbound) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.conns[connID]
	if !ok {
		return ErrChannelClosed
	}
	return ch.Send(msg)
}

// ListConnections returns a copy of the connection map. It may be stale by
// the time the caller uses it.
func (r *Registry) ListConnections(sessionID string) map[string]Channel {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Channel, len(s.conns))
	for k, v := range s.conns {
		out[k] = v
	}
	return out
}

func (r *Registry) Info(sessionID string) (SessionInfo, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		Connections: len(s.conns),
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
	}, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle drops sessions that have no connections and no activity within
// idle. Returns the evicted ids.
func (r *Registry) EvictIdle(idle time.Duration) []string {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, s := range r.sessions {
		s.mu.Lock()
		stale := len(s.conns) == 0 && s.lastActive.Before(cutoff)
		if stale {
			s.evicted = true
		}
		s.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// CloseAll closes every channel and empties the registry. Used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	closed := 0
	for _, s := range sessions {
		s.mu.Lock()
		s.evicted = true
		for cid, ch := range s.conns {
			_ = ch.Close()
			delete(s.conns, cid)
			closed++
		}
		s.mu.Unlock()
	}
	return closed
}
