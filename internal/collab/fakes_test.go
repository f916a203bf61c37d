package collab

import (
	"sync"
)

type fakeChannel struct {
	mu      sync.Mutex
	msgs    []Outbound
	sendErr error
	closed  bool
}

func (c *fakeChannel) Send(m Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) received() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.msgs...)
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

type errorRecord struct {
	SessionID, Message, RootCause string
}

type fakeRecorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	errors    []errorRecord
}

func (r *fakeRecorder) RecordSnapshot(sessionID, code, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, Snapshot{Code: code, Logs: logs})
}

func (r *fakeRecorder) RecordError(sessionID, message, rootCause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorRecord{sessionID, message, rootCause})
}
