package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/debug-collab/internal/common"
)

var (
	ErrQueueClosed = errors.New("persist: queue closed")
	ErrQueueFull   = errors.New("persist: queue full")
)

// Handler executes one job. Store.Apply and rabbitmq.Publisher.Publish both fit.
type Handler func(ctx context.Context, job Job) error

const jobTimeout = 10 * time.Second

// Queue runs jobs on a fixed pool of workers so callers never wait on the
// store. Enqueue never blocks; when the buffer is full the job is dropped and
// logged.
type Queue struct {
	handler Handler
	jobs    chan Job

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

func NewQueue(size, workers int, h Handler) *Queue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	q := &Queue{handler: h, jobs: make(chan Job, size)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work(i)
	}
	return q
}

func (q *Queue) work(workerID int) {
	defer q.wg.Done()
	for job := range q.jobs {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		err := q.handler(ctx, job)
		cancel()
		if err != nil {
			log.Printf("[PersistQueue] worker=%d job=%s kind=%s session_id=%s failed cost=%s err=%v",
				workerID, job.ID, job.Kind, job.SessionID, time.Since(start), err)
			continue
		}
		if cost := time.Since(start); cost > 2*time.Second {
			log.Printf("[PersistQueue] slow job=%s kind=%s cost=%s", job.ID, job.Kind, cost)
		}
	}
}

func (q *Queue) Enqueue(job Job) error {
	if job.ID == "" {
		if id, err := common.NewULID(); err == nil {
			job.ID = id
		}
	}
	if job.At.IsZero() {
		job.At = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) RecordSnapshot(sessionID, code, logs string) {
	q.enqueueOrLog(Job{Kind: JobSnapshot, SessionID: sessionID, Code: code, Logs: logs})
}

// RecordError enqueues the occurrence and the pattern bump as separate jobs
// stamped with the same time. Empty messages are skipped; the ledger would
// ignore them anyway.
func (q *Queue) RecordError(sessionID, message, rootCause string) {
	if message == "" {
		return
	}
	at := time.Now()
	q.enqueueOrLog(Job{Kind: JobOccurrence, SessionID: sessionID, Message: message, RootCause: rootCause, At: at})
	q.enqueueOrLog(Job{Kind: JobPattern, SessionID: sessionID, Message: message, RootCause: rootCause, At: at})
}

func (q *Queue) enqueueOrLog(job Job) {
	if err := q.Enqueue(job); err != nil {
		log.Printf("[PersistQueue] dropped kind=%s session_id=%s err=%v", job.Kind, job.SessionID, err)
	}
}

// Close stops intake and waits for queued jobs to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}
