package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/debug-collab/internal/history"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&history.CodeVersion{}, &ledger.ErrorOccurrence{}, &ledger.ErrorPattern{}))
	return db
}

type recorded struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recorded) handle(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if job.SessionID == "fail" {
		return errors.New("store down")
	}
	return nil
}

func TestQueue_CloseDrainsEverything(t *testing.T) {
	rec := &recorded{}
	q := NewQueue(64, 3, rec.handle)

	q.RecordSnapshot("fail", "c", "l")
	for i := 0; i < 20; i++ {
		q.RecordSnapshot("s1", fmt.Sprintf("code-%d", i), "")
	}
	q.RecordError("s1", "NameError", "undefined")
	q.RecordError("s1", "", "ignored")
	q.Close()

	// the error becomes an occurrence job plus a pattern job
	assert.Len(t, rec.jobs, 23)
	for _, j := range rec.jobs {
		assert.NotEmpty(t, j.ID)
		assert.False(t, j.At.IsZero())
	}
	assert.ErrorIs(t, q.Enqueue(Job{Kind: JobSnapshot}), ErrQueueClosed)
	q.Close()
}

func TestQueue_FullDropsInsteadOfBlocking(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue(1, 1, func(ctx context.Context, job Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, q.Enqueue(Job{Kind: JobSnapshot}))
	<-started // worker holds the first job
	require.NoError(t, q.Enqueue(Job{Kind: JobSnapshot}))
	assert.ErrorIs(t, q.Enqueue(Job{Kind: JobSnapshot}), ErrQueueFull)

	close(release)
	q.Close()
}

func TestStore_Apply(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(history.NewRepo(db), ledger.New(db))
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, Job{Kind: JobSnapshot, SessionID: "s1", Code: "x", Logs: "y"}))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Apply(ctx, Job{Kind: JobOccurrence, SessionID: "s1", Message: "NameError", RootCause: "undefined variable"}))
		require.NoError(t, s.Apply(ctx, Job{Kind: JobPattern, SessionID: "s1", Message: "NameError", RootCause: "undefined variable"}))
	}
	assert.ErrorIs(t, s.Apply(ctx, Job{Kind: "bogus"}), ErrUnknownJobKind)

	var versions []history.CodeVersion
	require.NoError(t, db.Find(&versions).Error)
	require.Len(t, versions, 1)
	assert.Equal(t, "x", versions[0].Code)
	assert.Equal(t, "y", versions[0].Logs)

	var occ int64
	require.NoError(t, db.Model(&ledger.ErrorOccurrence{}).Count(&occ).Error)
	assert.EqualValues(t, 2, occ)

	p, err := ledger.New(db).GetPattern(ctx, ledger.Fingerprint("NameError", "undefined variable"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.OccurrenceCount)
}

func TestQueue_RecordErrorSplitsWrites(t *testing.T) {
	rec := &recorded{}
	q := NewQueue(8, 1, rec.handle)
	q.RecordError("s1", "KeyError", "missing key")
	q.Close()

	require.Len(t, rec.jobs, 2)
	kinds := []JobKind{rec.jobs[0].Kind, rec.jobs[1].Kind}
	assert.ElementsMatch(t, []JobKind{JobOccurrence, JobPattern}, kinds)
	assert.True(t, rec.jobs[0].At.Equal(rec.jobs[1].At))
	assert.NotEqual(t, rec.jobs[0].ID, rec.jobs[1].ID)
}

func TestStore_Apply_KeepsJobTime(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(history.NewRepo(db), ledger.New(db))
	ctx := context.Background()

	// a job that waited in a backlog keeps the time it was observed
	at := time.Now().Add(-3 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.Apply(ctx, Job{Kind: JobOccurrence, SessionID: "s1", Message: "E", RootCause: "r", At: at}))
	require.NoError(t, s.Apply(ctx, Job{Kind: JobPattern, Message: "E", RootCause: "r", At: at}))

	var occ ledger.ErrorOccurrence
	require.NoError(t, db.First(&occ).Error)
	assert.True(t, occ.CreatedAt.Equal(at), "created_at=%s", occ.CreatedAt)

	p, err := ledger.New(db).GetPattern(ctx, ledger.Fingerprint("E", "r"))
	require.NoError(t, err)
	assert.True(t, p.LastSeen.Equal(at), "last_seen=%s", p.LastSeen)
}
