package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/debug-collab/internal/analysis"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
	"gorm.io/gorm"
	"pgregory.net/rapid"
)

var nameErrorResult = analysis.Result{
	ErrorSummary: analysis.ErrorSummary{Message: "NameError", RootCause: "undefined variable"},
	ErrorType:    "NameError",
	Severity:     "high",
	FixedCode:    "x = 1\nprint(x)",
	Explanation:  "x was never assigned",
}

func staticGateway(res *analysis.Result, err error) analysis.Gateway {
	return analysis.GatewayFunc(func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		return res, err
	})
}

func newTestEngine(gw analysis.Gateway) (*Engine, *fakeRecorder) {
	rec := &fakeRecorder{}
	return NewEngine(NewRegistry(), gw, rec, time.Second), rec
}

func join(t *testing.T, e *Engine, sid string) (string, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	id, err := e.Join(sid, ch)
	require.NoError(t, err)
	return id, ch
}

func TestJoin_UnknownSession(t *testing.T) {
	e, _ := newTestEngine(staticGateway(nil, nil))
	ch := &fakeChannel{}
	_, err := e.Join("missing", ch)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, ch.received())
}

func TestJoin_SendsInitSnapshotFirst(t *testing.T) {
	e, _ := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	require.NoError(t, e.Registry().UpdateCode(sid, "print(x)"))
	require.NoError(t, e.Registry().UpdateLogs(sid, "NameError"))

	id, ch := join(t, e, sid)
	assert.Len(t, id, 8)
	assert.Equal(t, []Outbound{Init{ClientID: id, Code: "print(x)", Logs: "NameError"}}, ch.received())
}

func TestCodeUpdate_FansOutToOthersOnly(t *testing.T) {
	e, rec := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	a, chA := join(t, e, sid)
	_, chB := join(t, e, sid)
	_, chC := join(t, e, sid)

	e.Handle(context.Background(), sid, a, []byte(`{"type":"code_update","code":"x"}`))

	assert.Len(t, chA.received(), 1, "sender only has its init")
	for _, ch := range []*fakeChannel{chB, chC} {
		got := ch.received()
		require.Len(t, got, 2)
		assert.Equal(t, CodeUpdated{Code: "x", UpdatedBy: a}, got[1])
	}

	code, err := e.Registry().ReadCode(sid)
	require.NoError(t, err)
	assert.Equal(t, "x", code)
	assert.Equal(t, []Snapshot{{Code: "x", Logs: ""}}, rec.snapshots)
}

func TestLogsUpdate_FansOutAndRecordsCurrentCode(t *testing.T) {
	e, rec := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	a, chA := join(t, e, sid)
	_, chB := join(t, e, sid)

	e.Handle(context.Background(), sid, a, []byte(`{"type":"code_update","code":"c1"}`))
	e.Handle(context.Background(), sid, a, []byte(`{"type":"logs_update","logs":"Traceback"}`))

	assert.Len(t, chA.received(), 1)
	got := chB.received()
	require.Len(t, got, 3)
	assert.Equal(t, LogsUpdated{Logs: "Traceback", UpdatedBy: a}, got[2])
	assert.Equal(t, []Snapshot{{Code: "c1"}, {Code: "c1", Logs: "Traceback"}}, rec.snapshots)
}

func TestAnalyzeRequest_BroadcastsToEveryoneIncludingRequester(t *testing.T) {
	var seen analysis.Request
	gw := analysis.GatewayFunc(func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		seen = req
		res := nameErrorResult
		return &res, nil
	})
	e, rec := newTestEngine(gw)
	sid := e.Registry().CreateSession()
	a, chA := join(t, e, sid)
	_, chB := join(t, e, sid)

	e.Handle(context.Background(), sid, a, []byte(`{"type":"code_update","code":"print(x)"}`))
	e.Handle(context.Background(), sid, a, []byte(`{"type":"logs_update","logs":"NameError: x"}`))
	e.Handle(context.Background(), sid, a, []byte(`{"type":"analyze_request"}`))

	assert.Equal(t, analysis.Request{Code: "print(x)", Logs: "NameError: x"}, seen)

	want := AnalyzeResult{Result: nameErrorResult}
	gotA, gotB := chA.received(), chB.received()
	assert.Equal(t, want, gotA[len(gotA)-1])
	assert.Equal(t, want, gotB[len(gotB)-1])
	assert.Equal(t, []errorRecord{{sid, "NameError", "undefined variable"}}, rec.errors)
}

func TestAnalyzeRequest_GatewayFailureNotifiesRequesterOnly(t *testing.T) {
	cases := map[string]analysis.Gateway{
		"error":      staticGateway(nil, errors.New("model offline")),
		"nil result": staticGateway(nil, nil),
	}
	for name, gw := range cases {
		t.Run(name, func(t *testing.T) {
			e, rec := newTestEngine(gw)
			sid := e.Registry().CreateSession()
			a, chA := join(t, e, sid)
			_, chB := join(t, e, sid)

			e.Handle(context.Background(), sid, a, []byte(`{"type":"analyze_request"}`))

			gotA := chA.received()
			require.Len(t, gotA, 2)
			assert.IsType(t, AnalyzeError{}, gotA[1])
			assert.NotEmpty(t, gotA[1].(AnalyzeError).Message)
			assert.Len(t, chB.received(), 1)
			assert.Empty(t, rec.errors)
		})
	}
}

func TestAnalyzeRequest_NotCancelledByConnectionContext(t *testing.T) {
	gw := analysis.GatewayFunc(func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := nameErrorResult
		return &res, nil
	})
	e, _ := newTestEngine(gw)
	sid := e.Registry().CreateSession()
	a, _ := join(t, e, sid)
	_, chB := join(t, e, sid)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Leave(sid, a)
	e.Handle(ctx, sid, a, []byte(`{"type":"analyze_request"}`))

	got := chB.received()
	require.Len(t, got, 2)
	assert.Equal(t, AnalyzeResult{Result: nameErrorResult}, got[1])
}

func TestAnalyzeRequest_UpdatesLedgerOnce(t *testing.T) {
	db, err := gorm.Open(gormsqlite.Open("file:collab_ledger?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.ErrorOccurrence{}, &ledger.ErrorPattern{}))
	l := ledger.New(db)

	res := nameErrorResult
	e := NewEngine(NewRegistry(), staticGateway(&res, nil), ledgerRecorder{l}, time.Second)
	sid := e.Registry().CreateSession()
	a, _ := join(t, e, sid)
	join(t, e, sid)

	fp := ledger.Fingerprint("NameError", "undefined variable")
	before := int64(0)
	if p, err := l.GetPattern(context.Background(), fp); err == nil {
		before = p.OccurrenceCount
	}

	e.Handle(context.Background(), sid, a, []byte(`{"type":"analyze_request"}`))

	p, err := l.GetPattern(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, before+1, p.OccurrenceCount)

	occ, err := l.ListOccurrences(context.Background(), sid, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 1)
}

type ledgerRecorder struct{ l *ledger.Ledger }

func (r ledgerRecorder) RecordSnapshot(string, string, string) {}
func (r ledgerRecorder) RecordError(sid, msg, cause string) {
	_ = r.l.Record(context.Background(), sid, msg, cause, time.Time{})
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	e, rec := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	a, _ := join(t, e, sid)
	_, chB := join(t, e, sid)
	require.NoError(t, e.Registry().UpdateCode(sid, "keep"))

	for _, frame := range []string{
		`not json`,
		`{"type":"code_update"}`,
		`{"type":"logs_update","code":"wrong field"}`,
		`{"type":"delete_everything"}`,
		`{"code":"no type"}`,
		`[]`,
	} {
		e.Handle(context.Background(), sid, a, []byte(frame))
	}

	assert.Len(t, chB.received(), 1)
	code, _ := e.Registry().ReadCode(sid)
	assert.Equal(t, "keep", code)
	assert.Empty(t, rec.snapshots)
}

func TestBroadcast_DeadConnectionDoesNotAbortFanOut(t *testing.T) {
	res := nameErrorResult
	e, _ := newTestEngine(staticGateway(&res, nil))
	sid := e.Registry().CreateSession()
	a, chA := join(t, e, sid)
	_, chB := join(t, e, sid)
	_, chC := join(t, e, sid)
	_, chD := join(t, e, sid)
	chB.fail(ErrChannelClosed)
	chC.fail(ErrChannelFull)

	e.Handle(context.Background(), sid, a, []byte(`{"type":"code_update","code":"x"}`))
	e.Handle(context.Background(), sid, a, []byte(`{"type":"analyze_request"}`))

	assert.Len(t, chD.received(), 3)
	assert.Len(t, chA.received(), 2)
}

func TestLeave_StopsDelivery(t *testing.T) {
	e, _ := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	a, _ := join(t, e, sid)
	b, chB := join(t, e, sid)

	e.Leave(sid, b)
	e.Leave(sid, b)
	e.Handle(context.Background(), sid, a, []byte(`{"type":"code_update","code":"x"}`))

	assert.Len(t, chB.received(), 1)
	assert.Len(t, e.Registry().ListConnections(sid), 1)
}

func TestCodeUpdate_LastWriterWins(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e, _ := newTestEngine(staticGateway(nil, nil))
		sid := e.Registry().CreateSession()

		n := rapid.IntRange(1, 4).Draw(rt, "participants")
		ids := make([]string, n)
		for i := range ids {
			id, err := e.Join(sid, &fakeChannel{})
			if err != nil {
				rt.Fatalf("join: %v", err)
			}
			ids[i] = id
		}

		type write struct {
			who  int
			code string
		}
		writes := rapid.SliceOfN(rapid.Custom(func(rt *rapid.T) write {
			return write{
				who:  rapid.IntRange(0, n-1).Draw(rt, "who"),
				code: rapid.String().Draw(rt, "code"),
			}
		}), 1, 20).Draw(rt, "writes")

		for _, w := range writes {
			frame, err := json.Marshal(map[string]string{"type": "code_update", "code": w.code})
			if err != nil {
				rt.Fatalf("marshal: %v", err)
			}
			e.Handle(context.Background(), sid, ids[w.who], frame)
		}

		got, err := e.Registry().ReadCode(sid)
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if want := writes[len(writes)-1].code; got != want {
			rt.Fatalf("ReadCode=%q want last write %q", got, want)
		}
	})
}

// An observer that never writes sees every accepted update in arrival order,
// so its last view must equal the buffer, even with concurrent writers and joiners.
func TestConcurrentWritersAndJoiners_ConsistentViews(t *testing.T) {
	e, _ := newTestEngine(staticGateway(nil, nil))
	sid := e.Registry().CreateSession()
	_, observer := join(t, e, sid)

	const writers, perWriter, joiners = 4, 50, 8
	ids := make([]string, writers)
	for i := range ids {
		ids[i], _ = join(t, e, sid)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				frame := fmt.Sprintf(`{"type":"code_update","code":"w%d-%d"}`, i, j)
				e.Handle(context.Background(), sid, ids[i], []byte(frame))
			}
		}(i)
	}
	late := make([]*fakeChannel, joiners)
	for i := range late {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := &fakeChannel{}
			_, err := e.Join(sid, ch)
			assert.NoError(t, err)
			late[i] = ch
		}(i)
	}
	wg.Wait()

	final, err := e.Registry().ReadCode(sid)
	require.NoError(t, err)

	lastView := func(msgs []Outbound) string {
		view := ""
		for i, m := range msgs {
			switch v := m.(type) {
			case Init:
				require.Equal(t, 0, i, "init must be the first message")
				view = v.Code
			case CodeUpdated:
				require.NotEqual(t, 0, i, "update before init")
				view = v.Code
			}
		}
		return view
	}

	assert.Equal(t, final, lastView(observer.received()))
	assert.Len(t, observer.received(), 1+writers*perWriter)
	for _, ch := range late {
		assert.Equal(t, final, lastView(ch.received()))
	}
	assert.True(t, strings.HasPrefix(final, "w"))
}
