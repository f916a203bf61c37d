package collab

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/suPer8Hu/debug-collab/internal/analysis"
)

// Recorder persists accepted mutations and analysis outcomes. Calls must
// return promptly; failures are the recorder's to log.
type Recorder interface {
	RecordSnapshot(sessionID, code, logs string)
	RecordError(sessionID, message, rootCause string)
}

const defaultAnalyzeTimeout = 2 * time.Minute

// Engine applies participant messages to the registry and decides who
// hears about them.
type Engine struct {
	registry       *Registry
	gateway        analysis.Gateway
	recorder       Recorder
	analyzeTimeout time.Duration
}

func NewEngine(reg *Registry, gw analysis.Gateway, rec Recorder, analyzeTimeout time.Duration) *Engine {
	if analyzeTimeout <= 0 {
		analyzeTimeout = defaultAnalyzeTimeout
	}
	return &Engine{registry: reg, gateway: gw, recorder: rec, analyzeTimeout: analyzeTimeout}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Join registers ch in the session and queues its init snapshot before any
// other message can reach it.
func (e *Engine) Join(sessionID string, ch Channel) (string, error) {
	return e.registry.Join(sessionID, ch, func(connID string, snap Snapshot) Outbound {
		return Init{ClientID: connID, Code: snap.Code, Logs: snap.Logs}
	})
}

func (e *Engine) Leave(sessionID, connID string) {
	e.registry.RemoveConnection(sessionID, connID)
}

// Handle processes one inbound frame from connID. Frames from one connection
// must be handled sequentially; an analyze_request blocks until the gateway
// returns. Malformed frames are dropped.
func (e *Engine) Handle(ctx context.Context, sessionID, connID string, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		log.Printf("[Engine] ignored frame session_id=%s conn_id=%s err=%v", sessionID, connID, err)
		return
	}
	msg.Accept(&dispatch{ctx: ctx, e: e, sessionID: sessionID, connID: connID})
}

type dispatch struct {
	ctx       context.Context
	e         *Engine
	sessionID string
	connID    string
}

func (d *dispatch) HandleCodeUpdate(m CodeUpdate) {
	snap, failed, err := d.e.registry.PublishCode(d.sessionID, d.connID, m.Code, true)
	if err != nil {
		log.Printf("[Engine] code_update dropped session_id=%s conn_id=%s err=%v", d.sessionID, d.connID, err)
		return
	}
	d.logDrops(TypeCodeUpdate, failed)
	d.e.recorder.RecordSnapshot(d.sessionID, snap.Code, snap.Logs)
}

func (d *dispatch) HandleLogsUpdate(m LogsUpdate) {
	snap, failed, err := d.e.registry.PublishLogs(d.sessionID, d.connID, m.Logs, true)
	if err != nil {
		log.Printf("[Engine] logs_update dropped session_id=%s conn_id=%s err=%v", d.sessionID, d.connID, err)
		return
	}
	d.logDrops(TypeLogsUpdate, failed)
	d.e.recorder.RecordSnapshot(d.sessionID, snap.Code, snap.Logs)
}

func (d *dispatch) HandleAnalyzeRequest(AnalyzeRequest) {
	snap, err := d.e.registry.Snapshot(d.sessionID)
	if err != nil {
		log.Printf("[Engine] analyze_request dropped session_id=%s conn_id=%s err=%v", d.sessionID, d.connID, err)
		return
	}

	// A closed connection does not cancel an analysis already in flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), d.e.analyzeTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.e.gateway.Analyze(ctx, analysis.Request{Code: snap.Code, Logs: snap.Logs})
	if err == nil && res == nil {
		err = analysis.ErrEmptyResult
	}
	if err != nil {
		log.Printf("[Engine] analyze failed session_id=%s conn_id=%s cost=%s err=%v",
			d.sessionID, d.connID, time.Since(start), err)
		if sendErr := d.e.registry.SendTo(d.sessionID, d.connID, AnalyzeError{Message: failureMessage(err)}); sendErr != nil {
			log.Printf("[Engine] analyze_error undeliverable session_id=%s conn_id=%s err=%v", d.sessionID, d.connID, sendErr)
		}
		return
	}

	d.e.recorder.RecordError(d.sessionID, res.ErrorSummary.Message, res.ErrorSummary.RootCause)

	failed, err := d.e.registry.Broadcast(d.sessionID, AnalyzeResult{Result: *res}, "")
	if err != nil {
		log.Printf("[Engine] analyze_result dropped session_id=%s err=%v", d.sessionID, err)
		return
	}
	d.logDrops(TypeAnalyzeResult, failed)
}

func (d *dispatch) logDrops(t MessageType, failed []DeliveryError) {
	for _, f := range failed {
		log.Printf("[Engine] delivery dropped type=%s session_id=%s to=%s err=%v", t, d.sessionID, f.ConnID, f.Err)
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "analysis timed out"
	case errors.Is(err, analysis.ErrEmptyResult):
		return "analysis returned no result"
	default:
		return "analysis failed"
	}
}
