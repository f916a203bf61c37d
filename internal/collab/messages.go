package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/suPer8Hu/debug-collab/internal/analysis"
)

type MessageType string

const (
	TypeInit           MessageType = "init"
	TypeCodeUpdate     MessageType = "code_update"
	TypeLogsUpdate     MessageType = "logs_update"
	TypeAnalyzeRequest MessageType = "analyze_request"
	TypeAnalyzeResult  MessageType = "analyze_result"
	TypeAnalyzeError   MessageType = "analyze_error"
)

var ErrMalformedMessage = errors.New("collab: malformed message")

// InboundHandler has one method per inbound variant. Adding a variant means
// adding a method here, which every handler must then implement.
type InboundHandler interface {
	HandleCodeUpdate(m CodeUpdate)
	HandleLogsUpdate(m LogsUpdate)
	HandleAnalyzeRequest(m AnalyzeRequest)
}

// Inbound is a decoded client message.
type Inbound interface {
	Accept(h InboundHandler)
}

type CodeUpdate struct {
	Code string
}

type LogsUpdate struct {
	Logs string
}

type AnalyzeRequest struct{}

func (m CodeUpdate) Accept(h InboundHandler)     { h.HandleCodeUpdate(m) }
func (m LogsUpdate) Accept(h InboundHandler)     { h.HandleLogsUpdate(m) }
func (m AnalyzeRequest) Accept(h InboundHandler) { h.HandleAnalyzeRequest(m) }

type inboundWire struct {
	Type MessageType `json:"type"`
	Code *string     `json:"code"`
	Logs *string     `json:"logs"`
}

// DecodeInbound parses one client frame. Unknown types, missing required
// fields and invalid JSON all yield ErrMalformedMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch w.Type {
	case TypeCodeUpdate:
		if w.Code == nil {
			return nil, fmt.Errorf("%w: code_update without code", ErrMalformedMessage)
		}
		return CodeUpdate{Code: *w.Code}, nil
	case TypeLogsUpdate:
		if w.Logs == nil {
			return nil, fmt.Errorf("%w: logs_update without logs", ErrMalformedMessage)
		}
		return LogsUpdate{Logs: *w.Logs}, nil
	case TypeAnalyzeRequest:
		return AnalyzeRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
}

// Outbound is a server message. Each variant marshals with its "type" tag.
type Outbound interface {
	Type() MessageType
}

type Init struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Logs     string `json:"logs"`
}

type CodeUpdated struct {
	Code      string `json:"code"`
	UpdatedBy string `json:"updated_by"`
}

type LogsUpdated struct {
	Logs      string `json:"logs"`
	UpdatedBy string `json:"updated_by"`
}

type AnalyzeResult struct {
	Result analysis.Result `json:"result"`
}

// AnalyzeError goes only to the connection that asked for the analysis.
type AnalyzeError struct {
	Message string `json:"message"`
}

func (Init) Type() MessageType          { return TypeInit }
func (CodeUpdated) Type() MessageType   { return TypeCodeUpdate }
func (LogsUpdated) Type() MessageType   { return TypeLogsUpdate }
func (AnalyzeResult) Type() MessageType { return TypeAnalyzeResult }
func (AnalyzeError) Type() MessageType  { return TypeAnalyzeError }

func (m Init) MarshalJSON() ([]byte, error) {
	type body Init
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m CodeUpdated) MarshalJSON() ([]byte, error) {
	type body CodeUpdated
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m LogsUpdated) MarshalJSON() ([]byte, error) {
	type body LogsUpdated
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m AnalyzeResult) MarshalJSON() ([]byte, error) {
	type body AnalyzeResult
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m AnalyzeError) MarshalJSON() ([]byte, error) {
	type body AnalyzeError
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		body
	}{m.Type(), body(m)})
}

func Encode(m Outbound) ([]byte, error) {
	return json.Marshal(m)
}
