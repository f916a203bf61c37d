package analysis

import (
	"context"
	"errors"
)

var ErrEmptyResult = errors.New("analysis: empty result")

type ErrorSummary struct {
	Message   string `json:"message"`
	RootCause string `json:"root_cause"`
}

// Result is the structured diagnosis broadcast to participants and returned
// by the HTTP analyze endpoint.
type Result struct {
	ErrorSummary ErrorSummary `json:"error_summary"`
	ErrorType    string       `json:"error_type"`
	Severity     string       `json:"severity"`
	FixedCode    string       `json:"fixed_code"`
	Explanation  string       `json:"explanation"`
}

type Request struct {
	Code  string
	Logs  string
	Image []byte
}

type Gateway interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// GatewayFunc adapts a plain function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (*Result, error)

func (f GatewayFunc) Analyze(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
