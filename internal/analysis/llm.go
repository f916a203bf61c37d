package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suPer8Hu/debug-collab/internal/ai"
)

const systemPrompt = `You are a debugging assistant. Given source code, runtime logs and optionally a screenshot,
identify the primary error and respond with ONLY a JSON object of this exact shape:
{"error_summary":{"message":"<short error message>","root_cause":"<one sentence>"},
 "error_type":"<e.g. NameError, NullPointer, Timeout>",
 "severity":"low|medium|high|critical",
 "fixed_code":"<the full corrected code>",
 "explanation":"<what was wrong and how the fix addresses it>"}
If no error is apparent, use an empty message and explain why.`

// LLMGateway asks a chat model for a JSON diagnosis.
type LLMGateway struct {
	provider ai.Provider
}

func NewLLMGateway(p ai.Provider) *LLMGateway {
	return &LLMGateway{provider: p}
}

func (g *LLMGateway) Analyze(ctx context.Context, req Request) (*Result, error) {
	var b strings.Builder
	b.WriteString("### Code\n```\n")
	b.WriteString(req.Code)
	b.WriteString("\n```\n\n### Logs\n```\n")
	b.WriteString(req.Logs)
	b.WriteString("\n```\n")

	user := ai.Message{Role: "user", Content: b.String()}
	if len(req.Image) > 0 {
		user.Images = [][]byte{req.Image}
	}

	reply, err := g.provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: systemPrompt},
		user,
	})
	if err != nil {
		return nil, err
	}
	return ParseResult(reply)
}

// ParseResult extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func ParseResult(reply string) (*Result, error) {
	body := extractJSONObject(reply)
	if body == "" {
		return nil, ErrEmptyResult
	}
	var r Result
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("analysis: decode result: %w", err)
	}
	r.ErrorSummary.Message = strings.TrimSpace(r.ErrorSummary.Message)
	r.ErrorSummary.RootCause = strings.TrimSpace(r.ErrorSummary.RootCause)
	r.Severity = strings.ToLower(strings.TrimSpace(r.Severity))
	if r.ErrorSummary.Message == "" && r.ErrorType == "" && r.Explanation == "" && r.FixedCode == "" {
		return nil, ErrEmptyResult
	}
	return &r, nil
}

func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
