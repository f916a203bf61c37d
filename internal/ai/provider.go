package ai

import "context"

// Message is one turn sent to a chat model. Images are raw bytes; providers
// encode them however their API expects.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
