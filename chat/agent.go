package chat

import (
	"context"
	"errors"
)

// ErrEmptyAIResponse marks a stream that ended with no text and no
// structured content.
var ErrEmptyAIResponse = errors.New("chat: AI produced an empty response")

// Agent is the AI backend contract. One agent serves one chat and is
// replaced when the chat changes mode.
type Agent interface {
	// Mode returns the mode the agent was built for.
	Mode() string

	// StreamResponse opens a streaming completion for the history
	// snapshot. The returned stream is live; the caller owns it and must
	// Close it.
	StreamResponse(ctx context.Context, chatID string, history []*ChatMessage) (StreamingResponse, error)

	// Close releases the agent and any in-flight streams.
	Close() error
}

// StreamingResponse is one in-flight AI reply.
//
// Deltas is a lazy, finite, non-restartable sequence of incremental text
// fragments (never cumulative; empty strings permitted). After the channel
// closes, Err reports how the stream ended and StructuredContent returns
// the optional final payload. Close cancels in-flight I/O and unblocks any
// pending read.
type StreamingResponse interface {
	Deltas() <-chan string
	Err() error
	StructuredContent() []ContentItem
	Close() error
}

// AgentFactory builds the agent for a chat in a given mode.
type AgentFactory func(chatID, mode string) (Agent, error)
