package openai

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/switchboard/chat"
)

const deltaBuffer = 10

// Agent streams completions for one chat in one mode. Changing mode builds
// a new agent, so the system prompt is fixed for the agent's lifetime.
type Agent struct {
	provider *Provider
	chatID   string
	mode     string
	system   string
	logger   *slog.Logger
}

var _ chat.Agent = (*Agent)(nil)

// Mode returns the mode the agent was built for.
func (a *Agent) Mode() string { return a.mode }

// StreamResponse opens a streamed completion over the history snapshot.
func (a *Agent) StreamResponse(ctx context.Context, chatID string, history []*chat.ChatMessage) (chat.StreamingResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.provider.cfg.Model,
		MaxTokens:   a.provider.cfg.MaxTokens,
		Temperature: a.provider.cfg.Temperature,
		Messages:    a.convertHistory(ctx, history),
	}

	streamCtx, cancel := context.WithTimeout(ctx, a.provider.cfg.StreamTimeout)
	stream, err := a.provider.client.CreateChatCompletionStream(streamCtx, req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "openai: create stream failed")
	}

	a.logger.Debug("completion stream opened", "messages", len(req.Messages))
	r := &streamingResponse{
		deltas: make(chan string, deltaBuffer),
		stream: stream,
		cancel: cancel,
	}
	go r.pump(streamCtx, a.logger)
	return r, nil
}

// Close releases the agent. Streams hold their own resources.
func (a *Agent) Close() error { return nil }

// convertHistory maps the history snapshot onto the wire format. The mode
// template leads as a system message; image items become image-URL parts.
func (a *Agent) convertHistory(ctx context.Context, history []*chat.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if a.system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: a.system,
		})
	}
	for _, msg := range history {
		converted, ok := a.convertMessage(ctx, msg)
		if ok {
			out = append(out, converted)
		}
	}
	return out
}

func (a *Agent) convertMessage(ctx context.Context, msg *chat.ChatMessage) (openai.ChatCompletionMessage, bool) {
	role := convertRole(msg.Role)
	text := msg.TextContent()

	var parts []openai.ChatMessagePart
	for _, item := range msg.Content {
		if item.Kind != chat.ContentImage {
			continue
		}
		url, err := imageURL(ctx, item)
		if err != nil {
			a.logger.Warn("dropping undeliverable image", "error", err)
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
		})
	}

	if len(parts) == 0 {
		if text == "" {
			return openai.ChatCompletionMessage{}, false
		}
		return openai.ChatCompletionMessage{Role: role, Content: text}, true
	}

	if text != "" {
		parts = append([]openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		}}, parts...)
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}, true
}

func convertRole(r chat.Role) string {
	switch r {
	case chat.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case chat.RoleSystem:
		return openai.ChatMessageRoleSystem
	case chat.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

// imageURL turns an image item into a URL the API accepts: remote URLs
// pass through, inline or lazily loaded bytes become a data URL.
func imageURL(ctx context.Context, item chat.ContentItem) (string, error) {
	if item.URL != "" && item.Loader == nil {
		return item.URL, nil
	}
	data := item.Data
	if data == nil && item.Loader != nil {
		loaded, err := item.Loader(ctx)
		if err != nil {
			return "", errors.Wrap(err, "openai: image load failed")
		}
		data = loaded
	}
	if data == nil {
		if item.URL != "" {
			return item.URL, nil
		}
		return "", errors.New("openai: image item carries no data")
	}
	mime := item.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// streamingResponse adapts one completion stream to the chat contract.
type streamingResponse struct {
	deltas chan string
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

var _ chat.StreamingResponse = (*streamingResponse)(nil)

// Deltas returns the incremental text fragments. The channel closes when
// the stream ends either way; Err then reports how.
func (r *streamingResponse) Deltas() <-chan string { return r.deltas }

// Err reports the stream's terminal error. Valid after Deltas closes.
func (r *streamingResponse) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StructuredContent is always empty: completion streams carry text only.
func (r *streamingResponse) StructuredContent() []chat.ContentItem { return nil }

// Close aborts in-flight I/O and unblocks a pending Deltas read.
func (r *streamingResponse) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		_ = r.stream.Close()
	})
	return nil
}

// pump moves deltas from the wire to the channel until EOF or failure.
func (r *streamingResponse) pump(ctx context.Context, logger *slog.Logger) {
	defer close(r.deltas)
	defer r.cancel()

	chunks := 0
	for {
		response, err := r.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF") {
				logger.Debug("completion stream finished", "chunks", chunks)
				return
			}
			if ctx.Err() != nil {
				r.setErr(ctx.Err())
				return
			}
			logger.Error("completion stream receive failed", "chunks", chunks, "error", err)
			r.setErr(errors.Wrap(err, "openai: stream recv failed"))
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		chunks++
		select {
		case r.deltas <- delta:
		case <-ctx.Done():
			r.setErr(ctx.Err())
			return
		}
	}
}

func (r *streamingResponse) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}
