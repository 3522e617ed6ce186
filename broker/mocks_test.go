package broker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/chat"
	"github.com/hrygo/switchboard/store"
)

// testOp is one recorded messenger call. Batcher tests span several chats,
// so the chat id is part of the record.
type testOp struct {
	Kind      string
	ChatID    string
	MessageID int64
	Text      string
}

// testMessenger records every call. Safe for the worker goroutines the
// batcher spawns.
type testMessenger struct {
	mu     sync.Mutex
	nextID int64
	ops    []testOp
}

func newTestMessenger() *testMessenger { return &testMessenger{} }

func (m *testMessenger) Name() channels.Platform { return channels.PlatformTelegram }

func (m *testMessenger) SendText(_ context.Context, chatID string, text string, _ []channels.Button) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.ops = append(m.ops, testOp{Kind: "send_text", ChatID: chatID, MessageID: m.nextID, Text: text})
	return m.nextID, nil
}

func (m *testMessenger) SendPhoto(_ context.Context, chatID string, photo channels.PhotoPayload, _ []channels.Button) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.ops = append(m.ops, testOp{Kind: "send_photo", ChatID: chatID, MessageID: m.nextID, Text: photo.Caption})
	return m.nextID, nil
}

func (m *testMessenger) EditText(_ context.Context, chatID string, messageID int64, text string, _ []channels.Button) (channels.EditResult, error) {
	m.record("edit_text", chatID, messageID, text)
	return channels.EditSuccess, nil
}

func (m *testMessenger) EditPhoto(_ context.Context, chatID string, messageID int64, caption string, _ []channels.Button) (channels.EditResult, error) {
	m.record("edit_photo", chatID, messageID, caption)
	return channels.EditSuccess, nil
}

func (m *testMessenger) DeleteMessage(_ context.Context, chatID string, messageID int64) bool {
	m.record("delete", chatID, messageID, "")
	return true
}

func (m *testMessenger) record(kind, chatID string, messageID int64, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, testOp{Kind: kind, ChatID: chatID, MessageID: messageID, Text: text})
}

func (m *testMessenger) MaxTextMessageLen() int  { return 4000 }
func (m *testMessenger) MaxPhotoMessageLen() int { return 1024 }
func (m *testMessenger) Close() error            { return nil }

func (m *testMessenger) allOps() []testOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]testOp(nil), m.ops...)
}

// opsOf returns the recorded calls of one kind, optionally narrowed to a
// chat ("" matches all).
func (m *testMessenger) opsOf(kind, chatID string) []testOp {
	var out []testOp
	for _, op := range m.allOps() {
		if op.Kind != kind {
			continue
		}
		if chatID != "" && op.ChatID != chatID {
			continue
		}
		out = append(out, op)
	}
	return out
}

// testStream is a scripted chat.StreamingResponse. onDeltas, when set, runs
// once at the pipeline's first Deltas call, which lets a test learn that the
// chat is now blocked streaming.
type testStream struct {
	deltas     chan string
	err        error
	structured []chat.ContentItem
	onDeltas   func()
	once       sync.Once
}

// newTestStream preloads the deltas and closes the channel, so the pipeline
// drains it without further coordination.
func newTestStream(err error, deltas ...string) *testStream {
	ch := make(chan string, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return &testStream{deltas: ch, err: err}
}

// newLiveStream returns a stream that never produces and never ends. The
// pipeline stays blocked on it until its operation context is cancelled.
func newLiveStream(onDeltas func()) *testStream {
	return &testStream{deltas: make(chan string), onDeltas: onDeltas}
}

func (s *testStream) Deltas() <-chan string {
	if s.onDeltas != nil {
		s.once.Do(s.onDeltas)
	}
	return s.deltas
}

func (s *testStream) Err() error                            { return s.err }
func (s *testStream) StructuredContent() []chat.ContentItem { return s.structured }
func (s *testStream) Close() error                          { return nil }

// testAgent hands out scripted streams in order and falls back to a canned
// reply once they run out. Batcher workers call it concurrently.
type testAgent struct {
	mu        sync.Mutex
	mode      string
	streams   []*testStream
	histories [][]*chat.ChatMessage
}

func (a *testAgent) Mode() string { return a.mode }

func (a *testAgent) StreamResponse(_ context.Context, _ string, history []*chat.ChatMessage) (chat.StreamingResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.histories = append(a.histories, history)
	if len(a.streams) == 0 {
		return newTestStream(nil, "Acknowledged."), nil
	}
	s := a.streams[0]
	a.streams = a.streams[1:]
	return s, nil
}

func (a *testAgent) Close() error { return nil }

// calls returns how many times a response stream was requested.
func (a *testAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.histories)
}

// historyTexts returns the text of every message in the i-th requested
// history snapshot.
func (a *testAgent) historyTexts(i int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, msg := range a.histories[i] {
		out = append(out, msg.TextContent())
	}
	return out
}

// screenshotStub serves a fixed capture, or an error.
type screenshotStub struct {
	data []byte
	err  error
}

func (s *screenshotStub) Capture(context.Context) ([]byte, error) {
	return s.data, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newExecutorChat builds a real chat on the mocks for executor tests.
func newExecutorChat(t *testing.T, chatID string, agent *testAgent, m *testMessenger) (*chat.Chat, *store.ExpiringStore) {
	t.Helper()
	s := store.NewExpiringStore(time.Hour, testLogger())
	t.Cleanup(s.Close)

	c, err := chat.NewChat(chat.Config{
		ChatID:       chatID,
		Mode:         "demo",
		BotName:      "switchboard",
		Store:        s,
		Messenger:    m,
		AgentFactory: func(string, string) (chat.Agent, error) { return agent, nil },
		StateTTL:     store.NoExpiration,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

// chatHistory fetches the chat's live history from the store.
func chatHistory(t *testing.T, s *store.ExpiringStore, chatID string) *chat.ChatHistory {
	t.Helper()
	st, ok := store.GetAs[*chat.ChatState](s, chat.StateKey(chatID))
	require.True(t, ok, "chat state missing for %s", chatID)
	return st.History
}

// allowListDir writes an ids.txt (and optional premium_ids.txt) into a fresh
// temp dir and returns it.
func allowListDir(t *testing.T, allowed, premium []string) string {
	t.Helper()
	dir := t.TempDir()
	writeIDFile(t, dir, allowedListFile, allowed)
	if premium != nil {
		writeIDFile(t, dir, premiumListFile, premium)
	}
	return dir
}

func writeIDFile(t *testing.T, dir, name string, ids []string) {
	t.Helper()
	content := strings.Join(ids, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}
