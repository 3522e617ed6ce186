package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/store"
)

// mockOp is one recorded messenger call.
type mockOp struct {
	Kind      string // send_text, send_photo, edit_text, edit_photo, delete
	MessageID int64
	Text      string
	Buttons   []string
}

// mockMessenger implements channels.Messenger for testing. Successful calls
// are recorded in order; send failures and edit outcomes are scripted per
// call and consumed FIFO.
type mockMessenger struct {
	mu         sync.Mutex
	maxText    int
	maxCaption int
	nextID     int64
	ops        []mockOp

	sendErrs    []error
	editErrs    []error
	editResults []channels.EditResult
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{maxText: 4000, maxCaption: 1024}
}

func (m *mockMessenger) Name() channels.Platform { return channels.PlatformTelegram }

func (m *mockMessenger) SendText(_ context.Context, _ string, text string, buttons []channels.Button) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.sendErrs); err != nil {
		return 0, err
	}
	m.nextID++
	m.ops = append(m.ops, mockOp{Kind: "send_text", MessageID: m.nextID, Text: text, Buttons: buttonActions(buttons)})
	return m.nextID, nil
}

func (m *mockMessenger) SendPhoto(_ context.Context, _ string, photo channels.PhotoPayload, buttons []channels.Button) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.sendErrs); err != nil {
		return 0, err
	}
	m.nextID++
	m.ops = append(m.ops, mockOp{Kind: "send_photo", MessageID: m.nextID, Text: photo.Caption, Buttons: buttonActions(buttons)})
	return m.nextID, nil
}

func (m *mockMessenger) EditText(_ context.Context, _ string, messageID int64, text string, buttons []channels.Button) (channels.EditResult, error) {
	return m.edit("edit_text", messageID, text, buttons)
}

func (m *mockMessenger) EditPhoto(_ context.Context, _ string, messageID int64, caption string, buttons []channels.Button) (channels.EditResult, error) {
	return m.edit("edit_photo", messageID, caption, buttons)
}

func (m *mockMessenger) edit(kind string, messageID int64, text string, buttons []channels.Button) (channels.EditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.editErrs); err != nil {
		return channels.EditSuccess, err
	}
	res := channels.EditSuccess
	if len(m.editResults) > 0 {
		res = m.editResults[0]
		m.editResults = m.editResults[1:]
	}
	m.ops = append(m.ops, mockOp{Kind: kind, MessageID: messageID, Text: text, Buttons: buttonActions(buttons)})
	return res, nil
}

func (m *mockMessenger) DeleteMessage(_ context.Context, _ string, messageID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, mockOp{Kind: "delete", MessageID: messageID})
	return true
}

func (m *mockMessenger) MaxTextMessageLen() int  { return m.maxText }
func (m *mockMessenger) MaxPhotoMessageLen() int { return m.maxCaption }
func (m *mockMessenger) Close() error            { return nil }

// allOps returns a snapshot of every recorded call.
func (m *mockMessenger) allOps() []mockOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockOp(nil), m.ops...)
}

// opsOf returns the recorded calls of one kind.
func (m *mockMessenger) opsOf(kind string) []mockOp {
	var out []mockOp
	for _, op := range m.allOps() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// lastOp returns the most recent recorded call.
func (m *mockMessenger) lastOp() mockOp {
	ops := m.allOps()
	if len(ops) == 0 {
		return mockOp{}
	}
	return ops[len(ops)-1]
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func buttonActions(buttons []channels.Button) []string {
	if len(buttons) == 0 {
		return nil
	}
	out := make([]string, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, b.Action)
	}
	return out
}

// mockStream is a scripted StreamingResponse. Preloading the deltas and
// closing the channel lets the pipeline drain it synchronously on the test
// goroutine.
type mockStream struct {
	deltas     chan string
	err        error
	structured []ContentItem
	closed     bool
}

func newMockStream(err error, deltas ...string) *mockStream {
	ch := make(chan string, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return &mockStream{deltas: ch, err: err}
}

func (s *mockStream) Deltas() <-chan string            { return s.deltas }
func (s *mockStream) Err() error                       { return s.err }
func (s *mockStream) StructuredContent() []ContentItem { return s.structured }
func (s *mockStream) Close() error                     { s.closed = true; return nil }

// mockAgent hands out scripted streams in order and records each history
// snapshot it was asked to answer.
type mockAgent struct {
	mode      string
	streams   []*mockStream
	openErr   error
	histories [][]*ChatMessage
	closed    bool
}

func (a *mockAgent) Mode() string { return a.mode }

func (a *mockAgent) StreamResponse(_ context.Context, _ string, history []*ChatMessage) (StreamingResponse, error) {
	a.histories = append(a.histories, history)
	if a.openErr != nil {
		return nil, a.openErr
	}
	if len(a.streams) == 0 {
		return newMockStream(nil), nil
	}
	s := a.streams[0]
	a.streams = a.streams[1:]
	return s, nil
}

func (a *mockAgent) Close() error { a.closed = true; return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestChat wires a chat against the mocks. The store's sweeper never
// fires during the test.
func newTestChat(t *testing.T, agent *mockAgent, messenger *mockMessenger) (*Chat, *store.ExpiringStore) {
	t.Helper()
	s := store.NewExpiringStore(time.Hour, testLogger())
	t.Cleanup(s.Close)

	c, err := NewChat(Config{
		ChatID:       "chat-1",
		Mode:         "demo",
		BotName:      "switchboard",
		Store:        s,
		Messenger:    messenger,
		AgentFactory: func(string, string) (Agent, error) { return agent, nil },
		StateTTL:     store.NoExpiration,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

// loadTestState fetches the live chat state from the store.
func loadTestState(t *testing.T, s *store.ExpiringStore, chatID string) *ChatState {
	t.Helper()
	st, ok := store.GetAs[*ChatState](s, StateKey(chatID))
	require.True(t, ok)
	return st
}

// userText builds a plain user message.
func userText(text string) *ChatMessage {
	return NewUserMessage("alice", text)
}
