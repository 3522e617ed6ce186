package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/switchboard/chat"
	"github.com/hrygo/switchboard/metrics"
)

// ErrExecutorClosed is returned by ExecuteBatch after Close.
var ErrExecutorClosed = errors.New("broker: executor closed")

const (
	// copyPrompt accompanies a screenshot taken by the copy hotkey.
	copyPrompt = "Describe what is on this screenshot and help me with it."
	// pastePrompt accompanies a screenshot taken by the paste hotkey.
	pastePrompt = "Help me with the content I just pasted, shown on this screenshot."
)

// ScreenshotProvider captures the user's screen for hotkey events. Optional;
// hotkey batches are skipped when no provider is wired.
type ScreenshotProvider interface {
	Capture(ctx context.Context) ([]byte, error)
}

// batchRun identifies one in-flight batch so a finished run only clears its
// own cancel source.
type batchRun struct {
	cancel context.CancelFunc
}

// ChatBatchExecutor serializes batches for one chat. A batch arriving while
// another runs cancels the running one; the messages of every batch reach
// the history regardless, and the pipeline runs only for the batch that
// finds the queue empty.
type ChatBatchExecutor struct {
	chat        *chat.Chat
	commands    *CommandRegistry
	screenshots ScreenshotProvider
	metrics     *metrics.Set
	logger      *slog.Logger

	// runMu is the per-chat lock: history, UI state and messenger I/O
	// mutate only while it is held.
	runMu sync.Mutex

	// stateMu guards the pending queue and the current run token, which are
	// touched before the per-chat lock is acquired.
	stateMu sync.Mutex
	queue   []Batch
	current *batchRun
	closed  bool
}

// NewChatBatchExecutor builds an executor bound to one chat.
func NewChatBatchExecutor(c *chat.Chat, commands *CommandRegistry, screenshots ScreenshotProvider, m *metrics.Set, logger *slog.Logger) *ChatBatchExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatBatchExecutor{
		chat:        c,
		commands:    commands,
		screenshots: screenshots,
		metrics:     m,
		logger:      logger.With("chat_id", c.ChatID()),
	}
}

// Chat returns the chat this executor drives.
func (e *ChatBatchExecutor) Chat() *chat.Chat { return e.chat }

// ExecuteBatch classifies and runs one batch. Preempts whatever batch is
// currently running: its cancel source is cancelled before this call blocks
// on the per-chat lock, so the running pipeline unwinds and releases it.
func (e *ChatBatchExecutor) ExecuteBatch(ctx context.Context, events []Event) error {
	batch := classifyEvents(events)

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return errors.WithStack(ErrExecutorClosed)
	}
	e.queue = append(e.queue, batch)
	preempted := e.current
	e.stateMu.Unlock()

	if preempted != nil {
		preempted.cancel()
		e.metrics.BatchPreempted()
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	run := &batchRun{cancel: cancel}

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		cancel()
		return errors.WithStack(ErrExecutorClosed)
	}
	e.current = run
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.stateMu.Unlock()

	defer func() {
		e.stateMu.Lock()
		if e.current == run {
			e.current = nil
		}
		e.stateMu.Unlock()
		cancel()
	}()

	// Messages are appended before any cancellation check: a preempted
	// batch still contributes its messages to the history.
	if msgs := toChatMessages(next.Messages); len(msgs) > 0 {
		e.chat.AddUserMessages(runCtx, msgs, false)
	}

	if err := runCtx.Err(); err != nil {
		return err
	}

	e.stateMu.Lock()
	behind := len(e.queue)
	e.stateMu.Unlock()
	if behind > 0 {
		// A newer batch is pending; it owns the pipeline for the merged
		// history.
		return nil
	}

	started := time.Now()
	err := e.runPipeline(runCtx, next)
	e.metrics.BatchExecuted(time.Since(started))
	return err
}

// runPipeline runs the batch phases in order. Phases 1 and 2 are terminal:
// an expire-only batch resets the chat, a hotkey batch answers the first
// hotkey and ignores the rest.
func (e *ChatBatchExecutor) runPipeline(ctx context.Context, b Batch) error {
	if b.IsOnlyExpire {
		return e.chat.Reset(ctx)
	}

	if len(b.CtrlC) > 0 {
		return e.respondToHotkey(ctx, b.CtrlC[0], copyPrompt)
	}
	if len(b.CtrlV) > 0 {
		return e.respondToHotkey(ctx, b.CtrlV[0], pastePrompt)
	}

	for _, cmd := range b.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.commands.Execute(ctx, e.chat, cmd); err != nil {
			e.logger.Warn("command failed", "command", cmd.Command, "error", err)
		}
	}

	if b.LastAction != nil && len(b.Messages) == 0 {
		e.chat.HandleAction(ctx, b.LastAction.Action)
	}

	if len(b.Messages) > 0 {
		return e.chat.DoResponseToLastMessage(ctx)
	}
	return nil
}

// respondToHotkey captures a screenshot, appends it with the hotkey's prompt
// as a user message and requests a response.
func (e *ChatBatchExecutor) respondToHotkey(ctx context.Context, ev Event, prompt string) error {
	if e.screenshots == nil {
		e.logger.Debug("hotkey ignored, no screenshot provider", "kind", ev.Kind.String())
		return nil
	}
	shot, err := e.screenshots.Capture(ctx)
	if err != nil {
		return errors.Wrap(err, "capture screenshot")
	}

	msg := chat.NewMessage(chat.RoleUser, "user",
		chat.NewImageContent("image/png", shot),
		chat.NewTextContent(prompt),
	)
	e.chat.AddUserMessages(ctx, []*chat.ChatMessage{msg}, false)
	return e.chat.DoResponseToLastMessage(ctx)
}

// Close cancels the in-flight batch and rejects further ones. The chat
// itself is closed by its owner.
func (e *ChatBatchExecutor) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	current := e.current
	e.queue = nil
	e.stateMu.Unlock()

	if current != nil {
		current.cancel()
	}
	return nil
}

// toChatMessages converts the Message events of a batch into history
// messages, carrying the inbound messenger id.
func toChatMessages(events []Event) []*chat.ChatMessage {
	if len(events) == 0 {
		return nil
	}
	out := make([]*chat.ChatMessage, 0, len(events))
	for _, ev := range events {
		msg := chat.NewUserMessage(ev.Username, ev.Text)
		msg.OriginalMessengerID = ev.MessengerMessageID
		out = append(out, msg)
	}
	return out
}
