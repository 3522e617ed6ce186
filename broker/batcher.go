package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/chat"
	"github.com/hrygo/switchboard/metrics"
	"github.com/hrygo/switchboard/store"
)

const (
	// DefaultBatchInterval is how long a chat's buffer may accumulate
	// before it is flushed to the executor.
	DefaultBatchInterval = 250 * time.Millisecond

	// DefaultBatchMaxCount flushes a buffer early once it holds this
	// many events.
	DefaultBatchMaxCount = 100

	// defaultMaxWorkers bounds concurrent batch executions across chats.
	defaultMaxWorkers = 64

	// inboxSize buffers the merged producer stream. Producers block once
	// it fills, which throttles long polling under a dispatch stall.
	inboxSize = 1024

	accessDeniedText = "Sorry, this bot is private and your account is not on its access list."
)

// ErrBatcherClosed is returned by Enqueue after Close.
var ErrBatcherClosed = errors.New("broker: batcher is closed")

// ChatFactory builds the Chat for a chat id the batcher has not seen yet.
type ChatFactory func(chatID string) (*chat.Chat, error)

// BatcherConfig carries the batcher's dependencies. Messenger, Access and
// Factory are required.
type BatcherConfig struct {
	Interval   time.Duration
	MaxCount   int
	MaxWorkers int64

	Messenger   channels.Messenger
	Access      *AccessChecker
	Commands    *CommandRegistry
	Screenshots ScreenshotProvider
	Factory     ChatFactory
	Store       *store.ExpiringStore
	Metrics     *metrics.Set
	Logger      *slog.Logger
}

// chatBuffer accumulates one chat's events between flushes.
type chatBuffer struct {
	events   []Event
	deadline time.Time
}

// EventBatcher merges events from every producer into one stream, groups
// them by chat id and flushes each group when its window elapses or it
// reaches the count cap. Every flush is handed to that chat's executor on
// a worker goroutine, so slow chats never hold up the rest.
type EventBatcher struct {
	cfg       BatcherConfig
	messenger channels.Messenger
	access    *AccessChecker
	factory   ChatFactory
	metrics   *metrics.Set
	logger    *slog.Logger

	inbox chan Event
	sem   *semaphore.Weighted

	// executors maps chat id to its *ChatBatchExecutor. Creation goes
	// through group so each chat is built at most once concurrently; a
	// failed build is never stored, which lets later batches retry.
	executors sync.Map
	group     singleflight.Group
	chatCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewEventBatcher validates cfg, fills defaults and starts the dispatcher.
// The batcher also subscribes to the store's expirations, feeding each
// expired chat state back in as an Expire event.
func NewEventBatcher(cfg BatcherConfig) (*EventBatcher, error) {
	if cfg.Messenger == nil || cfg.Access == nil || cfg.Factory == nil {
		return nil, errors.New("broker: batcher requires a messenger, access checker and chat factory")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBatchInterval
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultBatchMaxCount
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &EventBatcher{
		cfg:       cfg,
		messenger: cfg.Messenger,
		access:    cfg.Access,
		factory:   cfg.Factory,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		inbox:     make(chan Event, inboxSize),
		sem:       semaphore.NewWeighted(cfg.MaxWorkers),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.dispatch()

	if cfg.Store != nil {
		b.wg.Add(1)
		go b.watchExpirations(cfg.Store.Expirations())
	}
	return b, nil
}

// Enqueue adds one event to the merged stream. It blocks while the inbox
// is full and fails once the batcher is closed.
func (b *EventBatcher) Enqueue(ev Event) error {
	select {
	case <-b.done:
		return ErrBatcherClosed
	default:
	}
	select {
	case b.inbox <- ev:
		b.metrics.EventReceived(ev.Kind.String())
		return nil
	case <-b.done:
		return ErrBatcherClosed
	}
}

// dispatch owns the per-chat buffers. It routes inbox events into them and
// flushes a buffer when its deadline passes or it reaches the count cap.
// A single timer is kept armed to the earliest pending deadline.
func (b *EventBatcher) dispatch() {
	defer b.wg.Done()

	buffers := make(map[string]*chatBuffer)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	rearm := func() {
		if timerArmed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerArmed = false
		}
		var next time.Time
		for _, buf := range buffers {
			if next.IsZero() || buf.deadline.Before(next) {
				next = buf.deadline
			}
		}
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			timerArmed = true
		}
	}

	flush := func(chatID string, buf *chatBuffer) {
		delete(buffers, chatID)
		b.metrics.SetQueueDepth(len(buffers))
		b.submit(chatID, buf.events)
	}

	for {
		select {
		case ev := <-b.inbox:
			buf, ok := buffers[ev.ChatID]
			changed := !ok
			if !ok {
				buf = &chatBuffer{deadline: time.Now().Add(b.cfg.Interval)}
				buffers[ev.ChatID] = buf
				b.metrics.SetQueueDepth(len(buffers))
			}
			buf.events = append(buf.events, ev)
			if len(buf.events) >= b.cfg.MaxCount {
				flush(ev.ChatID, buf)
				changed = true
			}
			if changed {
				rearm()
			}

		case <-timer.C:
			timerArmed = false
			now := time.Now()
			for chatID, buf := range buffers {
				if !buf.deadline.After(now) {
					flush(chatID, buf)
				}
			}
			rearm()

		case <-b.ctx.Done():
			// Drain whatever producers managed to enqueue, then flush
			// every buffer so no accepted event is dropped.
			for {
				select {
				case ev := <-b.inbox:
					buf, ok := buffers[ev.ChatID]
					if !ok {
						buf = &chatBuffer{}
						buffers[ev.ChatID] = buf
					}
					buf.events = append(buf.events, ev)
				default:
					for chatID, buf := range buffers {
						flush(chatID, buf)
					}
					return
				}
			}
		}
	}
}

// submit hands one flushed buffer to a worker goroutine, bounded by the
// semaphore. During shutdown the batch runs inline with the cancelled
// context: the executor still appends its messages to history but skips
// the pipeline, so accepted events survive without delaying exit.
func (b *EventBatcher) submit(chatID string, events []Event) {
	if len(events) == 0 {
		return
	}
	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		b.processChatEvents(b.ctx, chatID, events)
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		b.processChatEvents(b.ctx, chatID, events)
	}()
}

// processChatEvents runs one flushed batch: access check, lazy chat and
// executor construction, then ExecuteBatch. Preemption cancellations are
// expected and swallowed; anything else is logged and the executor kept,
// so later batches for the chat still run.
func (b *EventBatcher) processChatEvents(ctx context.Context, chatID string, events []Event) {
	username := firstUsername(events)
	if !b.access.CheckAccess(ctx, chatID, username) {
		b.logger.Warn("access denied", "chat", chatID, "user", username)
		if _, err := b.messenger.SendText(ctx, chatID, accessDeniedText, nil); err != nil {
			b.logger.Error("failed to send access rejection", "chat", chatID, "error", err)
		}
		return
	}

	executor, err := b.executorFor(chatID)
	if err != nil {
		b.logger.Error("failed to create chat", "chat", chatID, "error", err)
		return
	}

	switch err := executor.ExecuteBatch(ctx, events); {
	case err == nil:
	case errors.Is(err, context.Canceled):
		b.logger.Debug("batch preempted", "chat", chatID, "events", len(events))
	default:
		b.logger.Error("batch execution failed", "chat", chatID, "events", len(events), "error", err)
	}
}

// executorFor returns the chat's executor, building the Chat on first use.
// singleflight collapses concurrent first batches into one construction;
// on failure nothing is cached, so the next batch retries.
func (b *EventBatcher) executorFor(chatID string) (*ChatBatchExecutor, error) {
	if e, ok := b.executors.Load(chatID); ok {
		return e.(*ChatBatchExecutor), nil
	}
	v, err, _ := b.group.Do(chatID, func() (any, error) {
		if e, ok := b.executors.Load(chatID); ok {
			return e.(*ChatBatchExecutor), nil
		}
		c, err := b.factory(chatID)
		if err != nil {
			return nil, err
		}
		e := NewChatBatchExecutor(c, b.cfg.Commands, b.cfg.Screenshots, b.metrics, b.logger)
		b.executors.Store(chatID, e)
		b.metrics.SetActiveChats(int(b.chatCount.Add(1)))
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChatBatchExecutor), nil
}

// watchExpirations feeds expired chat-state keys back into the stream as
// Expire events so the chat resets through the regular pipeline.
func (b *EventBatcher) watchExpirations(ch <-chan store.Expiration) {
	defer b.wg.Done()
	for {
		select {
		case exp, ok := <-ch:
			if !ok {
				return
			}
			chatID := chat.ChatIDFromStateKey(exp.Key)
			if chatID == "" {
				continue
			}
			if err := b.Enqueue(NewExpireEvent(chatID)); err != nil {
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// Close stops intake, flushes pending buffers, waits for in-flight batches
// and shuts every executor down.
func (b *EventBatcher) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.cancel()
		b.wg.Wait()
		b.executors.Range(func(_, v any) bool {
			if err := v.(*ChatBatchExecutor).Close(); err != nil {
				b.logger.Warn("executor close failed", "error", err)
			}
			return true
		})
	})
	return nil
}
