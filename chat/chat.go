package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/metrics"
	"github.com/hrygo/switchboard/store"
)

const (
	// placeholderText is shown while the first AI delta is on its way.
	placeholderText = "…"
	// tryAgainText is the assistant message appended on AI failure.
	tryAgainText = "Something went wrong. Try again."
	// continuePrompt is the synthetic user message behind the Continue button.
	continuePrompt = "please continue"
	// cleanupTimeout bounds messenger I/O that must run after the
	// operation's own context was cancelled.
	cleanupTimeout = 10 * time.Second
)

var buttonLabels = map[ButtonAction]string{
	ButtonCancel:     "✖ Cancel",
	ButtonStop:       "◼ Stop",
	ButtonContinue:   "▶ Continue",
	ButtonRegenerate: "↻ Regenerate",
	ButtonRetry:      "↻ Retry",
}

// toChannelButtons maps core button actions to the messenger's button DTO.
func toChannelButtons(actions []ButtonAction) []channels.Button {
	if len(actions) == 0 {
		return nil
	}
	out := make([]channels.Button, 0, len(actions))
	for _, a := range actions {
		label := buttonLabels[a]
		if label == "" {
			label = string(a)
		}
		out = append(out, channels.Button{Action: string(a), Label: label})
	}
	return out
}

// Config carries everything a Chat needs. Store, Messenger and
// AgentFactory are required.
type Config struct {
	ChatID       string
	Mode         string
	BotName      string
	Store        *store.ExpiringStore
	Messenger    channels.Messenger
	AgentFactory AgentFactory
	// StateTTL is the chat-state lifetime in the store. Premium chats pass
	// store.NoExpiration.
	StateTTL time.Duration
	Metrics  *metrics.Set
	Logger   *slog.Logger
}

// Chat owns the state and UI of one conversation and exposes the
// operations the batch executor drives. All methods must be called under
// the chat's executor lock; the state machine serializes the transitions
// they cause.
type Chat struct {
	chatID    string
	mode      string
	botName   string
	store     *store.ExpiringStore
	messenger channels.Messenger
	factory   AgentFactory
	agent     Agent
	machine   *Machine
	stateTTL  time.Duration
	metrics   *metrics.Set
	logger    *slog.Logger

	// currentOp is the in-flight AI operation spanning initiation and
	// streaming. Cancelled whenever a transition abandons it.
	currentOp *streamContext
	// errorMessage is the "try again" assistant message installed by the
	// error state, removed on exit.
	errorMessage *ChatMessage
}

// NewChat builds the chat, its agent and its state machine.
func NewChat(cfg Config) (*Chat, error) {
	if cfg.ChatID == "" {
		return nil, errors.New("chat: empty chat id")
	}
	if cfg.Store == nil || cfg.Messenger == nil || cfg.AgentFactory == nil {
		return nil, errors.New("chat: store, messenger and agent factory are required")
	}
	if cfg.BotName == "" {
		cfg.BotName = "assistant"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("chat_id", cfg.ChatID)

	agent, err := cfg.AgentFactory(cfg.ChatID, cfg.Mode)
	if err != nil {
		return nil, errors.Wrapf(err, "build agent for mode %q", cfg.Mode)
	}

	c := &Chat{
		chatID:    cfg.ChatID,
		mode:      cfg.Mode,
		botName:   cfg.BotName,
		store:     cfg.Store,
		messenger: cfg.Messenger,
		factory:   cfg.AgentFactory,
		agent:     agent,
		stateTTL:  cfg.StateTTL,
		metrics:   cfg.Metrics,
		logger:    logger,
	}

	m := NewMachine(logger)
	m.OnEnter(StateWaitingForFirstMessage, c.onEnterWaitingForFirstMessage)
	m.OnEnter(StateInitiateAIResponse, c.onEnterInitiate)
	m.OnEnter(StateStreaming, c.onEnterStreaming)
	m.OnEnter(StateError, c.onEnterError)
	m.OnExit(StateInitiateAIResponse, func(trigger Trigger) {
		if trigger != TriggerAIProducedContent {
			c.cancelActiveOperation()
		}
	})
	m.OnExit(StateStreaming, func(Trigger) {
		c.cancelActiveOperation()
	})
	m.OnExit(StateError, func(Trigger) {
		c.onExitError()
	})
	c.machine = m
	return c, nil
}

// ChatID returns the chat id.
func (c *Chat) ChatID() string { return c.chatID }

// Mode returns the current mode name.
func (c *Chat) Mode() string { return c.mode }

// State returns the machine's current state.
func (c *Chat) State() State { return c.machine.State() }

// CanFire reports whether the machine accepts the trigger right now.
func (c *Chat) CanFire(trigger Trigger) bool { return c.machine.CanFire(trigger) }

// Close cancels the active operation and disposes the agent.
func (c *Chat) Close() error {
	c.cancelActiveOperation()
	if c.agent != nil {
		return c.agent.Close()
	}
	return nil
}

// AddUserMessages appends messages to the history and nudges the machine.
// No messenger I/O happens here; the append succeeds regardless of state,
// which is what keeps messages safe under preemption.
func (c *Chat) AddUserMessages(ctx context.Context, messages []*ChatMessage, forceAddToLastTurn bool) {
	if len(messages) == 0 {
		return
	}
	st := c.loadState()
	st.History.AddUserMessages(messages, forceAddToLastTurn)
	c.saveState(st)
	c.machine.TryFire(ctx, TriggerUserAddMessages, nil)
}

// DoResponseToLastMessage asks the machine to produce an AI reply to the
// current history.
func (c *Chat) DoResponseToLastMessage(ctx context.Context) error {
	return c.machine.Fire(ctx, TriggerUserRequestResponse, nil)
}

// Reset drops the chat back to its initial state.
func (c *Chat) Reset(ctx context.Context) error {
	return c.machine.Fire(ctx, TriggerUserReset, nil)
}

// SetMode replaces the agent with one built for the new mode. The old
// agent stays in place when the factory fails.
func (c *Chat) SetMode(ctx context.Context, mode string) error {
	agent, err := c.factory(c.chatID, mode)
	if err != nil {
		return errors.Wrapf(err, "build agent for mode %q", mode)
	}
	if c.agent != nil {
		if cerr := c.agent.Close(); cerr != nil {
			c.logger.Warn("closing previous agent", "error", cerr)
		}
	}
	c.agent = agent
	c.mode = mode
	c.machine.TryFire(ctx, TriggerUserSetMode, nil)
	return nil
}

// HandleAction dispatches an inline-button callback. Cancel and Stop need
// no trigger here: the arrival of the action batch already preempted the
// running operation.
func (c *Chat) HandleAction(ctx context.Context, action string) {
	switch ButtonAction(action) {
	case ButtonContinue:
		c.machine.TryFire(ctx, TriggerUserContinue, nil)
	case ButtonRegenerate:
		c.machine.TryFire(ctx, TriggerUserRegenerate, nil)
	case ButtonRetry:
		c.machine.TryFire(ctx, TriggerUserRegenerate, nil)
	case ButtonCancel, ButtonStop:
	default:
		c.logger.Warn("unknown action", "action", action)
	}
}

// NewUserMessage builds a user message attributed to the given name.
func (c *Chat) NewUserMessage(name, text string) *ChatMessage {
	if name == "" {
		name = "user"
	}
	return NewUserMessage(name, text)
}

// loadState returns the live chat state, creating it lazily.
func (c *Chat) loadState() *ChatState {
	if st, ok := store.GetAs[*ChatState](c.store, StateKey(c.chatID)); ok {
		return st
	}
	st := NewChatState()
	c.saveState(st)
	return st
}

// saveState writes the state back so its TTL restarts and a fresh entry
// instance re-arms the expiration notification.
func (c *Chat) saveState(st *ChatState) {
	if err := c.store.Set(StateKey(c.chatID), st, c.stateTTL); err != nil {
		c.logger.Warn("saving chat state", "error", err)
	}
}

func (c *Chat) cancelActiveOperation() {
	if c.currentOp != nil {
		c.currentOp.cancel()
	}
}

// cleanupContext returns a bounded context for messenger I/O that has to
// run even after the operation's context was cancelled.
func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cleanupTimeout)
}

// onEnterWaitingForFirstMessage clears the cached state and greets the
// user with the mode intro.
func (c *Chat) onEnterWaitingForFirstMessage(ctx context.Context, trigger Trigger, _ any) {
	c.store.Remove(StateKey(c.chatID))
	c.errorMessage = nil

	intro := fmt.Sprintf("Fresh start in %q mode. Send me a message.", c.mode)
	if _, err := c.messenger.SendText(ctx, c.chatID, intro, nil); err != nil {
		c.logger.Warn("sending mode intro", "trigger", trigger.String(), "error", err)
	}
}

// onEnterInitiate runs the initiation matching the trigger that brought us
// here and fires the outcome.
func (c *Chat) onEnterInitiate(ctx context.Context, trigger Trigger, _ any) {
	var (
		sc  *streamContext
		err error
	)
	switch trigger {
	case TriggerUserContinue:
		sc, err = c.ContinueResponse(ctx)
	case TriggerUserRegenerate:
		sc, err = c.RegenerateResponse(ctx)
	default:
		sc, err = c.InitiateResponse(ctx)
	}

	switch {
	case err == nil:
		c.machine.TryFire(ctx, TriggerAIProducedContent, sc)
	case isCancellation(err):
		if trigger != TriggerUserContinue {
			// ContinueResponse restores the recovery buttons itself.
			c.restoreRecoveryButtons()
		}
		c.machine.TryFire(ctx, TriggerUserCancel, nil)
	default:
		c.logger.Error("initiating AI response", "trigger", trigger.String(), "error", err)
		c.machine.TryFire(ctx, TriggerAIResponseError, err)
	}
}

// onEnterStreaming drains the AI stream into the UI.
func (c *Chat) onEnterStreaming(ctx context.Context, _ Trigger, payload any) {
	sc, ok := payload.(*streamContext)
	if !ok || sc == nil {
		c.logger.Error("streaming entered without a stream context")
		c.machine.TryFire(ctx, TriggerAIResponseError, errors.New("chat: missing stream context"))
		return
	}
	c.runStreamingPipeline(sc)
}

// onEnterError appends the "try again" assistant message with a Retry
// button. The notice must reach the user even when the failed operation's
// context is already dead, so it runs on its own bounded context.
func (c *Chat) onEnterError(_ context.Context, _ Trigger, _ any) {
	ctx, cancel := cleanupContext()
	defer cancel()

	st := c.loadState()

	model := NewAssistantMessage(c.botName)
	model.SetTextContent(tryAgainText)
	if err := st.History.AddAssistantMessage(model); err != nil {
		// No turn to attach to; still tell the user.
		if _, serr := c.messenger.SendText(ctx, c.chatID, tryAgainText, toChannelButtons([]ButtonAction{ButtonRetry})); serr != nil {
			c.logger.Warn("sending error notice", "error", serr)
		}
		return
	}

	seg := st.UI.CreateInitialUIMessage(model, []ButtonAction{ButtonRetry})
	seg.Text = tryAgainText
	id, err := c.messenger.SendText(ctx, c.chatID, tryAgainText, toChannelButtons(seg.ActiveButtons))
	if err != nil {
		c.logger.Warn("sending error notice", "error", err)
	} else {
		st.UI.MarkAsSent(seg, id)
		st.History.UpdateMessageOriginalID(model.ID, id)
	}
	c.errorMessage = model
	c.saveState(st)
}

// onExitError removes the "try again" message installed on entry.
func (c *Chat) onExitError() {
	if c.errorMessage == nil {
		return
	}
	st := c.loadState()
	ctx, cancel := cleanupContext()
	defer cancel()

	removed := st.UI.RemoveUIMessages(c.errorMessage.ID)
	for i := len(removed) - 1; i >= 0; i-- {
		seg := removed[i]
		if seg.IsSent && !seg.IsDeleted {
			c.messenger.DeleteMessage(ctx, c.chatID, seg.MessengerMessageID)
		}
	}
	st.History.RemoveMessageFromLastTurn(c.errorMessage)
	c.errorMessage = nil
	c.saveState(st)
}

// InitiateResponse prepares an assistant message, its placeholder segment
// and the AI stream. On cancellation or failure everything already created
// is rolled back.
func (c *Chat) InitiateResponse(ctx context.Context) (*streamContext, error) {
	st := c.loadState()

	// Strip the inline buttons of whichever segment holds them.
	if holder := st.UI.ClearActiveButtons(); holder != nil && holder.IsSent && !holder.IsDeleted {
		if err := c.editSegment(ctx, holder, holder.Text, nil); err != nil {
			c.logger.Warn("stripping active buttons", "error", err)
		}
	}

	snapshot := st.History.GetAllMessagesForAI()

	model := NewAssistantMessage(c.botName)
	if err := st.History.AddAssistantMessage(model); err != nil {
		return nil, errors.Wrap(err, "no turn to answer")
	}
	seg := st.UI.CreateInitialUIMessage(model, []ButtonAction{ButtonCancel})
	seg.Text = placeholderText
	c.saveState(st)

	opCtx, cancel := context.WithCancel(ctx)

	rollback := func() {
		cancel()
		c.cleanupFailedInitiate(st, model)
	}

	id, err := c.messenger.SendText(opCtx, c.chatID, placeholderText, toChannelButtons(seg.ActiveButtons))
	if err != nil {
		rollback()
		return nil, errors.Wrap(err, "send placeholder")
	}
	st.UI.MarkAsSent(seg, id)
	st.History.UpdateMessageOriginalID(model.ID, id)
	c.saveState(st)

	if err := opCtx.Err(); err != nil {
		rollback()
		return nil, err
	}

	stream, err := c.agent.StreamResponse(opCtx, c.chatID, snapshot)
	if err != nil {
		rollback()
		return nil, errors.Wrap(err, "open AI stream")
	}
	c.metrics.StreamStarted()

	sc := &streamContext{
		ctx:     opCtx,
		cancel:  cancel,
		stream:  stream,
		model:   model,
		segment: seg,
	}
	c.currentOp = sc
	return sc, nil
}

// cleanupFailedInitiate removes the assistant message created by
// InitiateResponse along with any segments that already reached the
// messenger.
func (c *Chat) cleanupFailedInitiate(st *ChatState, model *ChatMessage) {
	ctx, cancel := cleanupContext()
	defer cancel()

	removed := st.UI.RemoveUIMessages(model.ID)
	for i := len(removed) - 1; i >= 0; i-- {
		seg := removed[i]
		if seg.IsSent && !seg.IsDeleted {
			c.messenger.DeleteMessage(ctx, c.chatID, seg.MessengerMessageID)
		}
	}
	st.History.RemoveMessageFromLastTurn(model)
	c.saveState(st)
}

// ContinueResponse appends the synthetic "please continue" user message
// and initiates. On failure the synthetic message is removed and the
// recovery buttons are restored on the previous assistant message.
func (c *Chat) ContinueResponse(ctx context.Context) (*streamContext, error) {
	st := c.loadState()

	synthetic := NewUserMessage("user", continuePrompt)
	st.History.AddUserMessages([]*ChatMessage{synthetic}, true)
	c.saveState(st)

	sc, err := c.InitiateResponse(ctx)
	if err != nil {
		st.History.RemoveMessageFromLastTurn(synthetic)
		c.saveState(st)
		c.restoreRecoveryButtons()
		return nil, err
	}
	sc.synthetic = synthetic
	return sc, nil
}

// RegenerateResponse drops every assistant message of the last turn (and
// their segments, newest first) before initiating again.
func (c *Chat) RegenerateResponse(ctx context.Context) (*streamContext, error) {
	st := c.loadState()
	cleanupCtx, cancel := cleanupContext()
	defer cancel()

	for _, msg := range st.History.RemoveAllAssistantMessagesFromLastTurn() {
		removed := st.UI.RemoveUIMessages(msg.ID)
		for i := len(removed) - 1; i >= 0; i-- {
			seg := removed[i]
			if seg.IsSent && !seg.IsDeleted {
				c.messenger.DeleteMessage(cleanupCtx, c.chatID, seg.MessengerMessageID)
			}
		}
	}
	c.saveState(st)

	return c.InitiateResponse(ctx)
}

// restoreRecoveryButtons puts Continue+Regenerate back on the last
// assistant message's last visible segment.
func (c *Chat) restoreRecoveryButtons() {
	st := c.loadState()
	prev := st.History.GetLastAssistantMessage()
	if prev == nil {
		return
	}
	seg := st.UI.LastSegment(prev.ID)
	if seg == nil || !seg.IsSent || seg.IsDeleted {
		return
	}

	st.UI.SetActiveButtons(seg, []ButtonAction{ButtonContinue, ButtonRegenerate})
	c.saveState(st)

	ctx, cancel := cleanupContext()
	defer cancel()
	if err := c.editSegment(ctx, seg, seg.Text, seg.ActiveButtons); err != nil {
		c.logger.Warn("restoring recovery buttons", "error", err)
	}
}

// editSegment pushes a segment's text and buttons to the messenger and
// folds the three-valued edit result back into the segment: a deleted
// message marks the segment deleted, not-modified counts as success.
func (c *Chat) editSegment(ctx context.Context, seg *UIMessage, text string, buttons []ButtonAction) error {
	if !seg.IsSent || seg.IsDeleted {
		return nil
	}

	var (
		res channels.EditResult
		err error
	)
	if seg.Media != nil {
		res, err = c.messenger.EditPhoto(ctx, c.chatID, seg.MessengerMessageID, text, toChannelButtons(buttons))
	} else {
		res, err = c.messenger.EditText(ctx, c.chatID, seg.MessengerMessageID, text, toChannelButtons(buttons))
	}
	if err != nil {
		return err
	}
	if res == channels.EditMessageDeleted {
		seg.IsDeleted = true
	}
	return nil
}

// isCancellation reports whether err is cooperative cancellation rather
// than a real failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
