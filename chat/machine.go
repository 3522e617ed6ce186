package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned by Fire when the trigger is not
// permitted in the current state.
var ErrInvalidTransition = errors.New("chat: trigger not permitted in current state")

// State is the lifecycle position of one chat.
type State int

const (
	StateWaitingForFirstMessage State = iota
	StateWaitingForNewMessages
	StateInitiateAIResponse
	StateStreaming
	StateError
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateWaitingForFirstMessage:
		return "waiting_for_first_message"
	case StateWaitingForNewMessages:
		return "waiting_for_new_messages"
	case StateInitiateAIResponse:
		return "initiate_ai_response"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Trigger drives a state transition.
type Trigger int

const (
	TriggerUserAddMessages Trigger = iota
	TriggerUserReset
	TriggerUserSetMode
	TriggerUserRequestResponse
	TriggerUserContinue
	TriggerUserRegenerate
	TriggerUserCancel
	TriggerUserStop
	TriggerAIProducedContent
	TriggerAIResponseFinished
	TriggerAIResponseError
)

// String returns the string representation of Trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerUserAddMessages:
		return "user_add_messages"
	case TriggerUserReset:
		return "user_reset"
	case TriggerUserSetMode:
		return "user_set_mode"
	case TriggerUserRequestResponse:
		return "user_request_response"
	case TriggerUserContinue:
		return "user_continue"
	case TriggerUserRegenerate:
		return "user_regenerate"
	case TriggerUserCancel:
		return "user_cancel"
	case TriggerUserStop:
		return "user_stop"
	case TriggerAIProducedContent:
		return "ai_produced_content"
	case TriggerAIResponseFinished:
		return "ai_response_finished"
	case TriggerAIResponseError:
		return "ai_response_error"
	default:
		return "unknown"
	}
}

// transition is one row of the table. An internal transition keeps the
// state and runs no exit or entry hooks.
type transition struct {
	target   State
	internal bool
}

// transitions is the full lifecycle table. Reentries (same target, not
// internal) re-run the exit and entry hooks.
var transitions = map[State]map[Trigger]transition{
	StateWaitingForFirstMessage: {
		TriggerUserAddMessages: {target: StateWaitingForNewMessages},
		TriggerUserReset:       {target: StateWaitingForFirstMessage},
		TriggerUserSetMode:     {target: StateWaitingForFirstMessage, internal: true},
	},
	StateWaitingForNewMessages: {
		TriggerUserRequestResponse: {target: StateInitiateAIResponse},
		TriggerUserContinue:        {target: StateInitiateAIResponse},
		TriggerUserRegenerate:      {target: StateInitiateAIResponse},
		TriggerUserAddMessages:     {target: StateWaitingForNewMessages, internal: true},
		TriggerUserReset:           {target: StateWaitingForFirstMessage},
	},
	StateInitiateAIResponse: {
		TriggerAIProducedContent: {target: StateStreaming},
		TriggerAIResponseError:   {target: StateError},
		TriggerUserCancel:        {target: StateWaitingForNewMessages},
		TriggerUserAddMessages:   {target: StateWaitingForNewMessages},
		TriggerUserReset:         {target: StateWaitingForFirstMessage},
	},
	StateStreaming: {
		TriggerAIResponseFinished: {target: StateWaitingForNewMessages},
		TriggerAIResponseError:    {target: StateError},
		TriggerUserStop:           {target: StateWaitingForNewMessages},
		TriggerUserReset:          {target: StateWaitingForFirstMessage},
		TriggerUserAddMessages:    {target: StateWaitingForNewMessages},
		TriggerUserSetMode:        {target: StateInitiateAIResponse},
	},
	StateError: {
		TriggerUserRegenerate:  {target: StateInitiateAIResponse},
		TriggerUserAddMessages: {target: StateWaitingForNewMessages},
		TriggerUserReset:       {target: StateWaitingForFirstMessage},
	},
}

// EntryFunc runs after a state is entered. The trigger that caused the
// transition and its payload are passed through.
type EntryFunc func(ctx context.Context, trigger Trigger, payload any)

// ExitFunc runs before a state is left.
type ExitFunc func(trigger Trigger)

// fireArgs is one pending trigger with its context and payload.
type fireArgs struct {
	ctx     context.Context
	trigger Trigger
	payload any
	strict  bool // came through Fire rather than TryFire
}

// Machine serializes the lifecycle of one chat. Triggers fired while a
// transition is in progress (including from within entry hooks) are queued
// and served FIFO after the current transition completes, so entry hooks
// may fire follow-up triggers without recursing.
type Machine struct {
	mu      sync.Mutex
	state   State
	firing  bool
	queue   []fireArgs
	onEnter map[State]EntryFunc
	onExit  map[State]ExitFunc
	logger  *slog.Logger
}

// NewMachine creates a machine in StateWaitingForFirstMessage. The entry
// hook of the initial state is not invoked.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:   StateWaitingForFirstMessage,
		onEnter: make(map[State]EntryFunc),
		onExit:  make(map[State]ExitFunc),
		logger:  logger,
	}
}

// OnEnter registers the entry hook for a state.
func (m *Machine) OnEnter(s State, fn EntryFunc) {
	m.onEnter[s] = fn
}

// OnExit registers the exit hook for a state.
func (m *Machine) OnExit(s State, fn ExitFunc) {
	m.onExit[s] = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanFire reports whether the trigger is accepted from the current state.
func (m *Machine) CanFire(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.state][trigger]
	return ok
}

// Fire runs the trigger. If a transition is already in progress the
// trigger is queued, Fire returns nil and the trigger is served
// afterwards; a queued trigger that is no longer permitted when its turn
// comes is dropped with a warning rather than reported back to the
// caller. Only an immediately rejected trigger returns
// ErrInvalidTransition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, payload any) error {
	return m.fire(fireArgs{ctx: ctx, trigger: trigger, payload: payload, strict: true})
}

// TryFire runs the trigger if permitted and reports whether it was
// accepted. A trigger queued behind an in-progress transition counts as
// accepted.
func (m *Machine) TryFire(ctx context.Context, trigger Trigger, payload any) bool {
	err := m.fire(fireArgs{ctx: ctx, trigger: trigger, payload: payload})
	return err == nil
}

func (m *Machine) fire(args fireArgs) error {
	m.mu.Lock()
	if m.firing {
		m.queue = append(m.queue, args)
		m.mu.Unlock()
		return nil
	}
	if _, ok := transitions[m.state][args.trigger]; !ok {
		state := m.state
		m.mu.Unlock()
		if args.strict {
			return errors.Wrapf(ErrInvalidTransition, "state %s, trigger %s", state, args.trigger)
		}
		return errors.WithStack(ErrInvalidTransition)
	}
	m.firing = true
	m.mu.Unlock()

	m.step(args)

	// Serve triggers queued while the transition (and everything its entry
	// hook fired) was running.
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.firing = false
			m.mu.Unlock()
			return nil
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		permitted := false
		if _, ok := transitions[m.state][next.trigger]; ok {
			permitted = true
		}
		state := m.state
		m.mu.Unlock()

		if !permitted {
			m.logger.Warn("dropping queued trigger",
				"state", state.String(),
				"trigger", next.trigger.String(),
			)
			continue
		}
		m.step(next)
	}
}

// step executes one permitted transition. Hooks run outside the lock; the
// firing flag keeps steps serialized.
func (m *Machine) step(args fireArgs) {
	m.mu.Lock()
	tr, ok := transitions[m.state][args.trigger]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.mu.Unlock()

	if tr.internal {
		m.logger.Debug("internal transition",
			"state", from.String(),
			"trigger", args.trigger.String(),
		)
		return
	}

	if exit, ok := m.onExit[from]; ok {
		exit(args.trigger)
	}

	m.mu.Lock()
	m.state = tr.target
	m.mu.Unlock()

	m.logger.Debug("transition",
		"from", from.String(),
		"to", tr.target.String(),
		"trigger", args.trigger.String(),
	)

	if enter, ok := m.onEnter[tr.target]; ok {
		enter(args.ctx, args.trigger, args.payload)
	}
}
