// Package broker fans events from all producers into per-chat micro-batches
// and drives each chat through a serializing batch executor: user messages
// from every batch reach the history even when a newer batch preempts the
// running one, and the response pipeline runs at most once per overlap.
package broker

import (
	"sort"

	"github.com/google/uuid"
)

// EventKind discriminates the producer-side event variants.
type EventKind int

const (
	// EventMessage is a plain user text message.
	EventMessage EventKind = iota
	// EventCommand is a slash command with optional arguments.
	EventCommand
	// EventAction is an inline-button callback.
	EventAction
	// EventExpire reports that the chat's cached state timed out.
	EventExpire
	// EventHotkeyCopy is the screenshot hotkey.
	EventHotkeyCopy
	// EventHotkeyPaste is the paste hotkey.
	EventHotkeyPaste
)

// String returns the event kind name used in logs and metrics labels.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventCommand:
		return "command"
	case EventAction:
		return "action"
	case EventExpire:
		return "expire"
	case EventHotkeyCopy:
		return "hotkey_copy"
	case EventHotkeyPaste:
		return "hotkey_paste"
	default:
		return "unknown"
	}
}

// Event is one unit of producer input. OrderID establishes the processing
// order inside a batch; producers derive it from their own sequencing (the
// Telegram producer uses the update id).
type Event struct {
	ID      string
	Kind    EventKind
	ChatID  string
	OrderID int64

	// Username is set for Message and Command events.
	Username string
	// Text is the message text or the raw command argument line.
	Text string
	// Command is the command name without the leading slash.
	Command string
	// Action is the callback payload of a button click.
	Action string
	// MessengerMessageID is the inbound messenger id of a Message event.
	MessengerMessageID int64
}

// NewMessageEvent builds a user text message event.
func NewMessageEvent(chatID string, orderID int64, username, text string, messengerID int64) Event {
	return Event{
		ID:                 uuid.NewString(),
		Kind:               EventMessage,
		ChatID:             chatID,
		OrderID:            orderID,
		Username:           username,
		Text:               text,
		MessengerMessageID: messengerID,
	}
}

// NewCommandEvent builds a slash-command event. args is the remainder of the
// line after the command name.
func NewCommandEvent(chatID string, orderID int64, username, command, args string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     EventCommand,
		ChatID:   chatID,
		OrderID:  orderID,
		Username: username,
		Command:  command,
		Text:     args,
	}
}

// NewActionEvent builds a button-callback event.
func NewActionEvent(chatID string, orderID int64, action string) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    EventAction,
		ChatID:  chatID,
		OrderID: orderID,
		Action:  action,
	}
}

// NewExpireEvent builds a state-expiration event.
func NewExpireEvent(chatID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   EventExpire,
		ChatID: chatID,
	}
}

// NewHotkeyEvent builds a hotkey event; kind must be EventHotkeyCopy or
// EventHotkeyPaste.
func NewHotkeyEvent(kind EventKind, chatID string, orderID int64) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		ChatID:  chatID,
		OrderID: orderID,
	}
}

// Batch is one classified micro-batch: the events of a single chat split by
// kind, each group in ascending OrderID.
type Batch struct {
	Expire   []Event
	CtrlC    []Event
	CtrlV    []Event
	Commands []Event
	Actions  []Event
	Messages []Event

	// IsOnlyExpire is true when the batch consists of exactly one Expire
	// event; such a batch resets the chat instead of running the pipeline.
	IsOnlyExpire bool
	// LastAction is the last Action of the batch, or nil.
	LastAction *Event
	// Total is the number of events classified.
	Total int
}

// classifyEvents orders events by OrderID and splits them into the batch
// groups the executor phases consume.
func classifyEvents(events []Event) Batch {
	ordered := append([]Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderID < ordered[j].OrderID
	})

	b := Batch{Total: len(ordered)}
	for _, ev := range ordered {
		switch ev.Kind {
		case EventExpire:
			b.Expire = append(b.Expire, ev)
		case EventHotkeyCopy:
			b.CtrlC = append(b.CtrlC, ev)
		case EventHotkeyPaste:
			b.CtrlV = append(b.CtrlV, ev)
		case EventCommand:
			b.Commands = append(b.Commands, ev)
		case EventAction:
			b.Actions = append(b.Actions, ev)
		case EventMessage:
			b.Messages = append(b.Messages, ev)
		}
	}
	if n := len(b.Actions); n > 0 {
		b.LastAction = &b.Actions[n-1]
	}
	b.IsOnlyExpire = len(b.Expire) > 0 && b.Total == 1
	return b
}

// firstUsername returns the username of the first Message or Command in
// OrderID order, or "_" when the batch carries neither.
func firstUsername(events []Event) string {
	username := "_"
	best := int64(0)
	found := false
	for _, ev := range events {
		if ev.Kind != EventMessage && ev.Kind != EventCommand {
			continue
		}
		if !found || ev.OrderID < best {
			username = ev.Username
			best = ev.OrderID
			found = true
		}
	}
	if username == "" {
		return "_"
	}
	return username
}
