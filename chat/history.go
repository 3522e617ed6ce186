package chat

import (
	"errors"
)

// ErrNoTurn is returned when an operation needs an existing turn and the
// history has none.
var ErrNoTurn = errors.New("chat: history has no turn")

// Turn is a contiguous block of messages: one or more user inputs followed
// by the assistant output produced in response. Forced appends (system
// continuations such as "please continue") may add a user message behind
// assistant messages of the same turn.
type Turn struct {
	Messages []*ChatMessage
}

// ChatHistory is the ordered sequence of turns for one chat. It is not
// safe for concurrent use; all mutation happens under the owning chat's
// executor lock.
type ChatHistory struct {
	turns []*Turn
}

// NewChatHistory returns an empty history.
func NewChatHistory() *ChatHistory {
	return &ChatHistory{}
}

// AddUserMessages appends messages to the history. With forceAddToLastTurn
// set and a last turn present the messages join that turn in place;
// otherwise they open a new turn.
func (h *ChatHistory) AddUserMessages(messages []*ChatMessage, forceAddToLastTurn bool) {
	if len(messages) == 0 {
		return
	}
	if forceAddToLastTurn && len(h.turns) > 0 {
		last := h.turns[len(h.turns)-1]
		last.Messages = append(last.Messages, messages...)
		return
	}
	h.turns = append(h.turns, &Turn{Messages: append([]*ChatMessage(nil), messages...)})
}

// AddAssistantMessage appends msg to the last turn.
func (h *ChatHistory) AddAssistantMessage(msg *ChatMessage) error {
	if len(h.turns) == 0 {
		return ErrNoTurn
	}
	last := h.turns[len(h.turns)-1]
	last.Messages = append(last.Messages, msg)
	return nil
}

// RemoveMessageFromLastTurn removes msg (matched by id) from the last turn
// and reports whether it was present. A turn left empty is dropped.
func (h *ChatHistory) RemoveMessageFromLastTurn(msg *ChatMessage) bool {
	if msg == nil || len(h.turns) == 0 {
		return false
	}
	last := h.turns[len(h.turns)-1]
	for i, m := range last.Messages {
		if m.ID == msg.ID {
			last.Messages = append(last.Messages[:i], last.Messages[i+1:]...)
			if len(last.Messages) == 0 {
				h.turns = h.turns[:len(h.turns)-1]
			}
			return true
		}
	}
	return false
}

// RemoveAllAssistantMessagesFromLastTurn removes every assistant message
// from the last turn and returns them in their original order.
func (h *ChatHistory) RemoveAllAssistantMessagesFromLastTurn() []*ChatMessage {
	if len(h.turns) == 0 {
		return nil
	}
	last := h.turns[len(h.turns)-1]

	var removed []*ChatMessage
	kept := last.Messages[:0]
	for _, m := range last.Messages {
		if m.Role == RoleAssistant {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	last.Messages = kept
	return removed
}

// GetLastAssistantMessage returns the most recent assistant message of the
// last turn, or nil.
func (h *ChatHistory) GetLastAssistantMessage() *ChatMessage {
	if len(h.turns) == 0 {
		return nil
	}
	last := h.turns[len(h.turns)-1]
	for i := len(last.Messages) - 1; i >= 0; i-- {
		if last.Messages[i].Role == RoleAssistant {
			return last.Messages[i]
		}
	}
	return nil
}

// GetAllMessagesForAI returns a flat snapshot of every message in turn
// order, then in-turn order. The slice is fresh; the messages are shared.
func (h *ChatHistory) GetAllMessagesForAI() []*ChatMessage {
	var out []*ChatMessage
	for _, t := range h.turns {
		out = append(out, t.Messages...)
	}
	return out
}

// UpdateMessageOriginalID records the messenger-side id on the message with
// the given model id. Returns whether the message was found.
func (h *ChatHistory) UpdateMessageOriginalID(modelID string, messengerID int64) bool {
	for i := len(h.turns) - 1; i >= 0; i-- {
		for _, m := range h.turns[i].Messages {
			if m.ID == modelID {
				m.OriginalMessengerID = messengerID
				return true
			}
		}
	}
	return false
}

// TurnCount returns the number of turns.
func (h *ChatHistory) TurnCount() int {
	return len(h.turns)
}

// LastTurn returns the last turn, or nil.
func (h *ChatHistory) LastTurn() *Turn {
	if len(h.turns) == 0 {
		return nil
	}
	return h.turns[len(h.turns)-1]
}

// IsEmpty reports whether the history has no turns.
func (h *ChatHistory) IsEmpty() bool {
	return len(h.turns) == 0
}
