package chat

// StateKeySuffix is appended to a chat id to form its store key.
const StateKeySuffix = "_state"

// StateKey returns the expiring-store key owning the chat's state.
func StateKey(chatID string) string {
	return chatID + StateKeySuffix
}

// ChatIDFromStateKey reverses StateKey. Returns the empty string when the
// key is not a chat-state key.
func ChatIDFromStateKey(key string) string {
	if n := len(key) - len(StateKeySuffix); n > 0 && key[n:] == StateKeySuffix {
		return key[:n]
	}
	return ""
}

// ChatState bundles everything the expiring store owns for one chat. The
// store hands out the live instance; callers mutate it under the chat's
// executor lock and write it back so the TTL restarts.
type ChatState struct {
	History *ChatHistory
	UI      *ChatUIState
}

// NewChatState returns a fresh empty state.
func NewChatState() *ChatState {
	return &ChatState{
		History: NewChatHistory(),
		UI:      NewChatUIState(),
	}
}
