// Package channels defines the messenger contract the chat core speaks
// through. Each platform (Telegram today) implements Messenger; the router
// keeps the registered platforms and closes them on shutdown.
package channels

import (
	"context"
	"io"
	"sync"
)

// Platform identifies a supported messenger platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
)

// IsValid checks if the platform is valid.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTelegram:
		return true
	default:
		return false
	}
}

// Button is one inline action control. Action is the stable callback
// identifier the broker dispatches on; Label is what the user sees.
type Button struct {
	Action string
	Label  string
}

// PhotoPayload is the outbound photo body. Bytes take precedence over URL.
type PhotoPayload struct {
	Caption  string
	Bytes    []byte
	FileName string
	URL      string
}

// EditResult is the three-valued outcome of an edit. MessageDeleted means
// the user removed the message; it must not be retried and the owning
// segment must be marked deleted.
type EditResult int

const (
	EditSuccess EditResult = iota
	EditNotModified
	EditMessageDeleted
)

// String returns the string representation of EditResult.
func (r EditResult) String() string {
	switch r {
	case EditSuccess:
		return "success"
	case EditNotModified:
		return "not_modified"
	case EditMessageDeleted:
		return "message_deleted"
	default:
		return "unknown"
	}
}

// Messenger is the transport contract consumed by the chat core. All
// implementations must be safe for concurrent use across chats.
type Messenger interface {
	// Name returns the platform name (e.g., "telegram").
	Name() Platform

	// SendText sends a text message and returns the messenger-assigned id.
	SendText(ctx context.Context, chatID string, text string, buttons []Button) (int64, error)

	// SendPhoto sends a photo with an optional caption and returns the
	// messenger-assigned id.
	SendPhoto(ctx context.Context, chatID string, photo PhotoPayload, buttons []Button) (int64, error)

	// EditText replaces the text (and buttons) of an existing message.
	EditText(ctx context.Context, chatID string, messageID int64, text string, buttons []Button) (EditResult, error)

	// EditPhoto replaces the caption (and buttons) of an existing photo
	// message.
	EditPhoto(ctx context.Context, chatID string, messageID int64, caption string, buttons []Button) (EditResult, error)

	// DeleteMessage removes a message. Reports whether the messenger
	// confirmed the removal; failures are not errors to the caller.
	DeleteMessage(ctx context.Context, chatID string, messageID int64) bool

	// MaxTextMessageLen returns the effective maximum rune count for one
	// text message.
	MaxTextMessageLen() int

	// MaxPhotoMessageLen returns the effective maximum rune count for one
	// photo caption.
	MaxPhotoMessageLen() int

	// Close releases the platform connection.
	Close() error
}

// Router keeps the registered messengers by platform.
// Concurrent-safe for Register and Get operations.
type Router struct {
	mu       sync.RWMutex
	registry map[Platform]Messenger
}

// NewRouter creates an empty messenger router.
func NewRouter() *Router {
	return &Router{registry: make(map[Platform]Messenger)}
}

// Register registers a messenger for its platform.
func (r *Router) Register(m Messenger) {
	r.mu.Lock()
	r.registry[m.Name()] = m
	r.mu.Unlock()
}

// Get returns the messenger for a platform, or nil if not registered.
func (r *Router) Get(platform Platform) Messenger {
	r.mu.RLock()
	m := r.registry[platform]
	r.mu.RUnlock()
	return m
}

var _ io.Closer = (*Router)(nil)

// Close closes all registered messengers and keeps the first error.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, m := range r.registry {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Errors
var (
	ErrNoChannelForPlatform = &MessengerError{Code: "NO_CHANNEL", Message: "no messenger registered for platform"}
	ErrInvalidPayload       = &MessengerError{Code: "INVALID_PAYLOAD", Message: "could not parse update payload"}
	ErrUnauthorized         = &MessengerError{Code: "UNAUTHORIZED", Message: "user not authorized for this platform"}
	ErrSendFailed           = &MessengerError{Code: "SEND_FAILED", Message: "message could not be delivered"}
	ErrEditFailed           = &MessengerError{Code: "EDIT_FAILED", Message: "message could not be edited"}
)

// MessengerError represents a transport-level failure.
type MessengerError struct {
	Code    string
	Message string
	Err     error
}

func (e *MessengerError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *MessengerError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the operation can
// be retried.
func (e *MessengerError) IsRetryable() bool {
	switch e.Code {
	case "NO_CHANNEL", "INVALID_PAYLOAD", "UNAUTHORIZED":
		return false
	default:
		return true
	}
}

// WrapSendError attaches transport context to a failed send.
func WrapSendError(err error) error {
	if err == nil {
		return nil
	}
	return &MessengerError{Code: "SEND_FAILED", Message: "message could not be delivered", Err: err}
}

// WrapEditError attaches transport context to a failed edit.
func WrapEditError(err error) error {
	if err == nil {
		return nil
	}
	return &MessengerError{Code: "EDIT_FAILED", Message: "message could not be edited", Err: err}
}
