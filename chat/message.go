// Package chat implements the per-conversation engine: the turn-based
// history, the UI view model mapping model messages to messenger segments,
// the chat state machine, and the streaming pipeline that feeds AI deltas
// back into visible messages.
package chat

import (
	"context"
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentKind represents the type of a content item.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
	ContentAudio
	ContentVideo
	ContentDocument
	ContentJSON
)

// String returns the string representation of ContentKind.
func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentAudio:
		return "audio"
	case ContentVideo:
		return "video"
	case ContentDocument:
		return "document"
	case ContentJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ContentItem is one piece of message content. Media items carry either
// inline bytes or a remote URL plus a lazy loader.
type ContentItem struct {
	Kind     ContentKind
	Text     string                                 // for ContentText and ContentJSON
	MimeType string                                 // for media kinds
	Data     []byte                                 // inline media bytes
	URL      string                                 // remote media location
	Loader   func(context.Context) ([]byte, error) // lazy fetch for URL-backed media
}

// NewTextContent returns a text content item.
func NewTextContent(text string) ContentItem {
	return ContentItem{Kind: ContentText, Text: text}
}

// NewImageContent returns an inline image content item.
func NewImageContent(mimeType string, data []byte) ContentItem {
	return ContentItem{Kind: ContentImage, MimeType: mimeType, Data: data}
}

// NewImageURLContent returns a URL-backed image content item with a lazy
// loader for the bytes.
func NewImageURLContent(url string, loader func(context.Context) ([]byte, error)) ContentItem {
	return ContentItem{Kind: ContentImage, URL: url, Loader: loader}
}

// IsMedia reports whether the item is a media kind.
func (c ContentItem) IsMedia() bool {
	switch c.Kind {
	case ContentImage, ContentAudio, ContentVideo, ContentDocument:
		return true
	default:
		return false
	}
}

// Bytes resolves the item's payload, fetching through the lazy loader when
// the bytes are not inline.
func (c ContentItem) Bytes(ctx context.Context) ([]byte, error) {
	if c.Data != nil {
		return c.Data, nil
	}
	if c.Loader != nil {
		return c.Loader(ctx)
	}
	return nil, nil
}

// ChatMessage is one model-level message. Its ID is assigned on creation
// and never changes; OriginalMessengerID is set once the messenger confirms
// the first UI segment of this message.
type ChatMessage struct {
	ID                  string
	Role                Role
	Name                string
	Content             []ContentItem
	OriginalMessengerID int64 // 0 until the messenger confirms a send
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, name string, content ...ContentItem) *ChatMessage {
	return &ChatMessage{
		ID:      shortuuid.New(),
		Role:    role,
		Name:    name,
		Content: content,
	}
}

// NewUserMessage creates a user message with a single text item.
func NewUserMessage(name, text string) *ChatMessage {
	return NewMessage(RoleUser, name, NewTextContent(text))
}

// NewAssistantMessage creates an assistant message with no content yet.
func NewAssistantMessage(name string) *ChatMessage {
	return NewMessage(RoleAssistant, name)
}

// TextContent returns the concatenation of all text items.
func (m *ChatMessage) TextContent() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Kind == ContentText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// SetTextContent replaces the message content with a single text item.
func (m *ChatMessage) SetTextContent(text string) {
	m.Content = []ContentItem{NewTextContent(text)}
}

// SetContent replaces the message content wholesale.
func (m *ChatMessage) SetContent(items []ContentItem) {
	m.Content = items
}
