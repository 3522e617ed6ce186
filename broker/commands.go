package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/chat"
)

const helpText = `Commands:
/start — start over
/reset — forget the conversation and start fresh
/mode <name> — switch the assistant mode
/help — this message
/version — build information`

// CommandHandler runs one slash command against a chat. ev carries the
// argument line in Text.
type CommandHandler func(ctx context.Context, c *chat.Chat, ev Event) error

// CommandRegistry dispatches slash commands by name. Safe for concurrent
// use; registration normally happens once at startup.
type CommandRegistry struct {
	messenger channels.Messenger
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewCommandRegistry builds an empty registry.
func NewCommandRegistry(messenger channels.Messenger, logger *slog.Logger) *CommandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRegistry{
		messenger: messenger,
		logger:    logger,
		handlers:  make(map[string]CommandHandler),
	}
}

// Register installs a handler under a name. Names are matched lowercase
// without the leading slash.
func (r *CommandRegistry) Register(name string, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(strings.TrimPrefix(name, "/"))] = h
}

// Execute dispatches one command event. An unknown command gets a short
// notice instead of an error.
func (r *CommandRegistry) Execute(ctx context.Context, c *chat.Chat, ev Event) error {
	name := strings.ToLower(strings.TrimPrefix(ev.Command, "/"))

	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Info("unknown command", "chat_id", c.ChatID(), "command", name)
		_, err := r.messenger.SendText(ctx, c.ChatID(), fmt.Sprintf("Unknown command /%s. Try /help.", name), nil)
		return err
	}
	return h(ctx, c, ev)
}

// RegisterDefaults installs the built-in command set. version is the build
// string reported by /version.
func (r *CommandRegistry) RegisterDefaults(version string) {
	reset := func(ctx context.Context, c *chat.Chat, _ Event) error {
		return c.Reset(ctx)
	}
	r.Register("start", reset)
	r.Register("reset", reset)

	r.Register("mode", func(ctx context.Context, c *chat.Chat, ev Event) error {
		name := strings.TrimSpace(ev.Text)
		if name == "" {
			_, err := r.messenger.SendText(ctx, c.ChatID(), "Usage: /mode <name>", nil)
			return err
		}
		if _, err := r.messenger.SendText(ctx, c.ChatID(), fmt.Sprintf("Switching to %q mode.", name), nil); err != nil {
			r.logger.Warn("sending mode notice", "chat_id", c.ChatID(), "error", err)
		}
		return c.SetMode(ctx, name)
	})

	r.Register("help", func(ctx context.Context, c *chat.Chat, _ Event) error {
		_, err := r.messenger.SendText(ctx, c.ChatID(), helpText, nil)
		return err
	})

	r.Register("version", func(ctx context.Context, c *chat.Chat, _ Event) error {
		_, err := r.messenger.SendText(ctx, c.ChatID(), version, nil)
		return err
	})
}
