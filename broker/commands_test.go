package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/switchboard/chat"
)

func TestCommandRegistry_Defaults(t *testing.T) {
	ctx := context.Background()

	newRegistry := func(t *testing.T) (*CommandRegistry, *chat.Chat, *testMessenger) {
		m := newTestMessenger()
		c, _ := newExecutorChat(t, "c1", &testAgent{}, m)
		reg := NewCommandRegistry(m, testLogger())
		reg.RegisterDefaults("build-7")
		return reg, c, m
	}

	t.Run("help", func(t *testing.T) {
		reg, c, m := newRegistry(t)
		require.NoError(t, reg.Execute(ctx, c, NewCommandEvent("c1", 1, "alice", "help", "")))
		sends := m.opsOf("send_text", "c1")
		require.Len(t, sends, 1)
		assert.Contains(t, sends[0].Text, "/reset")
		assert.Contains(t, sends[0].Text, "/mode")
	})

	t.Run("version", func(t *testing.T) {
		reg, c, m := newRegistry(t)
		require.NoError(t, reg.Execute(ctx, c, NewCommandEvent("c1", 1, "alice", "version", "")))
		sends := m.opsOf("send_text", "c1")
		require.Len(t, sends, 1)
		assert.Equal(t, "build-7", sends[0].Text)
	})

	t.Run("mode without argument", func(t *testing.T) {
		reg, c, m := newRegistry(t)
		require.NoError(t, reg.Execute(ctx, c, NewCommandEvent("c1", 1, "alice", "mode", "   ")))
		sends := m.opsOf("send_text", "c1")
		require.Len(t, sends, 1)
		assert.Contains(t, sends[0].Text, "Usage: /mode")
		assert.Equal(t, "demo", c.Mode())
	})

	t.Run("mode switches the agent", func(t *testing.T) {
		reg, c, m := newRegistry(t)
		require.NoError(t, reg.Execute(ctx, c, NewCommandEvent("c1", 1, "alice", "mode", " sage ")))
		assert.Equal(t, "sage", c.Mode())
		sends := m.opsOf("send_text", "c1")
		require.Len(t, sends, 1)
		assert.Contains(t, sends[0].Text, `"sage"`)
	})

	t.Run("reset greets afresh", func(t *testing.T) {
		reg, c, m := newRegistry(t)
		require.NoError(t, reg.Execute(ctx, c, NewCommandEvent("c1", 1, "alice", "reset", "")))
		assert.Equal(t, chat.StateWaitingForFirstMessage, c.State())
		sends := m.opsOf("send_text", "c1")
		require.Len(t, sends, 1)
		assert.Contains(t, sends[0].Text, "Fresh start")
	})
}

func TestCommandRegistry_Unknown(t *testing.T) {
	m := newTestMessenger()
	c, _ := newExecutorChat(t, "c1", &testAgent{}, m)
	reg := NewCommandRegistry(m, testLogger())
	reg.RegisterDefaults("build-7")

	require.NoError(t, reg.Execute(context.Background(), c, NewCommandEvent("c1", 1, "alice", "frobnicate", "")))

	sends := m.opsOf("send_text", "c1")
	require.Len(t, sends, 1)
	assert.Equal(t, "Unknown command /frobnicate. Try /help.", sends[0].Text)
}

func TestCommandRegistry_NormalizesNames(t *testing.T) {
	m := newTestMessenger()
	c, _ := newExecutorChat(t, "c1", &testAgent{}, m)
	reg := NewCommandRegistry(m, testLogger())

	var got Event
	reg.Register("/Echo", func(_ context.Context, _ *chat.Chat, ev Event) error {
		got = ev
		return nil
	})

	require.NoError(t, reg.Execute(context.Background(), c, NewCommandEvent("c1", 1, "alice", "ECHO", "the args")))
	assert.Equal(t, "the args", got.Text)
	assert.Empty(t, m.allOps())
}
