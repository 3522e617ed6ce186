package telegram

import (
	"bytes"
	"image"
	"io"
	"log/slog"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/switchboard/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEditOutcome(t *testing.T) {
	t.Run("no error", func(t *testing.T) {
		res, err := editOutcome(nil)
		require.NoError(t, err)
		assert.Equal(t, channels.EditSuccess, res)
	})

	t.Run("not modified folds clean", func(t *testing.T) {
		res, err := editOutcome(errors.New("Bad Request: message is not modified: nothing changed"))
		require.NoError(t, err)
		assert.Equal(t, channels.EditNotModified, res)
	})

	t.Run("matching is case insensitive", func(t *testing.T) {
		res, err := editOutcome(errors.New("MESSAGE IS NOT MODIFIED"))
		require.NoError(t, err)
		assert.Equal(t, channels.EditNotModified, res)
	})

	t.Run("deleted message detected", func(t *testing.T) {
		for _, msg := range []string{
			"Bad Request: message to edit not found",
			"Bad Request: message can't be edited",
		} {
			res, err := editOutcome(errors.New(msg))
			require.NoError(t, err)
			assert.Equal(t, channels.EditMessageDeleted, res, msg)
		}
	})

	t.Run("other errors wrapped", func(t *testing.T) {
		res, err := editOutcome(errors.New("Too Many Requests: retry after 5"))
		assert.Equal(t, channels.EditSuccess, res)
		require.Error(t, err)

		var merr *channels.MessengerError
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, "EDIT_FAILED", merr.Code)
	})
}

func TestIsEntityError(t *testing.T) {
	assert.True(t, isEntityError(errors.New(`Bad Request: can't parse entities: unexpected end tag at byte offset 4`)))
	assert.True(t, isEntityError(errors.New(`Bad Request: unsupported start tag "div"`)))
	assert.True(t, isEntityError(errors.New(`Bad Request: can't find end tag corresponding to start tag "b"`)))
	assert.False(t, isEntityError(errors.New("Too Many Requests: retry after 3")))
	assert.False(t, isEntityError(nil))
}

func TestEffectiveLen(t *testing.T) {
	assert.Equal(t, telegramMaxTextLen-tagReserve, effectiveLen(telegramMaxTextLen))
	assert.Equal(t, 960, effectiveLen(1024))
	assert.Equal(t, 1, effectiveLen(tagReserve))
	assert.Equal(t, 1, effectiveLen(10))
}

func TestKeyboard(t *testing.T) {
	assert.Nil(t, keyboard(nil))
	assert.Nil(t, keyboard([]channels.Button{}))

	kb := keyboard([]channels.Button{
		{Action: "continue", Label: "Continue"},
		{Action: "stop", Label: "Stop"},
	})
	require.NotNil(t, kb)
	require.Len(t, kb.InlineKeyboard, 1)

	row := kb.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, "Continue", row[0].Text)
	require.NotNil(t, row[0].CallbackData)
	assert.Equal(t, "continue", *row[0].CallbackData)
	assert.Equal(t, "Stop", row[1].Text)
	require.NotNil(t, row[1].CallbackData)
	assert.Equal(t, "stop", *row[1].CallbackData)
}

func TestRenderOutbound(t *testing.T) {
	m := &Messenger{render: newRenderer(), logger: testLogger()}

	t.Run("empty stays plain", func(t *testing.T) {
		out, plain := m.renderOutbound("")
		assert.Empty(t, out)
		assert.True(t, plain)
	})

	t.Run("markdown becomes html", func(t *testing.T) {
		out, plain := m.renderOutbound("**bold**")
		assert.Equal(t, "<b>bold</b>", out)
		assert.False(t, plain)
	})

	t.Run("plain text keeps parse mode", func(t *testing.T) {
		out, plain := m.renderOutbound("hello there")
		assert.Equal(t, "hello there", out)
		assert.False(t, plain)
	})
}

func TestPreparePhoto(t *testing.T) {
	t.Run("small photo passes through", func(t *testing.T) {
		var buf bytes.Buffer
		img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
		require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))

		out, err := preparePhoto(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, buf.Bytes(), out)
	})

	t.Run("small undecodable passes through", func(t *testing.T) {
		data := []byte("not an image at all")
		out, err := preparePhoto(data)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("oversized dimensions are downscaled", func(t *testing.T) {
		// Width plus height beyond Telegram's 10000 cap.
		var buf bytes.Buffer
		img := image.NewNRGBA(image.Rect(0, 0, 10200, 2))
		require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))

		out, err := preparePhoto(buf.Bytes())
		require.NoError(t, err)
		require.NotEmpty(t, out)

		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
		assert.LessOrEqual(t, cfg.Width, maxPhotoDimension)
		assert.LessOrEqual(t, cfg.Height, maxPhotoDimension)
		assert.True(t, withinBounds(cfg))
	})

	t.Run("huge undecodable rejected", func(t *testing.T) {
		data := bytes.Repeat([]byte{0x42}, maxUploadPhotoBytes+1)
		out, err := preparePhoto(data)
		require.Error(t, err)
		assert.Nil(t, out)
		assert.Contains(t, err.Error(), "not decodable")
	})
}

func TestContainsAny(t *testing.T) {
	assert.False(t, containsAny(nil, "anything"))
	assert.True(t, containsAny(errors.New("Bad Request: MESSAGE to edit NOT FOUND"), "message to edit not found"))
	assert.False(t, containsAny(errors.New("internal error"), "message to edit not found", "message can't be edited"))
}
