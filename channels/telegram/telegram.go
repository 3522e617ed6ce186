// Package telegram implements the Telegram messenger over the Bot API:
// outbound sends and edits for the chat core, plus the update producer
// feeding the event batcher.
package telegram

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/metrics"
)

const (
	// telegramMaxTextLen is Telegram's hard cap on message text.
	telegramMaxTextLen = 4096

	// telegramMaxCaptionLen is Telegram's hard cap on photo captions.
	telegramMaxCaptionLen = 1024

	// tagReserve is held back from the configured caps so the HTML tags
	// added by rendering don't push a full segment over the hard cap.
	tagReserve = 64

	// maxUploadPhotoBytes is Telegram's photo upload limit.
	maxUploadPhotoBytes = 10 << 20

	// maxPhotoDimension bounds either side of an uploaded photo. Telegram
	// rejects photos whose width+height exceeds 10000.
	maxPhotoDimension = 2560

	jpegQuality = 85

	// apiRate paces Bot API calls. Telegram allows ~30 msg/s overall and
	// roughly one edit per second per chat.
	apiRate      = rate.Limit(25)
	apiBurst     = 30
	perChatRate  = rate.Limit(1)
	perChatBurst = 3
)

// Config configures the Telegram messenger. Token is required.
type Config struct {
	Token string
	Debug bool

	// MaxTextLen and MaxCaptionLen override the per-message rune caps the
	// chat core splits against. Zero keeps the defaults.
	MaxTextLen    int
	MaxCaptionLen int

	Metrics *metrics.Set
	Logger  *slog.Logger
}

// Messenger implements channels.Messenger over tgbotapi.BotAPI.
type Messenger struct {
	bot     *tgbotapi.BotAPI
	render  *renderer
	metrics *metrics.Set
	logger  *slog.Logger

	maxTextLen    int
	maxCaptionLen int

	global *rate.Limiter
	mu     sync.Mutex
	chats  map[string]*rate.Limiter
}

var _ channels.Messenger = (*Messenger)(nil)

// New connects to the Bot API and returns the messenger.
func New(cfg Config) (*Messenger, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram: failed to connect bot")
	}
	bot.Debug = cfg.Debug

	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = telegramMaxTextLen
	}
	if cfg.MaxCaptionLen <= 0 {
		cfg.MaxCaptionLen = telegramMaxCaptionLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName)
	return &Messenger{
		bot:           bot,
		render:        newRenderer(),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		maxTextLen:    effectiveLen(cfg.MaxTextLen),
		maxCaptionLen: effectiveLen(cfg.MaxCaptionLen),
		global:        rate.NewLimiter(apiRate, apiBurst),
		chats:         make(map[string]*rate.Limiter),
	}, nil
}

// Name returns the platform name.
func (m *Messenger) Name() channels.Platform {
	return channels.PlatformTelegram
}

// SendText sends one text message and returns its Telegram message id.
// Text is rendered markdown→HTML; render or entity failures retry the raw
// text without a parse mode.
func (m *Messenger) SendText(ctx context.Context, chatID string, text string, buttons []channels.Button) (int64, error) {
	id, err := m.chatIDNum(chatID)
	if err != nil {
		return 0, err
	}
	if err := m.wait(ctx, chatID); err != nil {
		return 0, err
	}

	html, plain := m.renderOutbound(text)
	msg := tgbotapi.NewMessage(id, html)
	if !plain {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if kb := keyboard(buttons); kb != nil {
		msg.ReplyMarkup = *kb
	}

	sent, err := m.bot.Send(msg)
	if err != nil && !plain && isEntityError(err) {
		m.logger.Debug("html send rejected, retrying plain", "chat", chatID, "error", err)
		msg.Text = text
		msg.ParseMode = ""
		sent, err = m.bot.Send(msg)
	}
	m.metrics.MessengerOp("send_text", err)
	if err != nil {
		return 0, channels.WrapSendError(err)
	}
	return int64(sent.MessageID), nil
}

// SendPhoto uploads a photo (or passes a URL through) with an optional
// caption and returns its Telegram message id. Oversized uploads are
// downscaled and re-encoded first.
func (m *Messenger) SendPhoto(ctx context.Context, chatID string, photo channels.PhotoPayload, buttons []channels.Button) (int64, error) {
	id, err := m.chatIDNum(chatID)
	if err != nil {
		return 0, err
	}
	if err := m.wait(ctx, chatID); err != nil {
		return 0, err
	}

	var file tgbotapi.RequestFileData
	switch {
	case len(photo.Bytes) > 0:
		data, err := preparePhoto(photo.Bytes)
		if err != nil {
			return 0, channels.WrapSendError(err)
		}
		name := photo.FileName
		if name == "" {
			name = "photo.jpg"
		}
		file = tgbotapi.FileBytes{Name: name, Bytes: data}
	case photo.URL != "":
		file = tgbotapi.FileURL(photo.URL)
	default:
		return 0, channels.WrapSendError(errors.New("telegram: photo payload has neither bytes nor url"))
	}

	msg := tgbotapi.NewPhoto(id, file)
	html, plain := m.renderOutbound(photo.Caption)
	msg.Caption = html
	if !plain && photo.Caption != "" {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if kb := keyboard(buttons); kb != nil {
		msg.ReplyMarkup = *kb
	}

	sent, err := m.bot.Send(msg)
	if err != nil && !plain && isEntityError(err) {
		msg.Caption = photo.Caption
		msg.ParseMode = ""
		sent, err = m.bot.Send(msg)
	}
	m.metrics.MessengerOp("send_photo", err)
	if err != nil {
		return 0, channels.WrapSendError(err)
	}
	return int64(sent.MessageID), nil
}

// EditText replaces a message's text and buttons. Telegram's "message is
// not modified" folds to NotModified; "message to edit not found" and
// "message can't be edited" fold to MessageDeleted.
func (m *Messenger) EditText(ctx context.Context, chatID string, messageID int64, text string, buttons []channels.Button) (channels.EditResult, error) {
	id, err := m.chatIDNum(chatID)
	if err != nil {
		return channels.EditSuccess, err
	}
	if err := m.wait(ctx, chatID); err != nil {
		return channels.EditSuccess, err
	}

	html, plain := m.renderOutbound(text)
	edit := tgbotapi.NewEditMessageText(id, int(messageID), html)
	if !plain {
		edit.ParseMode = tgbotapi.ModeHTML
	}
	edit.ReplyMarkup = keyboard(buttons)

	_, err = m.bot.Send(edit)
	if err != nil && !plain && isEntityError(err) {
		edit.Text = text
		edit.ParseMode = ""
		_, err = m.bot.Send(edit)
	}
	m.metrics.MessengerOp("edit_text", err)
	return editOutcome(err)
}

// EditPhoto replaces a photo message's caption and buttons.
func (m *Messenger) EditPhoto(ctx context.Context, chatID string, messageID int64, caption string, buttons []channels.Button) (channels.EditResult, error) {
	id, err := m.chatIDNum(chatID)
	if err != nil {
		return channels.EditSuccess, err
	}
	if err := m.wait(ctx, chatID); err != nil {
		return channels.EditSuccess, err
	}

	html, plain := m.renderOutbound(caption)
	edit := tgbotapi.NewEditMessageCaption(id, int(messageID), html)
	if !plain {
		edit.ParseMode = tgbotapi.ModeHTML
	}
	edit.ReplyMarkup = keyboard(buttons)

	_, err = m.bot.Send(edit)
	if err != nil && !plain && isEntityError(err) {
		edit.Caption = caption
		edit.ParseMode = ""
		_, err = m.bot.Send(edit)
	}
	m.metrics.MessengerOp("edit_photo", err)
	return editOutcome(err)
}

// DeleteMessage removes a message. Reports whether Telegram confirmed it;
// an already-deleted message counts as confirmed.
func (m *Messenger) DeleteMessage(ctx context.Context, chatID string, messageID int64) bool {
	id, err := m.chatIDNum(chatID)
	if err != nil {
		return false
	}
	if err := m.wait(ctx, chatID); err != nil {
		return false
	}

	_, err = m.bot.Request(tgbotapi.NewDeleteMessage(id, int(messageID)))
	m.metrics.MessengerOp("delete", err)
	if err == nil {
		return true
	}
	if containsAny(err, "message to delete not found") {
		return true
	}
	m.logger.Warn("delete failed", "chat", chatID, "message", messageID, "error", err)
	return false
}

// MaxTextMessageLen returns the rune cap for one text message.
func (m *Messenger) MaxTextMessageLen() int { return m.maxTextLen }

// MaxPhotoMessageLen returns the rune cap for one photo caption.
func (m *Messenger) MaxPhotoMessageLen() int { return m.maxCaptionLen }

// Close stops the update stream.
func (m *Messenger) Close() error {
	m.bot.StopReceivingUpdates()
	return nil
}

// renderOutbound converts text to Telegram HTML. The second return is true
// when the caller must send without a parse mode.
func (m *Messenger) renderOutbound(text string) (string, bool) {
	if text == "" {
		return "", true
	}
	html, err := m.render.Render(text)
	if err != nil || html == "" {
		if err != nil {
			m.logger.Warn("markdown render failed, sending plain", "error", err)
		}
		return text, true
	}
	return html, false
}

// wait blocks until both the global and the per-chat limiter admit one
// more API call.
func (m *Messenger) wait(ctx context.Context, chatID string) error {
	if err := m.global.Wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	lim, ok := m.chats[chatID]
	if !ok {
		lim = rate.NewLimiter(perChatRate, perChatBurst)
		m.chats[chatID] = lim
	}
	m.mu.Unlock()
	return lim.Wait(ctx)
}

func (m *Messenger) chatIDNum(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "telegram: invalid chat id %q", chatID)
	}
	return id, nil
}

// effectiveLen applies the tag reserve to a configured cap.
func effectiveLen(configured int) int {
	n := configured - tagReserve
	if n < 1 {
		return 1
	}
	return n
}

// keyboard builds a single-row inline keyboard, nil when empty.
func keyboard(buttons []channels.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Action))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

// editOutcome folds Telegram edit errors into the three-valued result.
func editOutcome(err error) (channels.EditResult, error) {
	switch {
	case err == nil:
		return channels.EditSuccess, nil
	case containsAny(err, "message is not modified"):
		return channels.EditNotModified, nil
	case containsAny(err, "message to edit not found", "message can't be edited"):
		return channels.EditMessageDeleted, nil
	default:
		return channels.EditSuccess, channels.WrapEditError(err)
	}
}

// isEntityError reports whether Telegram rejected the HTML markup itself.
func isEntityError(err error) bool {
	return containsAny(err, "can't parse entities", "unsupported start tag", "can't find end tag")
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// preparePhoto downscales and re-encodes an upload that exceeds Telegram's
// photo bounds. Undecodable bytes pass through untouched when small enough.
func preparePhoto(data []byte) ([]byte, error) {
	if len(data) <= maxUploadPhotoBytes {
		if img, err := decodeBounds(data); err != nil || withinBounds(img) {
			return data, nil
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if len(data) <= maxUploadPhotoBytes {
			return data, nil
		}
		return nil, errors.Wrap(err, "telegram: photo too large and not decodable")
	}

	fitted := imaging.Fit(img, maxPhotoDimension, maxPhotoDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, errors.Wrap(err, "telegram: photo re-encode failed")
	}
	if buf.Len() > maxUploadPhotoBytes {
		return nil, errors.Errorf("telegram: photo still %d bytes after downscale", buf.Len())
	}
	return buf.Bytes(), nil
}

func decodeBounds(data []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	return cfg, err
}

func withinBounds(cfg image.Config) bool {
	return cfg.Width+cfg.Height <= 10000
}
