package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/hrygo/switchboard/broker"
)

const (
	longPollTimeout = 60

	// secretTokenHeader carries the webhook secret Telegram echoes back.
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// EventSink receives translated updates. *broker.EventBatcher satisfies it.
type EventSink interface {
	Enqueue(ev broker.Event) error
}

// Producer turns Telegram updates into broker events, either from a long
// polling loop or from webhook deliveries.
type Producer struct {
	m      *Messenger
	sink   EventSink
	secret string
	logger *slog.Logger
}

// NewProducer wires the messenger's bot connection to an event sink.
func NewProducer(m *Messenger, sink EventSink, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{m: m, sink: sink, logger: logger}
}

// Run long-polls the Bot API until ctx is cancelled. Any webhook left on
// the bot is removed first, since Telegram refuses getUpdates otherwise.
func (p *Producer) Run(ctx context.Context) error {
	if _, err := p.m.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return errors.Wrap(err, "telegram: failed to clear webhook")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = longPollTimeout
	updates := p.m.bot.GetUpdatesChan(u)
	p.logger.Info("telegram long polling started")

	for {
		select {
		case <-ctx.Done():
			p.m.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			p.handleUpdate(update)
		}
	}
}

// SetWebhook registers webhookURL with Telegram and returns the handler to
// mount; Run must not be used in webhook mode. A non-empty secret is
// registered alongside the URL and verified on every delivery.
func (p *Producer) SetWebhook(webhookURL, secret string) (http.Handler, error) {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return nil, errors.Wrapf(err, "telegram: invalid webhook url %q", webhookURL)
	}
	// WebhookConfig has no secret_token field, so the request goes through
	// raw params.
	params := tgbotapi.Params{"url": parsed.String()}
	params.AddNonEmpty("secret_token", secret)
	if _, err := p.m.bot.MakeRequest("setWebhook", params); err != nil {
		return nil, errors.Wrap(err, "telegram: failed to set webhook")
	}
	p.secret = secret
	p.logger.Info("telegram webhook registered", "url", parsed.Redacted())
	return http.HandlerFunc(p.serveWebhook), nil
}

// serveWebhook verifies one webhook delivery and feeds it through the same
// translation as long polling. Telegram does not sign deliveries, so the
// checks are method, content type and the optional secret token.
func (p *Producer) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if p.secret != "" && r.Header.Get(secretTokenHeader) != p.secret {
		p.logger.Warn("webhook delivery with bad secret", "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		p.logger.Warn("undecodable webhook payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p.handleUpdate(update)
	w.WriteHeader(http.StatusOK)
}

// handleUpdate translates one update into at most one broker event.
func (p *Producer) handleUpdate(update tgbotapi.Update) {
	orderID := int64(update.UpdateID)

	switch {
	case update.CallbackQuery != nil:
		p.handleCallback(update.CallbackQuery, orderID)

	case update.Message != nil:
		p.handleMessage(update.Message, orderID)

	case update.EditedMessage != nil:
		// Edits never re-enter the pipeline; the original content was
		// already appended to history.
		p.logger.Debug("ignoring edited message", "chat", update.EditedMessage.Chat.ID)

	default:
		p.logger.Debug("ignoring unsupported update", "update_id", update.UpdateID)
	}
}

func (p *Producer) handleCallback(cq *tgbotapi.CallbackQuery, orderID int64) {
	// Acknowledge immediately so the client stops its spinner even if the
	// action is later dropped by state-machine rules.
	if _, err := p.m.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		p.logger.Warn("callback ack failed", "error", err)
	}
	if cq.Message == nil || cq.Data == "" {
		return
	}
	chatID := strconv.FormatInt(cq.Message.Chat.ID, 10)
	p.enqueue(broker.NewActionEvent(chatID, orderID, cq.Data))
}

func (p *Producer) handleMessage(msg *tgbotapi.Message, orderID int64) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	username := "_"
	if msg.From != nil && msg.From.UserName != "" {
		username = msg.From.UserName
	}

	if msg.IsCommand() {
		p.enqueue(broker.NewCommandEvent(chatID, orderID, username, msg.Command(), msg.CommandArguments()))
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		p.logger.Debug("ignoring non-text message", "chat", chatID)
		return
	}
	p.enqueue(broker.NewMessageEvent(chatID, orderID, username, text, int64(msg.MessageID)))
}

func (p *Producer) enqueue(ev broker.Event) {
	if err := p.sink.Enqueue(ev); err != nil {
		p.logger.Error("failed to enqueue event", "kind", ev.Kind.String(), "chat", ev.ChatID, "error", err)
	}
}
