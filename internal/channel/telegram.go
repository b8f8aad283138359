package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxCaptionLen  = 1024
	telegramMaxSendRetries = 3
	telegramMediaMaxAge    = 24 * time.Hour
	repliesBuffer          = 64
)

// telegramAPI is the subset of *tgbotapi.BotAPI used after connecting.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram is the operator channel on a Telegram chat. Only messages from
// the configured chat (and, if set, from the allowed user ids) are accepted.
type Telegram struct {
	token     string
	chatID    int64
	allowFrom []int64 // Allowed user IDs (empty = anyone in the chat)
	parseMode string
	mediaDir  string
	status    StatusFunc

	api    telegramAPI
	ready  chan struct{}
	once   sync.Once
	http   *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	replies chan domain.ChannelReply
}

type TelegramConfig struct {
	Token     string
	ChatID    int64
	AllowFrom []string // User IDs as strings
	ParseMode string
	MediaDir  string
	Status    StatusFunc
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		mediaDir:  cfg.MediaDir,
		status:    cfg.Status,
		ready:     make(chan struct{}),
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    cfg.Logger,
		sleep:     sleepCtx,
		replies:   make(chan domain.ChannelReply, repliesBuffer),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Replies streams operator replies. It is never closed.
func (t *Telegram) Replies() <-chan domain.ChannelReply { return t.replies }

// Start connects to Telegram and begins polling for updates. It blocks until
// ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.setAPI(bot)
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
		"chat_id", t.chatID,
	)
	if t.mediaDir != "" {
		PruneMedia(t.mediaDir, telegramMediaMaxAge, t.logger)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) setAPI(api telegramAPI) {
	t.once.Do(func() {
		t.api = api
		close(t.ready)
	})
}

// client waits until Start has connected.
func (t *Telegram) client(ctx context.Context) (telegramAPI, error) {
	select {
	case <-t.ready:
		return t.api, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post sends text, or a photo/document for media payloads, to the operator
// chat. Long text is split; the id of the first part is returned.
func (t *Telegram) Post(ctx context.Context, p domain.Payload) (domain.NotificationID, error) {
	return t.post(ctx, p, 0)
}

// Reply posts text threaded under message to.
func (t *Telegram) Reply(ctx context.Context, to domain.NotificationID, text string) (domain.NotificationID, error) {
	replyTo, _ := to.Int64()
	return t.post(ctx, domain.TextPayload(text), int(replyTo))
}

// Edit replaces the text of a message previously posted by the bot.
func (t *Telegram) Edit(ctx context.Context, id domain.NotificationID, text string) error {
	api, err := t.client(ctx)
	if err != nil {
		return err
	}
	msgID, ok := id.Int64()
	if !ok {
		return fmt.Errorf("telegram edit: invalid message id %q", id)
	}
	edit := tgbotapi.NewEditMessageText(t.chatID, int(msgID), truncate(text, telegramMaxMsgLen))
	if _, err := api.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return &domain.ChannelError{Op: "edit", Err: err}
	}
	return nil
}

func (t *Telegram) post(ctx context.Context, p domain.Payload, replyTo int) (domain.NotificationID, error) {
	api, err := t.client(ctx)
	if err != nil {
		return "", err
	}
	op := "post"
	if replyTo != 0 {
		op = "reply"
	}

	if p.IsMedia() {
		caption := truncate(p.Text, telegramMaxCaptionLen)
		msg, err := t.sendWithRetry(ctx, api, func(_ bool) tgbotapi.Chattable {
			if isImage(p.Media) {
				photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FilePath(p.Media))
				photo.Caption = caption
				photo.ReplyToMessageID = replyTo
				return photo
			}
			doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(p.Media))
			doc.Caption = caption
			doc.ReplyToMessageID = replyTo
			return doc
		})
		if err != nil {
			return "", &domain.ChannelError{Op: op, Err: err}
		}
		return domain.NotificationIDFromInt(int64(msg.MessageID)), nil
	}

	var first domain.NotificationID
	for _, chunk := range splitMessage(p.Text, telegramMaxMsgLen) {
		msg, err := t.sendWithRetry(ctx, api, func(plain bool) tgbotapi.Chattable {
			m := tgbotapi.NewMessage(t.chatID, chunk)
			m.ReplyToMessageID = replyTo
			if !plain {
				m.ParseMode = t.parseMode
			}
			return m
		})
		if err != nil {
			return first, &domain.ChannelError{Op: op, Err: err}
		}
		if first == "" {
			first = domain.NotificationIDFromInt(int64(msg.MessageID))
		}
	}
	return first, nil
}

// sendWithRetry sends one message with retry and rate limit handling.
// Strategy: try the parse mode first, fall back to plain text on a parse
// error, retry with backoff otherwise.
func (t *Telegram) sendWithRetry(ctx context.Context, api telegramAPI, build func(plain bool) tgbotapi.Chattable) (tgbotapi.Message, error) {
	const maxRetries = telegramMaxSendRetries
	plain := t.parseMode == ""

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg, err := api.Send(build(plain))
		if err == nil {
			return msg, nil
		}
		lastErr = err

		// Handle Telegram rate limiting (HTTP 429).
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			retryAfter := time.Duration(tgErr.RetryAfter) * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			if err := t.sleep(ctx, retryAfter); err != nil {
				return tgbotapi.Message{}, err
			}
			continue
		}

		// Parse error: immediately retry as plain text.
		if !plain && strings.Contains(err.Error(), "can't parse entities") {
			t.logger.Warn("telegram parse error, retrying as plain text", "err", err, "parse_mode", t.parseMode)
			plain = true
			attempt--
			continue
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if err := t.sleep(ctx, backoff); err != nil {
				return tgbotapi.Message{}, err
			}
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", maxRetries+1)
	return tgbotapi.Message{}, lastErr
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return
	}

	if m.Chat.ID != t.chatID {
		t.logger.Warn("message from foreign telegram chat ignored", "chat_id", m.Chat.ID)
		return
	}
	if m.From != nil && !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", m.From.ID,
			"username", m.From.UserName,
		)
		return
	}

	if m.IsCommand() {
		t.handleCommand(ctx, m)
		return
	}

	reply, err := t.toReply(ctx, m)
	if err != nil {
		t.logger.Warn("telegram attachment download failed", "message_id", m.MessageID, "err", err)
		t.Reply(ctx, domain.NotificationIDFromInt(int64(m.MessageID)), "⚠️ Could not download the attachment: "+err.Error())
		return
	}
	t.logger.Info("telegram reply received",
		"message_id", m.MessageID,
		"replied_to", reply.RepliedToID,
		"kind", reply.Payload.Kind,
	)
	t.deliver(ctx, reply)
}

func (t *Telegram) deliver(ctx context.Context, r domain.ChannelReply) {
	select {
	case t.replies <- r:
	case <-ctx.Done():
	}
}

// toReply converts a Telegram message, downloading any attachment.
func (t *Telegram) toReply(ctx context.Context, m *tgbotapi.Message) (domain.ChannelReply, error) {
	r := domain.ChannelReply{
		MessageID:  domain.NotificationIDFromInt(int64(m.MessageID)),
		Payload:    domain.TextPayload(strings.TrimSpace(m.Text)),
		ReceivedAt: time.Unix(int64(m.Date), 0),
	}
	if m.ReplyToMessage != nil {
		r.RepliedToID = domain.NotificationIDFromInt(int64(m.ReplyToMessage.MessageID))
	}

	fileID, name := attachment(m)
	if fileID == "" {
		return r, nil
	}
	if t.mediaDir == "" {
		return r, errors.New("no media directory configured")
	}
	api, err := t.client(ctx)
	if err != nil {
		return r, err
	}
	url, err := api.GetFileDirectURL(fileID)
	if err != nil {
		return r, fmt.Errorf("file url: %w", err)
	}
	path, err := downloadFile(ctx, t.http, url, t.mediaDir, name)
	if err != nil {
		return r, err
	}
	r.Payload = domain.Payload{Kind: domain.PayloadMedia, Media: path, Text: strings.TrimSpace(m.Caption)}
	return r, nil
}

// attachment returns the file id and a file name for the message's media.
func attachment(m *tgbotapi.Message) (fileID, name string) {
	switch {
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		return largest.FileID, largest.FileUniqueID + ".jpg"
	case m.Document != nil:
		return m.Document.FileID, m.Document.FileName
	case m.Video != nil:
		return m.Video.FileID, orDefault(m.Video.FileName, m.Video.FileUniqueID+".mp4")
	case m.Audio != nil:
		return m.Audio.FileID, orDefault(m.Audio.FileName, m.Audio.FileUniqueID+".mp3")
	case m.Voice != nil:
		return m.Voice.FileID, m.Voice.FileUniqueID + ".ogg"
	}
	return "", ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (t *Telegram) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	msgID := domain.NotificationIDFromInt(int64(m.MessageID))
	switch m.Command() {
	case "start", "help":
		t.Reply(ctx, msgID, helpText)
	case "status":
		text := "Status unavailable."
		if t.status != nil {
			text = t.status()
		}
		t.Reply(ctx, msgID, text)
	case "send":
		target, text, err := parseSendArgs(m.CommandArguments())
		if err != nil {
			t.Reply(ctx, msgID, err.Error())
			return
		}
		t.deliver(ctx, domain.ChannelReply{
			MessageID:  msgID,
			Payload:    domain.TextPayload(text),
			Direct:     &target,
			ReceivedAt: time.Unix(int64(m.Date), 0),
		})
	default:
		t.Reply(ctx, msgID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = anyone in the operator chat
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
