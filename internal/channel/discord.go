package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// discordAPI is the subset of *discordgo.Session used for sending.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord is the operator channel on a single Discord text channel. Replies
// are correlated through Discord message references.
type Discord struct {
	token     string
	channelID string
	mediaDir  string
	status    StatusFunc

	api    discordAPI
	selfID string
	ready  chan struct{}
	once   sync.Once
	http   *http.Client
	logger *slog.Logger

	replies chan domain.ChannelReply
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token     string
	ChannelID string
	MediaDir  string
	Status    StatusFunc
	Logger    *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:     cfg.Token,
		channelID: cfg.ChannelID,
		mediaDir:  cfg.MediaDir,
		status:    cfg.Status,
		ready:     make(chan struct{}),
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    cfg.Logger,
		replies:   make(chan domain.ChannelReply, repliesBuffer),
	}
}

func (d *Discord) Name() string { return "discord" }

// Replies streams operator replies. It is never closed.
func (d *Discord) Replies() <-chan domain.ChannelReply { return d.replies }

// Start connects to Discord using a bot token and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(ctx, m.Message)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username, "channel_id", d.channelID)
	d.setAPI(session, session.State.User.ID)
	if d.mediaDir != "" {
		PruneMedia(d.mediaDir, telegramMediaMaxAge, d.logger)
	}

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) setAPI(api discordAPI, selfID string) {
	d.once.Do(func() {
		d.api = api
		d.selfID = selfID
		close(d.ready)
	})
}

func (d *Discord) client(ctx context.Context) (discordAPI, error) {
	select {
	case <-d.ready:
		return d.api, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post sends text or an attachment to the operator channel. Long text is
// split; the id of the first part is returned.
func (d *Discord) Post(ctx context.Context, p domain.Payload) (domain.NotificationID, error) {
	return d.send(ctx, p, "")
}

// Reply posts text referencing message to.
func (d *Discord) Reply(ctx context.Context, to domain.NotificationID, text string) (domain.NotificationID, error) {
	return d.send(ctx, domain.TextPayload(text), to)
}

// Edit replaces the content of a message previously posted by the bot.
func (d *Discord) Edit(ctx context.Context, id domain.NotificationID, text string) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	if _, err := api.ChannelMessageEdit(d.channelID, id.String(), truncate(text, discordMaxMsgLen)); err != nil {
		return &domain.ChannelError{Op: "edit", Err: err}
	}
	return nil
}

func (d *Discord) send(ctx context.Context, p domain.Payload, replyTo domain.NotificationID) (domain.NotificationID, error) {
	api, err := d.client(ctx)
	if err != nil {
		return "", err
	}
	op := "post"
	var ref *discordgo.MessageReference
	if replyTo != "" {
		op = "reply"
		ref = &discordgo.MessageReference{MessageID: replyTo.String(), ChannelID: d.channelID}
	}

	if p.IsMedia() {
		f, err := os.Open(p.Media)
		if err != nil {
			return "", &domain.ChannelError{Op: op, Err: err}
		}
		defer f.Close()
		msg, err := api.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
			Content:   truncate(p.Text, discordMaxMsgLen),
			Files:     []*discordgo.File{{Name: filepath.Base(p.Media), Reader: f}},
			Reference: ref,
		})
		if err != nil {
			return "", &domain.ChannelError{Op: op, Err: err}
		}
		return domain.NormalizeID(msg.ID), nil
	}

	var first domain.NotificationID
	for _, chunk := range splitMessage(p.Text, discordMaxMsgLen) {
		msg, err := api.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{Content: chunk, Reference: ref})
		if err != nil {
			d.logger.Error("discord send failed", "channel", d.channelID, "err", err)
			return first, &domain.ChannelError{Op: op, Err: err}
		}
		if first == "" {
			first = domain.NormalizeID(msg.ID)
		}
	}
	return first, nil
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.ID == d.selfID || m.Author.Bot {
		return
	}
	if m.ChannelID != d.channelID {
		return
	}

	msgID := domain.NormalizeID(m.ID)
	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, "/") {
		d.handleCommand(ctx, msgID, content)
		return
	}

	r := domain.ChannelReply{
		MessageID:  msgID,
		Payload:    domain.TextPayload(content),
		ReceivedAt: m.Timestamp,
	}
	if m.MessageReference != nil {
		r.RepliedToID = domain.NormalizeID(m.MessageReference.MessageID)
	}
	if len(m.Attachments) > 0 {
		path, err := d.download(ctx, m.Attachments[0])
		if err != nil {
			d.logger.Warn("discord attachment download failed", "message_id", m.ID, "err", err)
			d.Reply(ctx, msgID, "⚠️ Could not download the attachment: "+err.Error())
			return
		}
		r.Payload = domain.Payload{Kind: domain.PayloadMedia, Media: path, Text: content}
	}

	d.logger.Info("discord reply received",
		"author", m.Author.Username,
		"message_id", m.ID,
		"replied_to", r.RepliedToID,
	)
	select {
	case d.replies <- r:
	case <-ctx.Done():
	}
}

func (d *Discord) download(ctx context.Context, a *discordgo.MessageAttachment) (string, error) {
	if d.mediaDir == "" {
		return "", errors.New("no media directory configured")
	}
	return downloadFile(ctx, d.http, a.URL, d.mediaDir, a.Filename)
}

func (d *Discord) handleCommand(ctx context.Context, msgID domain.NotificationID, content string) {
	name, args := nextField(strings.TrimPrefix(content, "/"))
	switch name {
	case "start", "help":
		d.Reply(ctx, msgID, helpText)
	case "status":
		text := "Status unavailable."
		if d.status != nil {
			text = d.status()
		}
		d.Reply(ctx, msgID, text)
	case "send":
		target, text, err := parseSendArgs(args)
		if err != nil {
			d.Reply(ctx, msgID, err.Error())
			return
		}
		select {
		case d.replies <- domain.ChannelReply{MessageID: msgID, Payload: domain.TextPayload(text), Direct: &target, ReceivedAt: time.Now()}:
		case <-ctx.Done():
		}
	default:
		d.Reply(ctx, msgID, "Unknown command. Type /help for available commands.")
	}
}
