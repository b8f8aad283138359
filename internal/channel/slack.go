package channel

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackMaxMsgLen = 4000
	// slackThreadMemory bounds how many operator thread replies are
	// remembered for routing notices back into their thread.
	slackThreadMemory = 1024
)

// slackAPI is the subset of *slack.Client used for sending.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// Slack is the operator channel on one Slack channel, connected through
// Socket Mode. A forwarded message is answered by replying in its thread;
// commands arrive as the /relaybot slash command.
type Slack struct {
	botToken  string
	appToken  string
	channelID string
	status    StatusFunc

	api    slackAPI
	botUID string // the bot's own user ID, to avoid relaying itself
	ready  chan struct{}
	once   sync.Once
	logger *slog.Logger

	replies chan domain.ChannelReply

	// thread_ts must name the thread parent, so replies to an operator's
	// threaded message are routed to its root.
	threadMu    sync.Mutex
	threads     map[domain.NotificationID]domain.NotificationID
	threadOrder []domain.NotificationID
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken  string
	AppToken  string
	ChannelID string
	Status    StatusFunc
	Logger    *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken:  cfg.BotToken,
		appToken:  cfg.AppToken,
		channelID: cfg.ChannelID,
		status:    cfg.Status,
		ready:     make(chan struct{}),
		logger:    cfg.Logger,
		replies:   make(chan domain.ChannelReply, repliesBuffer),
		threads:   make(map[domain.NotificationID]domain.NotificationID),
	}
}

func (s *Slack) Name() string { return "slack" }

// Replies streams operator replies. It is never closed.
func (s *Slack) Replies() <-chan domain.ChannelReply { return s.replies }

// Start connects to Slack via Socket Mode and blocks until ctx is cancelled.
func (s *Slack) Start(ctx context.Context) error {
	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID, "channel_id", s.channelID)
	s.setAPI(api, auth.UserID)

	socketClient := socketmode.New(api)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-socketClient.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(ctx, socketClient, evt)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) handleSocketEvent(ctx context.Context, client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		client.Ack(*evt.Request)
		event, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || event.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.handleMessage(ctx, ev)
		}

	case socketmode.EventTypeSlashCommand:
		client.Ack(*evt.Request)
		if cmd, ok := evt.Data.(slack.SlashCommand); ok && cmd.ChannelID == s.channelID {
			s.handleCommand(ctx, cmd.Text)
		}

	default:
		// Unacknowledged requests make Slack retry and eventually disconnect.
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
	}
}

func (s *Slack) setAPI(api slackAPI, selfID string) {
	s.once.Do(func() {
		s.api = api
		s.botUID = selfID
		close(s.ready)
	})
}

func (s *Slack) client(ctx context.Context) (slackAPI, error) {
	select {
	case <-s.ready:
		return s.api, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post sends text to the channel. Media is announced by file name only;
// attachments are not uploaded to Slack.
func (s *Slack) Post(ctx context.Context, p domain.Payload) (domain.NotificationID, error) {
	text := p.Text
	if p.IsMedia() {
		text = strings.TrimSpace(text + "\n📎 " + filepath.Base(p.Media))
	}
	return s.send(ctx, text, "")
}

// Reply posts text in the thread of message to. When to is itself a reply
// inside a thread, the text goes to that thread.
func (s *Slack) Reply(ctx context.Context, to domain.NotificationID, text string) (domain.NotificationID, error) {
	return s.send(ctx, text, s.threadRoot(to))
}

func (s *Slack) rememberThread(msg, root domain.NotificationID) {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()
	if _, ok := s.threads[msg]; ok {
		return
	}
	s.threads[msg] = root
	s.threadOrder = append(s.threadOrder, msg)
	if len(s.threadOrder) > slackThreadMemory {
		delete(s.threads, s.threadOrder[0])
		s.threadOrder = s.threadOrder[1:]
	}
}

func (s *Slack) threadRoot(id domain.NotificationID) domain.NotificationID {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()
	if root, ok := s.threads[id]; ok {
		return root
	}
	return id
}

// Edit replaces the text of a message previously posted by the bot.
func (s *Slack) Edit(ctx context.Context, id domain.NotificationID, text string) error {
	api, err := s.client(ctx)
	if err != nil {
		return err
	}
	if _, _, _, err := api.UpdateMessageContext(ctx, s.channelID, idToTS(id),
		slack.MsgOptionText(truncate(text, slackMaxMsgLen), false)); err != nil {
		return &domain.ChannelError{Op: "edit", Err: err}
	}
	return nil
}

func (s *Slack) send(ctx context.Context, text string, thread domain.NotificationID) (domain.NotificationID, error) {
	api, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	op := "post"
	if thread != "" {
		op = "reply"
	}

	var first domain.NotificationID
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(idToTS(thread)))
		}
		_, ts, err := api.PostMessageContext(ctx, s.channelID, opts...)
		if err != nil {
			s.logger.Error("slack send failed", "channel", s.channelID, "err", err)
			return first, &domain.ChannelError{Op: op, Err: err}
		}
		if first == "" {
			first = tsToID(ts)
		}
	}
	return first, nil
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return
	}
	if ev.Channel != s.channelID {
		return
	}
	msgID := tsToID(ev.TimeStamp)
	if ev.SubType == "file_share" {
		s.Reply(ctx, threadOf(ev), "⚠️ Attachments are not relayed from Slack. Send text instead.")
		return
	}
	if ev.SubType != "" {
		return
	}

	r := domain.ChannelReply{
		MessageID:  msgID,
		Payload:    domain.TextPayload(slackUnescaper.Replace(strings.TrimSpace(ev.Text))),
		ReceivedAt: time.Now(),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		r.RepliedToID = tsToID(ev.ThreadTimeStamp)
		s.rememberThread(msgID, r.RepliedToID)
	}

	s.logger.Info("slack reply received",
		"user", ev.User,
		"ts", ev.TimeStamp,
		"replied_to", r.RepliedToID,
	)
	select {
	case s.replies <- r:
	case <-ctx.Done():
	}
}

// handleCommand runs "/relaybot <command> [args]". Answers are posted to
// the channel since slash commands have no message to reply to.
func (s *Slack) handleCommand(ctx context.Context, text string) {
	name, args := nextField(strings.TrimSpace(text))
	switch name {
	case "", "help", "start":
		s.send(ctx, "On Slack, prefix commands with /relaybot, e.g. /relaybot status.\n\n"+helpText, "")
	case "status":
		out := "Status unavailable."
		if s.status != nil {
			out = s.status()
		}
		s.send(ctx, out, "")
	case "send":
		target, body, err := parseSendArgs(args)
		if err != nil {
			s.send(ctx, err.Error(), "")
			return
		}
		id, err := s.send(ctx, fmt.Sprintf("➡️ /send %s %q", target.AccountID, target.ChatTarget), "")
		if err != nil {
			return
		}
		select {
		case s.replies <- domain.ChannelReply{MessageID: id, Payload: domain.TextPayload(body), Direct: &target, ReceivedAt: time.Now()}:
		case <-ctx.Done():
		}
	default:
		s.send(ctx, "Unknown command. Type /relaybot help for available commands.", "")
	}
}

func threadOf(ev *slackevents.MessageEvent) domain.NotificationID {
	if ev.ThreadTimeStamp != "" {
		return tsToID(ev.ThreadTimeStamp)
	}
	return tsToID(ev.TimeStamp)
}

// tsToID turns a Slack timestamp ("1700000000.123456") into a notification
// id by dropping the dot, so the id survives NormalizeID unchanged.
func tsToID(ts string) domain.NotificationID {
	return domain.NormalizeID(strings.Replace(ts, ".", "", 1))
}

// idToTS reverses tsToID. Slack timestamps always carry six fractional
// digits.
func idToTS(id domain.NotificationID) string {
	s := id.String()
	if len(s) <= 6 {
		return s
	}
	return s[:len(s)-6] + "." + s[len(s)-6:]
}
