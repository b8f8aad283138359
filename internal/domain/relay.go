package domain

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// PayloadKind distinguishes plain text from an attached file.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadMedia PayloadKind = "media"
)

// Payload is the content carried across either leg. For media payloads
// Media is a local file path and Text is an optional caption.
type Payload struct {
	Kind  PayloadKind
	Text  string
	Media string
}

// TextPayload is a shorthand for a text-only payload.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

// IsMedia reports whether the payload references a file.
func (p Payload) IsMedia() bool {
	return p.Kind == PayloadMedia && p.Media != ""
}

// NotificationID identifies a message posted on the notification channel.
// Telegram assigns integers and Discord assigns snowflake strings, so the
// canonical form is a string; numeric ids are normalized by NormalizeID.
type NotificationID string

// NotificationIDFromInt converts an integer message id.
func NotificationIDFromInt(id int64) NotificationID {
	return NotificationID(strconv.FormatInt(id, 10))
}

// Int64 returns the numeric value of a numeric id.
func (id NotificationID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (id NotificationID) String() string { return string(id) }

// NormalizeID canonicalizes an id read from an untrusted source. Surrounding
// whitespace is dropped and numeric spellings ("0501", "501.0", "+501")
// collapse to their decimal integer form so that ids written by older files
// or other channels resolve to the same key.
func NormalizeID(raw string) NotificationID {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NotificationIDFromInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return NotificationIDFromInt(int64(f))
	}
	return NotificationID(s)
}

// OriginDescriptor is what a notification id resolves to.
type OriginDescriptor struct {
	AccountID  string `json:"accountId"`
	Conversant string `json:"conversant"`
}

// InboundEvent is a message found by a source adapter poll.
type InboundEvent struct {
	AccountID  string
	Conversant string
	Payload    Payload
	ReceivedAt time.Time
}

// OutboundCommand is a message to be sent by a source adapter. NotificationID
// is the channel message that requested it (the operator's reply), if any.
type OutboundCommand struct {
	AccountID      string
	ChatTarget     string
	Payload        Payload
	NotificationID NotificationID
	CreatedAt      time.Time
}

// DirectTarget marks a reply as a fresh instruction addressed explicitly,
// bypassing correlation lookup.
type DirectTarget struct {
	AccountID  string
	ChatTarget string
}

// ChannelReply is an operator message received on the notification channel.
type ChannelReply struct {
	MessageID   NotificationID
	RepliedToID NotificationID
	Payload     Payload
	Direct      *DirectTarget
	ReceivedAt  time.Time
}

// Ack is returned by a successful dispatch.
type Ack struct {
	AccountID  string
	ChatTarget string
	SentAt     time.Time
}

// SourceAdapter is one polled account on the source leg.
type SourceAdapter interface {
	AccountID() string
	// PollInbox returns new events in display order. Failures are *ScanError.
	PollInbox(ctx context.Context) ([]InboundEvent, error)
	// Dispatch sends one command. Failures are *SendError.
	Dispatch(ctx context.Context, cmd OutboundCommand) (Ack, error)
}

// NotificationChannel is the operator-facing control conversation.
type NotificationChannel interface {
	Name() string
	// Start connects and streams operator replies until ctx is cancelled.
	Start(ctx context.Context) error
	Replies() <-chan ChannelReply
	Post(ctx context.Context, p Payload) (NotificationID, error)
	Edit(ctx context.Context, id NotificationID, text string) error
	// Reply posts text threaded under an existing channel message.
	Reply(ctx context.Context, to NotificationID, text string) (NotificationID, error)
}
