package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/progress"
)

const (
	guidanceNotAReply = "Please reply to a forwarded message to send a response."
	guidanceEmpty     = "Nothing to send: the reply has no text or attachment."
	guidanceMiss      = "I don't know where message %s came from. It was probably forwarded before a restart, or it was never a forwarded message. Reply to a more recent forwarded message instead."
)

func (p *Pipeline) runReplies(ctx context.Context) {
	replies := p.channel.Replies()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-replies:
			if !ok {
				p.logger.Warn("reply stream closed")
				return
			}
			p.handleSafely(ctx, r)
		}
	}
}

func (p *Pipeline) handleSafely(ctx context.Context, r domain.ChannelReply) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("reply handler panic", "message_id", r.MessageID, "panic", rec)
			p.pause(ctx)
		}
	}()
	if err := p.HandleReply(ctx, r); err != nil && !domain.IsCorrelationMiss(err) {
		p.logger.Warn("reply not relayed", "message_id", r.MessageID, "err", err)
	}
}

// HandleReply resolves an operator reply to its origin and enqueues an
// OutboundCommand on the owning account's queue. A reply to an unknown
// notification returns *domain.CorrelationMissError after telling the
// operator; nothing is mutated in that case.
func (p *Pipeline) HandleReply(ctx context.Context, r domain.ChannelReply) error {
	if r.Payload.Text == "" && !r.Payload.IsMedia() {
		p.guide(ctx, r.MessageID, guidanceEmpty)
		return nil
	}

	var origin domain.OriginDescriptor
	switch {
	case r.Direct != nil:
		origin = domain.OriginDescriptor{AccountID: r.Direct.AccountID, Conversant: r.Direct.ChatTarget}
		if !p.queues.Has(origin.AccountID) {
			p.guide(ctx, r.MessageID, fmt.Sprintf("Unknown account %q. Configured accounts: %s",
				origin.AccountID, strings.Join(p.order, ", ")))
			return fmt.Errorf("direct send: %w", domain.ErrUnknownAccount)
		}
	case r.RepliedToID == "":
		p.guide(ctx, r.MessageID, guidanceNotAReply)
		return nil
	default:
		var err error
		origin, err = p.store.Lookup(r.RepliedToID)
		if err != nil {
			p.guide(ctx, r.MessageID, fmt.Sprintf(guidanceMiss, r.RepliedToID))
			p.emit(bus.Event{Type: bus.EventReplyMissed, NotificationID: r.RepliedToID.String()})
			return err
		}
	}

	cmd := domain.OutboundCommand{
		AccountID:      origin.AccountID,
		ChatTarget:     origin.Conversant,
		Payload:        r.Payload,
		NotificationID: r.MessageID,
		CreatedAt:      p.now(),
	}

	summary := fmt.Sprintf("to %s via %s", origin.Conversant, origin.AccountID)
	p.tracker.Begin(ctx, cmd.NotificationID, summary)
	p.advance(ctx, cmd.NotificationID, progress.Queued)

	if err := p.queues.Enqueue(cmd); err != nil {
		if ferr := p.tracker.Fail(ctx, cmd.NotificationID, err.Error()); ferr != nil {
			p.logger.Debug("progress transition refused", "notification_id", cmd.NotificationID, "err", ferr)
		}
		if errors.Is(err, domain.ErrQueueFull) {
			p.guide(ctx, r.MessageID, fmt.Sprintf("Account %s is busy, try again shortly.", origin.AccountID))
		}
		return err
	}

	p.logger.Info("reply queued", "account", origin.AccountID, "target", origin.Conversant,
		"replied_to", r.RepliedToID, "depth", p.queues.Depth(origin.AccountID))
	p.emit(bus.Event{Type: bus.EventReplyQueued, AccountID: origin.AccountID, Conversant: origin.Conversant,
		NotificationID: r.RepliedToID.String(), Detail: r.Payload.Text})
	return nil
}

func (p *Pipeline) guide(ctx context.Context, to domain.NotificationID, text string) {
	var err error
	if to != "" {
		_, err = p.channel.Reply(ctx, to, text)
	} else {
		_, err = p.channel.Post(ctx, domain.TextPayload(text))
	}
	if err != nil {
		p.logger.Warn("guidance not delivered", "err", &domain.ChannelError{Op: "reply", Err: err})
	}
}
