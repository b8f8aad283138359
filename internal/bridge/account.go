package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/progress"
)

func (p *Pipeline) runAccount(ctx context.Context, a domain.SourceAdapter) {
	id := a.AccountID()
	p.logger.Info("account loop started", "account", id)
	defer p.logger.Info("account loop stopped", "account", id)

	for ctx.Err() == nil {
		delay := p.step(ctx, a)
		p.wait(ctx, a, delay)
	}
}

// step runs one iteration: drain outbound, poll, forward. It returns how long
// to sleep before the next iteration. Panics are contained here.
func (p *Pipeline) step(ctx context.Context, a domain.SourceAdapter) (delay time.Duration) {
	id := a.AccountID()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("account loop panic", "account", id, "panic", r)
			delay = p.errorPause
		}
	}()

	p.drain(ctx, a)
	if ctx.Err() != nil {
		return 0
	}

	events, err := a.PollInbox(ctx)
	p.mu.Lock()
	p.lastPoll[id] = p.now()
	p.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		var scanErr *domain.ScanError
		if !errors.As(err, &scanErr) {
			err = &domain.ScanError{AccountID: id, Err: err}
		}
		p.logger.Warn("inbox scan failed", "account", id, "err", err, "retry_in", p.scanRetry)
		p.emit(bus.Event{Type: bus.EventScanFailed, AccountID: id, Detail: err.Error()})
		return p.scanRetry
	}

	for _, ev := range events {
		if ev.AccountID == "" {
			ev.AccountID = id
		}
		p.forward(ctx, ev)
	}
	return p.scheduler.NextDelay(id, len(events) > 0)
}

// wait sleeps for d. A command enqueued meanwhile is dispatched right away
// without cutting the sleep short, so the poll cadence is unchanged.
func (p *Pipeline) wait(ctx context.Context, a domain.SourceAdapter, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	wake := p.queues.Wake(a.AccountID())
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-wake:
			p.drainSafely(ctx, a)
		}
	}
}

func (p *Pipeline) drainSafely(ctx context.Context, a domain.SourceAdapter) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("outbound drain panic", "account", a.AccountID(), "panic", r)
			p.pause(ctx)
		}
	}()
	p.drain(ctx, a)
}

// pause sleeps for the error pause or until ctx is done.
func (p *Pipeline) pause(ctx context.Context) {
	if p.errorPause <= 0 {
		return
	}
	timer := time.NewTimer(p.errorPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// drain dispatches every queued command for a, in order.
func (p *Pipeline) drain(ctx context.Context, a domain.SourceAdapter) {
	for ctx.Err() == nil {
		cmd, ok := p.queues.TryDequeue(a.AccountID())
		if !ok {
			return
		}
		p.dispatch(ctx, a, cmd)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, a domain.SourceAdapter, cmd domain.OutboundCommand) {
	account := a.AccountID()
	p.mu.Lock()
	p.inFlight[account] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight[account] = false
		p.mu.Unlock()
	}()

	id := cmd.NotificationID
	p.advance(ctx, id, progress.Processing)
	p.advance(ctx, id, progress.Searching)
	p.advance(ctx, id, progress.Sending)

	start := p.now()
	ack, err := p.callDispatch(ctx, a, cmd)
	latency := p.now().Sub(start)

	if err != nil {
		var sendErr *domain.SendError
		if !errors.As(err, &sendErr) {
			err = &domain.SendError{AccountID: account, ChatTarget: cmd.ChatTarget, Err: err}
		}
		p.logger.Warn("dispatch failed", "account", account, "target", cmd.ChatTarget,
			"notification_id", id, "err", err)
		if ferr := p.tracker.Fail(ctx, id, err.Error()); ferr != nil {
			p.logger.Debug("progress transition refused", "notification_id", id, "err", ferr)
		}
		p.notify(ctx, id, fmt.Sprintf("❌ Could not send to %s via %s: %v", cmd.ChatTarget, account, err))
		p.emit(bus.Event{Type: bus.EventDispatchFailed, AccountID: account, Conversant: cmd.ChatTarget,
			NotificationID: id.String(), Detail: err.Error(), Latency: latency})
		return
	}

	p.advance(ctx, id, progress.Sent)
	p.advance(ctx, id, progress.Completed)
	p.logger.Info("dispatch completed", "account", account, "target", ack.ChatTarget,
		"notification_id", id, "latency", latency)
	p.notify(ctx, id, fmt.Sprintf("✅ Sent to %s via %s", cmd.ChatTarget, account))
	p.emit(bus.Event{Type: bus.EventDispatchSent, AccountID: account, Conversant: cmd.ChatTarget,
		NotificationID: id.String(), Detail: cmd.Payload.Text, Latency: latency})
}

func (p *Pipeline) advance(ctx context.Context, id domain.NotificationID, s progress.State) {
	if err := p.tracker.Advance(ctx, id, s, ""); err != nil {
		p.logger.Debug("progress transition refused", "notification_id", id, "err", err)
	}
}

// callDispatch runs the adapter's Dispatch, turning a panic into a
// *domain.SendError so the command still reaches a terminal state.
func (p *Pipeline) callDispatch(ctx context.Context, a domain.SourceAdapter, cmd domain.OutboundCommand) (ack domain.Ack, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch panic", "account", a.AccountID(), "target", cmd.ChatTarget,
				"notification_id", cmd.NotificationID, "panic", r)
			err = &domain.SendError{AccountID: a.AccountID(), ChatTarget: cmd.ChatTarget,
				Err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()
	return a.Dispatch(ctx, cmd)
}

// notify posts a notice threaded under the operator's message when there is one.
func (p *Pipeline) notify(ctx context.Context, to domain.NotificationID, text string) {
	var err error
	if to != "" {
		_, err = p.channel.Reply(ctx, to, text)
	} else {
		_, err = p.channel.Post(ctx, domain.TextPayload(text))
	}
	if err != nil {
		p.logger.Warn("notice not delivered", "notification_id", to,
			"err", &domain.ChannelError{Op: "reply", Err: err})
	}
}

// forward posts one inbound event and records where its notification came from.
func (p *Pipeline) forward(ctx context.Context, ev domain.InboundEvent) {
	id, err := p.channel.Post(ctx, FormatInbound(ev))
	if err != nil {
		err = &domain.ChannelError{Op: "post", Err: err}
		p.logger.Error("inbound event not forwarded", "account", ev.AccountID, "from", ev.Conversant, "err", err)
		p.emit(bus.Event{Type: bus.EventForwardFailed, AccountID: ev.AccountID, Conversant: ev.Conversant,
			Detail: err.Error()})
		return
	}

	origin := domain.OriginDescriptor{AccountID: ev.AccountID, Conversant: ev.Conversant}
	if err := p.store.Put(id, origin); err != nil {
		p.logger.Error("correlation not recorded", "account", ev.AccountID, "notification_id", id, "err", err)
	}
	p.logger.Debug("inbound event forwarded", "account", ev.AccountID, "from", ev.Conversant, "notification_id", id)
	p.emit(bus.Event{Type: bus.EventInboundForwarded, AccountID: ev.AccountID, Conversant: ev.Conversant,
		NotificationID: id.String(), Detail: ev.Payload.Text})
}

// FormatInbound renders an inbound event as the channel payload.
func FormatInbound(ev domain.InboundEvent) domain.Payload {
	header := fmt.Sprintf("[%s] From %s", ev.AccountID, ev.Conversant)
	if ev.Payload.IsMedia() {
		text := header
		if ev.Payload.Text != "" {
			text += ": " + ev.Payload.Text
		}
		return domain.Payload{Kind: domain.PayloadMedia, Text: text, Media: ev.Payload.Media}
	}
	body := ev.Payload.Text
	if body == "" {
		body = "<media>"
	}
	return domain.TextPayload(header + ": " + body)
}
