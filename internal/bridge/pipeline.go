// Package bridge runs the relay: one loop per source account that drains its
// outbound queue and polls its inbox, plus one consumer of operator replies.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/progress"
	"relaybot/internal/schedule"
)

const (
	defaultScanRetry  = 5 * time.Second
	defaultErrorPause = 5 * time.Second
)

// CorrelationStore is the part of the correlation store the pipeline uses.
type CorrelationStore interface {
	Put(id domain.NotificationID, origin domain.OriginDescriptor) error
	Lookup(id domain.NotificationID) (domain.OriginDescriptor, error)
	Len() int
}

// Config holds the pipeline's collaborators and timing.
type Config struct {
	Adapters  []domain.SourceAdapter
	Channel   domain.NotificationChannel
	Store     CorrelationStore
	Scheduler *schedule.Scheduler
	Tracker   *progress.Tracker
	Queues    *bus.OutboundQueues
	Events    *bus.EventBus // optional
	Logger    *slog.Logger

	ScanRetry  time.Duration // pause after a failed poll
	ErrorPause time.Duration // pause after a recovered panic
}

// Pipeline routes inbound events to the channel and operator replies back
// to the owning account's queue.
type Pipeline struct {
	adapters  map[string]domain.SourceAdapter
	order     []string
	channel   domain.NotificationChannel
	store     CorrelationStore
	scheduler *schedule.Scheduler
	tracker   *progress.Tracker
	queues    *bus.OutboundQueues
	events    *bus.EventBus
	logger    *slog.Logger

	scanRetry  time.Duration
	errorPause time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // a dispatch is running; status only
	lastPoll map[string]time.Time
	now      func() time.Time
}

// New creates a Pipeline. It returns an error if two adapters share an
// account id or a required collaborator is missing.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Channel == nil || cfg.Store == nil || cfg.Queues == nil {
		return nil, errors.New("bridge: channel, store and queues are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = schedule.New(schedule.Config{})
	}
	if cfg.Tracker == nil {
		cfg.Tracker = progress.NewTracker(cfg.Channel, cfg.Logger)
	}
	if cfg.ScanRetry <= 0 {
		cfg.ScanRetry = defaultScanRetry
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = defaultErrorPause
	}

	p := &Pipeline{
		adapters:   make(map[string]domain.SourceAdapter, len(cfg.Adapters)),
		channel:    cfg.Channel,
		store:      cfg.Store,
		scheduler:  cfg.Scheduler,
		tracker:    cfg.Tracker,
		queues:     cfg.Queues,
		events:     cfg.Events,
		logger:     cfg.Logger,
		scanRetry:  cfg.ScanRetry,
		errorPause: cfg.ErrorPause,
		inFlight:   make(map[string]bool),
		lastPoll:   make(map[string]time.Time),
		now:        time.Now,
	}
	for _, a := range cfg.Adapters {
		id := a.AccountID()
		if _, dup := p.adapters[id]; dup {
			return nil, fmt.Errorf("bridge: duplicate account %q", id)
		}
		if !cfg.Queues.Has(id) {
			return nil, fmt.Errorf("bridge: account %q: %w", id, domain.ErrUnknownAccount)
		}
		p.adapters[id] = a
		p.order = append(p.order, id)
	}
	return p, nil
}

// Run starts every account loop and the reply consumer and blocks until ctx
// is cancelled and all of them have returned.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.order {
		a := p.adapters[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runAccount(ctx, a)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReplies(ctx)
	}()

	p.logger.Info("bridge started", "accounts", len(p.order), "channel", p.channel.Name())
	wg.Wait()
	p.logger.Info("bridge stopped")
}

// Accounts returns the account ids in configuration order.
func (p *Pipeline) Accounts() []string {
	return append([]string(nil), p.order...)
}

func (p *Pipeline) emit(e bus.Event) {
	p.events.Emit(e)
}
