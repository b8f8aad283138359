// Package supervisor owns process lifetime: it starts the channel and the
// bridge, snapshots the correlation store on a timer, and on shutdown
// performs one final synchronous snapshot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"relaybot/internal/bus"
)

const (
	defaultPersistInterval = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Snapshotter is the persistence side of the correlation store.
type Snapshotter interface {
	Snapshot() error
	Dirty() bool
}

// Runner is a component that runs until its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Starter is a component whose Start blocks until its context is cancelled
// and may fail early.
type Starter interface {
	Start(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	Store    Snapshotter
	Pipeline Runner
	Channel  Starter
	Queues   *bus.OutboundQueues // closed on shutdown; optional
	Events   *bus.EventBus       // optional
	Logger   *slog.Logger

	PersistInterval time.Duration
	ShutdownTimeout time.Duration // how long to wait for loops before the final flush
}

// Supervisor composes the long-running tasks.
type Supervisor struct {
	store           Snapshotter
	pipeline        Runner
	channel         Starter
	queues          *bus.OutboundQueues
	events          *bus.EventBus
	logger          *slog.Logger
	persistInterval time.Duration
	shutdownTimeout time.Duration

	shuttingDown atomic.Bool
	snapshots    atomic.Int64
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaultPersistInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Supervisor{
		store:           cfg.Store,
		pipeline:        cfg.Pipeline,
		channel:         cfg.Channel,
		queues:          cfg.Queues,
		events:          cfg.Events,
		logger:          cfg.Logger,
		persistInterval: cfg.PersistInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// ShuttingDown reports whether shutdown has begun.
func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown.Load() }

// Snapshots returns the number of successful snapshots written by the supervisor.
func (s *Supervisor) Snapshots() int64 { return s.snapshots.Load() }

// Run blocks until ctx is cancelled or the channel fails to start, then shuts
// down. The final snapshot always runs; its error is returned joined with
// any channel error.
func (s *Supervisor) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chErr := make(chan error, 1)
	if s.channel != nil {
		go func() { chErr <- s.channel.Start(workCtx) }()
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if s.pipeline != nil {
			s.pipeline.Run(workCtx)
		}
	}()

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		s.persistLoop(workCtx)
	}()

	var startErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-chErr:
		if err != nil {
			startErr = fmt.Errorf("channel: %w", err)
			s.logger.Error("channel stopped, shutting down", "err", err)
		}
	}

	s.shuttingDown.Store(true)
	cancel()
	<-persistDone
	if s.queues != nil {
		s.queues.Close()
	}

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-pipeDone:
	case <-timer.C:
		s.logger.Warn("bridge did not stop in time, in-flight sends may be lost", "timeout", s.shutdownTimeout)
	}

	flushErr := s.Flush()
	if flushErr != nil {
		s.logger.Error("final snapshot failed", "err", flushErr)
	} else {
		s.logger.Info("final snapshot written")
	}
	return errors.Join(startErr, flushErr)
}

func (s *Supervisor) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(s.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.store.Dirty() {
				continue
			}
			if err := s.Flush(); err != nil {
				s.logger.Error("periodic snapshot failed", "err", err)
			}
		}
	}
}

// Flush writes a snapshot now and reports the outcome on the event bus.
func (s *Supervisor) Flush() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Snapshot(); err != nil {
		s.events.Emit(bus.Event{Type: bus.EventSnapshotFailed, Detail: err.Error()})
		return err
	}
	s.snapshots.Add(1)
	s.events.Emit(bus.Event{Type: bus.EventSnapshotWritten})
	return nil
}
