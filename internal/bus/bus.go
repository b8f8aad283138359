package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultQueueSize = 64
	enqueueTimeout   = 10 * time.Second
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbound queues closed")

// OutboundQueues holds one FIFO of OutboundCommands per account. Each queue
// has exactly one consumer (the account's loop), which is what keeps
// dispatches for an account strictly ordered and one at a time.
type OutboundQueues struct {
	queues  map[string]chan domain.OutboundCommand
	wake    map[string]chan struct{}
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewOutboundQueues creates a queue for each account.
func NewOutboundQueues(accounts []string, size int, logger *slog.Logger) *OutboundQueues {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &OutboundQueues{
		queues:  make(map[string]chan domain.OutboundCommand, len(accounts)),
		wake:    make(map[string]chan struct{}, len(accounts)),
		timeout: enqueueTimeout,
		logger:  logger,
	}
	for _, a := range accounts {
		q.queues[a] = make(chan domain.OutboundCommand, size)
		q.wake[a] = make(chan struct{}, 1)
	}
	return q
}

// Enqueue appends cmd to its account's queue. It waits up to 10 seconds if
// the queue is full instead of dropping.
func (q *OutboundQueues) Enqueue(cmd domain.OutboundCommand) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	ch, ok := q.queues[cmd.AccountID]
	if !ok {
		return fmt.Errorf("enqueue for %q: %w", cmd.AccountID, domain.ErrUnknownAccount)
	}

	select {
	case ch <- cmd:
	default:
		q.logger.Warn("outbound queue full, waiting...", "account", cmd.AccountID, "target", cmd.ChatTarget)
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		select {
		case ch <- cmd:
		case <-timer.C:
			return fmt.Errorf("enqueue for %q: %w", cmd.AccountID, domain.ErrQueueFull)
		}
	}

	select {
	case q.wake[cmd.AccountID] <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue returns the next command for account without blocking.
func (q *OutboundQueues) TryDequeue(account string) (domain.OutboundCommand, bool) {
	q.mu.RLock()
	ch, ok := q.queues[account]
	q.mu.RUnlock()
	if !ok {
		return domain.OutboundCommand{}, false
	}
	select {
	case cmd, ok := <-ch:
		return cmd, ok
	default:
		return domain.OutboundCommand{}, false
	}
}

// Wake returns a channel that receives after a command is enqueued for
// account. It lets a sleeping account loop wake up early.
func (q *OutboundQueues) Wake(account string) <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.wake[account]
}

// Depth returns the number of queued commands for account.
func (q *OutboundQueues) Depth(account string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues[account])
}

// Has reports whether account has a queue.
func (q *OutboundQueues) Has(account string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.queues[account]
	return ok
}

// Close refuses further enqueues. Queued commands can still be drained.
func (q *OutboundQueues) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		for _, ch := range q.queues {
			close(ch)
		}
	}
}
