package bridge

import (
	"fmt"
	"strings"
	"time"
)

// AccountStatus is a point-in-time view of one account loop.
type AccountStatus struct {
	ID          string
	QueueDepth  int
	IdlePolls   int
	NextDelay   time.Duration
	LastPoll    time.Time
	Dispatching bool
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Accounts     []AccountStatus
	Correlations int
	InProgress   int
}

// Status collects the current state of every account.
func (p *Pipeline) Status() Status {
	st := Status{Correlations: p.store.Len(), InProgress: p.tracker.Len()}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		ds := p.scheduler.State(id)
		st.Accounts = append(st.Accounts, AccountStatus{
			ID:          id,
			QueueDepth:  p.queues.Depth(id),
			IdlePolls:   ds.ConsecutiveIdlePolls,
			NextDelay:   ds.CurrentDelay,
			LastPoll:    p.lastPoll[id],
			Dispatching: p.inFlight[id],
		})
	}
	return st
}

// String renders the status as channel-friendly text.
func (s Status) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Correlations: %d\nIn progress: %d\n", s.Correlations, s.InProgress)
	for _, a := range s.Accounts {
		last := "never"
		if !a.LastPoll.IsZero() {
			last = a.LastPoll.Format(time.TimeOnly)
		}
		fmt.Fprintf(&sb, "• %s: queue %d, idle polls %d, next poll in %s, last poll %s",
			a.ID, a.QueueDepth, a.IdlePolls, a.NextDelay.Round(100*time.Millisecond), last)
		if a.Dispatching {
			sb.WriteString(", sending")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
