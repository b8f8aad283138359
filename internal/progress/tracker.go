// Package progress reflects the lifecycle of each outbound command as edits
// to a single status message on the notification channel.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

// State is a step of an outbound command's lifecycle.
type State string

const (
	Received   State = "received"
	Queued     State = "queued"
	Processing State = "processing"
	Searching  State = "searching"
	Sending    State = "sending"
	Sent       State = "sent"
	Completed  State = "completed"
	Error      State = "error"
)

var stateOrder = map[State]int{
	Received:   0,
	Queued:     1,
	Processing: 2,
	Searching:  3,
	Sending:    4,
	Sent:       5,
	Completed:  6,
}

var stateIcons = map[State]string{
	Received:   "📥",
	Queued:     "🕒",
	Processing: "⚙️",
	Searching:  "🔎",
	Sending:    "📤",
	Sent:       "✔️",
	Completed:  "✅",
	Error:      "❌",
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Completed || s == Error }

// Editor is the subset of the notification channel the tracker needs.
type Editor interface {
	Post(ctx context.Context, p domain.Payload) (domain.NotificationID, error)
	Edit(ctx context.Context, id domain.NotificationID, text string) error
}

// Entry is the live progress of one command.
type Entry struct {
	ID         domain.NotificationID // the message that requested the command
	State      State
	EditTarget domain.NotificationID // status message being edited; empty if posting it failed
	Summary    string
}

// Tracker owns the originalID -> status message mapping. Entries are removed
// as soon as they reach a terminal state.
type Tracker struct {
	editor Editor
	logger *slog.Logger

	mu      sync.Mutex
	entries map[domain.NotificationID]*Entry
}

// NewTracker creates a Tracker that posts and edits through editor.
func NewTracker(editor Editor, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		editor:  editor,
		logger:  logger,
		entries: make(map[domain.NotificationID]*Entry),
	}
}

// Begin creates an entry in the received state and posts its status
// message. A channel failure is logged; the entry is still tracked so later
// transitions keep their ordering, but nothing is edited.
func (t *Tracker) Begin(ctx context.Context, id domain.NotificationID, summary string) {
	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		t.logger.Warn("progress entry already exists", "notification_id", id)
		return
	}
	e := &Entry{ID: id, State: Received, Summary: summary}
	t.entries[id] = e
	t.mu.Unlock()

	target, err := t.editor.Post(ctx, domain.TextPayload(Render(Received, summary, "")))
	if err != nil {
		t.logger.Warn("progress message not posted", "notification_id", id,
			"err", &domain.ChannelError{Op: "post", Err: err})
		return
	}

	t.mu.Lock()
	if cur, ok := t.entries[id]; ok && cur == e {
		e.EditTarget = target
	}
	t.mu.Unlock()
}

// Advance moves an entry to state and edits its status message. Unknown or
// already finished ids are a no-op. Moving backwards is refused. Reaching
// Completed or Error drops the entry.
func (t *Tracker) Advance(ctx context.Context, id domain.NotificationID, state State, detail string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("progress transition for unknown id ignored", "notification_id", id, "state", state)
		return nil
	}
	if !validTransition(e.State, state) {
		from := e.State
		t.mu.Unlock()
		return fmt.Errorf("progress %s: invalid transition %s -> %s", id, from, state)
	}
	e.State = state
	target, summary := e.EditTarget, e.Summary
	if state.Terminal() {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if target == "" {
		return nil
	}
	if err := t.editor.Edit(ctx, target, Render(state, summary, detail)); err != nil {
		t.logger.Warn("progress edit failed", "notification_id", id, "state", state,
			"err", &domain.ChannelError{Op: "edit", Err: err})
	}
	return nil
}

// Fail is Advance(ctx, id, Error, detail).
func (t *Tracker) Fail(ctx context.Context, id domain.NotificationID, detail string) error {
	return t.Advance(ctx, id, Error, detail)
}

// Get returns a copy of an active entry.
func (t *Tracker) Get(id domain.NotificationID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of active entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Error {
		return true
	}
	fi, ok1 := stateOrder[from]
	ti, ok2 := stateOrder[to]
	return ok1 && ok2 && ti > fi
}

// Render formats the status message text.
func Render(state State, summary, detail string) string {
	var sb strings.Builder
	sb.WriteString(stateIcons[state])
	sb.WriteString(" ")
	sb.WriteString(strings.ToUpper(string(state[:1])) + string(state[1:]))
	if summary != "" {
		sb.WriteString(": ")
		sb.WriteString(summary)
	}
	if detail != "" {
		sb.WriteString("\n")
		sb.WriteString(detail)
	}
	return sb.String()
}
