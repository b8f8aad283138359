package progress

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recordingEditor struct {
	mu      sync.Mutex
	posts   []string
	edits   []string
	targets []domain.NotificationID
	postErr error
	editErr error
}

func (r *recordingEditor) Post(ctx context.Context, p domain.Payload) (domain.NotificationID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.postErr != nil {
		return "", r.postErr
	}
	r.posts = append(r.posts, p.Text)
	return domain.NotificationIDFromInt(int64(900 + len(r.posts))), nil
}

func (r *recordingEditor) Edit(ctx context.Context, id domain.NotificationID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, id)
	r.edits = append(r.edits, text)
	return r.editErr
}

func TestTracker_FullLifecycle(t *testing.T) {
	ed := &recordingEditor{}
	tr := NewTracker(ed, testLogger())
	ctx := context.Background()

	tr.Begin(ctx, "42", "reply to Bob via A")
	e, ok := tr.Get("42")
	if !ok || e.State != Received || e.EditTarget != "901" {
		t.Fatalf("unexpected entry after begin: %+v ok=%v", e, ok)
	}

	for _, s := range []State{Queued, Processing, Searching, Sending, Sent, Completed} {
		if err := tr.Advance(ctx, "42", s, ""); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}

	if _, ok := tr.Get("42"); ok {
		t.Fatal("entry should be dropped after completed")
	}
	if len(ed.edits) != 6 {
		t.Fatalf("expected 6 edits, got %d", len(ed.edits))
	}
	for _, target := range ed.targets {
		if target != "901" {
			t.Errorf("edit hit wrong message %s", target)
		}
	}
	if !strings.Contains(ed.edits[5], "Completed") {
		t.Errorf("last edit should render completed, got %q", ed.edits[5])
	}
}

func TestTracker_ErrorFromAnyNonTerminal(t *testing.T) {
	for _, s := range []State{Received, Queued, Processing, Searching, Sending, Sent} {
		t.Run(string(s), func(t *testing.T) {
			ed := &recordingEditor{}
			tr := NewTracker(ed, testLogger())
			ctx := context.Background()
			tr.Begin(ctx, "1", "")
			if s != Received {
				if err := tr.Advance(ctx, "1", s, ""); err != nil {
					t.Fatal(err)
				}
			}
			if err := tr.Fail(ctx, "1", "chat not found"); err != nil {
				t.Fatalf("fail from %s: %v", s, err)
			}
			if tr.Len() != 0 {
				t.Fatal("entry should be dropped after error")
			}
			last := ed.edits[len(ed.edits)-1]
			if !strings.Contains(last, "chat not found") {
				t.Errorf("error detail missing from %q", last)
			}
		})
	}
}

func TestTracker_UnknownIDIsNoop(t *testing.T) {
	ed := &recordingEditor{}
	tr := NewTracker(ed, testLogger())
	ctx := context.Background()

	if err := tr.Advance(ctx, "missing", Sending, ""); err != nil {
		t.Fatalf("unknown id should be a no-op, got %v", err)
	}

	tr.Begin(ctx, "1", "")
	tr.Advance(ctx, "1", Completed, "")
	edits := len(ed.edits)
	if err := tr.Advance(ctx, "1", Error, "late"); err != nil {
		t.Fatalf("transition after removal should be a no-op, got %v", err)
	}
	if len(ed.edits) != edits {
		t.Error("no edit expected for removed entry")
	}
}

func TestTracker_BackwardTransitionRefused(t *testing.T) {
	tr := NewTracker(&recordingEditor{}, testLogger())
	ctx := context.Background()
	tr.Begin(ctx, "1", "")
	tr.Advance(ctx, "1", Sending, "")

	if err := tr.Advance(ctx, "1", Queued, ""); err == nil {
		t.Fatal("expected error moving backwards")
	}
	if e, _ := tr.Get("1"); e.State != Sending {
		t.Fatalf("state changed by refused transition: %s", e.State)
	}
}

func TestTracker_PostFailureStillTracks(t *testing.T) {
	ed := &recordingEditor{postErr: errors.New("telegram down")}
	tr := NewTracker(ed, testLogger())
	ctx := context.Background()

	tr.Begin(ctx, "1", "")
	if err := tr.Advance(ctx, "1", Queued, ""); err != nil {
		t.Fatal(err)
	}
	if len(ed.edits) != 0 {
		t.Fatal("nothing to edit without a status message")
	}
	tr.Advance(ctx, "1", Completed, "")
	if tr.Len() != 0 {
		t.Fatal("entry should still be dropped on completion")
	}
}

func TestTracker_EditFailureDoesNotBlock(t *testing.T) {
	ed := &recordingEditor{editErr: errors.New("message is not modified")}
	tr := NewTracker(ed, testLogger())
	ctx := context.Background()

	tr.Begin(ctx, "1", "")
	if err := tr.Advance(ctx, "1", Queued, ""); err != nil {
		t.Fatalf("edit failure must not surface: %v", err)
	}
	if e, _ := tr.Get("1"); e.State != Queued {
		t.Fatalf("state should advance despite edit failure, got %s", e.State)
	}
}

func TestRender(t *testing.T) {
	got := Render(Error, "reply to Bob via A", "send: timeout")
	want := "❌ Error: reply to Bob via A\nsend: timeout"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
