package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func TestOutboundQueues_FIFOPerAccount(t *testing.T) {
	q := NewOutboundQueues([]string{"A", "B"}, 8, testEBLogger())

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(domain.OutboundCommand{AccountID: "A", ChatTarget: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	q.Enqueue(domain.OutboundCommand{AccountID: "B", ChatTarget: "b0"})

	if q.Depth("A") != 3 || q.Depth("B") != 1 {
		t.Fatalf("unexpected depths A=%d B=%d", q.Depth("A"), q.Depth("B"))
	}
	for i := 0; i < 3; i++ {
		cmd, ok := q.TryDequeue("A")
		if !ok || cmd.ChatTarget != fmt.Sprintf("a%d", i) {
			t.Fatalf("dequeue %d: got %+v ok=%v", i, cmd, ok)
		}
	}
	if _, ok := q.TryDequeue("A"); ok {
		t.Fatal("queue A should be empty")
	}
	if cmd, ok := q.TryDequeue("B"); !ok || cmd.ChatTarget != "b0" {
		t.Fatalf("queue B: got %+v ok=%v", cmd, ok)
	}
}

func TestOutboundQueues_UnknownAccount(t *testing.T) {
	q := NewOutboundQueues([]string{"A"}, 1, testEBLogger())
	err := q.Enqueue(domain.OutboundCommand{AccountID: "Z"})
	if !errors.Is(err, domain.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if q.Has("Z") {
		t.Error("Z should not have a queue")
	}
}

func TestOutboundQueues_FullTimesOut(t *testing.T) {
	q := NewOutboundQueues([]string{"A"}, 1, testEBLogger())
	q.timeout = 20 * time.Millisecond

	if err := q.Enqueue(domain.OutboundCommand{AccountID: "A"}); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(domain.OutboundCommand{AccountID: "A"})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestOutboundQueues_WakeSignal(t *testing.T) {
	q := NewOutboundQueues([]string{"A"}, 4, testEBLogger())

	select {
	case <-q.Wake("A"):
		t.Fatal("no wake expected before enqueue")
	default:
	}

	q.Enqueue(domain.OutboundCommand{AccountID: "A"})
	q.Enqueue(domain.OutboundCommand{AccountID: "A"})

	select {
	case <-q.Wake("A"):
	case <-time.After(time.Second):
		t.Fatal("expected wake signal")
	}
	// Signals coalesce.
	select {
	case <-q.Wake("A"):
		t.Fatal("wake signals should coalesce")
	default:
	}
}

func TestOutboundQueues_Close(t *testing.T) {
	q := NewOutboundQueues([]string{"A"}, 4, testEBLogger())
	q.Enqueue(domain.OutboundCommand{AccountID: "A", ChatTarget: "x"})
	q.Close()
	q.Close()

	if err := q.Enqueue(domain.OutboundCommand{AccountID: "A"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if cmd, ok := q.TryDequeue("A"); !ok || cmd.ChatTarget != "x" {
		t.Fatal("queued command should survive close")
	}
	if _, ok := q.TryDequeue("A"); ok {
		t.Fatal("closed empty queue should report nothing")
	}
}
