package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"

	"github.com/chromedp/chromedp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakePage struct {
	mu      sync.Mutex
	dead    bool
	closed  bool
	runs    [][]chromedp.Action
	runErrs []error // consumed one per Run call
	scans   [][]scannedMessage
	evalErr error
	scripts []string
}

func (p *fakePage) Run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, actions)
	if len(p.runErrs) > 0 {
		err := p.runErrs[0]
		p.runErrs = p.runErrs[1:]
		return err
	}
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, timeout time.Duration, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, script)
	if p.evalErr != nil {
		return p.evalErr
	}
	var batch []scannedMessage
	if len(p.scans) > 0 {
		batch = p.scans[0]
		p.scans = p.scans[1:]
	}
	data, _ := json.Marshal(batch)
	return json.Unmarshal(data, out)
}

func (p *fakePage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead && !p.closed
}

func (p *fakePage) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePage) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

func newTestAdapter(t *testing.T, pages ...*fakePage) (*Adapter, *int) {
	t.Helper()
	a := New(Config{
		AccountID:  "A",
		ProfileDir: t.TempDir(),
		Headless:   true,
		MediaDir:   t.TempDir(),
		Logger:     testLogger(),
	})
	opened := 0
	a.open = func(string, bool) (page, error) {
		if opened >= len(pages) {
			return nil, errors.New("no more pages")
		}
		p := pages[opened]
		opened++
		return p, nil
	}
	return a, &opened
}

func TestPollInboxMapsMessages(t *testing.T) {
	p := &fakePage{scans: [][]scannedMessage{{
		{Sender: "Bob", Text: "hi"},
		{Sender: "", Text: "no sender"},
		{Sender: "Carol"},
	}}}
	a, _ := newTestAdapter(t, p)

	events, err := a.PollInbox(context.Background())
	if err != nil {
		t.Fatalf("PollInbox: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].AccountID != "A" || events[0].Conversant != "Bob" || events[0].Payload.Text != "hi" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Conversant != "Carol" || events[1].Payload.Text != "<media>" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if !strings.Contains(p.scripts[0], "data-processed") {
		t.Error("scan script should mark processed nodes")
	}
}

func TestPollInboxSavesImages(t *testing.T) {
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	p := &fakePage{scans: [][]scannedMessage{{{Sender: "Bob", Text: "look", Image: img}}}}
	a, _ := newTestAdapter(t, p)

	events, err := a.PollInbox(context.Background())
	if err != nil {
		t.Fatalf("PollInbox: %v", err)
	}
	if len(events) != 1 || !events[0].Payload.IsMedia() {
		t.Fatalf("expected one media event, got %+v", events)
	}
	if events[0].Payload.Text != "look" || filepath.Ext(events[0].Payload.Media) != ".png" {
		t.Errorf("unexpected payload: %+v", events[0].Payload)
	}
	data, err := os.ReadFile(events[0].Payload.Media)
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("saved image = %q, %v", data, err)
	}
}

func TestPollInboxScanError(t *testing.T) {
	p := &fakePage{evalErr: errors.New("page crashed")}
	a, _ := newTestAdapter(t, p)

	_, err := a.PollInbox(context.Background())
	var scanErr *domain.ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected ScanError, got %v", err)
	}
	if scanErr.AccountID != "A" {
		t.Errorf("AccountID = %q", scanErr.AccountID)
	}
}

func TestPollInboxLaunchFailure(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.PollInbox(context.Background())
	var scanErr *domain.ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected ScanError, got %v", err)
	}
}

func TestPageRestartedWhenDead(t *testing.T) {
	first := &fakePage{}
	second := &fakePage{}
	a, opened := newTestAdapter(t, first, second)
	ctx := context.Background()

	if _, err := a.PollInbox(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PollInbox(ctx); err != nil {
		t.Fatal(err)
	}
	if *opened != 1 {
		t.Fatalf("a live page should be reused, opened %d", *opened)
	}

	first.mu.Lock()
	first.dead = true
	first.mu.Unlock()

	if _, err := a.PollInbox(ctx); err != nil {
		t.Fatal(err)
	}
	if *opened != 2 {
		t.Fatalf("dead page should be replaced, opened %d", *opened)
	}
	if !first.closed {
		t.Error("dead page should be closed")
	}
}

func TestNavigationFailureClosesPage(t *testing.T) {
	p := &fakePage{runErrs: []error{errors.New("timeout waiting for list")}}
	a, _ := newTestAdapter(t, p)

	_, err := a.PollInbox(context.Background())
	if err == nil || !strings.Contains(err.Error(), "relaybot login A") {
		t.Fatalf("expected login hint, got %v", err)
	}
	if !p.closed {
		t.Error("page should be closed after failed navigation")
	}
}

func TestDispatchText(t *testing.T) {
	p := &fakePage{}
	a, _ := newTestAdapter(t, p)

	ack, err := a.Dispatch(context.Background(), domain.OutboundCommand{
		AccountID:  "A",
		ChatTarget: "Bob",
		Payload:    domain.TextPayload("line one\nline two"),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ack.AccountID != "A" || ack.ChatTarget != "Bob" || ack.SentAt.IsZero() {
		t.Errorf("unexpected ack: %+v", ack)
	}
	// navigate, search, send, escape
	if p.runCount() != 4 {
		t.Fatalf("expected 4 runs, got %d", p.runCount())
	}
	if got := len(p.runs[2]); got != 6 {
		t.Errorf("send step should have 6 actions for two lines, got %d", got)
	}
}

func TestDispatchStages(t *testing.T) {
	cases := []struct {
		name    string
		runErrs []error
		stage   string
	}{
		{"search fails", []error{nil, errors.New("no result")}, "searching"},
		{"send fails", []error{nil, nil, errors.New("button missing")}, "sending"},
		{"page fails", []error{errors.New("not loaded")}, "searching"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePage{runErrs: tc.runErrs}
			a, _ := newTestAdapter(t, p)
			_, err := a.Dispatch(context.Background(), domain.OutboundCommand{
				AccountID:  "A",
				ChatTarget: "Bob",
				Payload:    domain.TextPayload("hi"),
			})
			var sendErr *domain.SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("expected SendError, got %v", err)
			}
			if sendErr.Stage != tc.stage || sendErr.ChatTarget != "Bob" {
				t.Errorf("unexpected error: %+v", sendErr)
			}
		})
	}
}

func TestDispatchEmptyTarget(t *testing.T) {
	p := &fakePage{}
	a, _ := newTestAdapter(t, p)
	_, err := a.Dispatch(context.Background(), domain.OutboundCommand{AccountID: "A", ChatTarget: "  ", Payload: domain.TextPayload("x")})
	var sendErr *domain.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if p.runCount() != 0 {
		t.Error("browser should not be touched for an empty target")
	}
}

func TestDispatchMedia(t *testing.T) {
	p := &fakePage{}
	a, _ := newTestAdapter(t, p)
	_, err := a.Dispatch(context.Background(), domain.OutboundCommand{
		AccountID:  "A",
		ChatTarget: "Bob",
		Payload:    domain.Payload{Kind: domain.PayloadMedia, Media: "/tmp/x.jpg", Text: "caption"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// upload, wait, click caption, type caption, click send
	if got := len(p.runs[2]); got != 5 {
		t.Errorf("media step should have 5 actions, got %d", got)
	}
}

func TestTypeActions(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"hello", 1},
		{"a\nb", 3},
		{"a\n\nb", 4},
		{"", 0},
	}
	for _, tc := range cases {
		if got := len(typeActions("#in", tc.text)); got != tc.want {
			t.Errorf("typeActions(%q) = %d actions, want %d", tc.text, got, tc.want)
		}
	}
}

func TestSetSelectors(t *testing.T) {
	p := &fakePage{}
	a, _ := newTestAdapter(t, p)
	sel := DefaultSelectors()
	sel.NewMessage = "div.custom-unread"
	a.SetSelectors(sel)

	if _, err := a.PollInbox(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.scripts[0], "div.custom-unread") {
		t.Error("scan should use the updated selectors")
	}
	if a.Selectors().NewMessage != "div.custom-unread" {
		t.Errorf("Selectors() = %+v", a.Selectors())
	}
}

func TestLoginWaitsForConversationList(t *testing.T) {
	p := &fakePage{}
	a, _ := newTestAdapter(t, p)
	if err := a.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p.runCount() != 2 {
		t.Errorf("expected navigate and wait runs, got %d", p.runCount())
	}
	if !p.closed {
		t.Error("login browser should be closed afterwards")
	}
}

func TestLoginCancelled(t *testing.T) {
	p := &fakePage{runErrs: []error{nil, context.Canceled}}
	a, _ := newTestAdapter(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Login(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
