// Package whatsapp is a source adapter that drives WhatsApp Web in Chrome on
// a persistent profile: it scans the open page for unread messages and sends
// replies by searching for the chat and typing into it.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/domain"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	defaultLoadTimeout = 90 * time.Second
	defaultStepTimeout = 20 * time.Second
	searchSettle       = 800 * time.Millisecond
)

// page is a browser tab.
type page interface {
	Run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error
	Evaluate(ctx context.Context, timeout time.Duration, script string, out any) error
	Alive() bool
	Close()
}

// Config configures one account.
type Config struct {
	AccountID   string
	ProfileDir  string
	Headless    bool
	MediaDir    string // inbound images are saved here; empty forwards a placeholder
	Selectors   Selectors
	LoadTimeout time.Duration
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Adapter implements domain.SourceAdapter for one WhatsApp account. It is
// driven by a single account loop; the mutex only guards the browser against
// Close and Login.
type Adapter struct {
	id          string
	profileDir  string
	headless    bool
	mediaDir    string
	loadTimeout time.Duration
	stepTimeout time.Duration
	logger      *slog.Logger
	sel         atomic.Pointer[Selectors]

	mu   sync.Mutex
	page page
	open func(profileDir string, headless bool) (page, error)
}

// New creates an Adapter. Chrome is started lazily on the first poll.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.Selectors.URL == "" {
		cfg.Selectors = DefaultSelectors()
	}
	a := &Adapter{
		id:          cfg.AccountID,
		profileDir:  cfg.ProfileDir,
		headless:    cfg.Headless,
		mediaDir:    cfg.MediaDir,
		loadTimeout: cfg.LoadTimeout,
		stepTimeout: cfg.StepTimeout,
		logger:      cfg.Logger.With("account", cfg.AccountID),
		open: func(profileDir string, headless bool) (page, error) {
			b, err := launch(profileDir, headless, cfg.Logger)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
	sel := cfg.Selectors
	a.sel.Store(&sel)
	return a
}

func (a *Adapter) AccountID() string { return a.id }

// Selectors returns the selectors currently in use.
func (a *Adapter) Selectors() Selectors { return *a.sel.Load() }

// SetSelectors swaps the selectors used by subsequent polls and sends.
func (a *Adapter) SetSelectors(s Selectors) { a.sel.Store(&s) }

// ensurePage returns a tab showing the conversation list, starting or
// restarting Chrome when needed.
func (a *Adapter) ensurePage(ctx context.Context) (page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.page != nil && a.page.Alive() {
		return a.page, nil
	}
	if a.page != nil {
		a.logger.Warn("browser tab gone, restarting chrome")
		a.page.Close()
		a.page = nil
	}

	p, err := a.open(a.profileDir, a.headless)
	if err != nil {
		return nil, err
	}
	sel := a.Selectors()
	err = p.Run(ctx, a.loadTimeout,
		chromedp.Navigate(sel.URL),
		chromedp.WaitVisible(sel.ConversationList, chromedp.ByQuery),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("whatsapp web not ready (run `relaybot login %s` if the session expired): %w", a.id, err)
	}
	a.logger.Info("whatsapp web ready", "profile", a.profileDir)
	a.page = p
	return p, nil
}

// dropPage forgets a tab after a failure so the next call starts fresh.
func (a *Adapter) dropPage(p page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.page == p && !p.Alive() {
		p.Close()
		a.page = nil
	}
}

// PollInbox returns messages not seen by a previous poll. Seen messages are
// marked in the page itself, so a restart can re-forward messages still on
// screen.
func (a *Adapter) PollInbox(ctx context.Context) ([]domain.InboundEvent, error) {
	p, err := a.ensurePage(ctx)
	if err != nil {
		return nil, &domain.ScanError{AccountID: a.id, Err: err}
	}

	var found []scannedMessage
	if err := p.Evaluate(ctx, a.stepTimeout, scanScript(a.Selectors()), &found); err != nil {
		a.dropPage(p)
		return nil, &domain.ScanError{AccountID: a.id, Err: err}
	}

	now := time.Now()
	events := make([]domain.InboundEvent, 0, len(found))
	for _, m := range found {
		if m.Sender == "" {
			continue
		}
		events = append(events, domain.InboundEvent{
			AccountID:  a.id,
			Conversant: m.Sender,
			Payload:    a.payloadOf(m),
			ReceivedAt: now,
		})
	}
	if len(events) > 0 {
		a.logger.Debug("inbox scan found messages", "count", len(events))
	}
	return events, nil
}

func (a *Adapter) payloadOf(m scannedMessage) domain.Payload {
	if m.Image != "" && a.mediaDir != "" {
		path, err := saveDataURL(m.Image, a.mediaDir, a.id)
		if err == nil {
			return domain.Payload{Kind: domain.PayloadMedia, Media: path, Text: m.Text}
		}
		a.logger.Warn("inbound image not saved", "from", m.Sender, "err", err)
	}
	if m.Text == "" {
		return domain.TextPayload("<media>")
	}
	return domain.TextPayload(m.Text)
}

// Dispatch opens the chat with cmd.ChatTarget and sends the payload.
func (a *Adapter) Dispatch(ctx context.Context, cmd domain.OutboundCommand) (domain.Ack, error) {
	fail := func(stage string, err error) (domain.Ack, error) {
		return domain.Ack{}, &domain.SendError{AccountID: a.id, ChatTarget: cmd.ChatTarget, Stage: stage, Err: err}
	}
	if strings.TrimSpace(cmd.ChatTarget) == "" {
		return fail("searching", errors.New("empty chat target"))
	}

	p, err := a.ensurePage(ctx)
	if err != nil {
		return fail("searching", err)
	}
	sel := a.Selectors()

	if err := p.Run(ctx, a.stepTimeout, searchActions(sel, cmd.ChatTarget)...); err != nil {
		a.dropPage(p)
		return fail("searching", fmt.Errorf("chat %q not found: %w", cmd.ChatTarget, err))
	}

	var actions []chromedp.Action
	if cmd.Payload.IsMedia() {
		actions = mediaActions(sel, cmd.Payload)
	} else {
		actions = textActions(sel, cmd.Payload.Text)
	}
	if err := p.Run(ctx, a.stepTimeout, actions...); err != nil {
		a.dropPage(p)
		return fail("sending", err)
	}

	// Leave the search box empty for the next send; failure here is harmless.
	if err := p.Run(ctx, a.stepTimeout, chromedp.KeyEvent(kb.Escape)); err != nil {
		a.logger.Debug("clear search failed", "err", err)
	}

	a.logger.Info("message sent", "target", cmd.ChatTarget, "media", cmd.Payload.IsMedia())
	return domain.Ack{AccountID: a.id, ChatTarget: cmd.ChatTarget, SentAt: time.Now()}, nil
}

func searchActions(sel Selectors, target string) []chromedp.Action {
	return []chromedp.Action{
		chromedp.WaitVisible(sel.SearchBox, chromedp.ByQuery),
		chromedp.Click(sel.SearchBox, chromedp.ByQuery),
		chromedp.SendKeys(sel.SearchBox, target, chromedp.ByQuery),
		chromedp.Sleep(searchSettle),
		chromedp.WaitVisible(sel.ChatResult, chromedp.ByQuery),
		chromedp.Click(sel.ChatResult, chromedp.ByQuery),
	}
}

// typeActions types text into selector. Newlines become Shift+Enter so a
// multi-line message is not sent early.
func typeActions(selector, text string) []chromedp.Action {
	var actions []chromedp.Action
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			actions = append(actions, chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift)))
		}
		if line != "" {
			actions = append(actions, chromedp.SendKeys(selector, line, chromedp.ByQuery))
		}
	}
	return actions
}

func textActions(sel Selectors, text string) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.WaitVisible(sel.MessageInput, chromedp.ByQuery),
		chromedp.Click(sel.MessageInput, chromedp.ByQuery),
	}
	actions = append(actions, typeActions(sel.MessageInput, text)...)
	return append(actions, chromedp.Click(sel.SendButton, chromedp.ByQuery))
}

func mediaActions(sel Selectors, p domain.Payload) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.SetUploadFiles(sel.AttachInput, []string{p.Media}, chromedp.ByQuery),
		chromedp.WaitVisible(sel.MediaSendButton, chromedp.ByQuery),
	}
	if p.Text != "" && sel.MediaCaption != "" {
		actions = append(actions, chromedp.Click(sel.MediaCaption, chromedp.ByQuery))
		actions = append(actions, typeActions(sel.MediaCaption, p.Text)...)
	}
	return append(actions, chromedp.Click(sel.MediaSendButton, chromedp.ByQuery))
}

// Login opens a visible Chrome window on the account profile so the operator
// can scan the QR code. It returns once the conversation list appears or
// ctx is cancelled.
func (a *Adapter) Login(ctx context.Context) error {
	a.Close()
	p, err := a.open(a.profileDir, false)
	if err != nil {
		return err
	}
	defer p.Close()

	sel := a.Selectors()
	if err := p.Run(ctx, a.loadTimeout, chromedp.Navigate(sel.URL)); err != nil {
		return fmt.Errorf("navigate to whatsapp web: %w", err)
	}
	a.logger.Info("browser opened. Scan the QR code with the phone for this account. Press Ctrl+C to abort.")

	// Logging in can take a while; wait without a step deadline.
	if err := p.Run(ctx, 24*time.Hour, chromedp.WaitVisible(sel.ConversationList, chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for login: %w", err)
	}
	a.logger.Info("login session saved", "profile", a.profileDir)
	return nil
}

// Close stops Chrome if it is running.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.page != nil {
		a.page.Close()
		a.page = nil
	}
}
