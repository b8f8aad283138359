package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// allocatorOptions returns Chrome flags for a persistent profile. The
// profile directory keeps the WhatsApp Web session between runs.
func allocatorOptions(profileDir string, headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// browser is one Chrome process with one tab on a persistent profile.
type browser struct {
	tabCtx context.Context
	cancel context.CancelFunc
}

// launch starts Chrome. The caller must Close it when done.
func launch(profileDir string, headless bool, logger *slog.Logger) (*browser, error) {
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(profileDir, headless)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		logger.Debug("chrome: "+fmt.Sprintf(format, args...), "profile", profileDir)
	}))
	// The first Run starts the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &browser{
		tabCtx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}, nil
}

func (b *browser) Alive() bool { return b.tabCtx.Err() == nil }

func (b *browser) Close() { b.cancel() }

// Run executes actions on the tab, bounded by ctx and timeout.
func (b *browser) Run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Evaluate runs a script on the tab and decodes its result into out.
func (b *browser) Evaluate(ctx context.Context, timeout time.Duration, script string, out any) error {
	return b.Run(ctx, timeout, chromedp.Evaluate(script, out))
}
