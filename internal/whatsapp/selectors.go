package whatsapp

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Selectors are the CSS selectors used to drive WhatsApp Web. The UI changes
// often, so every field can be overridden from a YAML file.
type Selectors struct {
	URL              string `yaml:"url"`
	ConversationList string `yaml:"conversationList"`
	SearchBox        string `yaml:"searchBox"`
	ChatResult       string `yaml:"chatResult"`
	MessageInput     string `yaml:"messageInput"`
	SendButton       string `yaml:"sendButton"`
	NewMessage       string `yaml:"newMessage"`
	Sender           string `yaml:"sender"`
	MessageText      string `yaml:"messageText"`
	MessageImage     string `yaml:"messageImage"`
	AttachInput      string `yaml:"attachInput"`
	MediaCaption     string `yaml:"mediaCaption"`
	MediaSendButton  string `yaml:"mediaSendButton"`
}

// DefaultSelectors returns selectors for the current WhatsApp Web layout.
func DefaultSelectors() Selectors {
	return Selectors{
		URL:              "https://web.whatsapp.com/",
		ConversationList: `[data-testid="conversation-list"]`,
		SearchBox:        `[data-testid="chat-list-search"]`,
		ChatResult:       `[data-testid="chat-list-item"]`,
		MessageInput:     `[contenteditable="true"][title="Type a message"]`,
		SendButton:       `button[aria-label="Send"]`,
		NewMessage:       `div[aria-label="Message list"] div[tabindex="-1"]:not([data-processed])`,
		Sender:           `[data-testid="conversation-info-header"] [title]`,
		MessageText:      `[data-testid="msg-container"] div.selectable-text`,
		MessageImage:     `[data-testid="msg-container"] img[src^="blob:"]`,
		AttachInput:      `input[type="file"][accept*="image"]`,
		MediaCaption:     `[data-testid="media-caption-input-container"] [contenteditable="true"]`,
		MediaSendButton:  `[data-testid="send"]`,
	}
}

// LoadSelectors reads overrides from a YAML file on top of the defaults.
// An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("read selectors: %w", err)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parse selectors %s: %w", path, err)
	}
	if err := sel.Validate(); err != nil {
		return sel, fmt.Errorf("selectors %s: %w", path, err)
	}
	return sel, nil
}

// Validate reports the first required selector left empty.
func (s Selectors) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"url", s.URL},
		{"conversationList", s.ConversationList},
		{"searchBox", s.SearchBox},
		{"chatResult", s.ChatResult},
		{"messageInput", s.MessageInput},
		{"sendButton", s.SendButton},
		{"newMessage", s.NewMessage},
		{"sender", s.Sender},
	} {
		if f.value == "" {
			return fmt.Errorf("%s must not be empty", f.name)
		}
	}
	return nil
}

// WatchSelectors reloads the file at path whenever it changes and passes
// valid results to apply. It blocks until stop is closed. Invalid files are
// logged and ignored so a half-saved edit never breaks a running adapter.
func WatchSelectors(path string, apply func(Selectors), logger *slog.Logger, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("selectors watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			sel, err := LoadSelectors(path)
			if err != nil {
				logger.Warn("selectors reload failed, keeping previous", "path", path, "err", err)
				continue
			}
			logger.Info("selectors reloaded", "path", path)
			apply(sel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("selectors watcher error", "err", err)
		}
	}
}
