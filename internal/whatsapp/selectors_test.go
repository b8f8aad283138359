package whatsapp

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultSelectorsValid(t *testing.T) {
	if err := DefaultSelectors().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadSelectorsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	os.WriteFile(path, []byte("searchBox: '#side input'\nsendButton: 'span[data-icon=send]'\n"), 0o644)

	sel, err := LoadSelectors(path)
	if err != nil {
		t.Fatalf("LoadSelectors: %v", err)
	}
	if sel.SearchBox != "#side input" || sel.SendButton != "span[data-icon=send]" {
		t.Errorf("overrides not applied: %+v", sel)
	}
	if sel.ConversationList != DefaultSelectors().ConversationList {
		t.Error("unset fields should keep their defaults")
	}
}

func TestLoadSelectorsEmptyPath(t *testing.T) {
	sel, err := LoadSelectors("")
	if err != nil {
		t.Fatal(err)
	}
	if sel != DefaultSelectors() {
		t.Error("empty path should return defaults")
	}
}

func TestLoadSelectorsErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadSelectors(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("searchBox: [unclosed"), 0o644)
	if _, err := LoadSelectors(bad); err == nil {
		t.Error("invalid YAML should fail")
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("sender: ''\n"), 0o644)
	_, err := LoadSelectors(empty)
	if err == nil || !strings.Contains(err.Error(), "sender") {
		t.Errorf("expected sender validation error, got %v", err)
	}
}

func TestWatchSelectorsReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	os.WriteFile(path, []byte("searchBox: '#one'\n"), 0o644)

	var mu sync.Mutex
	var applied []Selectors
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- WatchSelectors(path, func(s Selectors) {
			mu.Lock()
			applied = append(applied, s)
			mu.Unlock()
		}, testLogger(), stop)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is ignored.
	os.WriteFile(path, []byte("url: ''\n"), 0o644)
	time.Sleep(400 * time.Millisecond)
	os.WriteFile(path, []byte("searchBox: '#two'\n"), 0o644)

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(applied)
		var last Selectors
		if n > 0 {
			last = applied[n-1]
		}
		mu.Unlock()
		if n > 0 && last.SearchBox == "#two" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload not applied, got %d updates", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	for _, s := range applied {
		if s.URL == "" {
			t.Error("invalid selectors must not be applied")
		}
	}
	mu.Unlock()

	close(stop)
	if err := <-done; err != nil {
		t.Errorf("WatchSelectors returned %v", err)
	}
}
