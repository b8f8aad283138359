package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/journal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.DataDir = dir
	cfg.Channel.Telegram.Token = "123:abc"
	cfg.Channel.Telegram.ChatID = -100
	cfg.Store.Path = filepath.Join(dir, "correlations.json")
	cfg.Store.BackupDir = filepath.Join(dir, "backups")
	cfg.Journal.DBPath = filepath.Join(dir, "journal.db")
	cfg.Accounts = []config.AccountConfig{
		{ID: "work", SelectorsFile: filepath.Join(dir, "work-selectors.yaml")},
		{ID: "home"},
	}
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"WARN", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		log, closeLog, err := newLogger(config.GeneralConfig{LogLevel: tt.level})
		if err != nil {
			t.Fatalf("%s: %v", tt.level, err)
		}
		closeLog()
		ctx := context.Background()
		if got := log.Enabled(ctx, -4); got != tt.debug {
			t.Errorf("%s: debug enabled = %v, want %v", tt.level, got, tt.debug)
		}
		if got := log.Enabled(ctx, 4); got != tt.warn {
			t.Errorf("%s: warn enabled = %v, want %v", tt.level, got, tt.warn)
		}
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relaybot.log")
	log, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "info", LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello from test")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file = %q", data)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(cfg.General.DataDir, "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	writeFile(t, cfg.Store.Path, `{"42":{"accountId":"work","conversant":"Ann"}}`)
	writeFile(t, filepath.Join(cfg.Store.BackupDir, "correlations-20260101T000000.000000000.json"), `{}`)
	writeFile(t, cfg.Accounts[0].SelectorsFile, "url: https://web.whatsapp.com\n")

	files, err := backupSet(cfgPath, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	want := []string{
		"config.json",
		"correlations.json",
		"backups/correlations-20260101T000000.000000000.json",
		"selectors/work.yaml",
	}
	if !slices.Equal(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}

	archive := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatal(err)
	}

	for _, f := range files[1:] {
		os.Remove(f.Path)
	}
	restored, err := extractTarGz(archive, restoreTargets(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 3 {
		t.Fatalf("restored %v, want 3 files (config is restored separately)", restored)
	}
	data, err := os.ReadFile(cfg.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"work"`) {
		t.Errorf("store content = %s", data)
	}
	if _, err := os.Stat(cfg.Accounts[0].SelectorsFile); err != nil {
		t.Errorf("selectors not restored: %v", err)
	}
}

func TestRestoreTargets(t *testing.T) {
	cfg := testConfig(t)
	resolve := restoreTargets(cfg)

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"correlations.json", cfg.Store.Path, true},
		{"journal.db", cfg.Journal.DBPath, true},
		{"journal.db-wal", cfg.Journal.DBPath + "-wal", true},
		{"backups/correlations-x.json", filepath.Join(cfg.Store.BackupDir, "correlations-x.json"), true},
		{"backups/../../etc/passwd", "", false},
		{"selectors/work.yaml", cfg.Accounts[0].SelectorsFile, true},
		{"selectors/home.yaml", "", false},
		{"selectors/ghost.yaml", "", false},
		{"config.json", "", false},
		{"../escape", "", false},
	}
	for _, tt := range tests {
		got, ok := resolve(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("resolve(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractRejectsNonGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	writeFile(t, path, "not gzip")
	if _, err := extractTarGz(path, restoreTargets(testConfig(t))); err == nil {
		t.Error("expected error for non-gzip input")
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		12:              "12 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderServiceFiles(t *testing.T) {
	unit := renderSystemd("/usr/local/bin/relaybot", "/home/u/.relaybot/config.json")
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/relaybot run --config /home/u/.relaybot/config.json") {
		t.Errorf("unit missing ExecStart:\n%s", unit)
	}

	plist := renderLaunchd("/opt/relaybot", "/cfg.json", "/logs")
	for _, want := range []string{"<string>run</string>", "<string>/cfg.json</string>", "/logs/relaybot.log", launchdLabel} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q", want)
		}
	}
	if strings.Contains(plist, "{{") {
		t.Error("plist has unreplaced placeholders")
	}
}

func TestRunSetupWritesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "relaybot", "config.json")
	in := strings.NewReader("1\n123:abc\n-100200\nwork, home\n")
	var out bytes.Buffer

	if err := runSetup(in, &out, cfgPath); err != nil {
		t.Fatalf("runSetup: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.Kind != "telegram" || cfg.Channel.Telegram.ChatID != -100200 {
		t.Errorf("channel = %+v", cfg.Channel)
	}
	if got := cfg.AccountIDs(); !slices.Equal(got, []string{"work", "home"}) {
		t.Errorf("accounts = %v", got)
	}
	if !cfg.Accounts[0].Headless {
		t.Error("new accounts should default to headless")
	}
}

func TestRunSetupRejectsBadChatID(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	in := strings.NewReader("1\n123:abc\nnot-a-number\n")
	if err := runSetup(in, &bytes.Buffer{}, cfgPath); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Error("config should not be written")
	}
}

func TestRunSetupDiscord(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	in := strings.NewReader("2\ntok\n998877\n\n")
	if err := runSetup(in, &bytes.Buffer{}, cfgPath); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.Kind != "discord" || cfg.Channel.Discord.ChannelID != "998877" {
		t.Errorf("channel = %+v", cfg.Channel)
	}
	if got := cfg.AccountIDs(); !slices.Equal(got, []string{"personal"}) {
		t.Errorf("accounts = %v", got)
	}
}

func TestRenderCounts(t *testing.T) {
	got := renderCounts(map[string]int{"dispatch.failed": 2, "inbound.forwarded": 7, "custom": 1})
	iFwd := strings.Index(got, "inbound.forwarded")
	iFail := strings.Index(got, "dispatch.failed")
	iCustom := strings.Index(got, "custom")
	if iFwd < 0 || iFail < 0 || iCustom < 0 {
		t.Fatalf("missing rows:\n%s", got)
	}
	if !(iFwd < iFail && iFail < iCustom) {
		t.Errorf("unexpected order:\n%s", got)
	}
	if !strings.Contains(renderCounts(nil), "nothing recorded") {
		t.Error("empty counts should say so")
	}
}

func TestFormatEntry(t *testing.T) {
	got := formatEntry(journal.Entry{
		Type:           "dispatch.sent",
		AccountID:      "work",
		Conversant:     "Ann",
		NotificationID: "42",
		Latency:        1234 * time.Millisecond,
		CreatedAt:      time.Now(),
	})
	for _, want := range []string{"dispatch.sent", "work", "Ann", "#42", "1.234s"} {
		if !strings.Contains(got, want) {
			t.Errorf("entry %q missing %q", got, want)
		}
	}
}

func TestRunSetupSlack(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	in := strings.NewReader("3\nxoxb-1\nxapp-1\nC0123\nwork\n")
	if err := runSetup(in, &bytes.Buffer{}, cfgPath); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.Kind != "slack" || cfg.Channel.Slack.ChannelID != "C0123" || cfg.Channel.Slack.AppToken != "xapp-1" {
		t.Errorf("channel = %+v", cfg.Channel)
	}
}
