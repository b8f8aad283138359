package channel

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseSendArgs(t *testing.T) {
	tests := []struct {
		args    string
		account string
		target  string
		text    string
		wantErr bool
	}{
		{args: "wa1 Bob hello there", account: "wa1", target: "Bob", text: "hello there"},
		{args: `wa1 "Bob Smith" hi`, account: "wa1", target: "Bob Smith", text: "hi"},
		{args: `  wa2   +15551234   multi  space  `, account: "wa2", target: "+15551234", text: "multi  space"},
		{args: "", wantErr: true},
		{args: "wa1", wantErr: true},
		{args: "wa1 Bob", wantErr: true},
		{args: `wa1 "Bob hi`, wantErr: true},
		{args: `wa1 "" hi`, wantErr: true},
	}
	for _, tt := range tests {
		target, text, err := parseSendArgs(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.args, err)
			continue
		}
		if target.AccountID != tt.account || target.ChatTarget != tt.target || text != tt.text {
			t.Errorf("%q: got (%q, %q, %q)", tt.args, target.AccountID, target.ChatTarget, text)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short message split: %v", got)
	}

	msg := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitMessage(msg, 10)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 8)+"\n" {
		t.Errorf("expected split on newline, got %q", chunks)
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks must reassemble to the original")
	}
}

func TestSplitMessage_RuneBoundary(t *testing.T) {
	msg := strings.Repeat("a", 3999) + "😀" + strings.Repeat("b", 100)
	chunks := splitMessage(msg, 4000)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > 4000 {
			t.Errorf("chunk %d is %d bytes", i, len(c))
		}
	}
	if chunks[0] != strings.Repeat("a", 3999) {
		t.Errorf("first chunk should stop before the emoji, got %d bytes", len(chunks[0]))
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks must reassemble to the original")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	got := truncate("héllo wörld", 8)
	if len(got) > 8 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q (%d bytes)", got, len(got))
	}
}
