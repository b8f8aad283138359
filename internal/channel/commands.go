package channel

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"relaybot/internal/domain"
)

// StatusFunc renders the bridge status for the /status command.
type StatusFunc func() string

const helpText = `Relay bot

Forwarded messages appear here as "[account] From sender: text".
Reply to one of them to answer the sender from the same account.

Commands:
/send <account> <target> <text>  send a new message (quote targets with spaces)
/status  show accounts, queues and stored correlations
/help  show this message`

var errSendUsage = errors.New(`usage: /send <account> <target> <text>, e.g. /send wa1 "Bob Smith" hello`)

// parseSendArgs splits "/send" arguments into account, target and text. The
// target may be double-quoted to include spaces.
func parseSendArgs(args string) (domain.DirectTarget, string, error) {
	rest := strings.TrimSpace(args)
	account, rest := nextField(rest)
	if account == "" {
		return domain.DirectTarget{}, "", errSendUsage
	}

	var target string
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return domain.DirectTarget{}, "", errSendUsage
		}
		target = rest[1 : end+1]
		rest = strings.TrimSpace(rest[end+2:])
	} else {
		target, rest = nextField(rest)
	}

	target = strings.TrimSpace(target)
	if target == "" || rest == "" {
		return domain.DirectTarget{}, "", errSendUsage
	}
	return domain.DirectTarget{AccountID: account, ChatTarget: target}, rest, nil
}

func nextField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(msg)
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
