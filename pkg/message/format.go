// Package message formats text crossing between the mesh, Telegram and APRS.
package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// APRSPrefix marks text that should be forwarded to an APRS station, as in "APRS-N0CALL: hello".
const APRSPrefix = "APRS-"

// FormatWithSender renders "Sender: message", or the bare message without a sender.
func FormatWithSender(sender, message string) string {
	if sender == "" {
		return message
	}
	return sender + ": " + message
}

// ParseSenderFromMessage attempts to extract sender name from "Name: message" format.
// Returns the sender name, remaining message, and whether parsing succeeded.
func ParseSenderFromMessage(message string) (sender, remaining string, found bool) {
	idx := strings.Index(message, ": ")
	if idx == -1 {
		return "", message, false
	}

	// Sender name should be reasonable (1-32 chars, no newlines)
	potentialSender := message[:idx]
	if len(potentialSender) < 1 || len(potentialSender) > 32 {
		return "", message, false
	}
	for _, r := range potentialSender {
		if r < 32 || r == 127 {
			return "", message, false
		}
	}

	return potentialSender, message[idx+2:], true
}

// ParseAPRSAddress splits "APRS-CALL: text" into the upper-cased callsign and text.
func ParseAPRSAddress(message string) (callsign, text string, ok bool) {
	if !strings.HasPrefix(strings.ToUpper(message), APRSPrefix) {
		return "", message, false
	}
	call, rest, found := ParseSenderFromMessage(message[len(APRSPrefix):])
	if !found || strings.ContainsAny(call, " \t") || len(call) > 9 {
		return "", message, false
	}
	return strings.ToUpper(call), strings.TrimSpace(rest), true
}

// TruncateMessage truncates a message to fit within maxLen bytes.
// Tries to break at word boundaries if possible and never splits a rune.
func TruncateMessage(message string, maxLen int) string {
	if len(message) <= maxLen {
		return message
	}

	truncated := message[:runeBoundary(message, maxLen)]
	lastSpace := strings.LastIndex(truncated, " ")
	if lastSpace > maxLen/2 {
		return truncated[:lastSpace]
	}
	return truncated
}

// SplitUserMessage splits msg into packets of at most chunkLen bytes, each
// prefixed with the sender and, when more than one is needed, an "[i/n]" counter.
func SplitUserMessage(sender, msg string, chunkLen int) []string {
	msg = strings.TrimSpace(msg)
	prefix := FormatWithSender(sender, "")
	if len(prefix)+len(msg) <= chunkLen {
		return []string{prefix + msg}
	}

	count := 2
	var parts []string
	// The counter width depends on the number of parts, so iterate until stable.
	for range 8 {
		counter := fmt.Sprintf("[%d/%d] ", count, count)
		available := max(chunkLen-len(prefix)-len(counter), 8)
		parts = WrapText(msg, available)
		if len(parts) == count {
			break
		}
		count = len(parts)
	}

	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = fmt.Sprintf("%s[%d/%d] %s", prefix, i+1, len(parts), part)
	}
	return out
}

// WrapText greedily packs words into lines of at most width bytes. Words
// longer than width are hard-broken.
func WrapText(text string, width int) []string {
	var (
		lines []string
		line  strings.Builder
	)
	flush := func() {
		if line.Len() > 0 {
			lines = append(lines, line.String())
			line.Reset()
		}
	}

	for _, word := range strings.Fields(text) {
		for len(word) > width {
			flush()
			cut := runeBoundary(word, width)
			lines = append(lines, word[:cut])
			word = word[cut:]
		}
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			flush()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	flush()
	return lines
}

// runeBoundary returns the largest index <= n that does not split a UTF-8 sequence.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
