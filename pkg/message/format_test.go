package message

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatWithSender(t *testing.T) {
	tests := []struct {
		sender  string
		message string
		want    string
	}{
		{"", "Hello", "Hello"},
		{"Alice", "Hello", "Alice: Hello"},
	}

	for _, tt := range tests {
		got := FormatWithSender(tt.sender, tt.message)
		if got != tt.want {
			t.Errorf("FormatWithSender(%q, %q) = %q, want %q", tt.sender, tt.message, got, tt.want)
		}
	}
}

func TestParseSenderFromMessage(t *testing.T) {
	tests := []struct {
		message       string
		wantSender    string
		wantRemaining string
		wantFound     bool
	}{
		{"Alice: Hello", "Alice", "Hello", true},
		{"Bob: Hi there!", "Bob", "Hi there!", true},
		{"No colon", "", "No colon", false},
		{"Colon:NoSpace", "", "Colon:NoSpace", false},
		{"A very long sender name that exceeds thirty two chars: hi", "", "A very long sender name that exceeds thirty two chars: hi", false},
	}

	for _, tt := range tests {
		sender, remaining, found := ParseSenderFromMessage(tt.message)
		if sender != tt.wantSender || remaining != tt.wantRemaining || found != tt.wantFound {
			t.Errorf("ParseSenderFromMessage(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.message, sender, remaining, found, tt.wantSender, tt.wantRemaining, tt.wantFound)
		}
	}
}

func TestParseAPRSAddress(t *testing.T) {
	tests := []struct {
		message  string
		wantCall string
		wantText string
		wantOK   bool
	}{
		{"APRS-N0CALL: hello there", "N0CALL", "hello there", true},
		{"aprs-n0call-9: hi", "N0CALL-9", "hi", true},
		{"APRS-TOOLONGCALL: hi", "", "APRS-TOOLONGCALL: hi", false},
		{"hello APRS-N0CALL: hi", "", "hello APRS-N0CALL: hi", false},
		{"APRS-N0CALL no colon", "", "APRS-N0CALL no colon", false},
	}

	for _, tt := range tests {
		call, text, ok := ParseAPRSAddress(tt.message)
		if call != tt.wantCall || text != tt.wantText || ok != tt.wantOK {
			t.Errorf("ParseAPRSAddress(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.message, call, text, ok, tt.wantCall, tt.wantText, tt.wantOK)
		}
	}
}

func TestTruncateMessage(t *testing.T) {
	tests := []struct {
		message string
		maxLen  int
		want    string
	}{
		{"short", 10, "short"},
		{"hello world foo", 13, "hello world"},
		{"abcdefghij", 5, "abcde"},
		{"héllo", 2, "h"},
	}

	for _, tt := range tests {
		got := TruncateMessage(tt.message, tt.maxLen)
		if got != tt.want {
			t.Errorf("TruncateMessage(%q, %d) = %q, want %q", tt.message, tt.maxLen, got, tt.want)
		}
	}
}

func TestSplitUserMessageSingle(t *testing.T) {
	got := SplitUserMessage("Bob", "  hi there ", 200)
	if len(got) != 1 || got[0] != "Bob: hi there" {
		t.Errorf("SplitUserMessage = %q", got)
	}
}

func TestSplitUserMessageChunks(t *testing.T) {
	words := strings.Repeat("lorem ipsum dolor sit amet ", 25)
	parts := SplitUserMessage("Alice", words, 100)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > 100 {
			t.Errorf("part %d is %d bytes: %q", i, len(p), p)
		}
		wantPrefix := fmt.Sprintf("Alice: [%d/%d] ", i+1, len(parts))
		if !strings.HasPrefix(p, wantPrefix) {
			t.Errorf("part %d = %q, want prefix %q", i, p, wantPrefix)
		}
	}
}

func TestSplitUserMessageLongWord(t *testing.T) {
	parts := SplitUserMessage("X", strings.Repeat("A", 600), 280)
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(parts))
	}
	var rebuilt strings.Builder
	for _, p := range parts {
		if len(p) > 280 {
			t.Errorf("part exceeds limit: %d", len(p))
		}
		rebuilt.WriteString(p[strings.Index(p, "] ")+2:])
	}
	if rebuilt.String() != strings.Repeat("A", 600) {
		t.Error("hard-broken parts do not reassemble the original text")
	}
}

func TestWrapTextKeepsRunesIntact(t *testing.T) {
	for _, line := range WrapText(strings.Repeat("ж", 50), 7) {
		if !utf8.ValidString(line) {
			t.Errorf("invalid utf-8 in %q", line)
		}
		if len(line) > 7 {
			t.Errorf("line too long: %q", line)
		}
	}
}
