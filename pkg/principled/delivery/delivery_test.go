package delivery

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ryabin/principled/pkg/principled/channels"
)

// fakeChannel records sent messages.
type fakeChannel struct {
	sent []*channels.OutgoingMessage
}

func (f *fakeChannel) Name() string                                { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error           { return nil }
func (f *fakeChannel) Disconnect() error                           { return nil }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage   { return nil }
func (f *fakeChannel) IsConnected() bool                           { return true }
func (f *fakeChannel) Send(_ context.Context, _ int64, m *channels.OutgoingMessage) error {
	f.sent = append(f.sent, m)
	return nil
}

func TestChunkShortMessage(t *testing.T) {
	t.Parallel()

	parts := Chunk("<b>H</b>\n", "short body", MaxMessageLen)
	if len(parts) != 1 {
		t.Fatalf("Chunk returned %d parts, want 1", len(parts))
	}
	if parts[0] != "<b>H</b>\nshort body" {
		t.Errorf("part = %q", parts[0])
	}
	if strings.Contains(parts[0], "Part ") {
		t.Error("single part carries a Part suffix")
	}
}

func TestChunkLongMessage(t *testing.T) {
	t.Parallel()

	header := "<b>Header</b>\n"
	h := len([]rune(header))
	bodyLen := MaxMessageLen*2 + 10
	body := strings.Repeat("x", bodyLen)

	parts := Chunk(header, body, MaxMessageLen)

	available := MaxMessageLen - h
	wantParts := (bodyLen + available - 1) / available
	if len(parts) != wantParts {
		t.Fatalf("Chunk returned %d parts, want %d", len(parts), wantParts)
	}

	var rejoined strings.Builder
	for i, part := range parts {
		if !strings.HasPrefix(part, header) {
			t.Errorf("part %d does not start with the header", i+1)
		}
		content := strings.TrimPrefix(part, header)
		if i < len(parts)-1 {
			suffix := "\n\n<i>Part " + strconv.Itoa(i+1) + "/" + strconv.Itoa(wantParts) + "</i>"
			if !strings.HasSuffix(part, suffix) {
				t.Errorf("part %d missing suffix %q, got tail %q", i+1, suffix, part[len(part)-30:])
			}
			content = strings.TrimSuffix(content, suffix)
		} else if strings.Contains(part, "<i>Part ") {
			t.Error("final part carries a Part suffix")
		}
		rejoined.WriteString(content)
	}

	if rejoined.String() != body {
		t.Errorf("rejoined body differs: %d chars vs %d", rejoined.Len(), bodyLen)
	}
}

func TestChunkCountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	// Multibyte body: the limit is measured in characters, and no part may
	// split a rune.
	body := strings.Repeat("принцип ", 700) // 5600 runes, 10500 bytes
	parts := Chunk("", body, MaxMessageLen)
	if len(parts) != 2 {
		t.Fatalf("Chunk returned %d parts, want 2", len(parts))
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d split a rune", i+1)
		}
	}
}

func TestChunkOversizedHeader(t *testing.T) {
	t.Parallel()

	// HTML escaping can inflate a breadcrumb past the message limit. The
	// header then leaves no room for body windows and must not be repeated.
	header := strings.Repeat("h", MaxMessageLen+100)
	body := strings.Repeat("b", MaxMessageLen+100)

	parts := Chunk(header, body, MaxMessageLen)

	wantParts := (len(header) + len(body) + MaxMessageLen - 1) / MaxMessageLen
	if len(parts) != wantParts {
		t.Fatalf("Chunk returned %d parts, want %d", len(parts), wantParts)
	}

	var rejoined strings.Builder
	for i, part := range parts {
		content := part
		if i < len(parts)-1 {
			suffix := "\n\n<i>Part " + strconv.Itoa(i+1) + "/" + strconv.Itoa(wantParts) + "</i>"
			if !strings.HasSuffix(part, suffix) {
				t.Errorf("part %d missing suffix %q", i+1, suffix)
			}
			content = strings.TrimSuffix(content, suffix)
		}
		rejoined.WriteString(content)
	}

	if rejoined.String() != header+body {
		t.Errorf("rejoined message differs: %d chars vs %d", rejoined.Len(), len(header)+len(body))
	}
}

func TestDeliverSendsAllParts(t *testing.T) {
	t.Parallel()

	fake := &fakeChannel{}
	sender := NewSender(fake, nil)

	body := strings.Repeat("y", MaxMessageLen+1)
	if err := sender.Deliver(context.Background(), 42, "<b>H</b>\n", body); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fake.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fake.sent))
	}
	for i, m := range fake.sent {
		if m.ParseMode != "HTML" {
			t.Errorf("message %d parse mode = %q, want HTML", i+1, m.ParseMode)
		}
		if !m.DisableLinkPreview {
			t.Errorf("message %d has link previews enabled", i+1)
		}
	}
}

func TestNotifyIsPlainText(t *testing.T) {
	t.Parallel()

	fake := &fakeChannel{}
	sender := NewSender(fake, nil)

	if err := sender.Notify(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fake.sent))
	}
	if fake.sent[0].ParseMode != "" {
		t.Errorf("notify parse mode = %q, want plain", fake.sent[0].ParseMode)
	}
}

func TestSplitLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"short text single block", "a\nb\nc", 500, 1},
		{"splits at line boundaries", strings.TrimSuffix(strings.Repeat("0123456789\n", 20), "\n"), 50, 5},
		{"oversized line kept whole", strings.Repeat("x", 100), 50, 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			blocks := SplitLines(tt.text, tt.limit)
			if len(blocks) != tt.want {
				t.Errorf("SplitLines returned %d blocks, want %d", len(blocks), tt.want)
			}
			for i, b := range blocks {
				if strings.HasPrefix(b, "\n") || strings.HasSuffix(b, "\n") {
					t.Errorf("block %d has dangling newline: %q", i, b)
				}
			}
		})
	}
}
