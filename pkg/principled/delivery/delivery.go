// Package delivery sends rendered principle content through a channel,
// splitting anything over the platform message limit into numbered parts.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ryabin/principled/pkg/principled/channels"
)

// MaxMessageLen is the Telegram hard limit on a single message.
const MaxMessageLen = 4096

// Sender delivers chunked HTML messages over a channel.
type Sender struct {
	ch     channels.Channel
	logger *slog.Logger
}

// NewSender creates a Sender over the given channel.
func NewSender(ch channels.Channel, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		ch:     ch,
		logger: logger.With("component", "delivery"),
	}
}

// Deliver sends header+body as HTML, chunked so no single message exceeds
// MaxMessageLen. The header is repeated on every part; every non-final part
// carries a "Part i/N" suffix.
func (s *Sender) Deliver(ctx context.Context, chatID int64, header, body string) error {
	parts := Chunk(header, body, MaxMessageLen)
	for i, part := range parts {
		msg := &channels.OutgoingMessage{
			Text:               part,
			ParseMode:          "HTML",
			DisableLinkPreview: true,
		}
		if err := s.ch.Send(ctx, chatID, msg); err != nil {
			return fmt.Errorf("sending part %d/%d: %w", i+1, len(parts), err)
		}
	}
	if len(parts) > 1 {
		s.logger.Debug("delivered chunked message", "chat_id", chatID, "parts", len(parts))
	}
	return nil
}

// Notify sends a short plain-text message, unchunked.
func (s *Sender) Notify(ctx context.Context, chatID int64, text string) error {
	return s.ch.Send(ctx, chatID, &channels.OutgoingMessage{Text: text})
}

// Chunk splits header+body into messages of at most limit characters each
// (counting runes, which is how Telegram measures message length for
// practical purposes). When everything fits in one message, that single
// message is returned. Otherwise the body is sliced into windows of
// limit-len(header) runes, each prefixed with the header, and every part
// except the last gets an italic "Part i/N" suffix.
func Chunk(header, body string, limit int) []string {
	headerRunes := []rune(header)
	bodyRunes := []rune(body)

	if len(headerRunes)+len(bodyRunes) <= limit {
		return []string{header + body}
	}

	available := limit - len(headerRunes)
	// A header at or over the limit leaves no room for body windows.
	// HTML escaping can inflate a breadcrumb well past its raw length, so
	// chunk the whole message as one stream instead of repeating the header.
	if available <= 0 {
		return Chunk("", header+body, limit)
	}
	total := (len(bodyRunes) + available - 1) / available

	parts := make([]string, 0, total)
	for start, idx := 0, 1; start < len(bodyRunes); start, idx = start+available, idx+1 {
		end := start + available
		if end > len(bodyRunes) {
			end = len(bodyRunes)
		}
		part := header + string(bodyRunes[start:end])
		if idx < total {
			part += fmt.Sprintf("\n\n<i>Part %d/%d</i>", idx, total)
		}
		parts = append(parts, part)
	}
	return parts
}

// SplitLines splits plain text into blocks of at most limit characters,
// breaking only at line boundaries. Used for long Markdown list replies
// where mid-line cuts would break formatting. Lines longer than the limit
// are emitted as their own oversized block.
func SplitLines(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var blocks []string
	block := ""
	for _, line := range strings.Split(text, "\n") {
		if block != "" && len([]rune(block))+len([]rune(line))+1 > limit {
			blocks = append(blocks, block)
			block = line
			continue
		}
		if block != "" {
			block += "\n"
		}
		block += line
	}
	if block != "" {
		blocks = append(blocks, block)
	}
	return blocks
}
