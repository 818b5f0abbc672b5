// Package channels defines the transport interface the bot speaks through.
// The core never talks to a messaging platform directly: it consumes
// IncomingMessages from a Channel and hands OutgoingMessages back to it.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrDisconnected is returned by Send when the channel is not connected.
var ErrDisconnected = errors.New("channel is not connected")

// Channel is a bidirectional connection to a messaging platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts receiving updates.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message to the given chat.
	Send(ctx context.Context, chatID int64, msg *OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is currently connected.
	IsConnected() bool
}

// IncomingMessage is a message received from the platform, reduced to what
// the bot needs: who sent it, where to reply, the text, and (for forwarded
// messages) the original sender's display name.
type IncomingMessage struct {
	// ID is the platform message identifier.
	ID string

	// UserID is the sender's platform user id.
	UserID int64

	// ChatID is where replies should go. For direct messages this equals
	// UserID.
	ChatID int64

	// SenderName is the sender's display name.
	SenderName string

	// ForwardedFrom is the display name of the original author when the
	// message was forwarded, empty otherwise.
	ForwardedFrom string

	// Text is the message text, or the media caption when the message
	// carries media with a caption.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	// Text is the message content.
	Text string

	// ParseMode selects platform formatting ("HTML", "Markdown", or empty
	// for plain text).
	ParseMode string

	// DisableLinkPreview suppresses link previews where supported.
	DisableLinkPreview bool
}

// Command extracts a leading "/command" from the message text, returning
// the command name (without the slash or a @botname suffix) and the rest of
// the line as arguments. Returns ok=false when the text is not a command.
func (m *IncomingMessage) Command() (name, args string, ok bool) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, args, _ = strings.Cut(text[1:], " ")
	if name == "" {
		return "", "", false
	}
	// Strip "@botname" so commands work in groups too.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return name, strings.TrimSpace(args), true
}
