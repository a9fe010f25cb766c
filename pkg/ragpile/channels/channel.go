// Package channels defines the interface and types for ragpile
// communication channels. Each channel (Telegram, Discord) implements
// the Channel interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Markup tells the delivery layer how a channel renders text.
type Markup string

const (
	// MarkupHTML channels take a restricted HTML subset (Telegram).
	MarkupHTML Markup = "html"

	// MarkupMarkdown channels render Markdown natively (Discord).
	MarkupMarkdown Markup = "markdown"
)

// Channel is a bidirectional connection to one messaging platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers one message to the platform chat identified by to.
	// The content must already fit within MaxMessageLen.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool

	// MaxMessageLen is the platform's per-message limit in characters.
	MaxMessageLen() int

	// Markup reports the text markup the platform expects.
	Markup() Markup
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, if available.
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup indicates whether the message came from a group chat.
	IsGroup bool

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content, already rendered for the channel's
	// markup and within its length limit.
	Content string

	// ReplyTo contains the ID of the message to reply to, if any.
	ReplyTo string
}

// Errors shared by all channel implementations.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
