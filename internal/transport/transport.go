// Package transport abstracts the wire-level chat surface. The orchestration
// core only needs a handful of primitives; adapters (telegram) translate them
// to the concrete API.
package transport

import "context"

// Button is one inline button attached to a text message.
type Button struct {
	Label string
	Data  string
}

// SendOptions carries the optional decorations of an outbound text message.
type SendOptions struct {
	// ReplyTo quotes the given message when set.
	ReplyTo string
	// InlineButtons render under the message text.
	InlineButtons []Button
	// Keyboard replaces the user's input keyboard with single-choice rows.
	Keyboard [][]string
}

// Identity describes the bot's own account on the transport.
type Identity struct {
	ID       string
	Username string
}

// Transport is the outbound chat surface.
type Transport interface {
	// SendText delivers a text message and returns its transport message id.
	SendText(ctx context.Context, chatID, text string, opts *SendOptions) (string, error)
	// SetReaction sets (or clears, with empty emoji) a reaction on a message.
	SetReaction(ctx context.Context, chatID, messageID, emoji string) error
	// SendTyping shows a typing indicator while a response is being composed.
	SendTyping(ctx context.Context, chatID string) error
	// Identity fetches the bot's own account.
	Identity(ctx context.Context) (Identity, error)
}
