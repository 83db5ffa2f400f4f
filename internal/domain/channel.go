package domain

import "context"

// Channel is the interface for user-facing I/O (Telegram, Discord, Slack, CLI, webhook).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// MediaChannel is implemented by channels that can deliver images.
// The returned transport is bound to one chat.
type MediaChannel interface {
	Channel
	MediaTransport(chatID string) MediaTransport
}
