package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sendimg/internal/domain"
	"sendimg/internal/metrics"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

// InMemoryBus carries inbound chat messages from channels to the handler
// and outbound text back to the channel that owns the chat.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	wait    time.Duration // how long Publish blocks on a full buffer

	mu     sync.RWMutex
	routes map[string]func(domain.OutboundMessage)
	closed bool
	logger *slog.Logger
}

// New returns a bus with room for bufferSize pending inbound messages.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		wait:    defaultPublishTimeout,
		routes:  make(map[string]func(domain.OutboundMessage)),
		logger:  logger,
	}
}

// Publish queues msg for the handler. When the buffer is full it waits up
// to the publish timeout, then drops the message. The read lock is held
// throughout so Close cannot close the channel under a pending send.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.InboundDropped.Inc()
		b.logger.Warn("publish on closed bus", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "chat_id", msg.ChatID)
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
	case <-timer.C:
		metrics.InboundDropped.Inc()
		b.logger.Error("message dropped: bus full",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"sender", msg.SenderID,
			"waited", b.wait,
		)
	}
}

// Subscribe returns the inbound stream. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands msg to the handler registered for msg.Channel. A
// panicking channel handler is logged and does not take the caller down.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	route, ok := b.routes[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		metrics.OutboundUnrouted.Inc()
		b.logger.Warn("no outbound handler for channel", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("outbound handler panicked",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"err", fmt.Errorf("%v", r))
		}
	}()
	route(msg)
}

// OnOutbound registers the reply handler of a channel, replacing any
// previous one.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[channelName] = handler
}

// Close stops accepting inbound messages and closes the stream. Safe to
// call more than once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}
