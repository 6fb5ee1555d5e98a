// Package notify decouples alert producers from outbound delivery. Producers
// enqueue without blocking; a single consumer delivers in order.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/atmx/autotrader/internal/metrics"
)

// Sender delivers one message to a channel (chat id, topic, ...).
type Sender interface {
	Deliver(ctx context.Context, channel, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channel, text string) error

func (f SenderFunc) Deliver(ctx context.Context, channel, text string) error {
	return f(ctx, channel, text)
}

// Fanout delivers to every sender and joins their errors.
type Fanout []Sender

func (f Fanout) Deliver(ctx context.Context, channel, text string) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, channel, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is one queued notification.
type Message struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Notifier is an unbounded FIFO drained by Run.
type Notifier struct {
	sender Sender

	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
}

// New creates a notifier delivering through sender.
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender, wake: make(chan struct{}, 1)}
}

// Send enqueues a message. It never blocks on delivery.
func (n *Notifier) Send(channel, text string) {
	n.mu.Lock()
	n.queue = append(n.queue, Message{Channel: channel, Text: text})
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of undelivered messages.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Run delivers queued messages in order until ctx is done. Failed
// deliveries are logged and dropped.
func (n *Notifier) Run(ctx context.Context) {
	for {
		msg, ok := n.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-n.wake:
				continue
			}
		}

		if err := n.sender.Deliver(ctx, msg.Channel, msg.Text); err != nil {
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			slog.Error("notification delivery failed", "channel", msg.Channel, "err", err)
		} else {
			metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (n *Notifier) pop() (Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) == 0 {
		return Message{}, false
	}
	msg := n.queue[0]
	n.queue[0] = Message{}
	n.queue = n.queue[1:]
	return msg, true
}
