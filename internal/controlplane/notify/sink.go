package notify

import (
	"context"
	"fmt"

	"github.com/botsmith/botfleet/internal/controlplane/telegram"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeliveries bounds the per-broadcast fan-out.
const maxConcurrentDeliveries = 4

// Delivery is the outcome of one recipient's notification.
type Delivery struct {
	Recipient int64
	Err       error
}

// Fanout collects per-recipient outcomes of one broadcast. Partial failure
// is an expected state, not an error: callers inspect the result instead of
// catching an exception that would hide sibling deliveries.
type Fanout struct {
	Deliveries []Delivery
}

// Failed returns the deliveries that did not reach their recipient.
func (f Fanout) Failed() []Delivery {
	var failed []Delivery
	for _, d := range f.Deliveries {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// AllFailed reports whether no recipient was reached.
func (f Fanout) AllFailed() bool {
	return len(f.Deliveries) > 0 && len(f.Failed()) == len(f.Deliveries)
}

// Sink delivers a message to a set of admin identities on behalf of one
// tenant's bot.
type Sink interface {
	Broadcast(ctx context.Context, token string, recipients []int64, text string) Fanout
}

// TelegramSink delivers notifications through the Telegram Bot API using
// the tenant's own bot token.
type TelegramSink struct {
	client *telegram.Client
}

// NewTelegramSink creates a sink backed by the given Bot API client.
func NewTelegramSink(client *telegram.Client) *TelegramSink {
	return &TelegramSink{client: client}
}

// Broadcast sends text to every recipient concurrently. Failures are
// collected per recipient and never abort the remaining deliveries.
func (s *TelegramSink) Broadcast(ctx context.Context, token string, recipients []int64, text string) Fanout {
	result := Fanout{Deliveries: make([]Delivery, len(recipients))}

	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentDeliveries)
	for i, chatID := range recipients {
		g.Go(func() error {
			err := s.client.SendMessage(ctx, token, chatID, text)
			if err != nil {
				err = fmt.Errorf("send to %d: %w", chatID, err)
			}
			result.Deliveries[i] = Delivery{Recipient: chatID, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// LogSink logs notifications instead of delivering them. Used as fallback
// when the control plane runs without a messaging channel.
type LogSink struct{}

// NewLogSink creates a sink that logs notifications.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Broadcast logs the message once per recipient and reports full success.
func (s *LogSink) Broadcast(_ context.Context, _ string, recipients []int64, text string) Fanout {
	result := Fanout{Deliveries: make([]Delivery, len(recipients))}
	for i, chatID := range recipients {
		log.Info().
			Int64("recipient", chatID).
			Str("text", text).
			Msg("Notification (log-only, no messaging channel configured)")
		result.Deliveries[i] = Delivery{Recipient: chatID}
	}
	return result
}
