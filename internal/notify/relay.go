package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// resubscribeDelay is how long the relay waits before reattaching to the bus
// after losing its subscription.
const resubscribeDelay = 5 * time.Second

// Relay subscribes to the rounds channel and turns lifecycle events into
// operator alerts. It runs until its context is cancelled, resubscribing if
// the bus connection drops.
type Relay struct {
	bus     *Notifier
	signals domain.SignalBus
	logger  *slog.Logger
	backoff time.Duration
}

// NewRelay creates a Relay forwarding round lifecycle events to the notifier.
func NewRelay(notifier *Notifier, signals domain.SignalBus, logger *slog.Logger) *Relay {
	return &Relay{
		bus:     notifier,
		signals: signals,
		logger:  logger.With(slog.String("component", "relay")),
		backoff: resubscribeDelay,
	}
}

// Run consumes bus events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := r.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "relay: subscription lost",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff):
		}
	}
}

func (r *Relay) consume(ctx context.Context) error {
	msgs, err := r.signals.Subscribe(ctx, domain.ChannelRounds)
	if err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", domain.ChannelRounds, err)
	}
	r.logger.InfoContext(ctx, "relay: subscribed",
		slog.String("channel", domain.ChannelRounds),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return fmt.Errorf("relay: channel %s closed", domain.ChannelRounds)
			}
			r.handle(ctx, payload)
		}
	}
}

// roundEvent is the subset of the round lifecycle payload the relay reports.
type roundEvent struct {
	Event        string `json:"event"`
	Epoch        uint64 `json:"epoch"`
	Outcome      string `json:"outcome"`
	LockPrice    string `json:"lock_price"`
	ClosePrice   string `json:"close_price"`
	TotalAmount  string `json:"total_amount"`
	RewardAmount string `json:"reward_amount"`
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var ev roundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.WarnContext(ctx, "relay: malformed event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	var title, message string
	switch ev.Event {
	case domain.EventRoundSettled:
		title = fmt.Sprintf("Round %d settled: %s", ev.Epoch, ev.Outcome)
		message = fmt.Sprintf(
			"lock %s -> close %s\npool %s, reward %s",
			ev.LockPrice, ev.ClosePrice, ev.TotalAmount, ev.RewardAmount,
		)
	case domain.EventRoundCancelled:
		title = fmt.Sprintf("Round %d cancelled", ev.Epoch)
		message = fmt.Sprintf("pool %s is refundable in full", ev.TotalAmount)
	default:
		return
	}

	if err := r.bus.Notify(ctx, ev.Event, title, message); err != nil {
		r.logger.ErrorContext(ctx, "relay: alert delivery failed",
			slog.String("event", ev.Event),
			slog.Uint64("epoch", ev.Epoch),
			slog.String("error", err.Error()),
		)
	}
}
