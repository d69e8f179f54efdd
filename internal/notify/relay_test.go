package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	fail   bool
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("delivery refused")
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

type chanBus struct {
	msgs chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.msgs, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func event(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(fields)
	require.NoError(t, err)
	return payload
}

func TestRelayForwardsSettlementAndCancellation(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewNotifier([]Sender{sender}, nil, discardLogger())
	bus := &chanBus{msgs: make(chan []byte, 4)}
	relay := NewRelay(notifier, bus, discardLogger())

	bus.msgs <- event(t, map[string]any{
		"event":         domain.EventRoundSettled,
		"epoch":         3,
		"outcome":       "bull",
		"lock_price":    "200000000000",
		"close_price":   "210000000000",
		"total_amount":  "4000000000000000000",
		"reward_amount": "3600000000000000000",
	})
	bus.msgs <- event(t, map[string]any{
		"event":        domain.EventRoundCancelled,
		"epoch":        4,
		"total_amount": "1000000000000000000",
	})
	// Lifecycle noise the relay should ignore.
	bus.msgs <- event(t, map[string]any{
		"event": domain.EventRoundStarted,
		"epoch": 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	titles := sender.sent()
	assert.Equal(t, "Round 3 settled: bull", titles[0])
	assert.Equal(t, "Round 4 cancelled", titles[1])
	assert.Contains(t, sender.bodies[0], "reward 3600000000000000000")
}

func TestNotifierFiltersEvents(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewNotifier([]Sender{sender}, []string{domain.EventRoundSettled}, discardLogger())

	require.NoError(t, notifier.Notify(context.Background(), domain.EventRoundCancelled, "skip", "skip"))
	require.NoError(t, notifier.Notify(context.Background(), domain.EventRoundSettled, "keep", "keep"))

	assert.Equal(t, []string{"keep"}, sender.sent())
}

func TestNotifierJoinsSenderFailures(t *testing.T) {
	good := &recordingSender{}
	bad := &recordingSender{fail: true}
	notifier := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := notifier.NotifyAll(context.Background(), "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery refused")
	// The failing sender must not block delivery to the healthy one.
	assert.Equal(t, []string{"title"}, good.sent())
}
