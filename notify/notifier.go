// Package notify delivers alerts to the configured channels. Each channel
// delivers independently; one channel failing never blocks the others.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
)

// Alert is the payload delivered to every channel.
type Alert struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  core.Severity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Channel is a single delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Notifier fans an alert out to all channels. Each channel sits behind its
// own circuit breaker so a dead pager endpoint cannot burn the send budget of
// every alert.
type Notifier struct {
	channels []Channel
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

func NewNotifier(channels []Channel, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		channels: channels,
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

// Channels returns the configured channel names.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, c := range n.channels {
		names = append(names, c.Name())
	}
	return names
}

// Send delivers the alert to every channel and reports per-channel results.
// The returned map has one entry per channel; a nil value means delivered.
func (n *Notifier) Send(ctx context.Context, alert Alert) map[string]error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	results := make(map[string]error, len(n.channels))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range n.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := n.sendOne(ctx, ch, alert)
			mu.Lock()
			results[ch.Name()] = err
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
	return results
}

func (n *Notifier) sendOne(ctx context.Context, ch Channel, alert Alert) error {
	cb := n.breaker(ch.Name())
	if err := cb.Allow(); err != nil {
		metrics.NotificationsSent.WithLabelValues(ch.Name(), "breaker_open").Inc()
		return fmt.Errorf("channel %s: %w", ch.Name(), err)
	}

	if err := ch.Send(ctx, alert); err != nil {
		cb.RecordFailure()
		metrics.NotificationsSent.WithLabelValues(ch.Name(), "error").Inc()
		n.logger.Warnw("notification failed", "channel", ch.Name(), "title", alert.Title, "error", err)
		return err
	}
	cb.RecordSuccess()
	metrics.NotificationsSent.WithLabelValues(ch.Name(), "ok").Inc()
	return nil
}

func (n *Notifier) breaker(name string) *core.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.breakers[name]; ok {
		return cb
	}
	cb := core.MustNewCircuitBreaker(core.CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	n.breakers[name] = cb
	return cb
}
