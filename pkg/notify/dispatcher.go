package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"communityshare/pkg/circuitbreaker"
	"communityshare/pkg/metrics"
	"communityshare/pkg/queue"
)

const (
	defaultBaseDelay    = 30 * time.Second
	defaultMaxDelay     = 30 * time.Minute
	defaultPollInterval = 5 * time.Second
)

// Dispatcher queues notifications and delivers them from a single consumer
// loop. Failed deliveries are retried with exponential backoff until
// MaxRetries attempts have failed, then dropped.
type Dispatcher struct {
	queue        *queue.Queue
	sender       Sender
	breaker      *circuitbreaker.CircuitBreaker
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
	wake         chan struct{}
	log          *slog.Logger
	now          func() time.Time
}

type Option func(*Dispatcher)

func WithBackoff(base, limit time.Duration) Option {
	return func(d *Dispatcher) {
		d.baseDelay = base
		d.maxDelay = limit
	}
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(d *Dispatcher) { d.breaker = cb }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

func NewDispatcher(sender Sender, maxRetries int, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		queue:        queue.NewQueue(),
		sender:       sender,
		breaker:      circuitbreaker.NewCircuitBreaker(5, time.Minute),
		maxRetries:   maxRetries,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify enqueues a message and returns immediately. Messages without a
// recipient are dropped.
func (d *Dispatcher) Notify(to, subject, body string) {
	to = strings.TrimSpace(to)
	if to == "" {
		metrics.ObserveNotification("dropped")
		d.log.Warn("notification without recipient dropped", "subject", subject)
		return
	}
	d.queue.Push(queue.NewMessage(to, subject, body, d.maxRetries, d.now()))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Run delivers queued messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("notification dispatcher started", "max_retries", d.maxRetries)
	for {
		d.ProcessDue(ctx)

		wait := d.pollInterval
		if next, ok := d.queue.NextDue(); ok {
			if until := next.Sub(d.now()); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info("notification dispatcher stopped", "pending", d.queue.Len())
			return
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ProcessDue attempts every message that is due now and reports how many
// were delivered.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {
	now := d.now()
	var delivered int
	// Messages re-enqueued below are never due at now, so the loop ends.
	for msg := d.queue.PopDue(now); msg != nil; msg = d.queue.PopDue(now) {
		if ctx.Err() != nil {
			d.queue.Push(msg)
			return delivered
		}
		if d.deliver(ctx, msg) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, msg *queue.Message) bool {
	err := d.breaker.Execute(func() error {
		return d.sender.Send(ctx, msg.To, msg.Subject, msg.Body)
	}, nil)
	if err == nil {
		metrics.ObserveNotification("sent")
		return true
	}

	msg.RetryCount++
	msg.LastError = err.Error()
	if msg.Exhausted() {
		metrics.ObserveNotification("dropped")
		d.log.Error("notification dropped after retries", "id", msg.ID, "to", msg.To, "subject", msg.Subject,
			"attempts", msg.RetryCount, "err", err)
		return false
	}

	msg.RetryAt = d.now().Add(d.backoff(msg.RetryCount))
	d.queue.Push(msg)
	metrics.ObserveNotification("retry")
	d.log.Warn("notification delivery failed, will retry", "id", msg.ID, "to", msg.To, "attempt", msg.RetryCount,
		"retry_at", msg.RetryAt, "breaker", d.breaker.GetState().String(), "err", err)
	return false
}

// backoff doubles the delay per failed attempt, capped at maxDelay.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}
