package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"Conclave/internal/kerr"
	"Conclave/internal/logger"
)

// DeliveryObserver is notified of every finished delivery.
type DeliveryObserver interface {
	Delivered(topic string, err error)
}

// Policy bounds the redelivery of one message.
type Policy struct {
	BaseDelay    time.Duration // BaseDelay is the first backoff interval
	MaxRetries   uint64        // MaxRetries is the number of attempts after the first
	TripAfter    uint32        // TripAfter is the consecutive failures that open a destination breaker
	OpenInterval time.Duration // OpenInterval is how long an open breaker rejects deliveries
}

// DefaultPolicy returns the redelivery policy used by agents.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    100 * time.Millisecond,
		MaxRetries:   4,
		TripAfter:    5,
		OpenInterval: 30 * time.Second,
	}
}

// Reliable wraps a Courier with bounded exponential retry and a circuit
// breaker per destination. Every attempt of one Deliver call carries the
// same envelope id.
type Reliable struct {
	next     Courier          // next makes single attempts
	policy   Policy           // policy bounds redelivery
	observer DeliveryObserver // observer receives delivery outcomes, may be nil

	mu       sync.Mutex                           // mu protects breakers
	breakers map[string]*gobreaker.CircuitBreaker // breakers is keyed by destination prefix
}

// NewReliable wraps next.
func NewReliable(next Courier, policy Policy, observer DeliveryObserver) *Reliable {
	return &Reliable{
		next:     next,
		policy:   policy,
		observer: observer,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Deliver sends msg, retrying transient failures. The returned error is a
// kerr delivery error naming the destination.
func (r *Reliable) Deliver(ctx context.Context, msg Message) error {
	err := r.deliver(withID(ctx, uuid.New()), msg)

	if r.observer != nil {
		r.observer.Delivered(msg.Topic, err)
	}

	if err != nil {
		logger.Warn("delivery failed", "topic", msg.Topic, "dest", msg.Dest, "error", err)
		return kerr.Delivery(msg.Dest, err)
	}

	return nil
}

func (r *Reliable) deliver(ctx context.Context, msg Message) error {
	backoff, err := retry.NewExponential(r.policy.BaseDelay)
	if err != nil {
		return fmt.Errorf("backoff:\n%w", err)
	}

	backoff = retry.WithMaxRetries(r.policy.MaxRetries, backoff)
	cb := r.breaker(msg.Dest)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, r.next.Deliver(ctx, msg)
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
}

// breaker returns the circuit breaker of dest.
func (r *Reliable) breaker(dest string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[dest]
	if ok {
		return cb
	}

	trip := r.policy.TripAfter
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    dest,
		Timeout: r.policy.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return trip > 0 && counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("destination breaker", "dest", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[dest] = cb

	return cb
}
