package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Breaker is a consecutive-failure circuit breaker guarding the portal
// endpoint. After threshold consecutive transient failures it rejects calls
// for resetTimeout, then allows a single probe.
type Breaker struct {
	mu           sync.Mutex
	failures     int
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
	name         string
}

// NewBreaker creates a Breaker with the given threshold and reset timeout.
// Zero values fall back to 5 failures / 30s.
func NewBreaker(name string, threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, resetTimeout: resetTimeout}
}

// Do runs fn unless the circuit is open. Transient failures count toward the
// threshold; terminal failures and successes reset it.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	if time.Now().After(b.openUntil) {
		// Half-open: let one probe through.
		b.openUntil = time.Time{}
		b.failures = b.threshold - 1
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetTimeout)
		b.failures = 0
		zap.L().Warn("circuit breaker opened",
			zap.String("breaker", b.name),
			zap.Duration("reset_timeout", b.resetTimeout),
		)
	}
}
