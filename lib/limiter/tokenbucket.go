package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"colossus/lib/core"
)

// TokenBucketClientReserver is a ClientReserver where each client draws
// from its own token bucket instead of a fixed concurrent-reservation
// count: it bounds the rate of new connection attempts per client rather
// than how many a client can hold open at once. ReleaseReservation is a
// no-op, since a token bucket has nothing to give back; TryReserve either
// has a token to spend or it doesn't.
//
// Multiple goroutines may invoke methods on a TokenBucketClientReserver
// simultaneously.
type TokenBucketClientReserver struct {
	// RatePerSecond is the steady-state rate at which each client earns
	// new tokens.
	RatePerSecond float64
	// Burst is the maximum number of tokens a client can accumulate.
	Burst int

	mu          sync.Mutex
	byClient    map[core.ClientID]*rate.Limiter
}

// NewTokenBucketClientReserver returns a TokenBucketClientReserver where
// each client is independently rate-limited to ratePerSecond reservation
// attempts per second, with bursts up to burst.
func NewTokenBucketClientReserver(ratePerSecond float64, burst int) *TokenBucketClientReserver {
	return &TokenBucketClientReserver{
		RatePerSecond: ratePerSecond,
		Burst:         burst,
		byClient:      make(map[core.ClientID]*rate.Limiter),
	}
}

func (b *TokenBucketClientReserver) limiterFor(c core.ClientID) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.byClient[c]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.RatePerSecond), b.Burst)
		b.byClient[c] = l
	}
	return l
}

// TryReserve attempts to spend one of the client's tokens. It does not
// block: if no token is immediately available, MaxReservationsExceeded is
// returned.
func (b *TokenBucketClientReserver) TryReserve(ctx context.Context, c core.ClientID) error {
	if !b.limiterFor(c).Allow() {
		return MaxReservationsExceeded
	}
	return nil
}

// ReleaseReservation is a no-op: tokens are earned back over time, not by
// explicit release.
func (b *TokenBucketClientReserver) ReleaseReservation(ctx context.Context, c core.ClientID) error {
	return nil
}
