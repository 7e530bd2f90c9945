// Package ratelimit implements the storage server's per-token rate limiter:
// one token bucket per bearer token, tiered by endpoint sensitivity as
// described in §5 — this is the idiomatic-Go realization of the same GCRA
// token-bucket shape the original implementation built with a governor
// crate, using golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier names one of the rate-limit shapes the server applies by endpoint
// sensitivity.
type Tier string

const (
	// TierCaching covers high-volume, low-risk endpoints: CAS
	// read/write/check and cache save/restore.
	TierCaching Tier = "caching"
	// TierSensitive covers account/session/invitation management: lower
	// limits because abuse here is higher-consequence.
	TierSensitive Tier = "sensitive"
	// TierInvitation covers invitation redemption specifically, limited
	// tightly since it gates org membership.
	TierInvitation Tier = "invitation"
)

// tierLimits gives each tier's (sustained rate, burst) pair, per §5:
// caching ~60 req/s burst 20,000; sensitive 6 req/s burst 10.
var tierLimits = map[Tier]struct {
	rate  rate.Limit
	burst int
}{
	TierCaching:    {rate: 60, burst: 20000},
	TierSensitive:  {rate: 6, burst: 10},
	TierInvitation: {rate: 1, burst: 5},
}

// bucketTTL is how long an idle token's bucket is kept before being
// evicted, bounding the limiter's memory use under a large population of
// short-lived tokens.
const bucketTTL = 10 * time.Minute

// Limiter holds one token bucket per (tier, token) pair.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Tier]map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs an empty Limiter.
func New() *Limiter {
	l := &Limiter{buckets: make(map[Tier]map[string]*entry)}
	return l
}

// Allow reports whether a request for token under tier may proceed,
// consuming one token from its bucket if so. Excess requests are the
// caller's responsibility to turn into a 429, per §5.
func (l *Limiter) Allow(tier Tier, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tb, ok := l.buckets[tier]
	if !ok {
		tb = make(map[string]*entry)
		l.buckets[tier] = tb
	}

	e, ok := tb[token]
	if !ok {
		limits := tierLimits[tier]
		e = &entry{limiter: rate.NewLimiter(limits.rate, limits.burst)}
		tb[token] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Sweep evicts buckets idle for longer than bucketTTL. Callers should run
// this periodically (e.g. on a ticker) rather than on every request.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tier, tb := range l.buckets {
		for token, e := range tb {
			if now.Sub(e.lastSeen) > bucketTTL {
				delete(tb, token)
			}
		}
		if len(tb) == 0 {
			delete(l.buckets, tier)
		}
	}
}
