package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/types"
)

// CASKeyChecker is the cold-path DB lookup KeySets falls back to on a
// cache miss — satisfied by Store.AccountHasCASKey.
type CASKeyChecker interface {
	AccountHasCASKey(ctx context.Context, org string, key []byte) (bool, error)
}

// KeySets is the per-org in-memory set of CAS keys known to be authorized
// for that org, described in §4.3.1. It exists purely to short-circuit the
// DB round trip on the hot CAS path: a miss here always falls through to
// the DB, so process-local staleness across replicas is harmless — the
// DB remains the single source of truth (§4.3.1's "eventual consistency...
// is acceptable").
//
// The per-org lock only guards that org's own set; concurrent access to
// different orgs never contends, matching the "fine-grained per-org
// lock-free set with concurrent insert" shape in §5.
type KeySets struct {
	checker CASKeyChecker

	mu   sync.RWMutex
	orgs map[string]*orgKeySet

	hits   atomic.Uint64
	misses atomic.Uint64
}

type orgKeySet struct {
	mu   sync.RWMutex
	keys map[hash.Digest]struct{}
}

// NewKeySets constructs a KeySets cache backed by checker for DB fallback.
func NewKeySets(checker CASKeyChecker) *KeySets {
	return &KeySets{checker: checker, orgs: make(map[string]*orgKeySet)}
}

func (k *KeySets) orgSet(org string) *orgKeySet {
	k.mu.RLock()
	s, ok := k.orgs[org]
	k.mu.RUnlock()
	if ok {
		return s
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.orgs[org]; ok {
		return s
	}
	s = &orgKeySet{keys: make(map[hash.Digest]struct{})}
	k.orgs[org] = s
	return s
}

// CheckAllowed reports whether org is authorized for key, first against
// the in-memory set and, on a miss, against the database — adding key to
// the set on a DB hit so subsequent calls for the same (org, key) never
// touch the database again (§8's auth caching correctness property).
func (k *KeySets) CheckAllowed(ctx context.Context, org string, key hash.Digest) (bool, error) {
	set := k.orgSet(org)

	set.mu.RLock()
	_, known := set.keys[key]
	set.mu.RUnlock()
	if known {
		k.hits.Add(1)
		return true, nil
	}
	k.misses.Add(1)

	ok, err := k.checker.AccountHasCASKey(ctx, org, key[:])
	if err != nil {
		return false, fmt.Errorf("auth: keyset db fallback: %w", err)
	}
	if ok {
		set.mu.Lock()
		set.keys[key] = struct{}{}
		set.mu.Unlock()
	}
	return ok, nil
}

// Stats reports hit/miss counts across every org's in-memory set since
// process start, for the server's cache-stats diagnostic endpoint.
func (k *KeySets) Stats() types.CacheStats {
	hits, misses := k.hits.Load(), k.misses.Load()
	var size int64
	k.mu.RLock()
	for _, set := range k.orgs {
		set.mu.RLock()
		size += int64(len(set.keys))
		set.mu.RUnlock()
	}
	k.mu.RUnlock()

	stats := types.CacheStats{Hits: hits, Misses: misses, Size: size}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Grant adds key to org's in-memory set directly, used right after a
// successful CAS write (no DB round trip needed — the write itself just
// proved authorization).
func (k *KeySets) Grant(org string, key hash.Digest) {
	set := k.orgSet(org)
	set.mu.Lock()
	set.keys[key] = struct{}{}
	set.mu.Unlock()
}
