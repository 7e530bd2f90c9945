// Package casclient is the client-side HTTP client for the storage server's
// CAS and cache-index API. It is deliberately the only place the client
// cache engine talks to the network, so retry and circuit-breaking policy
// lives in exactly one spot.
package casclient

import (
	"context"

	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/types"
	"github.com/hurrycache/hurry/pkg/wire"
)

// Backend abstracts the storage layer the cache engine saves to and
// restores from. The only implementation in this module talks to a remote
// courier-style server over HTTP, but the interface exists so tests can
// substitute an in-memory fake without touching the engine.
type Backend interface {
	// CargoSave uploads the saved records for a batch of freshly compiled
	// units.
	CargoSave(ctx context.Context, units []wire.UnitSave) error

	// CargoRestore resolves a batch of unit hashes to saved records,
	// filtered to ones compatible with hostGlibc (nil on non-glibc hosts).
	// Hashes with no match are simply absent from the result — never an
	// error.
	CargoRestore(ctx context.Context, hashes []wire.UnitHash, hostGlibc *wire.GlibcVersion) ([]wire.RestoredUnit, error)

	// CargoReset deletes the caller's organization's cached unit metadata.
	// CAS bytes are untouched since they may be shared with other orgs.
	CargoReset(ctx context.Context) error

	// CasStore stores one blob, reporting true if newly written and false
	// if it already existed (at-most-once semantics).
	CasStore(ctx context.Context, key hash.Digest, content []byte) (written bool, err error)

	// CasGet retrieves one blob, or ok=false if it doesn't exist.
	CasGet(ctx context.Context, key hash.Digest) (content []byte, ok bool, err error)

	// CasExists checks for a blob's presence without transferring it.
	CasExists(ctx context.Context, key hash.Digest) (bool, error)

	// CasStoreBulk stores many blobs in one round trip.
	CasStoreBulk(ctx context.Context, entries map[hash.Digest][]byte) (wire.BulkStoreResult, error)

	// CasGetBulk retrieves many blobs in one round trip. Missing keys are
	// simply absent from the result.
	CasGetBulk(ctx context.Context, keys []hash.Digest) (map[hash.Digest][]byte, error)

	// CacheStats reports the server's in-process CAS and authorization
	// cache hit rates, for `hurry doctor`.
	CacheStats(ctx context.Context) (CacheStatsReport, error)
}

// CacheStatsReport mirrors the server's cache-stats diagnostic response.
type CacheStatsReport struct {
	CAS     types.CacheStats `json:"cas"`
	KeySets types.CacheStats `json:"key_sets"`
}
