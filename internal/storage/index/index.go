// Package index implements the storage server's relational unit index: the
// mapping from (org, unit hash, glibc bucket) to the list of artifacts a
// compilation unit produced. It is the one place in this module that owns
// a SQL schema, backed by Postgres via pgx — no example repo in the
// retrieval pack imports a SQL driver, so pgx/v5 is named here directly
// per the process's out-of-pack exception (see DESIGN.md).
package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hurrycache/hurry/pkg/wire"
)

// Schema is the DDL this package's queries assume. Migration mechanics are
// explicitly out of scope (§1); this is the contract a migration tool must
// produce.
const Schema = `
CREATE TABLE IF NOT EXISTS cargo_units (
	id           BIGSERIAL PRIMARY KEY,
	org_id       TEXT NOT NULL,
	unit_hash    BYTEA NOT NULL,
	glibc_major  INT,
	glibc_minor  INT,
	variant      TEXT NOT NULL,
	artifacts    JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, unit_hash, glibc_major, glibc_minor)
);
CREATE INDEX IF NOT EXISTS cargo_units_lookup ON cargo_units (org_id, unit_hash);
`

// Store is the pgx-backed unit index.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready-to-use Store. It does not apply
// Schema; that is the migration tool's job (§1 scope).
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable, for the /health
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveEntry is one unit row to upsert, carrying the same shape as
// wire.UnitSave plus the org the row belongs to.
type SaveEntry struct {
	UnitHash     wire.UnitHash
	Unit         wire.SavedUnit
	Variant      string
	GlibcVersion *wire.GlibcVersion
}

// Save upserts a batch of unit rows for org in one transaction, per §4.3.2
// — "must be transactional per batch" — so a save either lands completely
// or not at all from a restoring client's point of view.
func (s *Store) Save(ctx context.Context, org string, entries []SaveEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("index: begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range entries {
		artifacts, err := json.Marshal(e.Unit.Artifacts)
		if err != nil {
			return fmt.Errorf("index: marshal artifacts for %s: %w", e.UnitHash, err)
		}
		major, minor := glibcBucket(e.GlibcVersion)

		_, err = tx.Exec(ctx, `
			INSERT INTO cargo_units (org_id, unit_hash, glibc_major, glibc_minor, variant, artifacts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (org_id, unit_hash, glibc_major, glibc_minor)
			DO UPDATE SET variant = EXCLUDED.variant, artifacts = EXCLUDED.artifacts, created_at = now()
		`, org, e.UnitHash[:], major, minor, e.Variant, artifacts)
		if err != nil {
			return fmt.Errorf("index: upsert unit %s: %w", e.UnitHash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("index: commit save transaction: %w", err)
	}
	return nil
}

// glibcBucket canonicalizes a GlibcVersion into the (major, minor) pair the
// schema stores, or (nil, nil) for non-glibc targets. Patch is deliberately
// not part of the bucket — the spec's glibc forward-compat matching
// operates at major.minor granularity.
func glibcBucket(v *wire.GlibcVersion) (*int32, *int32) {
	if v == nil {
		return nil, nil
	}
	major := int32(v.Major)
	minor := int32(v.Minor)
	return &major, &minor
}

// RestoreResult is the outcome of a restore query: the units resolved, plus
// how many candidate rows existed for a requested hash but were withheld by
// the glibc forward-compatibility gate rather than being genuinely absent —
// a distinct signal from an ordinary cache miss worth its own metric.
type RestoreResult struct {
	Units           map[wire.UnitHash]wire.SavedUnit
	RejectedByGlibc int64
}

// Restore resolves a batch of unit hashes to their best-matching saved
// record for org, applying the glibc forward-compatibility rule from
// §4.3.2: a row with glibc bucket gx.y is visible only if the caller's
// glibc is >= gx.y; rows with no glibc bucket match only a caller with no
// glibc version. Ties among multiple compatible rows for the same hash
// break on the newest (highest created_at).
func (s *Store) Restore(ctx context.Context, org string, hashes []wire.UnitHash, hostGlibc *wire.GlibcVersion) (RestoreResult, error) {
	if len(hashes) == 0 {
		return RestoreResult{Units: map[wire.UnitHash]wire.SavedUnit{}}, nil
	}

	rawHashes := make([][]byte, len(hashes))
	for i, h := range hashes {
		rawHashes[i] = h[:]
	}

	rows, err := s.pool.Query(ctx, `
		SELECT unit_hash, glibc_major, glibc_minor, variant, artifacts, created_at
		FROM cargo_units
		WHERE org_id = $1 AND unit_hash = ANY($2)
		ORDER BY created_at DESC
	`, org, rawHashes)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("index: query restore: %w", err)
	}
	defer rows.Close()

	result := make(map[wire.UnitHash]wire.SavedUnit, len(hashes))
	seen := make(map[wire.UnitHash]bool, len(hashes))
	var rejectedByGlibc int64
	for rows.Next() {
		var (
			rawHash     []byte
			glibcMajor  *int32
			glibcMinor  *int32
			variant     string
			rawArtifact []byte
		)
		var createdAt any
		if err := rows.Scan(&rawHash, &glibcMajor, &glibcMinor, &variant, &rawArtifact, &createdAt); err != nil {
			return RestoreResult{}, fmt.Errorf("index: scan restore row: %w", err)
		}
		var h wire.UnitHash
		copy(h[:], rawHash)

		if _, already := result[h]; already {
			// Rows are ordered newest-first; the first compatible match
			// per hash wins the glibc forward-compat tie-break.
			continue
		}
		if !bucketCompatible(glibcMajor, glibcMinor, hostGlibc) {
			// Only count the newest row per hash as a gate rejection, since
			// that is the one that would otherwise have won the tie-break.
			if !seen[h] {
				rejectedByGlibc++
			}
			seen[h] = true
			continue
		}
		seen[h] = true

		var artifacts []wire.Artifact
		if err := json.Unmarshal(rawArtifact, &artifacts); err != nil {
			return RestoreResult{}, fmt.Errorf("index: unmarshal artifacts for %s: %w", h, err)
		}
		result[h] = wire.SavedUnit{Kind: wire.KindCargo, Variant: variant, Artifacts: artifacts}
	}
	if err := rows.Err(); err != nil {
		return RestoreResult{}, fmt.Errorf("index: iterate restore rows: %w", err)
	}
	return RestoreResult{Units: result, RejectedByGlibc: rejectedByGlibc}, nil
}

// bucketCompatible implements the glibc forward-compatibility rule: a row
// with no bucket matches only a caller with no glibc version; a bucketed
// row is visible only when the caller's glibc major.minor is >= the row's.
func bucketCompatible(rowMajor, rowMinor *int32, host *wire.GlibcVersion) bool {
	if rowMajor == nil || rowMinor == nil {
		return host == nil
	}
	if host == nil {
		return false
	}
	stored := wire.GlibcVersion{Major: int(*rowMajor), Minor: int(*rowMinor)}
	return stored.Compatible(*host)
}

// Reset deletes every row belonging to org. It never touches CAS bytes,
// which are shared across orgs via deduplication (§4.3.2).
func (s *Store) Reset(ctx context.Context, org string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cargo_units WHERE org_id = $1`, org)
	if err != nil {
		return fmt.Errorf("index: reset org %s: %w", org, err)
	}
	return nil
}
