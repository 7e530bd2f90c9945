package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionWindow is the sliding expiry window for sessions: each validated
// request renews the session for another SessionWindow from now (§4.5).
const SessionWindow = 24 * time.Hour

// OAuthStateTTL is how long an OAuth CSRF state entry lives before it
// expires unconsumed.
const OAuthStateTTL = 10 * time.Minute

// Identity is what a validated token resolves to: the account and
// organization the cache path is allowed to act as. No other identity
// detail flows past this boundary per §4.5.
type Identity struct {
	AccountID string
	OrgID     string
}

// ErrInvalidToken is returned for any token that does not resolve to a
// live API key or a non-expired session.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// ErrAlreadyRedeemed is returned when an OAuth state or invitation token
// has already been consumed — a ConflictError in the cache's taxonomy
// (§7), not a NotFound, since the caller's request was well-formed but
// collided with prior use.
var ErrAlreadyRedeemed = errors.New("auth: token already redeemed")

// Store is the pgx-backed identity store.
type Store struct {
	pool *pgxpool.Pool
}

// Schema is the DDL this package's queries assume; migrations are out of
// scope (§1).
const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	token_hash TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS invitations (
	token      TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	redeemed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS oauth_states (
	state      TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cas_key_grants (
	org_id TEXT NOT NULL,
	cas_key BYTEA NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, cas_key)
);
`

// Open connects to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// ValidateAPIKey resolves a raw API key token to its identity. API keys
// never expire on their own; they are revoked explicitly.
func (s *Store) ValidateAPIKey(ctx context.Context, rawToken string) (Identity, error) {
	var id Identity
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, org_id FROM api_keys
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, HashToken(rawToken)).Scan(&id.AccountID, &id.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validate api key: %w", err)
	}
	return id, nil
}

// ValidateSession resolves a raw session token, renewing its sliding
// expiry window on every validated call, and reports ErrInvalidToken once
// the window has lapsed.
func (s *Store) ValidateSession(ctx context.Context, rawToken string) (Identity, error) {
	hash := HashToken(rawToken)
	var id Identity
	err := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET expires_at = now() + $2
		WHERE token_hash = $1 AND expires_at > now()
		RETURNING account_id, org_id
	`, hash, SessionWindow).Scan(&id.AccountID, &id.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validate session: %w", err)
	}
	return id, nil
}

// CreateSession issues a new session for identity, returning the raw
// token to hand to the caller.
func (s *Store) CreateSession(ctx context.Context, id Identity) (string, error) {
	raw, err := GenerateSessionToken()
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (token_hash, account_id, org_id, expires_at)
		VALUES ($1, $2, $3, now() + $4)
	`, HashToken(raw), id.AccountID, id.OrgID, SessionWindow)
	if err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return raw, nil
}

// CreateInvitation issues a new invitation token for org, short- or
// long-lived depending on ttl (> 7 days selects the longer token format,
// per §4.5).
func (s *Store) CreateInvitation(ctx context.Context, org string, ttl time.Duration) (string, error) {
	token, err := GenerateInvitationToken(ttl > 7*24*time.Hour)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO invitations (token, org_id, expires_at)
		VALUES ($1, $2, now() + $3)
	`, token, org, ttl)
	if err != nil {
		return "", fmt.Errorf("auth: create invitation: %w", err)
	}
	return token, nil
}

// RedeemInvitation atomically consumes an invitation token, returning
// ErrAlreadyRedeemed if it was already used and ErrInvalidToken if it
// never existed or has expired.
func (s *Store) RedeemInvitation(ctx context.Context, token string) (org string, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE invitations
		SET redeemed_at = now()
		WHERE token = $1 AND redeemed_at IS NULL AND expires_at > now()
		RETURNING org_id
	`, token).Scan(&org)
	if errors.Is(err, pgx.ErrNoRows) {
		var stillExists bool
		checkErr := s.pool.QueryRow(ctx, `SELECT true FROM invitations WHERE token = $1`, token).Scan(&stillExists)
		if checkErr == nil && stillExists {
			return "", ErrAlreadyRedeemed
		}
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: redeem invitation: %w", err)
	}
	return org, nil
}

// CreateOAuthState issues a new, unconsumed OAuth CSRF state token.
func (s *Store) CreateOAuthState(ctx context.Context) (string, error) {
	state, err := GenerateOAuthState()
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, expires_at) VALUES ($1, now() + $2)
	`, state, OAuthStateTTL)
	if err != nil {
		return "", fmt.Errorf("auth: create oauth state: %w", err)
	}
	return state, nil
}

// ConsumeOAuthState atomically deletes and returns whether state was
// valid and unconsumed, via a single DELETE ... RETURNING so that two
// concurrent calls for the same state can never both succeed (§4.5,
// §8's OAuth-state atomicity property).
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (bool, error) {
	var deleted string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_states WHERE state = $1 AND expires_at > now() RETURNING state
	`, state).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: consume oauth state: %w", err)
	}
	return true, nil
}

// AccountHasCASKey is the cold-path DB check behind KeySets: whether org
// has ever been granted access to a CAS key, either by writing it or by a
// prior successful check.
func (s *Store) AccountHasCASKey(ctx context.Context, org string, key []byte) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT true FROM cas_key_grants WHERE org_id = $1 AND cas_key = $2
	`, org, key).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: check cas key grant: %w", err)
	}
	return exists, nil
}

// GrantCASKey records that org has access to key, called whenever org
// writes or is DB-verified to have previously referenced it.
func (s *Store) GrantCASKey(ctx context.Context, org string, key []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cas_key_grants (org_id, cas_key) VALUES ($1, $2)
		ON CONFLICT (org_id, cas_key) DO NOTHING
	`, org, key)
	if err != nil {
		return fmt.Errorf("auth: grant cas key: %w", err)
	}
	return nil
}
