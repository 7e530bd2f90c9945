// Package audit implements the storage server's append-only audit log:
// one row per authenticated request, cursor-paginated for later review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL this package's queries assume.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	action      TEXT NOT NULL,
	resource    TEXT NOT NULL,
	metadata    JSONB,
	request_id  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_log_org_cursor ON audit_log (org_id, id);
`

// Entry is one audit event.
type Entry struct {
	ID        int64             `json:"id"`
	AccountID string            `json:"account_id"`
	OrgID     string            `json:"org_id"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id"`
	CreatedAt time.Time         `json:"created_at"`
}

// Log is the pgx-backed append-only audit log.
type Log struct {
	pool *pgxpool.Pool
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return &Log{pool: pool}, nil
}

// Close releases the connection pool.
func (l *Log) Close() { l.pool.Close() }

// Record appends one audit entry. Audit logging failures are never
// allowed to fail the request they describe; callers should log and
// continue rather than propagate this error to the HTTP response.
func (l *Log) Record(ctx context.Context, e Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_log (account_id, org_id, action, resource, metadata, request_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.AccountID, e.OrgID, e.Action, e.Resource, metadata, e.RequestID)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Page is one cursor-paginated slice of an org's audit log, newest first.
type Page struct {
	Entries    []Entry
	NextCursor int64
	HasMore    bool
}

// List returns up to limit entries for org with id < beforeID (0 means
// start from the newest), ordered newest first.
func (l *Log) List(ctx context.Context, org string, beforeID int64, limit int) (Page, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cursor := beforeID
	if cursor <= 0 {
		cursor = 1<<63 - 1
	}

	rows, err := l.pool.Query(ctx, `
		SELECT id, account_id, org_id, action, resource, metadata, request_id, created_at
		FROM audit_log
		WHERE org_id = $1 AND id < $2
		ORDER BY id DESC
		LIMIT $3
	`, org, cursor, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var rawMetadata []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrgID, &e.Action, &e.Resource, &rawMetadata, &e.RequestID, &e.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("audit: scan row: %w", err)
		}
		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &e.Metadata); err != nil {
				return Page{}, fmt.Errorf("audit: unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("audit: iterate rows: %w", err)
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = page.Entries[len(page.Entries)-1].ID
	}
	return page, nil
}
