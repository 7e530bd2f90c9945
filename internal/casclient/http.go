package casclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hurrycache/hurry/internal/circuit"
	"github.com/hurrycache/hurry/pkg/errors"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/retry"
	"github.com/hurrycache/hurry/pkg/wire"
)

// maxBulkEntryBytes bounds a single bulk-stream entry's declared length —
// the same 10 GiB body limit the server enforces on a single CAS write.
const maxBulkEntryBytes = 10 << 30

// HTTPBackend is the only Backend implementation this module ships: a
// client for the storage server's /api/v1 routes, wrapped in retry and
// circuit-breaking so a flaky or down server degrades the build cache
// instead of the build.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
}

// NewHTTPBackend constructs a backend talking to baseURL (e.g.
// "https://hurry.example.com/api/v1") with a bearer token.
func NewHTTPBackend(baseURL, token string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Minute, // accommodate large bulk transfers, per spec §5
		},
		retryer: retry.New(retry.DefaultConfig()),
		breaker: circuit.NewCircuitBreaker("cas-client", circuit.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
		}),
	}
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("casclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	return req, nil
}

// do executes req through the retryer and circuit breaker, classifying
// network failures so callers can tell "server said no" from "couldn't
// reach the server" (the latter is always a safe cache miss per §7).
func (b *HTTPBackend) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := b.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return b.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			r, err := b.client.Do(req.WithContext(ctx))
			if err != nil {
				return errors.New(errors.ErrCodeNetworkConnectFailed, err.Error()).WithCause(err)
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("casclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// CargoSave implements Backend.
func (b *HTTPBackend) CargoSave(ctx context.Context, units []wire.UnitSave) error {
	body, err := json.Marshal(wire.SaveRequest{Units: units})
	if err != nil {
		return fmt.Errorf("casclient: marshal save request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, "/cache/cargo/save", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return httpStatusError(resp)
	}
	return nil
}

// CargoRestore implements Backend.
func (b *HTTPBackend) CargoRestore(ctx context.Context, hashes []wire.UnitHash, hostGlibc *wire.GlibcVersion) ([]wire.RestoredUnit, error) {
	body, err := json.Marshal(wire.RestoreRequest{UnitHashes: hashes, HostGlibcVersion: hostGlibc})
	if err != nil {
		return nil, fmt.Errorf("casclient: marshal restore request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, "/cache/cargo/restore", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	var out wire.RestoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("casclient: decode restore response: %w", err)
	}
	return out.Units, nil
}

// CargoReset implements Backend.
func (b *HTTPBackend) CargoReset(ctx context.Context) error {
	req, err := b.newRequest(ctx, http.MethodPost, "/cache/cargo/reset", nil)
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return httpStatusError(resp)
	}
	return nil
}

// CacheStats implements Backend.
func (b *HTTPBackend) CacheStats(ctx context.Context) (CacheStatsReport, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/cache/stats", nil)
	if err != nil {
		return CacheStatsReport{}, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return CacheStatsReport{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return CacheStatsReport{}, httpStatusError(resp)
	}

	var out CacheStatsReport
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CacheStatsReport{}, fmt.Errorf("casclient: decode cache stats response: %w", err)
	}
	return out, nil
}

// CasStore implements Backend.
func (b *HTTPBackend) CasStore(ctx context.Context, key hash.Digest, content []byte) (bool, error) {
	req, err := b.newRequest(ctx, http.MethodPut, "/cas/"+key.String(), bytes.NewReader(content))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(content))

	resp, err := b.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusOK:
		return false, nil
	default:
		return false, httpStatusError(resp)
	}
}

// CasGet implements Backend.
func (b *HTTPBackend) CasGet(ctx context.Context, key hash.Digest) ([]byte, bool, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/cas/"+key.String(), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, httpStatusError(resp)
	}
	content, digest, n, err := readAndVerify(resp.Body, key)
	if err != nil {
		return nil, false, err
	}
	_ = n
	if digest != key {
		return nil, false, errors.New(errors.ErrCodeIntegrityHashMismatch,
			fmt.Sprintf("casclient: blob for key %s hashes to %s", key, digest))
	}
	return content, true, nil
}

// CasExists implements Backend.
func (b *HTTPBackend) CasExists(ctx context.Context, key hash.Digest) (bool, error) {
	req, err := b.newRequest(ctx, http.MethodHead, "/cas/"+key.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, httpStatusError(resp)
	}
}

// CasStoreBulk implements Backend.
func (b *HTTPBackend) CasStoreBulk(ctx context.Context, entries map[hash.Digest][]byte) (wire.BulkStoreResult, error) {
	var buf bytes.Buffer
	for k, v := range entries {
		if err := wire.WriteBulkStream(&buf, []wire.BulkEntry{{Key: k, Content: v}}); err != nil {
			return wire.BulkStoreResult{}, fmt.Errorf("casclient: encode bulk write stream: %w", err)
		}
	}

	req, err := b.newRequest(ctx, http.MethodPost, "/cas/bulk/write", &buf)
	if err != nil {
		return wire.BulkStoreResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.do(ctx, req)
	if err != nil {
		return wire.BulkStoreResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return wire.BulkStoreResult{}, httpStatusError(resp)
	}

	var result wire.BulkStoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return wire.BulkStoreResult{}, fmt.Errorf("casclient: decode bulk write result: %w", err)
	}
	return result, nil
}

// CasGetBulk implements Backend.
func (b *HTTPBackend) CasGetBulk(ctx context.Context, keys []hash.Digest) (map[hash.Digest][]byte, error) {
	body, err := json.Marshal(struct {
		Keys []hash.Digest `json:"keys"`
	}{Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("casclient: marshal bulk read request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, "/cas/bulk/read", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	entries, err := wire.ReadBulkStream(resp.Body, maxBulkEntryBytes)
	if err != nil {
		return nil, fmt.Errorf("casclient: decode bulk read stream: %w", err)
	}
	out := make(map[hash.Digest][]byte, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Content
	}
	return out, nil
}

func readAndVerify(r io.Reader, want hash.Digest) ([]byte, hash.Digest, int64, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, hash.Digest{}, 0, fmt.Errorf("casclient: read blob body: %w", err)
	}
	return content, hash.Sum(content), int64(len(content)), nil
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	code := errors.ErrCodeNetworkServerError
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		code = errors.ErrCodeAuthTokenInvalid
	}
	return errors.New(code, fmt.Sprintf("storage server returned %s: %s", resp.Status, string(body)))
}
