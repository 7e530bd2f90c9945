// Package api implements the storage server's HTTP surface: the
// save/restore/reset cache endpoints and the CAS read/write/check/bulk
// endpoints described in §6.1, wrapped in the auth, rate-limit, and audit
// middleware described in §4.5 and §5. Routing and CORS/compression
// middleware that sits in front of this (reverse proxy, load balancer) are
// explicitly out of scope (§1) — this is the application router a real
// deployment mounts behind that layer.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hurrycache/hurry/internal/audit"
	"github.com/hurrycache/hurry/internal/auth"
	"github.com/hurrycache/hurry/internal/metrics"
	"github.com/hurrycache/hurry/internal/ratelimit"
	"github.com/hurrycache/hurry/internal/storage/cas"
	"github.com/hurrycache/hurry/internal/storage/index"
	"github.com/hurrycache/hurry/pkg/errors"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/health"
	"github.com/hurrycache/hurry/pkg/status"
	"github.com/hurrycache/hurry/pkg/types"
	"github.com/hurrycache/hurry/pkg/wire"
)

// maxJSONBody bounds ordinary JSON request bodies (§5: 100 MiB per JSON
// body). CAS single-blob writes are bounded separately at maxBlobBytes.
const maxJSONBody = 100 << 20

// maxBlobBytes bounds a single CAS write (§5: 10 GiB per request).
const maxBlobBytes = 10 << 30

// Deps bundles everything the router needs to serve requests.
type Deps struct {
	Index   *index.Store
	CAS     *cas.Store
	Auth    *auth.Store
	KeySets *auth.KeySets
	Audit   *audit.Log
	Limiter *ratelimit.Limiter
	Health  *health.Tracker
	Metrics *metrics.Collector
	Status  *status.Tracker
}

// recordOperation is a nil-safe wrapper so routes don't need to guard every
// call against metrics being disabled.
func (s *Server) recordOperation(operation string, start time.Time, size int64, success bool) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RecordOperation(operation, time.Since(start), size, success)
}

// Server is the storage server's HTTP handler.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// New builds the router with every route from §6.1 registered.
func New(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, wrapping every route in request-id
// and per-request zerolog middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withRequestLogging(s.withRequestID(s.mux)).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/cache/cargo/save", s.authenticated(ratelimit.TierCaching, s.handleCargoSave))
	s.mux.HandleFunc("POST /api/v1/cache/cargo/restore", s.authenticated(ratelimit.TierCaching, s.handleCargoRestore))
	s.mux.HandleFunc("POST /api/v1/cache/cargo/reset", s.authenticated(ratelimit.TierSensitive, s.handleCargoReset))

	s.mux.HandleFunc("HEAD /api/v1/cas/{key}", s.authenticated(ratelimit.TierCaching, s.handleCasCheck))
	s.mux.HandleFunc("GET /api/v1/cas/{key}", s.authenticated(ratelimit.TierCaching, s.handleCasRead))
	s.mux.HandleFunc("PUT /api/v1/cas/{key}", s.authenticated(ratelimit.TierCaching, s.handleCasWrite))
	s.mux.HandleFunc("POST /api/v1/cas/bulk/write", s.authenticated(ratelimit.TierCaching, s.handleCasBulkWrite))
	s.mux.HandleFunc("POST /api/v1/cas/bulk/read", s.authenticated(ratelimit.TierCaching, s.handleCasBulkRead))

	s.mux.HandleFunc("GET /api/v1/cache/stats", s.authenticated(ratelimit.TierSensitive, s.handleCacheStats))
}

// requestIDHeader is the header echoed on every response per §6.1.
const requestIDHeader = "x-request-id"

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written so the logging
// middleware can report it after the handler runs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLogging logs one zerolog event per request: method, path,
// status, latency, and the request id set by withRequestID.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := log.Info()
		if rec.status >= 500 {
			event = log.Error()
		} else if rec.status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Str("request_id", w.Header().Get(requestIDHeader)).
			Msg("request")
	})
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// handleHealth reports 200 iff both the DB and the CAS store respond
// (§6.1). The CAS store has no remote dependency to ping, so its half of
// this check is just confirming the handler itself runs. Successes and
// failures also feed the health.Tracker, whose "index" component turns
// degraded after a streak of failed pings and unavailable after a longer
// one; this handler's own status code still follows each individual ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Index.Ping(r.Context()); err != nil {
		if s.deps.Health != nil {
			s.deps.Health.RecordError("index", err)
		}
		writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrCodeInternalError, "database unreachable"))
		return
	}
	if s.deps.Health != nil {
		s.deps.Health.RecordSuccess("index")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticated wraps handler with bearer-token resolution and per-token
// rate limiting, per §4.5 and §5. On success, the resolved identity is
// passed to handler as its third argument.
func (s *Server) authenticated(tier ratelimit.Tier, handler func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New(errors.ErrCodeAuthTokenInvalid, "missing bearer token"))
			return
		}

		if !s.deps.Limiter.Allow(tier, token) {
			writeError(w, http.StatusTooManyRequests, errors.New(errors.ErrCodeNetworkServerError, "rate limit exceeded"))
			return
		}

		id, err := s.deps.Auth.ValidateAPIKey(r.Context(), token)
		if err != nil {
			id, err = s.deps.Auth.ValidateSession(r.Context(), token)
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New(errors.ErrCodeAuthTokenInvalid, "invalid or expired token"))
			return
		}

		handler(w, r, id)

		if s.deps.Audit != nil {
			_ = s.deps.Audit.Record(r.Context(), audit.Entry{
				AccountID: id.AccountID,
				OrgID:     id.OrgID,
				Action:    r.Method,
				Resource:  r.URL.Path,
				RequestID: w.Header().Get(requestIDHeader),
			})
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	return strings.TrimPrefix(v, prefix), true
}

func (s *Server) handleCargoSave(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	start := time.Now()
	var req wire.SaveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	ctx := r.Context()
	var opID string
	if s.deps.Status != nil {
		op, opCtx := s.deps.Status.StartOperation(ctx, "cargo_save", map[string]interface{}{"org": id.OrgID, "units": len(req.Units)})
		opID, ctx = op.ID, opCtx
	}

	entries := make([]index.SaveEntry, len(req.Units))
	for i, u := range req.Units {
		entries[i] = index.SaveEntry{UnitHash: u.UnitHash, Unit: u.Unit, Variant: u.Variant, GlibcVersion: u.GlibcVersion}
	}

	if err := s.deps.Index.Save(ctx, id.OrgID, entries); err != nil {
		s.recordOperation("cargo_save", start, int64(len(entries)), false)
		if opID != "" {
			_ = s.deps.Status.FailOperation(opID, err)
		}
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	s.recordOperation("cargo_save", start, int64(len(entries)), true)
	if opID != "" {
		_ = s.deps.Status.CompleteOperation(opID)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCargoRestore(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	start := time.Now()
	var req wire.RestoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	ctx := r.Context()
	var opID string
	if s.deps.Status != nil {
		op, opCtx := s.deps.Status.StartOperation(ctx, "cargo_restore", map[string]interface{}{"org": id.OrgID, "requested": len(req.UnitHashes)})
		opID, ctx = op.ID, opCtx
	}

	restored, err := s.deps.Index.Restore(ctx, id.OrgID, req.UnitHashes, req.HostGlibcVersion)
	if err != nil {
		s.recordOperation("cargo_restore", start, int64(len(req.UnitHashes)), false)
		if opID != "" {
			_ = s.deps.Status.FailOperation(opID, err)
		}
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	found := restored.Units
	s.recordOperation("cargo_restore", start, int64(len(found)), true)
	if opID != "" {
		_ = s.deps.Status.CompleteOperation(opID)
	}
	if s.deps.Metrics != nil {
		if missed := len(req.UnitHashes) - len(found); missed > 0 {
			s.deps.Metrics.RecordCacheMiss("cargo_restore", int64(missed))
		}
		if len(found) > 0 {
			s.deps.Metrics.RecordCacheHit("cargo_restore", int64(len(found)))
		}
		s.deps.Metrics.RecordGlibcGateRejection(restored.RejectedByGlibc)
	}

	resp := wire.RestoreResponse{Units: make([]wire.RestoredUnit, 0, len(found))}
	for h, su := range found {
		resp.Units = append(resp.Units, wire.RestoredUnit{UnitHash: h, Unit: su})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCargoReset(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.deps.Index.Reset(r.Context(), id.OrgID); err != nil {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cacheStatsResponse reports the server's two in-process cache hit rates:
// the CAS disk store's own hit/miss counters and the per-org KeySets
// authorization cache's, since a cold KeySets cache after a restart looks
// identical to a genuinely low CAS hit rate without this split.
type cacheStatsResponse struct {
	CAS     types.CacheStats `json:"cas"`
	KeySets types.CacheStats `json:"key_sets"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		CAS:     s.deps.CAS.Stats(),
		KeySets: s.deps.KeySets.Stats(),
	})
}

func (s *Server) handleCasCheck(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	allowed, err := s.authorizedForKey(r, id, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	if !allowed {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	exists, err := s.deps.CAS.Exists(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	if exists {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCacheHit(key.String(), 0)
		}
		w.WriteHeader(http.StatusOK)
	} else {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCacheMiss(key.String(), 0)
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCasRead(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	allowed, err := s.authorizedForKey(r, id, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	if !allowed {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rc, err := s.deps.CAS.Read(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternalError, err.Error()))
		return
	}
	if rc == nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCacheMiss(key.String(), 0)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	n, _ := io.Copy(w, rc)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordCacheHit(key.String(), n)
	}
}

func (s *Server) handleCasWrite(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	start := time.Now()
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxBlobBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeIoRead, err.Error()))
		return
	}
	if len(content) > maxBlobBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New(errors.ErrCodeIoWrite, "blob exceeds 10 GiB limit"))
		return
	}

	written, err := s.deps.CAS.Write(key, content)
	if err != nil {
		s.recordOperation("cas_write", start, int64(len(content)), false)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.deps.KeySets.Grant(id.OrgID, key)
	_ = s.deps.Auth.GrantCASKey(r.Context(), id.OrgID, key[:])
	s.recordOperation("cas_write", start, int64(len(content)), true)

	if written {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleCasBulkWrite(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	start := time.Now()
	entries, err := wire.ReadBulkStream(r.Body, maxBlobBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeIoRead, err.Error()))
		return
	}

	result := wire.BulkStoreResult{}
	var totalSize int64
	for _, e := range entries {
		written, err := s.deps.CAS.Write(e.Key, e.Content)
		if err != nil {
			result.Errors = append(result.Errors, wire.BulkStoreKeyError{Key: e.Key, Message: err.Error()})
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordError("cas_bulk_write", err)
			}
			continue
		}
		s.deps.KeySets.Grant(id.OrgID, e.Key)
		_ = s.deps.Auth.GrantCASKey(r.Context(), id.OrgID, e.Key[:])
		totalSize += int64(len(e.Content))
		if written {
			result.Written = append(result.Written, e.Key)
		} else {
			result.Skipped = append(result.Skipped, e.Key)
		}
	}
	s.recordOperation("cas_bulk_write", start, totalSize, len(result.Errors) == 0)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCasBulkRead(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	start := time.Now()
	var req struct {
		Keys []hash.Digest `json:"keys"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	sw := wire.NewBulkStreamWriter(w)

	var hits, misses, totalSize int64
	for _, key := range req.Keys {
		allowed, err := s.authorizedForKey(r, id, key)
		if err != nil || !allowed {
			misses++
			continue
		}
		rc, err := s.deps.CAS.Read(key)
		if err != nil || rc == nil {
			misses++
			continue
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			misses++
			continue
		}
		hits++
		totalSize += int64(len(content))
		_ = sw.WriteEntry(key, content)
	}
	if s.deps.Metrics != nil {
		if hits > 0 {
			s.deps.Metrics.RecordCacheHit("cas_bulk_read", totalSize)
		}
		if misses > 0 {
			s.deps.Metrics.RecordCacheMiss("cas_bulk_read", 0)
		}
	}
	s.recordOperation("cas_bulk_read", start, totalSize, true)
}

// authorizedForKey checks the org's KeySets cache, falling back to the DB
// (and populating the cache on a hit) per §4.3.1.
func (s *Server) authorizedForKey(r *http.Request, id auth.Identity, key hash.Digest) (bool, error) {
	return s.deps.KeySets.CheckAllowed(r.Context(), id.OrgID, key)
}

func parseKey(w http.ResponseWriter, r *http.Request) (hash.Digest, bool) {
	key, err := hash.Parse(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeIntegrityBadMetadata, "invalid CAS key"))
		return hash.Digest{}, false
	}
	return key, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodePlanUnitGraphInvalid, fmt.Sprintf("invalid request body: %v", err)))
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// RequestTimeout is the 30-minute per-request timeout from §5, applied by
// the HTTP server this router is mounted on.
const RequestTimeout = 30 * time.Minute
