// Package daemon implements the background upload process the client cache
// engine hands saves off to, per §4.2: the engine captures a compiled
// unit's outputs in-process but never uploads them itself, so a foreground
// `cargo build` exiting can never take an in-flight upload down with it.
// The daemon is discovered by a pid file and a socket-address file in the
// cargo home, spawned lazily on first use, and outlives the client that
// started it.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hurrycache/hurry/internal/cacheengine"
	"github.com/hurrycache/hurry/internal/casclient"
	"github.com/hurrycache/hurry/internal/metrics"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
	"github.com/hurrycache/hurry/pkg/wire"
)

// PidFileName and SocketFileName are the two files a running daemon leaves
// in the cargo home's hurry directory, per §4.2's discovery protocol.
const (
	PidFileName    = "hurryd.pid"
	SocketFileName = "hurryd.sock"
)

// SpawnWaitTimeout is how long a client waits for a freshly spawned
// daemon's socket file to appear before giving up and compiling without
// upload (a cache-engine failure degrades, it never blocks the build).
const SpawnWaitTimeout = 5 * time.Second

// job tracks one in-flight (or completed) upload request.
type job struct {
	mu     sync.Mutex
	status cacheengine.UploadStatus
}

func (j *job) snapshot() cacheengine.UploadStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// statusBucket is the bbolt bucket upload statuses are persisted under, so
// a client polling across a daemon restart still sees the last known state
// instead of a 404 (see DESIGN.md's daemon-restart open question).
var statusBucket = []byte("upload_status")

// Daemon is the upload daemon's process-wide state: a bbolt-backed status
// ledger and the set of upload jobs currently running or recently
// finished.
type Daemon struct {
	db      *bbolt.DB
	metrics *metrics.Collector

	mu   sync.Mutex
	jobs map[string]*job
}

// SetMetrics attaches a collector the daemon reports upload throughput and
// job concurrency to. Optional; a nil collector (the default) disables
// reporting without requiring callers to guard every call site.
func (d *Daemon) SetMetrics(m *metrics.Collector) {
	d.metrics = m
}

// Open opens (creating if necessary) the daemon's status database at
// statusDBPath, inside the cargo home's hurry directory.
func Open(statusDBPath string) (*Daemon, error) {
	if err := os.MkdirAll(filepath.Dir(statusDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create status dir: %w", err)
	}
	db, err := bbolt.Open(statusDBPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("daemon: open status db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daemon: create status bucket: %w", err)
	}
	return &Daemon{db: db, jobs: make(map[string]*job)}, nil
}

// Close releases the status database.
func (d *Daemon) Close() error { return d.db.Close() }

// persist writes a job's current status to bbolt so it survives a daemon
// restart mid-upload (the in-memory job itself does not survive — the
// persisted status is the last word a restarted daemon can give a poller).
func (d *Daemon) persist(requestID string, status cacheengine.UploadStatus) {
	_ = d.db.Update(func(tx *bbolt.Tx) error {
		buf, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return tx.Bucket(statusBucket).Put([]byte(requestID), buf)
	})
}

// loadPersisted reads a previously persisted status, used when a poll
// arrives for a request ID with no in-memory job (daemon restarted after
// the upload finished or while it was running).
func (d *Daemon) loadPersisted(requestID string) (cacheengine.UploadStatus, bool) {
	var status cacheengine.UploadStatus
	var found bool
	_ = d.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(statusBucket).Get([]byte(requestID))
		if buf == nil {
			return nil
		}
		found = json.Unmarshal(buf, &status) == nil
		return nil
	})
	return status, found
}

// StartUpload registers a new upload job and runs it in the background,
// returning its request id immediately.
func (d *Daemon) StartUpload(req cacheengine.UploadRequest) string {
	requestID := newRequestID()
	j := &job{status: cacheengine.UploadStatus{TotalUnits: int64(len(req.Units))}}

	d.mu.Lock()
	d.jobs[requestID] = j
	d.mu.Unlock()
	d.persist(requestID, j.snapshot())
	d.reportActiveJobs()

	go d.runUpload(requestID, j, req)
	return requestID
}

// reportActiveJobs publishes the current in-flight job count, giving an
// operator a live signal for how busy the daemon is and how deep its
// upload backlog runs.
func (d *Daemon) reportActiveJobs() {
	if d.metrics == nil {
		return
	}
	d.mu.Lock()
	n := 0
	for _, j := range d.jobs {
		if !j.snapshot().Complete {
			n++
		}
	}
	d.mu.Unlock()
	d.metrics.UpdateActiveConnections(n)
	d.metrics.UpdateUploadQueueDepth(n)
}

// Status returns the current status for requestID, checking in-memory jobs
// first and falling back to the persisted ledger.
func (d *Daemon) Status(requestID string) (cacheengine.UploadStatus, bool) {
	d.mu.Lock()
	j, ok := d.jobs[requestID]
	d.mu.Unlock()
	if ok {
		return j.snapshot(), true
	}
	return d.loadPersisted(requestID)
}

// AllStatuses returns a snapshot of every known job's status, keyed by
// request id: the statuses persisted in the ledger (including those from
// before a daemon restart), overlaid with every in-memory job's live status.
func (d *Daemon) AllStatuses() map[string]cacheengine.UploadStatus {
	out := make(map[string]cacheengine.UploadStatus)
	_ = d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, v []byte) error {
			var status cacheengine.UploadStatus
			if json.Unmarshal(v, &status) == nil {
				out[string(k)] = status
			}
			return nil
		})
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, j := range d.jobs {
		out[id] = j.snapshot()
	}
	return out
}

// skipSet builds a lookup of unit hashes the engine already confirmed are
// cached, so the daemon never re-uploads them.
func skipSet(skip []wire.UnitHash) map[wire.UnitHash]struct{} {
	set := make(map[wire.UnitHash]struct{}, len(skip))
	for _, h := range skip {
		set[h] = struct{}{}
	}
	return set
}

// runUpload reads each unit's artifact bytes back off disk, pushes the
// blobs to the server (which skips keys it already has), and records the
// unit rows in the index — in that order, and only for units whose every
// blob the server reported as written or already present, so an index row
// is never saved pointing at a CAS key the server never received.
func (d *Daemon) runUpload(requestID string, j *job, req cacheengine.UploadRequest) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	defer d.reportActiveJobs()

	backend := casclient.NewHTTPBackend(req.ServerURL, req.Token)
	ws := path.Workspace{TargetDir: req.Workspace.TargetDir, CargoHome: req.Workspace.CargoHome}
	skip := skipSet(req.Skip)

	units := make([]wire.UnitSave, 0, len(req.Units))
	for _, u := range req.Units {
		if _, skipped := skip[u.UnitHash]; skipped {
			continue
		}
		units = append(units, u)
	}

	blobs := make(map[hash.Digest][]byte)
	for _, u := range units {
		for _, a := range u.Artifacts {
			if _, ok := blobs[a.Hash]; ok {
				continue
			}
			abs := path.Reconstruct(a.Target, ws, req.Workspace.Profile, req.Workspace.TargetArch)
			content, err := os.ReadFile(abs)
			if err != nil {
				// The unit's bytes moved or were cleaned between capture and
				// upload; skip just this blob rather than aborting the batch.
				continue
			}
			if hash.Sum(content) != a.Hash {
				continue
			}
			blobs[a.Hash] = content
		}
	}

	result, err := backend.CasStoreBulk(ctx, blobs)
	if err != nil {
		d.finish(requestID, j, j.snapshot())
		d.recordUpload(start, 0, false)
		return
	}

	stored := make(map[hash.Digest]bool, len(blobs))
	var uploadedBytes int64
	for _, k := range result.Written {
		uploadedBytes += int64(len(blobs[k]))
		stored[k] = true
	}
	for _, k := range result.Skipped {
		stored[k] = true
	}
	d.advance(requestID, j, 0, int64(len(result.Written)+len(result.Skipped)), uploadedBytes, int64(len(units)))

	saved := make([]wire.UnitSave, 0, len(units))
	for _, u := range units {
		complete := true
		for _, a := range u.Artifacts {
			complete = complete && stored[a.Hash]
		}
		if complete {
			saved = append(saved, u)
		}
	}
	if err := backend.CargoSave(ctx, saved); err != nil {
		d.finish(requestID, j, j.snapshot())
		d.recordUpload(start, uploadedBytes, false)
		return
	}
	d.advance(requestID, j, int64(len(saved)), 0, 0, int64(len(units)))
	d.finish(requestID, j, j.snapshot())
	d.recordUpload(start, uploadedBytes, true)
}

// recordUpload reports one completed upload job's duration, byte count, and
// outcome. Failures here are cache-path failures only (§7): the build this
// upload was for has already finished by the time it runs.
func (d *Daemon) recordUpload(start time.Time, bytes int64, success bool) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordOperation("daemon_upload", time.Since(start), bytes, success)
}

func (d *Daemon) advance(requestID string, j *job, deltaUnits, deltaFiles, deltaBytes, total int64) {
	j.mu.Lock()
	j.status.UploadedUnits += deltaUnits
	j.status.UploadedFiles += deltaFiles
	j.status.UploadedBytes += deltaBytes
	j.status.TotalUnits = total
	snapshot := j.status
	j.mu.Unlock()
	d.persist(requestID, snapshot)
}

func (d *Daemon) finish(requestID string, j *job, snapshot cacheengine.UploadStatus) {
	j.mu.Lock()
	j.status.Complete = true
	snapshot = j.status
	j.mu.Unlock()
	d.persist(requestID, snapshot)
}

func newRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hash.Sum(buf[:]).String()[:32]
}
