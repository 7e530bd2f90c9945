package cacheengine

import (
	"context"
	"fmt"
	"time"

	"github.com/hurrycache/hurry/pkg/wire"
)

// UploadRequest is what the engine hands to the daemon: the batch of
// freshly captured units to upload, plus the units the restore step
// already confirmed are cached (so the daemon skips re-uploading them).
type UploadRequest struct {
	ServerURL string
	Token     string
	Workspace WorkspaceInfo
	Units     []wire.UnitSave
	Skip      []wire.UnitHash
}

// WorkspaceInfo is the subset of workspace layout the daemon needs to
// reconstruct QualifiedPath targets when it captures outputs itself for
// any unit the engine didn't already capture inline.
type WorkspaceInfo struct {
	TargetDir  string
	CargoHome  string
	Profile    string
	TargetArch string
}

// UploadStatus mirrors the daemon's /api/v0/cargo/status response: either
// still running (with monotonic-except-TotalUnits counters) or Complete.
type UploadStatus struct {
	Complete       bool
	UploadedUnits  int64
	TotalUnits     int64
	UploadedFiles  int64
	UploadedBytes  int64
}

// DaemonClient is the engine's view of the upload daemon: hand off a batch
// asynchronously, then poll for status. The cache engine never uploads
// in-process — see §4.2 — specifically so a foreground process exit can't
// take an in-flight upload down with it.
type DaemonClient interface {
	Upload(ctx context.Context, req UploadRequest) (requestID string, err error)
	Status(ctx context.Context, requestID string) (UploadStatus, error)
}

// Save hands a batch of freshly captured units to the daemon and returns
// immediately with the daemon's opaque request id. Actual upload happens
// in the daemon's own background task.
func (e *Engine) Save(ctx context.Context, daemon DaemonClient, req UploadRequest) (string, error) {
	id, err := daemon.Upload(ctx, req)
	if err != nil {
		return "", fmt.Errorf("cacheengine: hand off upload to daemon: %w", err)
	}
	return id, nil
}

// UploadProgress receives delta updates as WaitForUpload polls the daemon.
type UploadProgress interface {
	// Advance reports how many more units/files/bytes completed since the
	// last call, and the current (possibly shrunk) total unit count.
	Advance(deltaUnits, deltaFiles, deltaBytes int64, total int64)
}

// WaitForUpload polls the daemon's status endpoint on a 1-second cadence
// until it reports Complete, reporting progress by delta against the last
// observed counters — total_units may shrink as capture discovers units
// that turned out to have no output, which UploadProgress.Advance's total
// parameter reflects directly rather than asserting monotonicity on it.
func WaitForUpload(ctx context.Context, daemon DaemonClient, requestID string, progress UploadProgress) error {
	var lastUnits, lastFiles, lastBytes int64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status, err := daemon.Status(ctx, requestID)
		if err != nil {
			return fmt.Errorf("cacheengine: poll upload status: %w", err)
		}
		if progress != nil {
			progress.Advance(
				status.UploadedUnits-lastUnits,
				status.UploadedFiles-lastFiles,
				status.UploadedBytes-lastBytes,
				status.TotalUnits,
			)
		}
		lastUnits, lastFiles, lastBytes = status.UploadedUnits, status.UploadedFiles, status.UploadedBytes

		if status.Complete {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
