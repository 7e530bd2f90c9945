// Package cacheengine orchestrates the client-side restore -> compile ->
// capture -> upload cycle: the one place that ties the unit planner, the
// CAS client, and the upload daemon together into the behavior described
// in the cache engine component of the design.
package cacheengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hurrycache/hurry/internal/casclient"
	"github.com/hurrycache/hurry/internal/fsutil"
	"github.com/hurrycache/hurry/internal/unitplan"
	"github.com/hurrycache/hurry/pkg/errors"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
	"github.com/hurrycache/hurry/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// bulkFetchConcurrency bounds how many units are materialized into the
// workspace concurrently during a restore; their CAS blobs are fetched
// beforehand in a single bulk request.
const bulkFetchConcurrency = 8

// Progress receives delta-style updates as restore/capture/upload proceed,
// matching the daemon's monotonic-except-total_units counter contract.
type Progress interface {
	UnitRestored(h wire.UnitHash)
	UnitMissed(h wire.UnitHash)
}

// noopProgress discards all updates.
type noopProgress struct{}

func (noopProgress) UnitRestored(wire.UnitHash) {}
func (noopProgress) UnitMissed(wire.UnitHash)   {}

// NoopProgress is a Progress that does nothing, for callers that don't
// need to observe restore progress.
var NoopProgress Progress = noopProgress{}

// Engine ties a workspace, the unit plans for the current build, and a
// storage Backend together to perform restore and capture. Upload is
// handed off to a DaemonClient rather than performed here — see §4.2: the
// engine never uploads in-process, so a foreground process exiting can
// never kill an in-flight upload.
type Engine struct {
	Workspace path.Workspace
	Profile   string
	TargetArch string
	Backend   casclient.Backend
}

// RestoredSet is the result of a restore call: which units were
// successfully materialized into the build directory, and which were
// cache misses the build will need to recompile.
type RestoredSet struct {
	Restored map[wire.UnitHash]wire.SavedUnit
	Missing  []wire.UnitHash
}

// Restore implements §4.2's restore operation: batch-request saved units
// for the given plans, bulk-fetch their CAS blobs, and materialize them
// into the workspace with the bytes-then-exec-bit-then-mtime ordering
// fsutil.Restore enforces.
func (e *Engine) Restore(ctx context.Context, plans []unitplan.UnitPlan, hostGlibc *wire.GlibcVersion, progress Progress) (RestoredSet, error) {
	if progress == nil {
		progress = NoopProgress
	}

	hashes := make([]wire.UnitHash, len(plans))
	byHash := make(map[wire.UnitHash]unitplan.UnitPlan, len(plans))
	for i, p := range plans {
		hashes[i] = p.Info.UnitHash
		byHash[p.Info.UnitHash] = p
	}

	restoredUnits, err := e.Backend.CargoRestore(ctx, hashes, hostGlibc)
	if err != nil {
		// A restore failure degrades to "nothing cached" per §7
		// (NetworkError/AuthError policy) — never fails the build.
		return RestoredSet{Missing: hashes}, nil
	}

	found := make(map[wire.UnitHash]wire.SavedUnit, len(restoredUnits))
	for _, ru := range restoredUnits {
		found[ru.UnitHash] = ru.Unit
	}

	result := RestoredSet{Restored: make(map[wire.UnitHash]wire.SavedUnit, len(found))}
	for _, h := range hashes {
		if _, ok := found[h]; !ok {
			result.Missing = append(result.Missing, h)
			progress.UnitMissed(h)
		}
	}

	// Collect every CAS key referenced across all restored units so they
	// can be fetched in one bulk round trip instead of one per artifact.
	var allKeys []hash.Digest
	seen := make(map[hash.Digest]struct{})
	for _, su := range found {
		for _, a := range su.Artifacts {
			if _, ok := seen[a.Hash]; !ok {
				seen[a.Hash] = struct{}{}
				allKeys = append(allKeys, a.Hash)
			}
		}
	}

	blobs, err := e.Backend.CasGetBulk(ctx, allKeys)
	if err != nil {
		// Same degrade-to-miss policy: treat every unit we couldn't fetch
		// blobs for as a miss rather than failing the build.
		for h := range found {
			result.Missing = append(result.Missing, h)
			progress.UnitMissed(h)
		}
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkFetchConcurrency)
	for h, su := range found {
		h, su := h, su
		g.Go(func() error {
			if err := e.materialize(gctx, su, blobs); err != nil {
				mu.Lock()
				result.Missing = append(result.Missing, h)
				mu.Unlock()
				progress.UnitMissed(h)
				return nil
			}
			mu.Lock()
			result.Restored[h] = su
			mu.Unlock()
			progress.UnitRestored(h)
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// materialize writes every artifact of one saved unit to disk.
func (e *Engine) materialize(ctx context.Context, su wire.SavedUnit, blobs map[hash.Digest][]byte) error {
	for _, a := range su.Artifacts {
		content, ok := blobs[a.Hash]
		if !ok {
			return fmt.Errorf("cacheengine: missing CAS blob %s for restore", a.Hash)
		}
		if hash.Sum(content) != a.Hash {
			return errors.New(errors.ErrCodeIntegrityHashMismatch,
				fmt.Sprintf("cacheengine: blob %s failed content verification on restore", a.Hash))
		}
		dest := path.Reconstruct(a.Target, e.Workspace, e.Profile, e.TargetArch)
		if err := fsutil.Restore(dest, bytes.NewReader(content), a.Metadata); err != nil {
			return fmt.Errorf("cacheengine: restore %s: %w", dest, err)
		}
	}
	return nil
}

// Capture implements §4.2's post-compile capture: for each unit's expected
// outputs, read the bytes, hash them, and emit an artifact record. A unit
// whose expected output is absent is excluded from the save batch entirely
// (the capture failure is scoped to that one unit) but does not abort
// capturing the rest.
func (e *Engine) Capture(plans []unitplan.UnitPlan, dotdOutputs map[wire.UnitHash][]string) ([]wire.UnitSave, []CaptureFailure) {
	var saves []wire.UnitSave
	var failures []CaptureFailure

	for _, p := range plans {
		rels := make([]string, 0, len(p.ExpectedOutputs)+len(dotdOutputs[p.Info.UnitHash]))
		for _, out := range p.ExpectedOutputs {
			if out.Target.Kind == path.KindRelativeTargetProfile {
				rels = append(rels, out.Target.Rel)
			}
		}
		rels = append(rels, dotdOutputs[p.Info.UnitHash]...)

		artifacts, err := e.captureUnit(p, rels)
		if err != nil {
			failures = append(failures, CaptureFailure{UnitHash: p.Info.UnitHash, Err: err})
			continue
		}
		saves = append(saves, wire.UnitSave{
			UnitHash: p.Info.UnitHash,
			Unit:     wire.SavedUnit{Kind: wire.KindCargo, Variant: string(p.Variant), Artifacts: artifacts},
			Variant:  string(p.Variant),
		})
	}
	return saves, failures
}

// CaptureFailure names a unit this capture pass excluded from the save
// batch and why — logged as a warning per §7, never fatal to the build.
type CaptureFailure struct {
	UnitHash wire.UnitHash
	Err      error
}

func (e *Engine) captureUnit(p unitplan.UnitPlan, rels []string) ([]wire.Artifact, error) {
	execSet := make(map[string]bool, len(p.ExpectedOutputs))
	for _, out := range p.ExpectedOutputs {
		if out.Target.Kind == path.KindRelativeTargetProfile {
			execSet[out.Target.Rel] = out.Executable
		}
	}

	seen := make(map[string]bool, len(rels))
	var artifacts []wire.Artifact
	for _, rel := range rels {
		if seen[rel] {
			continue
		}
		seen[rel] = true

		abs := path.Reconstruct(path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: rel}, e.Workspace, e.Profile, e.TargetArch)
		content, err := os.ReadFile(abs)
		if err != nil {
			if _, required := execSet[rel]; required {
				return nil, fmt.Errorf("cacheengine: required output %s missing after compile: %w", rel, err)
			}
			// Outputs discovered only via the .d file are best-effort;
			// absence there is not a capture failure for the whole unit.
			continue
		}
		meta, err := fsutil.CaptureMetadata(abs)
		if err != nil {
			return nil, fmt.Errorf("cacheengine: stat output %s: %w", rel, err)
		}
		artifacts = append(artifacts, wire.Artifact{
			Target:   path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: rel},
			Hash:     hash.Sum(content),
			Metadata: meta,
		})
	}
	return artifacts, nil
}
