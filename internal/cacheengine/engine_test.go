package cacheengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrycache/hurry/internal/casclient"
	"github.com/hurrycache/hurry/internal/unitplan"
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
	"github.com/hurrycache/hurry/pkg/wire"
)

// fakeBackend is an in-memory casclient.Backend for exercising the cache
// engine without a live server, mirroring cache/backend.rs's testable
// CacheBackend trait.
type fakeBackend struct {
	units map[wire.UnitHash]wire.SavedUnit
	blobs map[hash.Digest][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{units: map[wire.UnitHash]wire.SavedUnit{}, blobs: map[hash.Digest][]byte{}}
}

func (f *fakeBackend) CargoSave(_ context.Context, units []wire.UnitSave) error {
	for _, u := range units {
		f.units[u.UnitHash] = u.Unit
	}
	return nil
}

func (f *fakeBackend) CargoRestore(_ context.Context, hashes []wire.UnitHash, _ *wire.GlibcVersion) ([]wire.RestoredUnit, error) {
	var out []wire.RestoredUnit
	for _, h := range hashes {
		if su, ok := f.units[h]; ok {
			out = append(out, wire.RestoredUnit{UnitHash: h, Unit: su})
		}
	}
	return out, nil
}

func (f *fakeBackend) CargoReset(_ context.Context) error {
	f.units = map[wire.UnitHash]wire.SavedUnit{}
	return nil
}

func (f *fakeBackend) CasStore(_ context.Context, key hash.Digest, content []byte) (bool, error) {
	if _, ok := f.blobs[key]; ok {
		return false, nil
	}
	f.blobs[key] = content
	return true, nil
}

func (f *fakeBackend) CasGet(_ context.Context, key hash.Digest) ([]byte, bool, error) {
	b, ok := f.blobs[key]
	return b, ok, nil
}

func (f *fakeBackend) CasExists(_ context.Context, key hash.Digest) (bool, error) {
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeBackend) CasStoreBulk(_ context.Context, entries map[hash.Digest][]byte) (wire.BulkStoreResult, error) {
	var res wire.BulkStoreResult
	for k, v := range entries {
		if _, ok := f.blobs[k]; ok {
			res.Skipped = append(res.Skipped, k)
			continue
		}
		f.blobs[k] = v
		res.Written = append(res.Written, k)
	}
	return res, nil
}

func (f *fakeBackend) CasGetBulk(_ context.Context, keys []hash.Digest) (map[hash.Digest][]byte, error) {
	out := make(map[hash.Digest][]byte, len(keys))
	for _, k := range keys {
		if b, ok := f.blobs[k]; ok {
			out[k] = b
		}
	}
	return out, nil
}

func (f *fakeBackend) CacheStats(_ context.Context) (casclient.CacheStatsReport, error) {
	return casclient.CacheStatsReport{}, nil
}

func readFile(t *testing.T, p string) []byte {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return b
}

// TestRestoreIdempotence is spec.md §8's restore-idempotence property:
// restore; restore produces the same directory contents (same bytes, same
// mtimes) as a single restore.
func TestRestoreIdempotence(t *testing.T) {
	dir := t.TempDir()
	ws := path.Workspace{TargetDir: filepath.Join(dir, "target"), CargoHome: filepath.Join(dir, "cargo-home")}

	content := []byte("hello")
	key := hash.Sum(content)
	target := path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: "libfoo-abc.rlib"}
	mtimeNanos := int64(1_700_000_000_000_000_000)

	var unitHash wire.UnitHash
	unitHash[0] = 1

	backend := newFakeBackend()
	backend.blobs[key] = content
	backend.units[unitHash] = wire.SavedUnit{
		Kind: wire.KindCargo,
		Artifacts: []wire.Artifact{
			{Target: target, Hash: key, Metadata: wire.Metadata{Size: int64(len(content)), ModifiedNS: mtimeNanos, Executable: false}},
		},
	}

	engine := &Engine{Workspace: ws, Profile: "debug", Backend: backend}

	plans := []unitplan.UnitPlan{{Info: unitplan.UnitInfo{UnitHash: unitHash}}}

	destPath := path.Reconstruct(target, ws, "debug", "")

	result1, err := engine.Restore(context.Background(), plans, nil, nil)
	require.NoError(t, err)
	require.Contains(t, result1.Restored, unitHash)

	info1, err := os.Stat(destPath)
	require.NoError(t, err)
	bytes1 := readFile(t, destPath)

	result2, err := engine.Restore(context.Background(), plans, nil, nil)
	require.NoError(t, err)
	require.Contains(t, result2.Restored, unitHash)

	info2, err := os.Stat(destPath)
	require.NoError(t, err)
	bytes2 := readFile(t, destPath)

	assert.Equal(t, bytes1, bytes2)
	assert.Equal(t, content, bytes2)
	assert.Equal(t, info1.ModTime().UnixNano(), info2.ModTime().UnixNano())
	assert.Equal(t, mtimeNanos, info2.ModTime().UnixNano())
}

func TestRestoreReportsMissingUnits(t *testing.T) {
	dir := t.TempDir()
	ws := path.Workspace{TargetDir: filepath.Join(dir, "target"), CargoHome: filepath.Join(dir, "cargo-home")}
	backend := newFakeBackend()
	engine := &Engine{Workspace: ws, Profile: "debug", Backend: backend}

	var knownHash, unknownHash wire.UnitHash
	knownHash[0] = 1
	unknownHash[0] = 2

	plans := []unitplan.UnitPlan{
		{Info: unitplan.UnitInfo{UnitHash: knownHash}},
		{Info: unitplan.UnitInfo{UnitHash: unknownHash}},
	}

	result, err := engine.Restore(context.Background(), plans, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Restored)
	assert.ElementsMatch(t, []wire.UnitHash{knownHash, unknownHash}, result.Missing)
}
