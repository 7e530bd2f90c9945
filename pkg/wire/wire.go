// Package wire defines the JSON contracts exchanged between the client cache
// engine, the upload daemon, and the storage server: saved units, artifacts,
// and bulk CAS request/response shapes.
package wire

import (
	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
)

// Kind names the build system a cached record belongs to. Only Cargo exists
// today, but the tag is carried through so the schema does not need to
// change if a second build system is ever cached.
type Kind string

// KindCargo is the only Kind this module supports.
const KindCargo Kind = "cargo"

// GlibcVersion is the {major, minor, patch} version of glibc a unit's
// build-script-execution output or dynamically linked artifact was produced
// against, used for forward-compatibility matching on restore.
type GlibcVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Compatible reports whether a consumer built against "have" glibc can safely
// reuse an artifact produced against g ("stored"): the stored glibc must be
// no newer than the host's.
func (g GlibcVersion) Compatible(have GlibcVersion) bool {
	if g.Major != have.Major {
		return g.Major < have.Major
	}
	return g.Minor <= have.Minor
}

// UnitHash is the content-derived fingerprint identifying one compilation
// unit, independent of any particular machine or workspace layout.
type UnitHash hash.Digest

func (h UnitHash) String() string { return hash.Digest(h).String() }

// Artifact is one output file belonging to a saved unit: its path (tagged so
// it can be relocated to a new workspace), the CAS key for its bytes, and the
// metadata needed to restore it faithfully.
type Artifact struct {
	Target   path.QualifiedPath `json:"target"`
	Hash     hash.Digest        `json:"hash"`
	Metadata Metadata           `json:"metadata"`
}

// Metadata is the subset of file metadata the cache restores. Restoring it
// must happen after the file's bytes are written and, for executables,
// after the executable bit is set — mtime is the last thing touched so the
// compiler's own freshness check (mtime newer than inputs) isn't tripped by
// the restore itself.
type Metadata struct {
	Size       int64 `json:"size"`
	ModifiedNS int64 `json:"modified_ns"`
	Executable bool  `json:"executable"`
}

// SavedUnit is the full saved record for one compilation unit: every output
// artifact it produced, keyed by UnitHash in the index. Variant names which
// of the unit's build-script roles (library/bscompile/bsexec) produced these
// artifacts, carried through from UnitSave so a restore can tell them apart.
type SavedUnit struct {
	Kind      Kind       `json:"kind"`
	Variant   string     `json:"variant"`
	Artifacts []Artifact `json:"artifacts"`
}

// SaveRequest is the daemon's upload payload for a batch of freshly compiled
// units, alongside CAS content to push for any artifacts the server doesn't
// already have.
type SaveRequest struct {
	Units []UnitSave `json:"units"`
}

// UnitSave pairs a unit's fingerprint and saved record with the target
// platform bucket it was produced for.
type UnitSave struct {
	UnitHash     UnitHash      `json:"unit_hash"`
	Unit         SavedUnit     `json:"unit"`
	Variant      string        `json:"variant"`
	GlibcVersion *GlibcVersion `json:"glibc_version,omitempty"`
}

// RestoreRequest asks the server for the best matching saved unit for each
// requested hash, given the host's glibc version (nil on non-Linux-gnu
// hosts, where glibc bucketing does not apply).
type RestoreRequest struct {
	UnitHashes       []UnitHash    `json:"unit_hashes"`
	HostGlibcVersion *GlibcVersion `json:"host_glibc_version,omitempty"`
}

// RestoreResponse carries the units the server could satisfy; hashes it has
// no record of are simply absent, not an error — a cache miss never fails
// the build.
type RestoreResponse struct {
	Units []RestoredUnit `json:"units"`
}

// RestoredUnit is one hash resolved to its saved record.
type RestoredUnit struct {
	UnitHash UnitHash  `json:"unit_hash"`
	Unit     SavedUnit `json:"unit"`
}

// BulkStoreResult reports the outcome of a bulk CAS write: which keys were
// newly written, which already existed (at-most-once semantics mean this is
// not an error), and which failed.
type BulkStoreResult struct {
	Written []hash.Digest       `json:"written"`
	Skipped []hash.Digest       `json:"skipped"`
	Errors  []BulkStoreKeyError `json:"errors,omitempty"`
}

// BulkStoreKeyError names one key that failed to write along with why.
type BulkStoreKeyError struct {
	Key     hash.Digest `json:"key"`
	Message string      `json:"message"`
}
