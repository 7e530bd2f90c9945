// Package path implements QualifiedPath, a relocatable representation of
// paths that appear inside cargo build output (dep-info files, build-script
// output, rustc diagnostics). The cache must record *what a path is relative
// to* so that it can be replayed on a different machine and workspace.
package path

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind discriminates the QualifiedPath variants.
type Kind string

const (
	// KindRootless paths are natively relative and carry no further meaning;
	// they are restored byte-for-byte as written.
	KindRootless Kind = "rootless"
	// KindRelativeTargetProfile paths are relative to the workspace's
	// target/<profile> (or host profile, for build-script-execution units
	// with no target arch) directory.
	KindRelativeTargetProfile Kind = "relative_target_profile"
	// KindRelativeCargoHome paths are relative to $CARGO_HOME.
	KindRelativeCargoHome Kind = "relative_cargo_home"
	// KindAbsolute paths are kept as absolute system paths (SDK headers,
	// system libraries) — considered safe to share because units are keyed
	// by target triple and platform bucket already.
	KindAbsolute Kind = "absolute"
)

// QualifiedPath is a path tagged with what it is relative to, so it can be
// reconstructed against a different Workspace on restore.
type QualifiedPath struct {
	Kind Kind
	Rel  string // for Rootless/RelativeTargetProfile/RelativeCargoHome
	Abs  string // for Absolute
}

type wireQualifiedPath struct {
	Kind Kind   `json:"t"`
	Path string `json:"c"`
}

// MarshalJSON implements the {t,c} tagged-union wire shape used throughout
// the rest of the cache's saved records.
func (p QualifiedPath) MarshalJSON() ([]byte, error) {
	w := wireQualifiedPath{Kind: p.Kind}
	if p.Kind == KindAbsolute {
		w.Path = p.Abs
	} else {
		w.Path = p.Rel
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *QualifiedPath) UnmarshalJSON(data []byte) error {
	var w wireQualifiedPath
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("path: unmarshal QualifiedPath: %w", err)
	}
	switch w.Kind {
	case KindRootless, KindRelativeTargetProfile, KindRelativeCargoHome:
		p.Kind = w.Kind
		p.Rel = w.Path
	case KindAbsolute:
		p.Kind = KindAbsolute
		p.Abs = w.Path
	default:
		return fmt.Errorf("path: unknown QualifiedPath kind %q", w.Kind)
	}
	return nil
}

// Workspace is the relocation context QualifiedPath needs to parse and
// reconstruct paths: the target directory root and the user's cargo home.
type Workspace struct {
	// TargetDir is the workspace's target/ directory (e.g. <root>/target).
	TargetDir string
	// CargoHome is $CARGO_HOME, defaulting to ~/.cargo.
	CargoHome string
}

// targetProfileDir returns target/<profile> or target/<triple>/<profile>
// depending on whether the unit cross-compiles.
func (ws Workspace) targetProfileDir(profile string, targetArch string) string {
	if targetArch != "" {
		return filepath.Join(ws.TargetDir, targetArch, profile)
	}
	return filepath.Join(ws.TargetDir, profile)
}

// Parse classifies path (as produced by the compiler for the given unit's
// profile/targetArch) into a QualifiedPath. exists is injected so tests and
// callers can avoid a real filesystem stat; it should report whether the
// given absolute path exists on disk.
func Parse(ws Workspace, profile string, targetArch string, p string, exists func(string) bool) (QualifiedPath, error) {
	profileDir := ws.targetProfileDir(profile, targetArch)

	if !filepath.IsAbs(p) {
		if exists(filepath.Join(profileDir, p)) {
			return QualifiedPath{Kind: KindRelativeTargetProfile, Rel: filepath.ToSlash(p)}, nil
		}
		if exists(filepath.Join(ws.CargoHome, p)) {
			return QualifiedPath{Kind: KindRelativeCargoHome, Rel: filepath.ToSlash(p)}, nil
		}
		return QualifiedPath{Kind: KindRootless, Rel: filepath.ToSlash(p)}, nil
	}

	if rel, ok := relativeTo(p, profileDir); ok {
		return QualifiedPath{Kind: KindRelativeTargetProfile, Rel: rel}, nil
	}
	if rel, ok := relativeTo(p, ws.CargoHome); ok {
		return QualifiedPath{Kind: KindRelativeCargoHome, Rel: rel}, nil
	}
	return QualifiedPath{Kind: KindAbsolute, Abs: filepath.ToSlash(p)}, nil
}

// relativeTo returns p relative to base if p lies within base.
func relativeTo(p, base string) (string, bool) {
	if base == "" {
		return "", false
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Reconstruct replays a QualifiedPath against ws for the given unit
// profile/targetArch, producing a concrete filesystem path.
func Reconstruct(p QualifiedPath, ws Workspace, profile string, targetArch string) string {
	switch p.Kind {
	case KindRootless:
		return filepath.FromSlash(p.Rel)
	case KindRelativeTargetProfile:
		return filepath.Join(ws.targetProfileDir(profile, targetArch), filepath.FromSlash(p.Rel))
	case KindRelativeCargoHome:
		return filepath.Join(ws.CargoHome, filepath.FromSlash(p.Rel))
	case KindAbsolute:
		return filepath.FromSlash(p.Abs)
	default:
		return ""
	}
}
