package unitplan

import (
	"fmt"
	"sort"

	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/wire"
)

// PlatformBucket identifies the target this unit compiles for: the Rust
// target triple, plus the glibc major.minor on Linux GNU hosts (so units
// built against incompatible glibcs never share a cache entry, while units
// built against a compatible older glibc still can — see
// wire.GlibcVersion.Compatible).
type PlatformBucket struct {
	TargetTriple string
	Glibc        *wire.GlibcVersion // nil off Linux-gnu
}

func (b PlatformBucket) writeTo(h *hash.Hasher) {
	fmt.Fprintf(h, "triple=%s;", b.TargetTriple)
	if b.Glibc != nil {
		fmt.Fprintf(h, "glibc=%d.%d;", b.Glibc.Major, b.Glibc.Minor)
	} else {
		fmt.Fprint(h, "glibc=none;")
	}
}

// FingerprintInputs bundles everything fingerprint needs for one unit beyond
// the graph node itself: the already-computed fingerprints of its
// dependencies (keyed by extern_crate_name, since that's the only name
// stable across a dependency being renamed or appearing twice with
// different feature sets), the crate root's source content hash, and — for
// run-custom-build units — the contents of every file the build script
// declared via `cargo:rerun-if-changed`.
type FingerprintInputs struct {
	Platform           PlatformBucket
	CrateRootHash      hash.Digest
	DependencyHashes   map[string]wire.UnitHash // extern_crate_name -> dep fingerprint
	RerunIfFileHashes  []hash.Digest            // build-script-execution units only, in declared order
}

// Fingerprint computes the UnitHash for one unit. The inputs absorbed are,
// in order: a domain tag (so this never collides with a fingerprint from a
// different cached build system), the platform bucket, the canonicalized
// profile (opt level, LTO, codegen units with its tie-break, debug info,
// flags, panic strategy), the unit's sorted and deduplicated feature set,
// the crate's edition, the full pkg_id (package name, version and source),
// the target name and kind, the crate-root source content hash, the recursively composed dependency
// fingerprints, and — only for run-custom-build units — the rerun-if file
// contents. Two units with identical fingerprints are guaranteed to have
// been built from identical inputs; the converse is not promised (a hash
// collision is astronomically unlikely but not impossible).
func Fingerprint(u Unit, in FingerprintInputs) (wire.UnitHash, error) {
	h := hash.NewHasher()
	fmt.Fprint(h, "hurry:cargo:unit:v1;")

	in.Platform.writeTo(h)

	writeProfile(h, u.GraphProfile)

	features := append([]string(nil), u.Features...)
	sort.Strings(features)
	features = dedupSorted(features)
	fmt.Fprintf(h, "features=%v;", features)

	fmt.Fprintf(h, "edition=%s;", u.Target.Edition)
	fmt.Fprintf(h, "pkg=%s;", u.PkgID)
	fmt.Fprintf(h, "target=%s;kind=%v;", u.Target.Name, u.Target.Kind)

	fmt.Fprintf(h, "crate_root=%s;", in.CrateRootHash)

	names := make([]string, 0, len(u.Dependencies))
	for _, d := range u.Dependencies {
		names = append(names, d.ExternCrateName)
	}
	sort.Strings(names)
	for _, name := range names {
		depHash, ok := in.DependencyHashes[name]
		if !ok {
			return wire.UnitHash{}, fmt.Errorf("unitplan: missing dependency fingerprint for %q", name)
		}
		fmt.Fprintf(h, "dep[%s]=%s;", name, depHash)
	}

	if u.Mode == ModeRunCustomBuild {
		fmt.Fprint(h, "rerun_if=[")
		for _, fh := range in.RerunIfFileHashes {
			fmt.Fprintf(h, "%s,", fh)
		}
		fmt.Fprint(h, "];")
	}

	return wire.UnitHash(h.Sum()), nil
}

func writeProfile(h *hash.Hasher, p GraphProfile) {
	fmt.Fprintf(h, "profile.name=%s;profile.opt=%s;profile.lto=%s;", p.Name, p.OptLevel, p.LTO)
	// codegen_units affects codegen determinism and is always part of the
	// profile record: when cargo leaves it unset (None) a "none" sentinel is
	// absorbed, so units that differ only in codegen_units never share a
	// fingerprint.
	if p.CodegenUnits != nil {
		fmt.Fprintf(h, "profile.codegen_units=%d;", *p.CodegenUnits)
	} else {
		fmt.Fprint(h, "profile.codegen_units=none;")
	}
	di := uint64(0)
	if p.DebugInfo != nil {
		di = *p.DebugInfo
	}
	fmt.Fprintf(h, "profile.debuginfo=%d;", di)
	fmt.Fprintf(h, "profile.debug_assertions=%t;profile.overflow_checks=%t;profile.rpath=%t;profile.incremental=%t;profile.panic=%s;",
		p.DebugAssertions, p.OverflowChecks, p.Rpath, p.Incremental, p.Panic)
}

func dedupSorted(s []string) []string {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// FingerprintGraph computes fingerprints for every non-std unit in the
// graph in dependency (topological) order, so each unit's dependency
// fingerprints are available by the time it's processed. crateRootHash and
// rerunIfHashes are callbacks because computing them requires reading files
// off disk, which this package deliberately stays free of.
func FingerprintGraph(
	g Graph,
	platformFor func(u Unit) PlatformBucket,
	crateRootHash func(u Unit) (hash.Digest, error),
	rerunIfHashes func(u Unit) ([]hash.Digest, error),
) (map[int]wire.UnitHash, error) {
	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}

	result := make(map[int]wire.UnitHash, len(g.Units))
	for _, idx := range order {
		u := g.Units[idx]
		if isStd(u) {
			continue
		}

		depHashes := make(map[string]wire.UnitHash, len(u.Dependencies))
		for _, d := range u.Dependencies {
			if dh, ok := result[d.Index]; ok {
				depHashes[d.ExternCrateName] = dh
			}
		}

		crh, err := crateRootHash(u)
		if err != nil {
			return nil, fmt.Errorf("unitplan: crate root hash for %s: %w", u.PkgID, err)
		}

		var rerun []hash.Digest
		if u.Mode == ModeRunCustomBuild {
			rerun, err = rerunIfHashes(u)
			if err != nil {
				return nil, fmt.Errorf("unitplan: rerun-if hashes for %s: %w", u.PkgID, err)
			}
		}

		fp, err := Fingerprint(u, FingerprintInputs{
			Platform:          platformFor(u),
			CrateRootHash:     crh,
			DependencyHashes:  depHashes,
			RerunIfFileHashes: rerun,
		})
		if err != nil {
			return nil, err
		}
		result[idx] = fp
	}
	return result, nil
}

// topoOrder returns unit indices ordered so each unit appears after all of
// its dependencies.
func topoOrder(g Graph) ([]int, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(g.Units))
	order := make([]int, 0, len(g.Units))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("unitplan: cycle detected in unit graph at index %d", i)
		}
		state[i] = visiting
		for _, d := range g.Units[i].Dependencies {
			if err := visit(d.Index); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range g.Units {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
