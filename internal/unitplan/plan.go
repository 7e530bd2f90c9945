package unitplan

import (
	"fmt"
	"strings"

	"github.com/hurrycache/hurry/pkg/hash"
	"github.com/hurrycache/hurry/pkg/path"
	"github.com/hurrycache/hurry/pkg/wire"
)

// Variant discriminates the three shapes a compilation unit can take. The
// set is closed: cargo's unit graph never produces a fourth kind of
// compilation the cache needs to understand.
type Variant string

const (
	// VariantLibraryCrate is an ordinary `rustc` invocation producing an
	// rlib/rmeta/dylib and its dep-info file.
	VariantLibraryCrate Variant = "library_crate"
	// VariantBuildScriptCompilation is compiling a package's build.rs into
	// the executable cargo will later run.
	VariantBuildScriptCompilation Variant = "build_script_compilation"
	// VariantBuildScriptExecution is running that compiled build script and
	// capturing its stdout protocol (cargo:rustc-cfg, cargo:rerun-if-*,
	// env vars) plus whatever it writes to OUT_DIR.
	VariantBuildScriptExecution Variant = "build_script_execution"
)

// UnitInfo is the data every UnitPlan variant carries in common.
type UnitInfo struct {
	PackageName    string
	PackageVersion string
	UnitHash       wire.UnitHash
}

// ExpectedOutput is one file a unit is predicted to produce, before the
// compiler actually runs. Prediction can be incomplete — see
// fsutil.ParseDotd, which cross-checks this list against the compiler's own
// dep-info file after the fact.
type ExpectedOutput struct {
	Target     path.QualifiedPath
	Executable bool
}

// UnitPlan is the tagged union described in the data model: a library
// crate compile, a build-script compile, or a build-script execution. Only
// one of the three variant-specific fields is populated, selected by
// Variant — this mirrors cargo's own unit-graph shape more directly than a
// Go interface hierarchy would, and keeps the common fields in one place.
type UnitPlan struct {
	Info    UnitInfo
	Variant Variant

	// CrateRootPath is set for VariantLibraryCrate and
	// VariantBuildScriptCompilation: the source file cargo invokes rustc
	// on.
	CrateRootPath string

	// BuildScriptProgram is set for VariantBuildScriptExecution: the path
	// to the compiled build-script binary cargo runs.
	BuildScriptProgram string

	// RerunIfPaths are file paths the build script previously declared via
	// `cargo:rerun-if-changed`, absorbed into the fingerprint of the next
	// execution of the same script.
	RerunIfPaths []string

	ExpectedOutputs []ExpectedOutput
}

// packageNameVersion splits cargo's `pkg_id` field ("name version (source)")
// into its name and version components.
func packageNameVersion(pkgID string) (name, version string) {
	fields := strings.Fields(pkgID)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], fields[1]
	}
}

// variantOf classifies a unit graph node into its UnitPlan variant.
func variantOf(u Unit) Variant {
	if u.Mode == ModeRunCustomBuild {
		return VariantBuildScriptExecution
	}
	for _, k := range u.Target.Kind {
		if k == "custom-build" {
			return VariantBuildScriptCompilation
		}
	}
	return VariantLibraryCrate
}

// extraFilename is cargo's disambiguating suffix appended to output
// filenames so two builds of the same crate name/version with different
// inputs don't collide in one profile directory. Real cargo derives this
// from its own internal metadata hash; since the fingerprint this cache
// computes already serves exactly that purpose (any input difference
// changes it), a short prefix of the UnitHash plays the same structural
// role here.
func extraFilename(h wire.UnitHash) string {
	s := h.String()
	if len(s) > 16 {
		s = s[:16]
	}
	return "-" + s
}

// libraryOutputs predicts the rlib/rmeta/dep-info filenames for a library
// crate unit, relative to its profile directory.
func libraryOutputs(u Unit, h wire.UnitHash) []ExpectedOutput {
	suffix := extraFilename(h)
	crateName := strings.ReplaceAll(u.Target.Name, "-", "_")
	var outs []ExpectedOutput
	isLib := false
	for _, k := range u.Target.Kind {
		if k == "lib" || k == "rlib" {
			isLib = true
		}
	}
	if isLib {
		outs = append(outs,
			ExpectedOutput{Target: path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf("lib%s%s.rlib", crateName, suffix)}},
			ExpectedOutput{Target: path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf("lib%s%s.rmeta", crateName, suffix)}},
		)
	} else {
		outs = append(outs, ExpectedOutput{
			Target:     path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: crateName + suffix},
			Executable: true,
		})
	}
	outs = append(outs, ExpectedOutput{
		Target: path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf(".fingerprint/%s%s/dep-lib-%s", crateName, suffix, crateName)},
	})
	return outs
}

// buildScriptOutputs predicts the compiled build-script executable's
// output path.
func buildScriptOutputs(u Unit, h wire.UnitHash) []ExpectedOutput {
	suffix := extraFilename(h)
	crateName := strings.ReplaceAll(u.Target.Name, "-", "_")
	return []ExpectedOutput{
		{
			Target:     path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf("build/%s%s/build-script-build", crateName, suffix)},
			Executable: true,
		},
	}
}

// executionOutputs predicts where a build script's captured stdout and
// OUT_DIR side effects land.
func executionOutputs(u Unit, h wire.UnitHash) []ExpectedOutput {
	suffix := extraFilename(h)
	crateName := strings.ReplaceAll(u.Target.Name, "-", "_")
	return []ExpectedOutput{
		{Target: path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf("build/%s%s/output", crateName, suffix)}},
		{Target: path.QualifiedPath{Kind: path.KindRelativeTargetProfile, Rel: fmt.Sprintf("build/%s%s/out", crateName, suffix)}},
	}
}

// Plan converts a fingerprinted unit graph into the ordered set of
// UnitPlan records the cache engine restores and captures. hashes must
// cover every non-std unit (e.g. via FingerprintGraph); units without an
// entry are skipped as standard-library/sysroot crates.
func Plan(g Graph, hashes map[int]wire.UnitHash) []UnitPlan {
	plans := make([]UnitPlan, 0, len(g.Units))
	for idx, u := range g.Units {
		h, ok := hashes[idx]
		if !ok {
			continue
		}
		name, version := packageNameVersion(u.PkgID)
		info := UnitInfo{PackageName: name, PackageVersion: version, UnitHash: h}
		variant := variantOf(u)

		p := UnitPlan{Info: info, Variant: variant}
		switch variant {
		case VariantLibraryCrate:
			p.CrateRootPath = u.Target.SrcPath
			p.ExpectedOutputs = libraryOutputs(u, h)
		case VariantBuildScriptCompilation:
			p.CrateRootPath = u.Target.SrcPath
			p.ExpectedOutputs = buildScriptOutputs(u, h)
		case VariantBuildScriptExecution:
			p.ExpectedOutputs = executionOutputs(u, h)
		}
		plans = append(plans, p)
	}
	return plans
}

// CasKey derives the CAS content key for a blob from its bytes — a thin
// wrapper kept here so callers reach for one obvious place when wiring a
// UnitPlan's expected outputs to the CAS client.
func CasKey(content []byte) hash.Digest {
	return hash.Sum(content)
}
