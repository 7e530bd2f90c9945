// Package unitplan parses cargo's `--unit-graph` build plan and computes the
// content-derived fingerprint ("unit hash") that keys each compilation
// unit's cached artifacts, independent of machine, workspace layout, or
// wall-clock time.
package unitplan

import (
	"encoding/json"
	"fmt"
)

// CompileMode mirrors cargo's unit-graph compile-mode tag.
type CompileMode string

const (
	ModeTest           CompileMode = "test"
	ModeBuild          CompileMode = "build"
	ModeCheck          CompileMode = "check"
	ModeDoc            CompileMode = "doc"
	ModeDoctest        CompileMode = "doctest"
	ModeDocscrape      CompileMode = "docscrape"
	ModeRunCustomBuild CompileMode = "run-custom-build"
)

// PanicStrategy mirrors cargo's unit-graph panic strategy tag.
type PanicStrategy string

const (
	PanicUnwind PanicStrategy = "unwind"
	PanicAbort  PanicStrategy = "abort"
)

// Graph is the parsed output of `cargo build --unit-graph`.
type Graph struct {
	Version uint64 `json:"version"`
	Units   []Unit `json:"units"`
	Roots   []int  `json:"roots"`
}

// Unit is one compilation unit in the graph.
type Unit struct {
	PkgID        string       `json:"pkg_id"`
	Target       Target       `json:"target"`
	GraphProfile GraphProfile `json:"profile"`
	Platform     *string      `json:"platform"`
	Mode         CompileMode  `json:"mode"`
	Features     []string     `json:"features"`
	Dependencies []Dep        `json:"dependencies"`
}

// Target is the subset of cargo_metadata's Target cargo's unit graph embeds:
// the package target (lib/bin/build-script) being compiled.
type Target struct {
	Name     string   `json:"name"`
	Kind     []string `json:"kind"`
	SrcPath  string   `json:"src_path"`
	Edition  string   `json:"edition"`
	RequiredFeatures []string `json:"required-features,omitempty"`
}

// GraphProfile is the resolved profile settings cargo computed for a unit.
type GraphProfile struct {
	Name             string        `json:"name"`
	OptLevel         string        `json:"opt_level"`
	LTO              string        `json:"lto"`
	CodegenUnits     *uint64       `json:"codegen_units"`
	DebugInfo        *uint64       `json:"debuginfo"`
	DebugAssertions  bool          `json:"debug_assertions"`
	OverflowChecks   bool          `json:"overflow_checks"`
	Rpath            bool          `json:"rpath"`
	Incremental      bool          `json:"incremental"`
	Panic            PanicStrategy `json:"panic"`
}

// Dep is one edge in the unit graph, pointing at another unit by index.
type Dep struct {
	Index           int    `json:"index"`
	ExternCrateName string `json:"extern_crate_name"`
	Public          bool   `json:"public"`
	NoPrelude       bool   `json:"noprelude"`
}

// ParseGraph parses the JSON cargo prints for `cargo build --unit-graph -Z unstable-options`.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("unitplan: parse unit graph: %w", err)
	}
	return g, nil
}

// isStd reports whether a unit belongs to the standard library / sysroot
// crates (core, std, alloc, etc.), which cargo includes in the graph but
// which this cache never needs to fingerprint or restore independently —
// they come from the fixed toolchain, not the workspace.
func isStd(u Unit) bool {
	switch u.PkgID {
	case "core", "std", "alloc", "proc_macro", "test":
		return true
	}
	return false
}
