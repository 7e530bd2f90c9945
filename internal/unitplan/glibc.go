package unitplan

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hurrycache/hurry/pkg/wire"
)

// ParseGlibcVersion parses a glibc version string such as "2.35" or
// "2.35.1". The patch component is optional and defaults to zero.
func ParseGlibcVersion(s string) (wire.GlibcVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return wire.GlibcVersion{}, fmt.Errorf("unitplan: invalid glibc version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return wire.GlibcVersion{}, fmt.Errorf("unitplan: invalid glibc major in %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return wire.GlibcVersion{}, fmt.Errorf("unitplan: invalid glibc minor in %q: %w", s, err)
	}
	patch := 0
	if len(parts) == 3 {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return wire.GlibcVersion{}, fmt.Errorf("unitplan: invalid glibc patch in %q: %w", s, err)
		}
	}
	return wire.GlibcVersion{Major: major, Minor: minor, Patch: patch}, nil
}

// glibcVersionCommand runs `ldd --version`'s first line, which on glibc
// systems reads e.g. "ldd (GNU libc) 2.35" — the most portable way for a Go
// binary to learn the linked glibc version without cgo.
var glibcVersionCommand = func() (string, error) {
	out, err := exec.Command("ldd", "--version").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// HostGlibcVersion reports the host's glibc version, or ok=false on
// non-glibc hosts (musl, macOS, Windows) where glibc bucketing does not
// apply.
func HostGlibcVersion() (v wire.GlibcVersion, ok bool, err error) {
	out, err := glibcVersionCommand()
	if err != nil {
		return wire.GlibcVersion{}, false, nil
	}
	firstLine, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(firstLine)
	if len(fields) == 0 {
		return wire.GlibcVersion{}, false, nil
	}
	v, perr := ParseGlibcVersion(fields[len(fields)-1])
	if perr != nil {
		return wire.GlibcVersion{}, false, nil
	}
	return v, true, nil
}
