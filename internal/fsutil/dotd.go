package fsutil

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// dotdOutputExts are the file extensions ParseDotd records as cache-relevant
// outputs; cargo's .d files also mention inputs, which we are not interested
// in here.
var dotdOutputExts = []string{".d", ".rlib", ".rmeta", ".so"}

// ParseDotd extracts the output paths that cargo records in a `.d`
// dependency-info file, exactly as the file writes them (no relocation is
// applied; callers re-express them as needed). These list every artifact —
// including undeclared ones the unit graph alone would not reveal — that a
// build-script-execution or rustc invocation produced.
func ParseDotd(r io.Reader) ([]string, error) {
	var outputs []string
	scanner := bufio.NewScanner(r)
	// .d files can have very long lines listing every transitive input.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		output = strings.TrimSpace(output)
		for _, ext := range dotdOutputExts {
			if strings.HasSuffix(output, ext) {
				outputs = append(outputs, output)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fsutil: scan .d file: %w", err)
	}
	return outputs, nil
}
