// Package listfile reads the plain-text token lists a classifier may
// consult (domain allowlists, IP blocklists, and similar): one token per
// line, blank lines ignored, '#' starting a comment that runs to the end
// of the line.
package listfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadArray reads every non-comment, non-blank line of r, stripped of any
// trailing '#'-comment and surrounding whitespace.
func ReadArray(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("listfile: %w", err)
	}
	return out, nil
}

// ReadFile opens path and runs ReadArray over its contents.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("listfile: %w", err)
	}
	defer f.Close()
	return ReadArray(f)
}
