package protocol

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// readLines returns the lines of path, or nil when it does not exist.
func (r *Runtime) readLines(ctx context.Context, path string) ([]string, error) {
	data, err := r.ReadFile(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (r *Runtime) writeLines(ctx context.Context, path string, lines []string, mode os.FileMode) error {
	data := strings.Join(lines, "\n")
	if len(lines) > 0 {
		data += "\n"
	}
	return r.WriteFile(ctx, path, []byte(data), mode)
}

// EnsureLine appends line to path unless an identical line is present.
// The file is created with mode when missing.
func (r *Runtime) EnsureLine(ctx context.Context, path, line string, mode os.FileMode) error {
	lines, err := r.readLines(ctx, path)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if l == line {
			return nil
		}
	}
	return r.writeLines(ctx, path, append(lines, line), mode)
}

// ReplaceLines drops every line matching match, then appends add (if
// non-empty). The file is rewritten only when its content changes. It
// reports whether it changed.
func (r *Runtime) ReplaceLines(ctx context.Context, path string, match func(string) bool, add string, mode os.FileMode) (bool, error) {
	lines, err := r.readLines(ctx, path)
	if err != nil {
		return false, err
	}
	kept := make([]string, 0, len(lines)+1)
	for _, l := range lines {
		if !match(l) {
			kept = append(kept, l)
		}
	}
	if add != "" {
		kept = append(kept, add)
	}
	if equalLines(lines, kept) {
		return false, nil
	}
	return true, r.writeLines(ctx, path, kept, mode)
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
