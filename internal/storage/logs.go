// Package storage persists step logs.
package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// LogStorage writes one file per step under <run>/<instance>/.
type LogStorage struct {
	fs billy.Filesystem
}

// NewLogStorage creates a log store rooted at fs.
func NewLogStorage(fs billy.Filesystem) *LogStorage {
	return &LogStorage{fs: fs}
}

// SaveLog stores the output of one step and returns its path relative to
// the store root.
func (ls *LogStorage) SaveLog(runID, instance string, stepIndex int, step, output string) (string, error) {
	dir := path.Join(sanitize(runID), sanitize(instance))
	if err := ls.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := path.Join(dir, fmt.Sprintf("%02d_%s.log", stepIndex+1, sanitize(step)))
	if err := util.WriteFile(ls.fs, p, []byte(output), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// ReadLog returns a log previously written by SaveLog.
func (ls *LogStorage) ReadLog(p string) (string, error) {
	data, err := util.ReadFile(ls.fs, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sanitize keeps filename-safe characters; runs of anything else become '_'.
func sanitize(name string) string {
	var b strings.Builder
	under := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '.' {
			b.WriteRune(r)
			under = false
			continue
		}
		if !under {
			b.WriteByte('_')
			under = true
		}
	}
	clean := strings.Trim(b.String(), "_.")
	if clean == "" {
		return "step"
	}
	return clean
}
