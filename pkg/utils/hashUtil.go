package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashString returns the hex sha256 of data.
func HashString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HashFiles globs every pattern relative to root and returns a single digest
// over the sha256 of each matched regular file, in sorted path order.
// No matches yields the empty string so cache keys stay stable for optional
// lockfiles.
func HashFiles(root string, patterns ...string) (string, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var files []string

	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return "", fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil {
				return "", err
			}
			if !info.Mode().IsRegular() {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Strings(files)

	outer := sha256.New()
	for _, name := range files {
		sum, err := HashFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return "", err
		}
		raw, _ := hex.DecodeString(sum)
		outer.Write(raw)
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}
