package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

const (
	archiveExt = ".tar.zst"
	entriesDir = "entries"
)

// FSStore keeps archives on a billy filesystem as
// entries/<base64url(key)>/<unix-nanos>.tar.zst. Only the newest archive per key is
// kept.
type FSStore struct {
	fs  billy.Filesystem
	now func() time.Time
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) FSOption {
	return func(s *FSStore) { s.now = now }
}

// NewFSStore creates a store rooted at fs.
func NewFSStore(fs billy.Filesystem, opts ...FSOption) *FSStore {
	s := &FSStore{fs: fs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FSStore) keyDir(key string) string {
	return s.fs.Join(entriesDir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	name, _, err := s.newest(s.keyDir(key))
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStore) Put(_ context.Context, key string, r io.Reader) error {
	dir := s.keyDir(key)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := s.fs.TempFile(dir, ".upload-")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return err
	}

	stamp := s.now().UnixNano()
	final := s.fs.Join(dir, strconv.FormatInt(stamp, 10)+archiveExt)
	if err := s.fs.Rename(tmp.Name(), final); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return err
	}

	stale, err := s.archives(dir)
	if err != nil {
		return nil
	}
	for _, a := range stale {
		if a.stamp < stamp {
			_ = s.fs.Remove(a.name)
		}
	}
	return nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]Entry, error) {
	dirs, err := s.fs.ReadDir(entriesDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(d.Name())
		if err != nil {
			continue
		}
		key := string(raw)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		_, stamp, err := s.newest(s.fs.Join(entriesDir, d.Name()))
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: key, Modified: time.Unix(0, stamp)})
	}
	return out, nil
}

type archiveFile struct {
	name  string
	stamp int64
}

func (s *FSStore) archives(dir string) ([]archiveFile, error) {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []archiveFile
	for _, fi := range infos {
		base, ok := strings.CutSuffix(fi.Name(), archiveExt)
		if !ok {
			continue
		}
		stamp, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, archiveFile{name: s.fs.Join(dir, fi.Name()), stamp: stamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].stamp < out[j].stamp })
	return out, nil
}

func (s *FSStore) newest(dir string) (string, int64, error) {
	files, err := s.archives(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(files) == 0) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", dir, err)
	}
	last := files[len(files)-1]
	return last.name, last.stamp, nil
}
