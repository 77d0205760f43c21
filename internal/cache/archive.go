package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
)

// writeArchive streams the tree under root as a zstd-compressed tar.
// Entry names are relative to root and slash-separated.
func writeArchive(fs billy.Filesystem, root string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	err = util.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == "." {
			return nil
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := fs.Readlink(p)
			if err != nil {
				return err
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
			f, err := fs.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("archive %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// extractArchive unpacks r under root, refusing entries that escape it.
func extractArchive(fs billy.Filesystem, root string, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := fs.MkdirAll(root, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		name := path.Clean(hdr.Name)
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, root)
		}
		target := fs.Join(root, filepath.FromSlash(name))
		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if escapes(name, hdr.Linkname) {
				return fmt.Errorf("archive link %q -> %q escapes %s", hdr.Name, hdr.Linkname, root)
			}
			if err := fs.MkdirAll(fs.Join(root, filepath.FromSlash(path.Dir(name))), 0o755); err != nil {
				return err
			}
			if err := fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := fs.Symlink(filepath.FromSlash(hdr.Linkname), target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(fs.Join(root, filepath.FromSlash(path.Dir(name))), 0o755); err != nil {
				return err
			}
			f, err := fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
}

// escapes reports whether a link at name (relative to the archive root)
// pointing at linkname resolves outside the root.
func escapes(name, linkname string) bool {
	linkname = filepath.ToSlash(linkname)
	if linkname == "" || path.IsAbs(linkname) || filepath.IsAbs(linkname) {
		return true
	}
	resolved := path.Join(path.Dir(name), linkname)
	return resolved == ".." || strings.HasPrefix(resolved, "../")
}
