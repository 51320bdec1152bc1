package pkgcache

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wudi/funcrun/internal/errors"
)

// extract unpacks a tar.gz stream into dir and returns the extracted byte
// count. Entries escaping dir are rejected.
func extract(r io.Reader, dir string) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, errors.New(500, errors.KindIntegrity, "package is not a gzip archive")
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrap(err, 500, errors.KindInfrastructure, "package extract failed")
	}

	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, errors.New(500, errors.KindIntegrity, "package archive is corrupt")
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return 0, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, errors.Wrap(err, 500, errors.KindInfrastructure, "package extract failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, errors.Wrap(err, 500, errors.KindInfrastructure, "package extract failed")
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return 0, errors.Wrap(err, 500, errors.KindInfrastructure, "package extract failed")
			}
			n, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return 0, errors.New(500, errors.KindIntegrity, "package archive is corrupt")
			}
			total += n
		default:
			// Symlinks and devices never belong in a package.
			return 0, errors.New(500, errors.KindIntegrity, "package contains unsupported entry "+hdr.Name)
		}
	}
}

// safeJoin resolves name under dir, rejecting absolute paths and traversal.
func safeJoin(dir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", errors.New(500, errors.KindIntegrity, "package entry escapes archive root: "+name)
	}
	target := filepath.Join(dir, filepath.Clean(name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", errors.New(500, errors.KindIntegrity, "package entry escapes archive root: "+name)
	}
	return target, nil
}
