// Package backend abstracts the package storage used by the repository
// server. The metrics plugin only needs to enumerate packages; the debug
// server additionally stores uploads through the filesystem implementation.
package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/giygas/pypiserver-metrics/pkgnames"
)

// Package is one distribution file known to the backend.
type Package struct {
	Name     string // project name as encoded in the filename
	Version  string
	Filename string
}

// Backend enumerates every package file in the repository.
type Backend interface {
	AllPackages() ([]Package, error)
}

// FSBackend stores packages as plain files under a root directory,
// recognizing any filename the package-name parser understands.
type FSBackend struct {
	root string
}

// NewFS creates a filesystem backend rooted at dir, creating the directory
// when it does not exist yet.
func NewFS(dir string) (*FSBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("package directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package directory %s: %w", dir, err)
	}
	return &FSBackend{root: dir}, nil
}

// Root returns the package directory.
func (b *FSBackend) Root() string {
	return b.root
}

// AllPackages walks the package directory and returns every file whose name
// parses as a distribution. Unparseable files are skipped.
func (b *FSBackend) AllPackages() ([]Package, error) {
	var packages []Package

	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, version, ok := pkgnames.Parse(d.Name())
		if !ok {
			return nil
		}
		packages = append(packages, Package{
			Name:     name,
			Version:  version,
			Filename: d.Name(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking package directory %s: %w", b.root, err)
	}

	return packages, nil
}

// Save writes an uploaded file into the package directory. The filename is
// reduced to its base name so uploads cannot escape the root.
func (b *FSBackend) Save(filename string, r io.Reader) error {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return fmt.Errorf("invalid package filename %q", filename)
	}

	dst := filepath.Join(b.root, base)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating package file %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing package file %s: %w", dst, err)
	}
	return nil
}

// Open opens a stored package file for serving.
func (b *FSBackend) Open(filename string) (*os.File, error) {
	base := filepath.Base(filename)
	f, err := os.Open(filepath.Join(b.root, base))
	if err != nil {
		return nil, fmt.Errorf("opening package file %s: %w", base, err)
	}
	return f, nil
}
