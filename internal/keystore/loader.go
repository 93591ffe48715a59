package keystore

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ResourceLoader opens named credential resources. It decouples the store
// loader from where the bytes live (a config directory, an embedded FS, a
// test fixture).
type ResourceLoader interface {
	Open(name string) (io.ReadCloser, error)
}

// DirLoader resolves resource names against a root directory. Absolute
// names are used as-is; an empty root resolves relative names against the
// working directory.
type DirLoader struct {
	Root string
}

// Open implements ResourceLoader.
func (l DirLoader) Open(name string) (io.ReadCloser, error) {
	//nolint:gosec // store paths come from operator configuration
	return os.Open(l.Resolve(name))
}

// Resolve returns the filesystem path for name.
func (l DirLoader) Resolve(name string) string {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || l.Root == "" {
		return clean
	}
	return filepath.Join(l.Root, clean)
}

// FSLoader serves resources from an fs.FS such as embed.FS or fstest.MapFS.
type FSLoader struct {
	FS fs.FS
}

// Open implements ResourceLoader.
func (l FSLoader) Open(name string) (io.ReadCloser, error) {
	return l.FS.Open(strings.TrimPrefix(filepath.ToSlash(name), "/"))
}

// readResource reads the full resource, mapping open failures to NotFound.
func readResource(loader ResourceLoader, spec StoreSpec, storeType StoreType) ([]byte, error) {
	if loader == nil {
		loader = DirLoader{}
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, newLoadError(ReasonNotFound, spec.Path, storeType, errEmptyPath)
	}

	rc, err := loader.Open(spec.Path)
	if err != nil {
		return nil, newLoadError(ReasonNotFound, spec.Path, storeType, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, newLoadError(ReasonNotFound, spec.Path, storeType, err)
	}
	if len(data) == 0 {
		return nil, newLoadError(ReasonBadFormat, spec.Path, storeType, errEmptyStore)
	}
	return data, nil
}
