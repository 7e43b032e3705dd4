package assets

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get for unknown resources.
	ErrNotFound = errors.New("assets: resource not found")
	// ErrInvalidName is returned for names that are empty or escape the store.
	ErrInvalidName = errors.New("assets: invalid resource name")
)

// Store holds resource content by name. Implementations are safe for
// concurrent use.
type Store interface {
	Manifest() (Manifest, error)
	Get(name string) ([]byte, error)
	Put(name string, data []byte) error
}

// ValidName reports whether name is a slash-separated relative path that
// stays inside its store.
func ValidName(name string) bool {
	return name != "" && filepath.IsLocal(filepath.FromSlash(name))
}

// MemStore keeps resources in memory.
type MemStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	manifest Manifest
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte), manifest: make(Manifest)}
}

func (s *MemStore) Manifest() (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Manifest, len(s.manifest))
	for name, fp := range s.manifest {
		out[name] = fp
	}
	return out, nil
}

func (s *MemStore) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return data, nil
}

func (s *MemStore) Put(name string, data []byte) error {
	if !ValidName(name) {
		return errors.Wrap(ErrInvalidName, name)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[name] = buf
	s.manifest.Add(name, FingerprintOf(buf))
	return nil
}

// DirStore serves resources from files under a root directory. Resource
// names are slash-separated paths relative to the root.
type DirStore struct {
	root string
	mu   sync.RWMutex
}

// NewDirStore returns a store rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create asset dir %s", dir)
	}
	return &DirStore{root: dir}, nil
}

// Manifest hashes every regular file under the root.
func (s *DirStore) Manifest() (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := make(Manifest)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m.Add(filepath.ToSlash(rel), FingerprintOf(data))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan asset dir %s", s.root)
	}
	return m, nil
}

func (s *DirStore) Get(name string) ([]byte, error) {
	if !ValidName(name) {
		return nil, errors.Wrap(ErrInvalidName, name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return data, err
}

// Put writes data to a temporary file and renames it into place so a
// concurrent Manifest never hashes a half-written resource.
func (s *DirStore) Put(name string, data []byte) error {
	if !ValidName(name) {
		return errors.Wrap(ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "put %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "put %s", name)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "put %s", name)
}
