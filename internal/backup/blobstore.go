package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FallbackBlobStore is the narrow key-value capability behind the emergency
// path. It is deliberately simpler than the primary store: flat string keys,
// whole-value reads and writes, no transactions.
type FallbackBlobStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	List(prefix string) ([]string, error)
	Delete(key string) error
}

// DirStore implements FallbackBlobStore on a flat directory, one file per
// key. Writes go through a temp file and rename so a crash mid-write never
// leaves a torn value.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) path(key string) string {
	return filepath.Join(d.dir, key)
}

func (d *DirStore) Put(key string, data []byte) error {
	tmp := d.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, d.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (d *DirStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (d *DirStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list backup dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DirStore) Delete(key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
