package property

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists all namespaces in a single JSON document:
//
//	{"<namespace>": {"<key>": "<value>", ...}, ...}
//
// Every write rewrites the file atomically (temp file + rename, 0600).
type FileStore struct {
	mu        sync.Mutex
	path      string
	namespace string
}

// NewFileStore returns a FileStore for path. The file is created lazily on
// the first write.
func NewFileStore(path, namespace string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("property: file store path is empty")
	}
	if namespace == "" {
		namespace = "default"
	}
	return &FileStore{path: path, namespace: namespace}, nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := doc[f.namespace][key]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if doc[f.namespace] == nil {
		doc[f.namespace] = make(map[string]string)
	}
	doc[f.namespace][key] = value
	return f.save(doc)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := doc[f.namespace][key]; !ok {
		return nil
	}
	delete(doc[f.namespace], key)
	return f.save(doc)
}

func (f *FileStore) load() (map[string]map[string]string, error) {
	doc := make(map[string]map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *FileStore) save(doc map[string]map[string]string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".blocksync-props-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
