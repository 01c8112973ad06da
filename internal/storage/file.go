package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStorage stores each value as a JSON file under a root directory.
// Writes go through a temp file and rename so readers never observe a torn
// document.
type FileStorage struct {
	root string
}

// NewFile creates (if needed) and opens a file-backed store rooted at dir.
func NewFile(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStorage{root: dir}, nil
}

func (s *FileStorage) path(path []string) (string, error) {
	for _, seg := range path {
		if seg == "" || !filepath.IsLocal(seg) || strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("storage: invalid key segment %q", seg)
		}
	}
	return filepath.Join(s.root, filepath.Join(path...)) + ".json", nil
}

func (s *FileStorage) Read(dest any, path ...string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: read %s: %w", strings.Join(path, "/"), err)
	}
	return json.Unmarshal(data, dest)
}

func (s *FileStorage) Write(value any, path ...string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", strings.Join(path, "/"), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *FileStorage) Remove(path ...string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStorage) RemoveAll(prefix ...string) error {
	for _, seg := range prefix {
		if seg == "" || !filepath.IsLocal(seg) || strings.ContainsAny(seg, `/\`) {
			return fmt.Errorf("storage: invalid key segment %q", seg)
		}
	}
	dir := filepath.Join(s.root, filepath.Join(prefix...))
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return nil
}

func (s *FileStorage) List(prefix ...string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.Join(prefix...))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			keys = append(keys, name)
			continue
		}
		if strings.HasSuffix(name, ".json") {
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStorage) Close() error { return nil }
