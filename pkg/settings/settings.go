// Package settings is the durable key-value store for mesh stack state and
// the batching driver that coalesces flush requests from the subsystems
// writing to it.
package settings

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const settingsFilePerm = 0o600

// Store is the durable store consumed by key management. Both operations are
// independently fallible; callers log failures rather than propagating them.
type Store interface {
	// StoreValue persists a serialized record under a path-style key.
	StoreValue(path string, val []byte) error
	// ClearValue deletes the record stored under the key, if any.
	ClearValue(path string) error
}

type fileState struct {
	Entries map[string]string `yaml:"entries,omitempty"`
}

// File is a yaml-file-backed Store. Every mutation rewrites the whole file
// atomically; entry values are hex-encoded record bytes.
type File struct {
	log     *zap.SugaredLogger
	path    string
	entries map[string]string
}

// Open loads the settings file at path, creating an empty store if the file
// does not exist yet.
func Open(path string) (*File, error) {
	f := &File{
		log:     zap.S().Named("settings"),
		path:    path,
		entries: make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	st := fileState{}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	for k, v := range st.Entries {
		f.entries[k] = v
	}

	f.log.Debugw("settings loaded", "path", path, "entries", len(f.entries))
	return f, nil
}

func (f *File) save() error {
	b, err := yaml.Marshal(fileState{Entries: f.entries})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := renameio.WriteFile(f.path, b, settingsFilePerm); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}

	return nil
}

func (f *File) StoreValue(path string, val []byte) error {
	f.entries[path] = hex.EncodeToString(val)
	return f.save()
}

func (f *File) ClearValue(path string) error {
	if _, ok := f.entries[path]; !ok {
		return nil
	}
	delete(f.entries, path)
	return f.save()
}

// Range calls fn for every stored entry whose key starts with prefix, in
// sorted key order. It stops at the first error.
func (f *File) Range(prefix string, fn func(path string, val []byte) error) error {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		val, err := hex.DecodeString(f.entries[k])
		if err != nil {
			return fmt.Errorf("corrupt settings entry %q: %w", k, err)
		}
		if err := fn(k, val); err != nil {
			return err
		}
	}

	return nil
}
