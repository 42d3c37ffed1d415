package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
)

// FileStore keeps every record in a single local JSON document. The file is
// replaced atomically on each write; a copy of the previous generation is
// kept next to it with a .backup suffix.
type FileStore struct {
	path  string
	codec codec
	mu    sync.Mutex
}

// fileDocument is the on-disk layout before encryption.
type fileDocument struct {
	Records map[string]*ir.ActualState `json:"records"`
}

func NewFileStore(path string, cipher *Cipher) *FileStore {
	return &FileStore{path: path, codec: codec{cipher: cipher}}
}

func (f *FileStore) load() (map[string]*ir.ActualState, error) {
	content, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*ir.ActualState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}
	if IsEncrypted(content) {
		if f.codec.cipher == nil {
			return nil, fmt.Errorf("state file %s is encrypted but %s is not set", f.path, EncryptionKeyEnvVar)
		}
		if content, err = f.codec.cipher.Open(content); err != nil {
			return nil, err
		}
	}

	var doc fileDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
	}
	if doc.Records == nil {
		doc.Records = map[string]*ir.ActualState{}
	}
	return doc.Records, nil
}

func (f *FileStore) save(records map[string]*ir.ActualState) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := json.MarshalIndent(fileDocument{Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}
	if f.codec.cipher != nil {
		if content, err = f.codec.cipher.Seal(content); err != nil {
			return err
		}
	}

	if prev, err := os.ReadFile(f.path); err == nil {
		if err := os.WriteFile(f.path+".backup", prev, 0600); err != nil {
			logging.Warn("failed to write state backup", "path", f.path+".backup", "error", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, err
	}
	return records[id], nil
}

func (f *FileStore) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return 0, err
	}
	var current int64
	if prev := records[id]; prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return 0, conflict(id, expectedVersion, current)
	}
	records[id] = stamp(id, st, current+1)
	if err := f.save(records); err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (f *FileStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return err
	}
	var current int64
	if prev := records[id]; prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return conflict(id, expectedVersion, current)
	}
	if current == 0 {
		return nil
	}
	delete(records, id)
	return f.save(records)
}

func (f *FileStore) List(ctx context.Context) ([]*ir.ActualState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]*ir.ActualState, 0, len(records))
	for _, st := range records {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FileStore) Close() error { return nil }
