// Package storage provides the credential store backings: a JSON file and a
// Postgres table. Both satisfy credential.Store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/credential"
)

// FileStore keeps credentials in one JSON document. Reads accept either a
// single object (legacy) or an array; writes always emit the array shape,
// atomically via a temp file and rename. A lock file serializes writers
// across processes.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by the given path. A missing file is
// an empty store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Type identifies the backing for logs.
func (s *FileStore) Type() string { return "file" }

// Writable reports that refresh results can be persisted.
func (s *FileStore) Writable() bool { return true }

// List reads all credentials, sorted by priority ascending then id
// ascending. Records without an explicit id get their 1-based file position.
func (s *FileStore) List(ctx context.Context) ([]credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *FileStore) listLocked() ([]credential.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	records, err := decodeCredentials(data)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", s.path, err)
	}

	for i := range records {
		if records[i].ID == 0 {
			records[i].ID = int64(i + 1)
		}
		if err = records[i].Validate(); err != nil {
			return nil, err
		}
	}
	sortRecords(records)
	return records, nil
}

func decodeCredentials(data []byte) ([]credential.Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		// Legacy single-credential shape.
		var one credential.Record
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		return []credential.Record{one}, nil
	}
	var many []credential.Record
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func sortRecords(records []credential.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].ID < records[j].ID
	})
}

// Update applies a refresh patch to one credential and rewrites the file.
func (s *FileStore) Update(ctx context.Context, id int64, patch credential.Patch) error {
	return s.mutate(ctx, id, func(rec *credential.Record) {
		rec.AccessToken = patch.AccessToken
		rec.ExpiresAt = patch.ExpiresAt
		if patch.ProfileArn != "" {
			rec.ProfileArn = patch.ProfileArn
		}
		if patch.RefreshToken != "" {
			rec.RefreshToken = patch.RefreshToken
		}
	})
}

// SetPriority persists a new priority for one credential.
func (s *FileStore) SetPriority(ctx context.Context, id int64, priority int) error {
	return s.mutate(ctx, id, func(rec *credential.Record) {
		rec.Priority = priority
	})
}

func (s *FileStore) mutate(_ context.Context, id int64, apply func(*credential.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock credentials file: %w", err)
	}
	defer unlock()

	records, err := s.listLocked()
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].ID == id {
			apply(&records[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("credential %d not found in %s", id, s.path)
	}
	return s.writeLocked(records)
}

// writeLocked writes the array shape atomically.
func (s *FileStore) writeLocked(records []credential.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials temp file: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

// Fingerprint is the file's mtime and size; any edit changes it.
func (s *FileStore) Fingerprint(ctx context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "absent", nil
		}
		return "", fmt.Errorf("stat credentials file: %w", err)
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}

// Watch invokes onChange whenever the credentials file is written, until ctx
// is done. It watches the parent directory so atomic renames are seen.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Debugf("credentials file changed (%s), triggering sync", event.Op)
				onChange()
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("credentials file watcher: %v", watchErr)
			}
		}
	}()
	return nil
}
