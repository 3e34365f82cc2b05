package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"appbuilder/internal/domain"
)

// FileStore keeps done records in a single JSON object on disk, keyed by the
// idempotency key, exactly as earlier releases wrote it. Pending markers live
// in memory only so the file format never changes.
type FileStore struct {
	path    string
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, pending: map[string]time.Time{}, now: time.Now}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Load returns every stored record. A missing or corrupt file reads as empty.
func (s *FileStore) Load() map[string]domain.PublishOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save replaces the whole backing file with records.
func (s *FileStore) Save(records map[string]domain.PublishOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(records)
}

// Update runs fn as one load-modify-save unit. Concurrent callers are serialized
// so no record is lost to a racing writer.
func (s *FileStore) Update(fn func(records map[string]domain.PublishOutcome) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadLocked()
	if err := fn(records); err != nil {
		return err
	}
	return s.saveLocked(records)
}

func (s *FileStore) loadLocked() map[string]domain.PublishOutcome {
	records := map[string]domain.PublishOutcome{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", s.path).Warn("store: read failed, treating as empty")
		}
		return records
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return records
	}
	if err := json.Unmarshal(data, &records); err != nil {
		log.WithError(err).WithField("path", s.path).Warn("store: corrupt file, treating as empty")
		return map[string]domain.PublishOutcome{}
	}
	return records
}

func (s *FileStore) saveLocked(records map[string]domain.PublishOutcome) error {
	if records == nil {
		records = map[string]domain.PublishOutcome{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func (s *FileStore) Lookup(ctx context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.pending[key]; ok {
		return Entry{Key: key, Status: StatusPending, UpdatedAt: at}, nil
	}
	records := s.loadLocked()
	out, ok := records[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return doneEntry(key, out), nil
}

func (s *FileStore) Reserve(ctx context.Context, req domain.TaskRequest) (Entry, bool, error) {
	key := req.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.pending[key]; ok {
		return Entry{Key: key, Status: StatusPending, UpdatedAt: at}, false, nil
	}
	if out, ok := s.loadLocked()[key]; ok {
		return doneEntry(key, out), false, nil
	}
	s.pending[key] = s.now().UTC()
	return Entry{}, true, nil
}

func (s *FileStore) Complete(ctx context.Context, key string, outcome domain.PublishOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadLocked()
	records[key] = outcome
	if err := s.saveLocked(records); err != nil {
		return err
	}
	delete(s.pending, key)
	return nil
}

func (s *FileStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadLocked()
	entries := make([]Entry, 0, len(records)+len(s.pending))
	for key, out := range records {
		entries = append(entries, doneEntry(key, out))
	}
	for key, at := range s.pending {
		if _, done := records[key]; done {
			continue
		}
		entries = append(entries, Entry{Key: key, Status: StatusPending, UpdatedAt: at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *FileStore) Close() error { return nil }

func doneEntry(key string, out domain.PublishOutcome) Entry {
	o := out
	return Entry{Key: key, Status: StatusDone, Outcome: &o}
}

// writeFileAtomic replaces path via a synced temp file and rename, so readers
// never observe a half-written object.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

var _ Store = (*FileStore)(nil)
