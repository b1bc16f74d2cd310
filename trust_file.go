package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileRecordStore is a [TrustRecordStore] kept in a JSON file, so pins survive restarts
// of a single-device client. The file is re-read on every call and rewritten through
// a temporary file and rename, so other processes never observe a partial write.
// Conditional writes are atomic within one process only; use [RedisRecordStore] when
// several processes write concurrently.
type FileRecordStore struct {
	path string
	mu   sync.Mutex
}

// NewFileRecordStore returns a store backed by path. The file and its directory are
// created on the first write.
func NewFileRecordStore(path string) *FileRecordStore {
	return &FileRecordStore{path: path}
}

// Path returns the backing file.
func (s *FileRecordStore) Path() string {
	return s.path
}

func (s *FileRecordStore) Get(_ context.Context, host string, port int) (TrustRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return TrustRecord{}, false, err
	}
	rec, ok := records[trustKey(host, port)]
	return rec, ok, nil
}

func (s *FileRecordStore) Create(_ context.Context, rec TrustRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}
	rec.Host = strings.ToLower(rec.Host)
	if _, exists := records[rec.Key()]; exists {
		return false, nil
	}
	records[rec.Key()] = rec
	return true, s.save(records)
}

func (s *FileRecordStore) Replace(_ context.Context, rec TrustRecord, previous string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}
	rec.Host = strings.ToLower(rec.Host)
	current, exists := records[rec.Key()]
	if !exists || current.Fingerprint != previous {
		return false, nil
	}
	records[rec.Key()] = rec
	return true, s.save(records)
}

func (s *FileRecordStore) List(_ context.Context) ([]TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]TrustRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *FileRecordStore) load() (map[string]TrustRecord, error) {
	records := make(map[string]TrustRecord)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trust file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return records, nil
	}

	var list []TrustRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode trust file %s: %w", s.path, err)
	}
	for _, rec := range list {
		records[rec.Key()] = rec
	}
	return records, nil
}

func (s *FileRecordStore) save(records map[string]TrustRecord) error {
	list := make([]TrustRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trust records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create trust file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write trust file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write trust file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write trust file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to write trust file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace trust file: %w", err)
	}
	return nil
}
