package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "starloop/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Records live in an append-only JSON Lines file. The whole file is loaded
// at open so RecentRecords serves from memory; Prune compacts the file in
// place via a temp-file rename.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	file    *os.File
	records []Record
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	records, err := loadRecords(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, path: path, file: f, records: records}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendRecord(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("record file closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *fileStore) RecentRecords(ctx context.Context, kind string, limit int) ([]Record, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if kind != "" && s.records[i].Kind != kind {
			continue
		}
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errors.New("record file closed")
	}

	kept := s.records[:0]
	for _, r := range s.records {
		if !r.Finished.Before(olderThan) {
			kept = append(kept, r)
		}
	}
	dropped := len(s.records) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	s.records = kept

	// Rewrite atomically, then reopen the append handle on the new file.
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	_ = s.file.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return dropped, err
	}
	s.file = nf
	return dropped, nil
}

func loadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Tolerate a torn tail line from a crash mid-append.
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
