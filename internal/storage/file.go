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

	logx "kaku/pkg/logx"
)

// fileStore appends records to <path> as JSON Lines and keeps the newest
// ones in memory for RecentDispatches.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []DispatchRecord
	keep   int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, keep: 1000}
	if err := s.replay(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dispatch log replay failed", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DispatchRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.appendRecentLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) appendRecentLocked(r DispatchRecord) {
	s.recent = append(s.recent, r)
	if len(s.recent) > s.keep {
		s.recent = s.recent[len(s.recent)-s.keep:]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("dispatch log closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.appendRecentLocked(r)
	return nil
}

func (s *fileStore) RecentDispatches(ctx context.Context, deviceID, limit int) ([]DispatchRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DispatchRecord, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceID >= 0 && s.recent[i].DeviceID != deviceID {
			continue
		}
		out = append(out, s.recent[i])
	}
	return out, nil
}
