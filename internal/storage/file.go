package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"marketpulse/pkg/logx"
)

// fileStore keeps the scheduler snapshot in one JSON file, replaced
// atomically on each save, and appends events as JSON Lines.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	statePath  string
	eventsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ef, err := os.OpenFile(prefix+".events.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return &fileStore{log: log, statePath: prefix + ".scheduler.json", eventsFile: ef}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) SaveSchedulerState(ctx context.Context, st SchedulerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) LoadSchedulerState(ctx context.Context) (SchedulerState, error) {
	if err := ctx.Err(); err != nil {
		return SchedulerState{}, err
	}
	s.mu.Lock()
	b, err := os.ReadFile(s.statePath)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return SchedulerState{}, ErrNoState
	}
	if err != nil {
		return SchedulerState{}, err
	}
	var st SchedulerState
	if err := json.Unmarshal(b, &st); err != nil {
		return SchedulerState{}, fmt.Errorf("decode %s: %w", s.statePath, err)
	}
	return st, nil
}

func (s *fileStore) AppendEvent(ctx context.Context, e EventRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.eventsFile).Encode(e)
}
