package versionstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryStore keeps commits in process. Fail, when set, is returned by every
// call so tests can simulate an unreachable store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	writes  int
	Fail    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) WriteCommit(ctx context.Context, path string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", s.Fail
	}
	ref := CommitRef(p, payload)
	s.objects[objectKey(ref, p)] = append([]byte(nil), payload...)
	s.writes++
	return ref, nil
}

func (s *MemoryStore) ReadCommit(ctx context.Context, ref, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ref) == "" {
		return nil, errors.New("ref is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	payload, ok := s.objects[objectKey(ref, p)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

// Put stores a payload under an explicit ref, for tests that need a commit
// whose content does not match its ref.
func (s *MemoryStore) Put(ref, path string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(ref, strings.Trim(path, "/"))] = append([]byte(nil), payload...)
}

func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
