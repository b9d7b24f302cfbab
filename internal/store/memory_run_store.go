package store

import (
	"context"
	"slices"
	"sync"

	"github.com/dunamismax/formprep/internal/domain"
)

type memoryRun struct {
	run     domain.Run
	jobs    []domain.ImageJob
	claimed bool
}

type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*memoryRun),
	}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, run domain.Run, jobs []domain.ImageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &memoryRun{run: run, jobs: slices.Clone(jobs)}
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (domain.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, false, nil
	}
	return r.run, true, nil
}

func (s *MemoryRunStore) RecordJob(_ context.Context, runID string, index int, job domain.ImageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if index < 0 || index >= len(r.jobs) {
		return ErrJobIndex
	}
	r.jobs[index] = job
	return nil
}

func (s *MemoryRunStore) Summary(_ context.Context, runID string) (domain.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return domain.Summary{}, false, nil
	}
	return domain.Summarize(runID, r.run.Total, slices.Clone(r.jobs)), true, nil
}

func (s *MemoryRunStore) ClaimCompletion(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if r.claimed || !domain.Summarize(runID, r.run.Total, r.jobs).Complete() {
		return false, nil
	}
	r.claimed = true
	return true, nil
}
