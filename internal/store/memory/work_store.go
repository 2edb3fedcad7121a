// Package memory provides an in-memory store for development/testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlkit/coordinator/internal/workqueue"
)

// WorkStore implements workqueue.Store with a mutex-guarded map. All
// transitions happen under one lock, which makes every check-and-set atomic.
type WorkStore struct {
	mu    sync.RWMutex
	items map[string]workqueue.WorkItem
	byKey map[kindKey]string
	clock workqueue.Clock
	idGen workqueue.IDGenerator
}

type kindKey struct {
	kind workqueue.Kind
	key  string
}

// NewWorkStore constructs a WorkStore.
func NewWorkStore(clock workqueue.Clock, idGen workqueue.IDGenerator) *WorkStore {
	return &WorkStore{
		items: make(map[string]workqueue.WorkItem),
		byKey: make(map[kindKey]string),
		clock: clock,
		idGen: idGen,
	}
}

// Submit enqueues an item, returning the existing one unchanged on a
// duplicate (kind, key).
func (s *WorkStore) Submit(_ context.Context, req workqueue.SubmitRequest) (workqueue.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.byKey[kindKey{req.Kind, req.Key}]; exists {
		return s.items[id], false, nil
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return workqueue.WorkItem{}, false, err
	}
	now := s.clock.Now()
	item := workqueue.WorkItem{
		ID:        id,
		Kind:      req.Kind,
		Key:       req.Key,
		Status:    workqueue.StatusPending,
		Priority:  req.Priority,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[id] = item
	s.byKey[kindKey{req.Kind, req.Key}] = id
	return item, true, nil
}

// Get fetches an item by id.
func (s *WorkStore) Get(_ context.Context, id string) (workqueue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	return item, nil
}

// Claim selects and leases the next pending item of the kind in one step.
func (s *WorkStore) Claim(_ context.Context, kind workqueue.Kind) (workqueue.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []workqueue.WorkItem
	for _, item := range s.items {
		if item.Kind == kind && item.Status == workqueue.StatusPending {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		return workqueue.WorkItem{}, false, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	item := eligible[0]
	now := s.clock.Now()
	item.Status = workqueue.StatusInProgress
	item.ClaimedAt = &now
	item.UpdatedAt = now
	s.items[item.ID] = item
	return item, true, nil
}

// MarkInProgress moves a pending item to in_progress.
func (s *WorkStore) MarkInProgress(_ context.Context, id string) (workqueue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	if item.Status != workqueue.StatusPending {
		return workqueue.WorkItem{}, workqueue.ErrInvalidState
	}
	now := s.clock.Now()
	item.Status = workqueue.StatusInProgress
	item.ClaimedAt = &now
	item.UpdatedAt = now
	s.items[id] = item
	return item, nil
}

// Complete moves an in_progress item to its terminal success status. A crawl
// completion creates the follow-on evaluation item under the same lock, so
// both writes land or neither does.
func (s *WorkStore) Complete(_ context.Context, id string, result workqueue.Result) (workqueue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	if item.Status != workqueue.StatusInProgress {
		return workqueue.WorkItem{}, workqueue.ErrInvalidState
	}

	var evalID string
	handoffKey := kindKey{workqueue.KindEvaluation, item.ID}
	if item.Kind == workqueue.KindCrawl {
		if _, exists := s.byKey[handoffKey]; !exists {
			newID, err := s.idGen.NewID()
			if err != nil {
				return workqueue.WorkItem{}, err
			}
			evalID = newID
		}
	}

	res := result
	now := s.clock.Now()
	item.Status = workqueue.SuccessStatus(item.Kind)
	item.Result = &res
	item.ClaimedAt = nil
	item.LastError = ""
	item.UpdatedAt = now
	s.items[id] = item

	if evalID != "" {
		s.items[evalID] = workqueue.WorkItem{
			ID:        evalID,
			Kind:      workqueue.KindEvaluation,
			Key:       item.ID,
			Status:    workqueue.StatusPending,
			Payload:   result.Content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.byKey[handoffKey] = evalID
	}
	return item, nil
}

// Fail records a failed attempt; the item returns to pending until attempts
// reaches maxAttempts, then lands in failed.
func (s *WorkStore) Fail(_ context.Context, id string, errText string, maxAttempts int) (workqueue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	if item.Status != workqueue.StatusInProgress {
		return workqueue.WorkItem{}, workqueue.ErrInvalidState
	}
	item.Attempts++
	item.LastError = errText
	item.ClaimedAt = nil
	if item.Attempts >= maxAttempts {
		item.Status = workqueue.StatusFailed
	} else {
		item.Status = workqueue.StatusPending
	}
	item.UpdatedAt = s.clock.Now()
	s.items[id] = item
	return item, nil
}

// Skip moves a pending item to skipped.
func (s *WorkStore) Skip(_ context.Context, id string) (workqueue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	if item.Status != workqueue.StatusPending {
		return workqueue.WorkItem{}, workqueue.ErrInvalidState
	}
	item.Status = workqueue.StatusSkipped
	item.UpdatedAt = s.clock.Now()
	s.items[id] = item
	return item, nil
}

// ReclaimStale returns stale in_progress items to pending.
func (s *WorkStore) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	now := s.clock.Now()
	for id, item := range s.items {
		if item.Status != workqueue.StatusInProgress {
			continue
		}
		if item.ClaimedAt == nil || !item.ClaimedAt.Before(cutoff) {
			continue
		}
		item.Status = workqueue.StatusPending
		item.Attempts++
		item.ClaimedAt = nil
		item.UpdatedAt = now
		s.items[id] = item
		reclaimed++
	}
	return reclaimed, nil
}

// RequeueFailed re-admits failed items below the attempt bound.
func (s *WorkStore) RequeueFailed(_ context.Context, kind workqueue.Kind, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	now := s.clock.Now()
	for id, item := range s.items {
		if item.Kind != kind || item.Status != workqueue.StatusFailed {
			continue
		}
		if item.Attempts >= maxAttempts {
			continue
		}
		item.Status = workqueue.StatusPending
		item.LastError = ""
		item.UpdatedAt = now
		s.items[id] = item
		requeued++
	}
	return requeued, nil
}

// CountByStatus reports item counts per status for a kind.
func (s *WorkStore) CountByStatus(_ context.Context, kind workqueue.Kind) (workqueue.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := workqueue.StatusCounts{}
	for _, item := range s.items {
		if item.Kind == kind {
			counts[item.Status]++
		}
	}
	return counts, nil
}

// EvaluationStats summarizes evaluation items by status, score, and the ten
// most common languages.
func (s *WorkStore) EvaluationStats(_ context.Context) (workqueue.EvaluationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := workqueue.EvaluationStats{
		ByStatus:          workqueue.StatusCounts{},
		ScoreDistribution: make(map[string]int, len(workqueue.ScoreBuckets)),
		Languages:         map[string]int{},
	}
	for _, bucket := range workqueue.ScoreBuckets {
		stats.ScoreDistribution[bucket] = 0
	}
	languages := map[string]int{}
	for _, item := range s.items {
		if item.Kind != workqueue.KindEvaluation {
			continue
		}
		stats.ByStatus[item.Status]++
		if item.Result == nil {
			continue
		}
		if item.Result.Score != nil {
			stats.ScoreDistribution[workqueue.ScoreBucket(*item.Result.Score)]++
		}
		if item.Result.Language != "" {
			languages[item.Result.Language]++
		}
	}

	ranked := make([]string, 0, len(languages))
	for lang := range languages {
		ranked = append(ranked, lang)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if languages[ranked[i]] != languages[ranked[j]] {
			return languages[ranked[i]] > languages[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	for _, lang := range ranked {
		stats.Languages[lang] = languages[lang]
	}
	return stats, nil
}

// Ping always succeeds for the in-memory backend.
func (s *WorkStore) Ping(_ context.Context) error { return nil }

// Close releases nothing for the in-memory backend.
func (s *WorkStore) Close() {}
