// Package frontier implements the work-distribution protocol on top of the
// item store: idempotent enqueue, lease transitions, the crawl-to-evaluation
// handoff, and the administrative retry operations.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/crawlkit/coordinator/internal/telemetry"
	"github.com/crawlkit/coordinator/internal/workqueue"
)

// Config controls service policy knobs.
type Config struct {
	// MaxAttempts bounds how many times a failed item re-enters the pool.
	MaxAttempts int
	// MaxErrorLen truncates worker-reported errors before storage.
	MaxErrorLen int
	// BatchLimit caps bulk submissions.
	BatchLimit int
	// EventTopic receives evaluated-page events for the index synchronizer.
	EventTopic string
}

// Service coordinates the store, the handoff bridge, and event publishing.
type Service struct {
	store     workqueue.Store
	publisher workqueue.Publisher
	clock     workqueue.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Service.
func New(store workqueue.Store, publisher workqueue.Publisher, clock workqueue.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxErrorLen <= 0 {
		cfg.MaxErrorLen = 500
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Service{
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// BatchResult reports the outcome of a bulk submission.
type BatchResult struct {
	Added       int      `json:"added"`
	Skipped     int      `json:"skipped"`
	Total       int      `json:"total"`
	SampleAdded []string `json:"sample_added"`
}

// Submit enqueues a crawl item, idempotent on the normalized URL. Evaluation
// items are created only by the handoff bridge, never by callers.
func (s *Service) Submit(ctx context.Context, rawURL string, priority int) (workqueue.WorkItem, bool, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return workqueue.WorkItem{}, false, err
	}
	item, created, err := s.store.Submit(ctx, workqueue.SubmitRequest{
		Kind:     workqueue.KindCrawl,
		Key:      key,
		Priority: priority,
		Payload:  key,
	})
	if err != nil {
		return workqueue.WorkItem{}, false, err
	}
	if created {
		telemetry.RecordSubmit(workqueue.KindCrawl)
	}
	return item, created, nil
}

// BatchEntry is one URL within a bulk submission.
type BatchEntry struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// SubmitBatch enqueues up to BatchLimit URLs. The size bound is checked
// before any mutation; inside an accepted batch each key is processed
// independently and failures do not abort the rest.
func (s *Service) SubmitBatch(ctx context.Context, entries []BatchEntry) (BatchResult, error) {
	if len(entries) > s.cfg.BatchLimit {
		return BatchResult{}, fmt.Errorf("%w: %d entries, limit %d",
			workqueue.ErrCapacityExceeded, len(entries), s.cfg.BatchLimit)
	}
	result := BatchResult{Total: len(entries)}
	for _, entry := range entries {
		item, created, err := s.Submit(ctx, entry.URL, entry.Priority)
		if err != nil || !created {
			if err != nil {
				s.logger.Debug("batch entry rejected", zap.String("url", entry.URL), zap.Error(err))
			}
			result.Skipped++
			continue
		}
		result.Added++
		if len(result.SampleAdded) < 5 {
			result.SampleAdded = append(result.SampleAdded, item.Key)
		}
	}
	return result, nil
}

// Claim leases the next eligible item of the kind. ok is false when no work
// is available; the caller polls again later.
func (s *Service) Claim(ctx context.Context, kind workqueue.Kind) (workqueue.WorkItem, bool, error) {
	item, ok, err := s.store.Claim(ctx, kind)
	if err != nil {
		return workqueue.WorkItem{}, false, err
	}
	telemetry.RecordClaim(kind, ok)
	if ok {
		s.logger.Debug("item claimed",
			zap.String("id", item.ID),
			zap.String("kind", string(item.Kind)),
			zap.Int("attempts", item.Attempts),
		)
	}
	return item, ok, nil
}

// Start moves a pending item to in_progress for workers that report
// start-of-work separately from claim.
func (s *Service) Start(ctx context.Context, id string) (workqueue.WorkItem, error) {
	return s.store.MarkInProgress(ctx, id)
}

// Get fetches an item by id.
func (s *Service) Get(ctx context.Context, id string) (workqueue.WorkItem, error) {
	return s.store.Get(ctx, id)
}

// Complete records terminal success for an in_progress item. The store
// creates the follow-on evaluation item in the same atomic step as a crawl
// completion; an evaluated page is published for index synchronization.
func (s *Service) Complete(ctx context.Context, id string, result workqueue.Result) (workqueue.WorkItem, error) {
	item, err := s.store.Complete(ctx, id, result)
	if err != nil {
		return workqueue.WorkItem{}, err
	}
	telemetry.RecordTransition(item.Kind, item.Status)

	switch item.Kind {
	case workqueue.KindCrawl:
		telemetry.RecordSubmit(workqueue.KindEvaluation)
		s.logger.Debug("evaluation item created", zap.String("crawl_id", item.ID))
	case workqueue.KindEvaluation:
		s.publishEvaluated(ctx, item)
	}
	return item, nil
}

// publishEvaluated notifies external consumers of a scored page. Publishing
// is best effort: the transition has already committed, so a publish error is
// logged and counted rather than surfaced.
func (s *Service) publishEvaluated(ctx context.Context, item workqueue.WorkItem) {
	if s.publisher == nil {
		return
	}
	event := map[string]any{
		"id":           item.ID,
		"crawl_id":     item.Key,
		"result":       item.Result,
		"evaluated_at": item.UpdatedAt,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event); err != nil {
		telemetry.RecordPublishError()
		s.logger.Warn("evaluated-page publish failed", zap.String("id", item.ID), zap.Error(err))
	}
}

// Fail records a failed attempt, truncating the worker-supplied error. The
// store decides between requeue and abandonment using MaxAttempts.
func (s *Service) Fail(ctx context.Context, id string, errText string) (workqueue.WorkItem, error) {
	item, err := s.store.Fail(ctx, id, truncate(errText, s.cfg.MaxErrorLen), s.cfg.MaxAttempts)
	if err != nil {
		return workqueue.WorkItem{}, err
	}
	telemetry.RecordTransition(item.Kind, item.Status)
	if item.Status == workqueue.StatusFailed {
		s.logger.Info("item abandoned after retries",
			zap.String("id", item.ID),
			zap.String("kind", string(item.Kind)),
			zap.Int("attempts", item.Attempts),
		)
	}
	return item, nil
}

// Skip administratively retires a pending item.
func (s *Service) Skip(ctx context.Context, id string) (workqueue.WorkItem, error) {
	item, err := s.store.Skip(ctx, id)
	if err != nil {
		return workqueue.WorkItem{}, err
	}
	telemetry.RecordTransition(item.Kind, item.Status)
	return item, nil
}

// Sweep reclaims items stuck in_progress longer than timeout.
func (s *Service) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-timeout)
	reclaimed, err := s.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	telemetry.RecordSweep(reclaimed)
	if reclaimed > 0 {
		s.logger.Info("stale items reclaimed", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// RequeueFailed re-admits failed items of a kind below maxAttempts. A zero
// maxAttempts falls back to the configured bound.
func (s *Service) RequeueFailed(ctx context.Context, kind workqueue.Kind, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	requeued, err := s.store.RequeueFailed(ctx, kind, maxAttempts)
	if err != nil {
		return 0, err
	}
	telemetry.RecordRequeue(requeued)
	return requeued, nil
}

// Stats reports item counts per status for a kind.
func (s *Service) Stats(ctx context.Context, kind workqueue.Kind) (workqueue.StatusCounts, error) {
	return s.store.CountByStatus(ctx, kind)
}

// EvaluationStats reports scoring and language breakdowns.
func (s *Service) EvaluationStats(ctx context.Context) (workqueue.EvaluationStats, error) {
	return s.store.EvaluationStats(ctx)
}

// ErrInvalidURL rejects URLs the frontier cannot track.
var ErrInvalidURL = errors.New("invalid url")

// NormalizeURL produces the deduplication key for a crawl item: scheme and
// host lowercased, fragment stripped, trailing slash on a bare path removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String(), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Never split a multi-byte rune: Postgres rejects invalid UTF-8 text.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
