package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crawlkit/coordinator/internal/workqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("item-%d", g.n), nil
}

func newStore() (*WorkStore, *fakeClock) {
	clk := newFakeClock()
	return NewWorkStore(clk, &seqIDGen{}), clk
}

func submitCrawl(t *testing.T, store *WorkStore, key string, priority int) workqueue.WorkItem {
	t.Helper()
	item, created, err := store.Submit(context.Background(), workqueue.SubmitRequest{
		Kind:     workqueue.KindCrawl,
		Key:      key,
		Priority: priority,
		Payload:  key,
	})
	if err != nil {
		t.Fatalf("Submit(%q) error = %v", key, err)
	}
	if !created {
		t.Fatalf("Submit(%q) expected a new item", key)
	}
	return item
}

func TestSubmitIsIdempotentOnKey(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()

	first := submitCrawl(t, store, "https://example.com/a", 5)
	second, created, err := store.Submit(ctx, workqueue.SubmitRequest{
		Kind:     workqueue.KindCrawl,
		Key:      "https://example.com/a",
		Priority: 9,
		Payload:  "https://example.com/a",
	})
	if err != nil {
		t.Fatalf("Submit() duplicate error = %v", err)
	}
	if created {
		t.Fatal("expected duplicate key to return existing item")
	}
	if second.ID != first.ID || second.Priority != 5 {
		t.Fatalf("expected existing item unchanged, got %+v", second)
	}
}

func TestSubmitConcurrentSingleItem(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	const callers = 16

	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item, _, err := store.Submit(ctx, workqueue.SubmitRequest{
				Kind:    workqueue.KindCrawl,
				Key:     "https://example.com",
				Payload: "https://example.com",
			})
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			ids[n] = item.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one item for all callers, got %v", ids)
		}
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	store, clk := newStore()
	ctx := context.Background()

	// Submit out of priority order; equal priorities tie-break by age.
	for _, p := range []int{5, 10, 3, 8, 7} {
		submitCrawl(t, store, fmt.Sprintf("https://example.com/p%d", p), p)
		clk.Advance(time.Second)
	}

	want := []int{10, 8, 7, 5, 3}
	for i, expected := range want {
		item, ok, err := store.Claim(ctx, workqueue.KindCrawl)
		if err != nil || !ok {
			t.Fatalf("Claim() #%d = ok %v err %v", i, ok, err)
		}
		if item.Priority != expected {
			t.Fatalf("Claim() #%d priority = %d, want %d", i, item.Priority, expected)
		}
		if item.Status != workqueue.StatusInProgress || item.ClaimedAt == nil {
			t.Fatalf("claimed item not leased: %+v", item)
		}
	}

	if _, ok, err := store.Claim(ctx, workqueue.KindCrawl); err != nil || ok {
		t.Fatalf("expected empty pool, got ok=%v err=%v", ok, err)
	}
}

func TestClaimFIFOAmongEqualPriority(t *testing.T) {
	t.Parallel()

	store, clk := newStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		submitCrawl(t, store, fmt.Sprintf("https://example.com/%d", i), 0)
		clk.Advance(time.Second)
	}

	for i := 0; i < 3; i++ {
		item, ok, err := store.Claim(ctx, workqueue.KindCrawl)
		if err != nil || !ok {
			t.Fatalf("Claim() error = %v", err)
		}
		want := fmt.Sprintf("https://example.com/%d", i)
		if item.Key != want {
			t.Fatalf("Claim() #%d key = %s, want %s", i, item.Key, want)
		}
	}
}

func TestClaimAtMostOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	const items = 20
	const callers = 50

	for i := 0; i < items; i++ {
		submitCrawl(t, store, fmt.Sprintf("https://example.com/%d", i), 0)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	misses := 0

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, ok, err := store.Claim(ctx, workqueue.KindCrawl)
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed[item.ID]++
			} else {
				misses++
			}
		}()
	}
	wg.Wait()

	if len(claimed) != items || misses != callers-items {
		t.Fatalf("expected %d distinct claims and %d misses, got %d / %d",
			items, callers-items, len(claimed), misses)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func TestClaimIgnoresOtherKinds(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	submitCrawl(t, store, "https://example.com", 0)

	if _, ok, err := store.Claim(ctx, workqueue.KindEvaluation); err != nil || ok {
		t.Fatalf("expected no evaluation work, got ok=%v err=%v", ok, err)
	}
}

func TestMarkInProgressRequiresPending(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)

	got, err := store.MarkInProgress(ctx, item.ID)
	if err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	if got.Status != workqueue.StatusInProgress || got.ClaimedAt == nil {
		t.Fatalf("expected leased item, got %+v", got)
	}
	if _, err := store.MarkInProgress(ctx, item.ID); err != workqueue.ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := store.MarkInProgress(ctx, "missing"); err != workqueue.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)

	if _, err := store.Complete(ctx, item.ID, workqueue.Result{}); err != workqueue.ErrInvalidState {
		t.Fatalf("completing a pending item: expected ErrInvalidState, got %v", err)
	}

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	done, err := store.Complete(ctx, item.ID, workqueue.Result{Title: "T", Content: "body"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != workqueue.StatusCompleted || done.ClaimedAt != nil || done.Result == nil {
		t.Fatalf("unexpected completed item: %+v", done)
	}

	// Double completion is rejected, not silently accepted.
	if _, err := store.Complete(ctx, item.ID, workqueue.Result{}); err != workqueue.ErrInvalidState {
		t.Fatalf("double complete: expected ErrInvalidState, got %v", err)
	}
}

func TestCompleteCrawlCreatesEvaluationAtomically(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	crawl := submitCrawl(t, store, "https://example.com", 0)

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := store.Complete(ctx, crawl.ID, workqueue.Result{Title: "T", Content: "page body"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// The completed crawl and its evaluation item exist together.
	eval, ok, err := store.Claim(ctx, workqueue.KindEvaluation)
	if err != nil || !ok {
		t.Fatalf("evaluation Claim() = ok %v err %v", ok, err)
	}
	if eval.Key != crawl.ID || eval.Payload != "page body" {
		t.Fatalf("evaluation item = %+v", eval)
	}

	counts, err := store.CountByStatus(ctx, workqueue.KindEvaluation)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts.Total() != 1 {
		t.Fatalf("evaluation items = %d, want exactly 1", counts.Total())
	}
}

func TestCompleteEvaluationUsesEvaluatedStatus(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item, _, err := store.Submit(ctx, workqueue.SubmitRequest{
		Kind:    workqueue.KindEvaluation,
		Key:     "crawl-1",
		Payload: "content",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, _, err := store.Claim(ctx, workqueue.KindEvaluation); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	score := 85
	done, err := store.Complete(ctx, item.ID, workqueue.Result{Score: &score, Language: "en"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != workqueue.StatusEvaluated {
		t.Fatalf("expected evaluated status, got %s", done.Status)
	}
}

func TestFailRetriesUntilBound(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)
	const maxAttempts = 3

	for attempt := 1; attempt < maxAttempts; attempt++ {
		if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		failed, err := store.Fail(ctx, item.ID, "boom", maxAttempts)
		if err != nil {
			t.Fatalf("Fail() #%d error = %v", attempt, err)
		}
		if failed.Status != workqueue.StatusPending || failed.Attempts != attempt {
			t.Fatalf("Fail() #%d = %+v", attempt, failed)
		}
		if failed.LastError != "boom" || failed.ClaimedAt != nil {
			t.Fatalf("Fail() #%d lease not cleared: %+v", attempt, failed)
		}
	}

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	abandoned, err := store.Fail(ctx, item.ID, "boom", maxAttempts)
	if err != nil {
		t.Fatalf("final Fail() error = %v", err)
	}
	if abandoned.Status != workqueue.StatusFailed || abandoned.Attempts != maxAttempts {
		t.Fatalf("expected abandoned item, got %+v", abandoned)
	}
	if _, ok, _ := store.Claim(ctx, workqueue.KindCrawl); ok {
		t.Fatal("abandoned item must never be claimed again")
	}
}

func TestReclaimStaleRequeuesOnlyExpiredLeases(t *testing.T) {
	t.Parallel()

	store, clk := newStore()
	ctx := context.Background()
	stale := submitCrawl(t, store, "https://example.com/stale", 0)
	fresh := submitCrawl(t, store, "https://example.com/fresh", 0)

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	clk.Advance(20 * time.Minute)
	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	clk.Advance(15 * time.Minute)

	// Cutoff 30m ago: only the first lease (35m old) is stale.
	cutoff := clk.Now().Add(-30 * time.Minute)
	reclaimed, err := store.ReclaimStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", reclaimed)
	}

	got, err := store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != workqueue.StatusPending || got.Attempts != 1 || got.ClaimedAt != nil {
		t.Fatalf("stale item not reclaimed: %+v", got)
	}
	stillLeased, err := store.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stillLeased.Status != workqueue.StatusInProgress {
		t.Fatalf("fresh lease must survive the sweep: %+v", stillLeased)
	}

	// Idempotence: an immediate second sweep reclaims nothing.
	again, err := store.ReclaimStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("second ReclaimStale() error = %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep reclaimed %d items, want 0", again)
	}
}

func TestReclaimNeverResurrectsCompletedWork(t *testing.T) {
	t.Parallel()

	store, clk := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := store.Complete(ctx, item.ID, workqueue.Result{Content: "done"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	clk.Advance(time.Hour)

	reclaimed, err := store.ReclaimStale(ctx, clk.Now())
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("sweep resurrected completed work: %d", reclaimed)
	}
}

func TestRequeueFailedKeepsAttempts(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)

	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := store.Fail(ctx, item.ID, "boom", 1); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	// Below the new bound: re-admitted with last_error cleared.
	requeued, err := store.RequeueFailed(ctx, workqueue.KindCrawl, 5)
	if err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	if requeued != 1 {
		t.Fatalf("RequeueFailed() = %d, want 1", requeued)
	}
	got, _ := store.Get(ctx, item.ID)
	if got.Status != workqueue.StatusPending || got.LastError != "" || got.Attempts != 1 {
		t.Fatalf("requeued item = %+v", got)
	}

	// At or above the bound: left failed.
	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := store.Fail(ctx, item.ID, "boom", 2); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	requeued, err = store.RequeueFailed(ctx, workqueue.KindCrawl, 2)
	if err != nil {
		t.Fatalf("RequeueFailed() error = %v", err)
	}
	if requeued != 0 {
		t.Fatalf("RequeueFailed() = %d, want 0", requeued)
	}
}

func TestSkipRequiresPending(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	item := submitCrawl(t, store, "https://example.com", 0)

	skipped, err := store.Skip(ctx, item.ID)
	if err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	if skipped.Status != workqueue.StatusSkipped {
		t.Fatalf("Skip() status = %s", skipped.Status)
	}
	if _, err := store.Skip(ctx, item.ID); err != workqueue.ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCountByStatusAndEvaluationStats(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()

	submitCrawl(t, store, "https://example.com/a", 0)
	submitCrawl(t, store, "https://example.com/b", 0)
	if _, _, err := store.Claim(ctx, workqueue.KindCrawl); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	counts, err := store.CountByStatus(ctx, workqueue.KindCrawl)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[workqueue.StatusPending] != 1 || counts[workqueue.StatusInProgress] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if counts.Total() != 2 {
		t.Fatalf("Total() = %d, want 2", counts.Total())
	}

	for i, score := range []int{15, 45, 100} {
		item, _, err := store.Submit(ctx, workqueue.SubmitRequest{
			Kind:    workqueue.KindEvaluation,
			Key:     fmt.Sprintf("crawl-%d", i),
			Payload: "content",
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if _, _, err := store.Claim(ctx, workqueue.KindEvaluation); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		sc := score
		if _, err := store.Complete(ctx, item.ID, workqueue.Result{Score: &sc, Language: "en"}); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	stats, err := store.EvaluationStats(ctx)
	if err != nil {
		t.Fatalf("EvaluationStats() error = %v", err)
	}
	if stats.ByStatus[workqueue.StatusEvaluated] != 3 {
		t.Fatalf("evaluated count = %d, want 3", stats.ByStatus[workqueue.StatusEvaluated])
	}
	if stats.ScoreDistribution["0-20"] != 1 || stats.ScoreDistribution["40-60"] != 1 || stats.ScoreDistribution["80-100"] != 1 {
		t.Fatalf("unexpected score distribution: %v", stats.ScoreDistribution)
	}
	if stats.Languages["en"] != 3 {
		t.Fatalf("unexpected languages: %v", stats.Languages)
	}
}

func TestEvaluationStatsCapsLanguagesAtTen(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()

	// Twelve languages; "lang-00" appears twice so it must survive the cut.
	languages := make([]string, 0, 13)
	languages = append(languages, "lang-00")
	for i := 0; i < 12; i++ {
		languages = append(languages, fmt.Sprintf("lang-%02d", i))
	}
	for i, lang := range languages {
		item, _, err := store.Submit(ctx, workqueue.SubmitRequest{
			Kind:    workqueue.KindEvaluation,
			Key:     fmt.Sprintf("crawl-%d", i),
			Payload: "content",
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if _, _, err := store.Claim(ctx, workqueue.KindEvaluation); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if _, err := store.Complete(ctx, item.ID, workqueue.Result{Language: lang}); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	stats, err := store.EvaluationStats(ctx)
	if err != nil {
		t.Fatalf("EvaluationStats() error = %v", err)
	}
	if len(stats.Languages) != 10 {
		t.Fatalf("languages reported = %d, want 10", len(stats.Languages))
	}
	if stats.Languages["lang-00"] != 2 {
		t.Fatalf("most common language missing: %v", stats.Languages)
	}
}
