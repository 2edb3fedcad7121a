// Package workqueue defines core types shared across subsystems.
package workqueue

import (
	"fmt"
	"time"
)

// Kind identifies the type of work an item carries.
type Kind string

// Work kinds persisted in the item store.
const (
	KindCrawl      Kind = "crawl"
	KindEvaluation Kind = "evaluation"
)

// ParseKind validates a caller-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCrawl, KindEvaluation:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown work kind %q", s)
	}
}

// Status represents the lifecycle state of a work item.
type Status string

// Item status values persisted in the item store.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusEvaluated  Status = "evaluated"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// ParseStatus validates a caller-supplied status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusEvaluated, StatusFailed, StatusSkipped:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// SuccessStatus returns the terminal success status for a kind.
func SuccessStatus(kind Kind) Status {
	if kind == KindEvaluation {
		return StatusEvaluated
	}
	return StatusCompleted
}

// IsTerminal reports whether a status permits no further queue transitions.
// Failed items are terminal for claim purposes but may be re-admitted by the
// administrative requeue.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusEvaluated, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Result carries the kind-specific output of a finished item. Crawl workers
// report title/content; evaluation workers add summary, language, and score.
type Result struct {
	Title    string `json:"title,omitempty"`
	Content  string `json:"content,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Language string `json:"language,omitempty"`
	Score    *int   `json:"score,omitempty"`
}

// WorkItem is one unit of work tracked by the coordinator.
type WorkItem struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Key       string     `json:"key"`
	Status    Status     `json:"status"`
	Priority  int        `json:"priority"`
	Attempts  int        `json:"attempts"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Payload   string     `json:"payload"`
	Result    *Result    `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SubmitRequest captures everything needed to enqueue an item.
type SubmitRequest struct {
	Kind     Kind
	Key      string
	Priority int
	Payload  string
}

// StatusCounts maps each status to the number of items holding it.
type StatusCounts map[Status]int

// Total sums all counts.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// EvaluationStats summarizes scored pages for the stats endpoint.
type EvaluationStats struct {
	ByStatus          StatusCounts   `json:"by_status"`
	ScoreDistribution map[string]int `json:"score_distribution"`
	Languages         map[string]int `json:"languages"`
}

// ScoreBuckets lists the fixed score-distribution bucket labels, low to high.
// Scores of exactly 100 fold into the last bucket.
var ScoreBuckets = []string{"0-20", "20-40", "40-60", "60-80", "80-100"}

// ScoreBucket returns the distribution label for a score.
func ScoreBucket(score int) string {
	switch {
	case score < 20:
		return ScoreBuckets[0]
	case score < 40:
		return ScoreBuckets[1]
	case score < 60:
		return ScoreBuckets[2]
	case score < 80:
		return ScoreBuckets[3]
	default:
		return ScoreBuckets[4]
	}
}
