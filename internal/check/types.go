// Package check defines core types shared across subsystems.
package check

import (
	"time"
)

// Status represents the lifecycle state of a plagiarism check job.
type Status string

// Job status values persisted in the job store.
const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusAnalyzed   Status = "analyzed"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether a job in this status can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// The graph is closed: created -> processing -> (analyzed -> processing) ->
// completed | failed, and failed is reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusCreated:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusAnalyzed || to == StatusCompleted || to == StatusFailed
	case StatusAnalyzed:
		return to == StatusProcessing || to == StatusFailed
	default:
		return false
	}
}

// Job represents the metadata persisted for each submitted check.
type Job struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Content    string    `json:"content"`
	Phrases    []string  `json:"phrases,omitempty"`
	Sources    []Source  `json:"sources,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Source is one candidate document acquired for comparison.
type Source struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Relevance float64   `json:"relevance,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Match records one corroborated span of the input text.
// SimilarityScore is on a 0-100 scale. Verified is false only for
// synthetic matches such as the timeout placeholder.
type Match struct {
	TextSnippet     string  `json:"text_snippet"`
	SourceURL       string  `json:"source_url"`
	SimilarityScore float64 `json:"similarity_score"`
	Verified        bool    `json:"verified,omitempty"`
}

// Result is the final outcome of a completed check.
type Result struct {
	Percentage  float64 `json:"plagiarism_percentage"`
	Matches     []Match `json:"matches"`
	Highlighted string  `json:"full_text_with_highlights"`
	Degraded    bool    `json:"degraded,omitempty"`
}

// SearchResult is one hit returned by the web search layer.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID string
	// FullRun executes the whole pipeline; otherwise only the analysis
	// phase (phrases + search) runs and the job parks at analyzed.
	FullRun   bool
	Submitted int64
}

// CompletionEvent is published when a job reaches a terminal status.
type CompletionEvent struct {
	JobID      string    `json:"job_id"`
	Status     Status    `json:"status"`
	Percentage float64   `json:"percentage"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	At         time.Time `json:"at"`
}
