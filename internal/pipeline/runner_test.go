package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/hash/sha256"
	"github.com/puretext/puretext/internal/pool"
	memorypublisher "github.com/puretext/puretext/internal/publisher/memory"
	queuememory "github.com/puretext/puretext/internal/queue/memory"
	storagememory "github.com/puretext/puretext/internal/storage/memory"
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
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeIDs struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *fakeIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.next++
	return fmt.Sprintf("job-%d", g.next), nil
}

// serialGovernor runs fetches inline, dropping failures like the real one.
type serialGovernor struct{}

func (serialGovernor) Map(ctx context.Context, urls []string, fetch pool.FetchFunc) []check.Source {
	var out []check.Source
	for _, u := range urls {
		src, err := fetch(ctx, u)
		if err != nil {
			continue
		}
		out = append(out, src)
	}
	return out
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]check.Source
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (check.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	src, ok := f.pages[url]
	if !ok {
		return check.Source{}, errors.New("fetch exhausted")
	}
	return src, nil
}

type fakeSearcher struct {
	hits []check.SearchResult
}

func (f *fakeSearcher) Search(context.Context, string) []check.SearchResult {
	return f.hits
}

type fakeComparer struct {
	result check.Result
	err    error
}

func (f *fakeComparer) Compare(context.Context, string, []check.Source) (check.Result, error) {
	if f.err != nil {
		return check.Result{}, f.err
	}
	return f.result, nil
}

type harness struct {
	runner    *Runner
	store     *storagememory.JobStore
	queue     *queuememory.Queue
	blobs     *storagememory.BlobStore
	publisher *memorypublisher.Publisher
	fetcher   *fakeFetcher
	searcher  *fakeSearcher
	comparer  *fakeComparer
}

func newHarness(t *testing.T, queueDepth int) *harness {
	t.Helper()
	clk := newFakeClock()
	h := &harness{
		store:     storagememory.NewJobStore(clk),
		queue:     queuememory.NewQueue(queueDepth),
		blobs:     storagememory.NewBlobStore(),
		publisher: memorypublisher.New(),
		fetcher:   &fakeFetcher{pages: map[string]check.Source{}},
		searcher:  &fakeSearcher{},
		comparer:  &fakeComparer{},
	}
	h.runner = NewRunner(
		Config{},
		h.store, h.queue, h.blobs, h.publisher,
		sha256.New(), clk, &fakeIDs{},
		serialGovernor{}, h.fetcher, h.searcher, h.comparer,
		zap.NewNop(),
	)
	return h
}

// drain runs every queued item inline.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		item, err := h.queue.Dequeue(ctx)
		cancel()
		if err != nil {
			return
		}
		require.NoError(t, h.runner.Execute(context.Background(), item))
	}
}

const originalText = "The mitochondria is the powerhouse of the cell. " +
	"This sentence exists to make the document long enough to search."

func TestRunnerFullRunCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.searcher.hits = []check.SearchResult{
		{URL: "https://a.test/page", Title: "A"},
		{URL: "https://b.test/page", Title: "B"},
		{URL: "https://a.test/page", Title: "dup, dropped"},
	}
	h.fetcher.pages["https://a.test/page"] = check.Source{
		URL: "https://a.test/page", Text: "unrelated filler about cooking recipes and nothing else",
	}
	h.fetcher.pages["https://b.test/page"] = check.Source{
		URL: "https://b.test/page", Text: originalText,
	}
	h.comparer.result = check.Result{Percentage: 100, Matches: []check.Match{{
		TextSnippet: "The mitochondria is the powerhouse of the cell.",
		SourceURL:   "https://b.test/page",
		Verified:    true,
	}}}

	jobID, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.NotEmpty(t, job.Phrases)
	require.NotNil(t, job.Result)
	require.InDelta(t, 100, job.Result.Percentage, 0.01)

	// Deduped URLs: each fetched exactly once.
	require.Len(t, h.fetcher.fetched, 2)

	// The source containing the original text outranks the filler.
	require.Len(t, job.Sources, 2)
	require.Equal(t, "https://b.test/page", job.Sources[0].URL)
	require.Greater(t, job.Sources[0].Relevance, job.Sources[1].Relevance)

	// Evidence archived before completion and referenced by the job.
	require.True(t, strings.HasPrefix(job.ArchiveURI, "memory://checks/"+jobID+"/"))

	// Completion event published with the final percentage.
	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(check.CompletionEvent)
	require.True(t, ok)
	require.Equal(t, check.StatusCompleted, event.Status)
	require.InDelta(t, 100, event.Percentage, 0.01)
}

func TestRunnerArchiveBundleOmitsSourceText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.searcher.hits = []check.SearchResult{{URL: "https://a.test/page"}}
	h.fetcher.pages["https://a.test/page"] = check.Source{
		URL: "https://a.test/page", Text: "some long extracted source text goes here",
	}
	h.comparer.result = check.Result{Percentage: 12.5, Matches: []check.Match{}}

	jobID, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.NotEmpty(t, job.ArchiveURI)

	path := strings.TrimPrefix(job.ArchiveURI, "memory://")
	data, ok := h.blobs.GetObject(path)
	require.True(t, ok)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal(data, &bundle))
	require.Equal(t, jobID, bundle["job_id"])
	require.NotContains(t, string(data), "some long extracted source text")
}

func TestRunnerComparisonErrorFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.searcher.hits = []check.SearchResult{{URL: "https://a.test/page"}}
	h.fetcher.pages["https://a.test/page"] = check.Source{
		URL: "https://a.test/page", Text: "enough text to compare against",
	}
	h.comparer.err = fmt.Errorf("embed original sentences: %w", errors.New("embedding service unavailable"))

	jobID, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusFailed, job.Status)
	require.Equal(t, "similarity analysis failed: embedding service unavailable", job.ErrorText)
	require.Nil(t, job.Result)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	event := msgs[0].Payload.(check.CompletionEvent)
	require.Equal(t, check.StatusFailed, event.Status)
}

func TestRunnerEmptySearchCompletesWithZeroResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.searcher.hits = nil
	h.comparer.result = check.Result{Percentage: 0, Matches: []check.Match{}, Highlighted: originalText}

	jobID, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusCompleted, job.Status)
	require.Zero(t, job.Result.Percentage)
	require.Empty(t, job.Result.Matches)
}

func TestRunnerEmptyContentFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	jobID, err := h.runner.Submit(context.Background(), "   \n ")
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "no searchable text")
}

func TestRunnerSubmitQueueFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	_, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)

	jobID2, err := h.runner.Submit(context.Background(), originalText)
	require.ErrorIs(t, err, check.ErrQueueFull)
	require.Empty(t, jobID2)
}

func TestRunnerAnalysisThenCheckPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.searcher.hits = []check.SearchResult{{URL: "https://a.test/page", Title: "Candidate"}}
	h.fetcher.pages["https://a.test/page"] = check.Source{
		URL: "https://a.test/page", Text: originalText,
	}
	h.comparer.result = check.Result{Percentage: 100, Matches: []check.Match{{SourceURL: "https://a.test/page"}}}

	jobID, err := h.runner.SubmitAnalysis(context.Background(), originalText)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusAnalyzed, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Len(t, job.Sources, 1)
	require.Empty(t, job.Sources[0].Text, "phase 1 records hits without fetching")
	require.Empty(t, h.fetcher.fetched)

	// Phase 2 fetches the discovered URLs and completes.
	require.NoError(t, h.runner.StartCheck(context.Background(), jobID))
	h.drain(t)

	job, err = h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, check.StatusCompleted, job.Status)
	require.Equal(t, []string{"https://a.test/page"}, h.fetcher.fetched)
	require.NotNil(t, job.Result)
}

func TestRunnerStartCheckStateGuards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)

	err := h.runner.StartCheck(context.Background(), "missing")
	require.ErrorIs(t, err, check.ErrNotFound)

	jobID, err := h.runner.Submit(context.Background(), originalText)
	require.NoError(t, err)

	// Still created/queued: not restartable.
	err = h.runner.StartCheck(context.Background(), jobID)
	require.ErrorIs(t, err, check.ErrIllegalTransition)
}
