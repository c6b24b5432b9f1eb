// Package pipeline sequences the check stages: phrase extraction, web
// search, source acquisition, and similarity comparison. The Runner owns
// every job transition after submission; the HTTP layer only creates jobs
// and reads them back.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/metrics"
	"github.com/puretext/puretext/internal/pool"
	"github.com/puretext/puretext/internal/search"
	"github.com/puretext/puretext/internal/similarity"
)

// Progress milestones for the two run shapes.
const (
	progressPhrases  = 10
	progressSearched = 30
	progressAcquired = 60
	progressAnalysis = 50
)

// Searcher resolves a query to candidate results.
type Searcher interface {
	Search(ctx context.Context, query string) []check.SearchResult
}

// Fetcher resolves one URL to a source.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (check.Source, error)
}

// Comparer scores text against sources.
type Comparer interface {
	Compare(ctx context.Context, text string, sources []check.Source) (check.Result, error)
}

// Governor bounds concurrent source acquisition.
type Governor interface {
	Map(ctx context.Context, urls []string, fetch pool.FetchFunc) []check.Source
}

// Config tunes the Runner.
type Config struct {
	// MaxPhrases is how many search phrases are extracted per job (2).
	MaxPhrases int
	// Topic receives completion events.
	Topic string
	// ArchivePrefix is the object-path prefix for evidence bundles.
	ArchivePrefix string
}

func (c Config) normalize() Config {
	if c.MaxPhrases <= 0 {
		c.MaxPhrases = 2
	}
	if c.Topic == "" {
		c.Topic = "check-completions"
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "checks"
	}
	return c
}

// Runner executes queued jobs.
type Runner struct {
	cfg       Config
	store     check.Store
	queue     check.Queue
	blobs     check.BlobStore
	publisher check.Publisher
	hasher    check.Hasher
	clock     check.Clock
	ids       check.IDGenerator
	governor  Governor
	fetcher   Fetcher
	searcher  Searcher
	comparer  Comparer
	logger    *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(
	cfg Config,
	store check.Store,
	queue check.Queue,
	blobs check.BlobStore,
	publisher check.Publisher,
	hasher check.Hasher,
	clock check.Clock,
	ids check.IDGenerator,
	governor Governor,
	fetcher Fetcher,
	searcher Searcher,
	comparer Comparer,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg.normalize(),
		store:     store,
		queue:     queue,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		governor:  governor,
		fetcher:   fetcher,
		searcher:  searcher,
		comparer:  comparer,
		logger:    logger,
	}
}

// Submit creates a job for the full check pipeline and queues it. The
// returned ID is usable for polling immediately.
func (r *Runner) Submit(ctx context.Context, content string) (string, error) {
	return r.submit(ctx, content, true)
}

// SubmitAnalysis creates a job that stops after search (phase 1); the
// caller later triggers the plagiarism phase with StartCheck.
func (r *Runner) SubmitAnalysis(ctx context.Context, content string) (string, error) {
	return r.submit(ctx, content, false)
}

func (r *Runner) submit(ctx context.Context, content string, fullRun bool) (string, error) {
	jobID, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := check.Job{
		ID:      jobID,
		Status:  check.StatusCreated,
		Content: content,
	}
	if err := r.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := check.QueueItem{
		JobID:     jobID,
		FullRun:   fullRun,
		Submitted: r.clock.Now().Unix(),
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		if failErr := r.store.Fail(ctx, jobID, "queue is full, try again later"); failErr != nil {
			r.logger.Warn("failing unqueued job", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return "", err
	}
	return jobID, nil
}

// StartCheck restarts an analyzed job into the plagiarism phase. Any
// other state is an illegal transition; unknown IDs surface ErrNotFound.
func (r *Runner) StartCheck(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != check.StatusAnalyzed {
		return fmt.Errorf("job is %s: %w", job.Status, check.ErrIllegalTransition)
	}
	if err := r.store.Advance(ctx, jobID, check.StatusProcessing, 0); err != nil {
		return err
	}
	item := check.QueueItem{
		JobID:     jobID,
		FullRun:   true,
		Submitted: r.clock.Now().Unix(),
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		if failErr := r.store.Fail(ctx, jobID, "queue is full, try again later"); failErr != nil {
			r.logger.Warn("failing unqueued job", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return err
	}
	return nil
}

// Execute runs one queued job to a terminal state. Stage errors fail the
// job; Execute itself only returns an error when the job cannot even be
// loaded.
func (r *Runner) Execute(ctx context.Context, item check.QueueItem) error {
	job, err := r.store.Get(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}

	logger := r.logger.With(zap.String("job_id", job.ID))
	switch {
	case !item.FullRun:
		r.runAnalysis(ctx, job, logger)
	case len(job.Sources) > 0:
		// Restarted from analyzed: sources were discovered in phase 1.
		r.runCheckPhase(ctx, job, logger)
	default:
		r.runFull(ctx, job, logger)
	}
	return nil
}

// runFull executes search -> acquire -> compare for a fresh submission.
func (r *Runner) runFull(ctx context.Context, job check.Job, logger *zap.Logger) {
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressPhrases, logger) {
		return
	}
	phrases := r.extractPhrases(ctx, job, logger)
	if phrases == nil {
		return
	}

	results := r.searchPhrases(ctx, phrases)
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressSearched, logger) {
		return
	}

	sources := r.acquire(ctx, job, urlsOf(results), logger)
	if !r.attachSources(ctx, job.ID, sources, logger) {
		return
	}
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressAcquired, logger) {
		return
	}

	r.compareAndComplete(ctx, job, sources, logger)
}

// runAnalysis executes phase 1 only: phrases and search hits, parking the
// job at analyzed for a later StartCheck.
func (r *Runner) runAnalysis(ctx context.Context, job check.Job, logger *zap.Logger) {
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressPhrases, logger) {
		return
	}
	phrases := r.extractPhrases(ctx, job, logger)
	if phrases == nil {
		return
	}

	results := r.searchPhrases(ctx, phrases)
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressAnalysis, logger) {
		return
	}

	// Hits are recorded as unfetched sources; the check phase fills in
	// the text.
	discovered := make([]check.Source, 0, len(results))
	for _, hit := range results {
		discovered = append(discovered, check.Source{URL: hit.URL, Title: hit.Title})
	}
	if !r.attachSources(ctx, job.ID, discovered, logger) {
		return
	}
	if !r.advance(ctx, job.ID, check.StatusAnalyzed, 100, logger) {
		return
	}
	logger.Info("analysis finished", zap.Int("sources", len(discovered)))
}

// runCheckPhase executes phase 2 against the URLs phase 1 discovered.
func (r *Runner) runCheckPhase(ctx context.Context, job check.Job, logger *zap.Logger) {
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressPhrases, logger) {
		return
	}

	urls := make([]string, 0, len(job.Sources))
	for _, src := range job.Sources {
		urls = append(urls, src.URL)
	}
	sources := r.acquire(ctx, job, urls, logger)
	if !r.attachSources(ctx, job.ID, sources, logger) {
		return
	}
	if !r.advance(ctx, job.ID, check.StatusProcessing, progressAcquired, logger) {
		return
	}

	r.compareAndComplete(ctx, job, sources, logger)
}

func (r *Runner) extractPhrases(ctx context.Context, job check.Job, logger *zap.Logger) []string {
	start := r.clock.Now()
	phrases := search.ExtractPhrases(job.Content, r.cfg.MaxPhrases)
	metrics.ObserveStage("phrases", r.clock.Now().Sub(start))
	if len(phrases) == 0 {
		r.fail(ctx, job.ID, "document has no searchable text", logger)
		return nil
	}
	if err := r.store.AttachPhrases(ctx, job.ID, phrases); err != nil {
		logger.Error("attach phrases", zap.Error(err))
		r.fail(ctx, job.ID, "internal storage error", logger)
		return nil
	}
	return phrases
}

// searchPhrases queries every phrase and dedupes hits by URL, keeping the
// first occurrence's ordering.
func (r *Runner) searchPhrases(ctx context.Context, phrases []string) []check.SearchResult {
	start := r.clock.Now()
	seen := make(map[string]bool)
	var results []check.SearchResult
	for _, phrase := range phrases {
		for _, hit := range r.searcher.Search(ctx, phrase) {
			if hit.URL == "" || seen[hit.URL] {
				continue
			}
			seen[hit.URL] = true
			results = append(results, hit)
		}
	}
	metrics.ObserveStage("search", r.clock.Now().Sub(start))
	return results
}

// acquire fetches every URL through the governor and scores the survivors
// by relevance to the submitted text, best first.
func (r *Runner) acquire(ctx context.Context, job check.Job, urls []string, logger *zap.Logger) []check.Source {
	start := r.clock.Now()
	sources := r.governor.Map(ctx, urls, func(ctx context.Context, target string) (check.Source, error) {
		return r.fetcher.Fetch(ctx, target)
	})
	metrics.ObserveStage("acquire", r.clock.Now().Sub(start))

	kept := sources[:0]
	for _, src := range sources {
		if strings.TrimSpace(src.Text) == "" {
			continue
		}
		src.Relevance = similarity.Relevance(job.Content, src.Text)
		kept = append(kept, src)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Relevance > kept[j].Relevance })

	logger.Info("sources acquired",
		zap.Int("candidates", len(urls)),
		zap.Int("usable", len(kept)),
	)
	return kept
}

func (r *Runner) compareAndComplete(ctx context.Context, job check.Job, sources []check.Source, logger *zap.Logger) {
	start := r.clock.Now()
	result, err := r.comparer.Compare(ctx, job.Content, sources)
	metrics.ObserveStage("compare", r.clock.Now().Sub(start))
	if err != nil {
		logger.Error("comparison failed", zap.Error(err))
		r.fail(ctx, job.ID, "similarity analysis failed: "+rootMessage(err), logger)
		return
	}

	r.archive(ctx, job, sources, result, logger)

	if err := r.store.Complete(ctx, job.ID, result); err != nil {
		logger.Error("complete job", zap.Error(err))
		return
	}
	metrics.ObserveCheck("completed")
	logger.Info("check finished",
		zap.Float64("percentage", result.Percentage),
		zap.Int("matches", len(result.Matches)),
		zap.Bool("degraded", result.Degraded),
	)
	r.publish(ctx, job.ID, logger)
}

// evidenceBundle is the archived record of one completed check. Source
// text is dropped; the cache already holds it and bundles stay small.
type evidenceBundle struct {
	JobID      string         `json:"job_id"`
	Content    string         `json:"content"`
	Sources    []check.Source `json:"sources"`
	Matches    []check.Match  `json:"matches"`
	Percentage float64        `json:"percentage"`
	CreatedAt  time.Time      `json:"created_at"`
}

// archive writes the evidence bundle before the job turns terminal, so
// the ArchiveURI update is still legal. Failures are logged, never fatal.
func (r *Runner) archive(ctx context.Context, job check.Job, sources []check.Source, result check.Result, logger *zap.Logger) {
	bundle := evidenceBundle{
		JobID:      job.ID,
		Content:    job.Content,
		Sources:    stripText(sources),
		Matches:    result.Matches,
		Percentage: result.Percentage,
		CreatedAt:  r.clock.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		logger.Warn("marshal evidence bundle", zap.Error(err))
		return
	}
	digest, err := r.hasher.Hash(data)
	if err != nil {
		logger.Warn("hash evidence bundle", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s.json", r.cfg.ArchivePrefix, job.ID, digest[:16])
	uri, err := r.blobs.PutObject(ctx, path, "application/json", data)
	if err != nil {
		logger.Warn("archive evidence bundle", zap.Error(err))
		return
	}
	if err := r.store.SetArchiveURI(ctx, job.ID, uri); err != nil {
		logger.Warn("record archive uri", zap.Error(err))
	}
}

// publish emits the completion event. Best effort: a broken broker never
// changes a job's outcome.
func (r *Runner) publish(ctx context.Context, jobID string, logger *zap.Logger) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		logger.Warn("reload job for completion event", zap.Error(err))
		return
	}
	event := check.CompletionEvent{
		JobID:      job.ID,
		Status:     job.Status,
		ArchiveURI: job.ArchiveURI,
		At:         r.clock.Now(),
	}
	if job.Result != nil {
		event.Percentage = job.Result.Percentage
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
		logger.Warn("publish completion event", zap.Error(err))
	}
}

func (r *Runner) advance(ctx context.Context, jobID string, status check.Status, progress int, logger *zap.Logger) bool {
	if err := r.store.Advance(ctx, jobID, status, progress); err != nil {
		logger.Error("advance job",
			zap.String("to", string(status)),
			zap.Int("progress", progress),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (r *Runner) attachSources(ctx context.Context, jobID string, sources []check.Source, logger *zap.Logger) bool {
	if err := r.store.AttachSources(ctx, jobID, sources); err != nil {
		logger.Error("attach sources", zap.Error(err))
		r.fail(ctx, jobID, "internal storage error", logger)
		return false
	}
	return true
}

func (r *Runner) fail(ctx context.Context, jobID, reason string, logger *zap.Logger) {
	if err := r.store.Fail(ctx, jobID, reason); err != nil {
		logger.Error("fail job", zap.Error(err))
		return
	}
	metrics.ObserveCheck("failed")
	r.publish(ctx, jobID, logger)
}

func urlsOf(results []check.SearchResult) []string {
	urls := make([]string, 0, len(results))
	for _, hit := range results {
		urls = append(urls, hit.URL)
	}
	return urls
}

func stripText(sources []check.Source) []check.Source {
	out := make([]check.Source, len(sources))
	for i, src := range sources {
		src.Text = ""
		out[i] = src
	}
	return out
}

// rootMessage digs out the innermost error text so job errors stay
// human-readable.
func rootMessage(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		return msg[idx+2:]
	}
	return msg
}
