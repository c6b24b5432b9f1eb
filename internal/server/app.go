// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/api"
	"github.com/puretext/puretext/internal/cache"
	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/clock/system"
	"github.com/puretext/puretext/internal/config"
	"github.com/puretext/puretext/internal/embed"
	"github.com/puretext/puretext/internal/hash/sha256"
	"github.com/puretext/puretext/internal/id/uuid"
	"github.com/puretext/puretext/internal/logging"
	"github.com/puretext/puretext/internal/metrics"
	"github.com/puretext/puretext/internal/pipeline"
	"github.com/puretext/puretext/internal/pool"
	memorypublisher "github.com/puretext/puretext/internal/publisher/memory"
	gcppublisher "github.com/puretext/puretext/internal/publisher/pubsub"
	queueMemory "github.com/puretext/puretext/internal/queue/memory"
	"github.com/puretext/puretext/internal/resilience"
	"github.com/puretext/puretext/internal/scrape"
	"github.com/puretext/puretext/internal/search"
	"github.com/puretext/puretext/internal/similarity"
	gcsstorage "github.com/puretext/puretext/internal/storage/gcs"
	localstorage "github.com/puretext/puretext/internal/storage/local"
	memoryStorage "github.com/puretext/puretext/internal/storage/memory"
	pgstore "github.com/puretext/puretext/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *pipeline.Dispatcher
	queue     *queueMemory.Queue
	store     check.Store
	cache     *cache.Cache

	pubsubClient  *pubsub.Client
	pubsubTopic   *pubsub.Topic
	storageClient *storage.Client
	pgStore       *pgstore.JobStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies", zap.Int("port", cfg.Server.Port))

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.NewGenerator()

	app.cache = cache.New(cache.Config{
		SearchTTL:   time.Duration(cfg.Cache.SearchTTLHours) * time.Hour,
		AcademicTTL: time.Duration(cfg.Cache.AcademicTTLHours) * time.Hour,
		NewsTTL:     time.Duration(cfg.Cache.NewsTTLHours) * time.Hour,
		StandardTTL: time.Duration(cfg.Cache.StandardTTLHours) * time.Hour,
		MetadataTTL: time.Duration(cfg.Cache.MetadataTTLHours) * time.Hour,
	}, hasher, clock, logger.Named("cache"))
	classifier := classify.NewDefault()
	exec := resilience.New(resilience.DefaultConfig(), logger.Named("resilience"))

	router := setupScrape(app, classifier, clock, exec)

	governor := pool.New(pool.Config{
		GlobalLimit:     cfg.Pool.GlobalSlots,
		PerDomainLimit:  cfg.Pool.DomainSlots,
		DomainRPS:       cfg.Pool.DomainRate,
		DomainBurst:     cfg.Pool.DomainBurst,
		JitterMin:       time.Duration(cfg.Pool.JitterMinMs) * time.Millisecond,
		JitterMax:       time.Duration(cfg.Pool.JitterMaxMs) * time.Millisecond,
		PriorityDomains: cfg.Pool.PriorityDomains,
	}, logger.Named("pool"))

	searcher := search.New(search.Config{
		Endpoint:   cfg.Search.Endpoint,
		APIKey:     cfg.Search.APIKey,
		EngineID:   cfg.Search.EngineID,
		MaxResults: cfg.Search.MaxResults,
		UserAgent:  cfg.Scrape.UserAgent,
	}, app.cache, classifier, logger.Named("search"))

	embedder := embed.New(embed.Config{
		Endpoint:   cfg.Embed.Endpoint,
		APIKey:     cfg.Embed.APIKey,
		Model:      cfg.Embed.Model,
		Dimensions: cfg.Embed.Dimensions,
		BatchSize:  cfg.Embed.BatchSize,
		Timeout:    time.Duration(cfg.Embed.TimeoutSeconds) * time.Second,
	}, exec)

	engine := similarity.New(similarity.Config{
		Threshold:             cfg.Similarity.Threshold,
		EncyclopediaThreshold: cfg.Similarity.EncyclopediaThreshold,
		MaxSentences:          cfg.Similarity.MaxSentences,
		MinSentenceLength:     cfg.Similarity.MinSentenceLength,
		MinContainmentLength:  cfg.Similarity.MinContainmentLength,
		ParagraphMinLength:    cfg.Similarity.ParagraphMinLength,
		ParagraphRatio:        cfg.Similarity.ParagraphRatio,
		WordOverlapRatio:      cfg.Similarity.WordOverlapRatio,
		LCSMinChars:           cfg.Similarity.LCSMinChars,
		LCSFraction:           cfg.Similarity.LCSFraction,
		SnapPercentage:        cfg.Similarity.SnapPercentage,
		Timeout:               cfg.SimilarityTimeout(),
	}, embedder, logger.Named("similarity"))

	if err := setupJobStore(ctx, app, clock); err != nil {
		return nil, err
	}
	blobStore, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	runner := pipeline.NewRunner(
		pipeline.Config{
			MaxPhrases: cfg.Search.MaxPhrases,
			Topic:      cfg.Notify.Topic,
		},
		app.store,
		app.queue,
		blobStore,
		publisher,
		hasher,
		clock,
		idGen,
		governor,
		router,
		searcher,
		engine,
		logger.Named("pipeline"),
	)
	app.dispatch = pipeline.NewDispatcher(app.queue, runner, cfg.Pipeline.Workers, logger.Named("dispatcher"))
	app.apiServer = api.NewServer(app.store, runner, *cfg, logger.Named("api"))

	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Pipeline.Workers))
		a.dispatch.Run(ctx)
	}()
	go a.runJanitor(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// runJanitor periodically purges expired cache entries and sweeps old
// terminal jobs.
func (a *App) runJanitor(ctx context.Context) {
	cacheEvery := time.Duration(a.cfg.Cache.JanitorIntervalMin) * time.Minute
	if cacheEvery <= 0 {
		cacheEvery = 10 * time.Minute
	}
	sweepEvery := time.Duration(a.cfg.Jobs.SweepIntervalMin) * time.Minute
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}

	cacheTicker := time.NewTicker(cacheEvery)
	defer cacheTicker.Stop()
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cacheTicker.C:
			removed := a.cache.Purge()
			if removed > 0 {
				a.logger.Debug("cache purged", zap.Int("removed", removed))
			}
		case <-sweepTicker.C:
			removed, err := a.store.Sweep(ctx, a.cfg.JobRetention())
			if err != nil {
				a.logger.Warn("job sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				a.logger.Info("terminal jobs swept", zap.Int("removed", removed))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	a.queue.Close()
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return nil
}

// setupScrape assembles the strategy chain and router. Direct HTTP always
// exists; the rest join the chain only when configured.
func setupScrape(app *App, classifier *classify.Classifier, clock check.Clock, exec *resilience.Executor) *scrape.Router {
	cfg := app.cfg
	httpCfg := scrape.HTTPConfig{
		UserAgent:     cfg.Scrape.UserAgent,
		Timeout:       cfg.ScrapeTimeout(),
		MaxBodyBytes:  cfg.Scrape.MaxBodyBytes,
		RespectRobots: cfg.Scrape.RespectRobots,
	}

	strategies := scrape.Strategies{
		Direct:   scrape.NewDirect(httpCfg),
		Academic: scrape.NewAcademicHTTP(httpCfg),
	}
	if cfg.Crawl.RunURL != "" {
		strategies.Crawl = scrape.NewCrawl(scrape.CrawlConfig{
			RunURL:         cfg.Crawl.RunURL,
			StatusURL:      cfg.Crawl.StatusURL,
			ItemsURL:       cfg.Crawl.ItemsURL,
			APIKey:         cfg.Crawl.APIKey,
			Project:        cfg.Crawl.Project,
			Spider:         cfg.Crawl.Spider,
			PollInitial:    time.Duration(cfg.Crawl.PollInitialSec * float64(time.Second)),
			PollMultiplier: cfg.Crawl.PollMultiplier,
			PollMax:        time.Duration(cfg.Crawl.PollMaxSec * float64(time.Second)),
			Timeout:        time.Duration(cfg.Crawl.TimeoutSeconds) * time.Second,
		})
		app.logger.Info("crawl-job strategy enabled", zap.String("spider", cfg.Crawl.Spider))
	}
	if cfg.Render.Endpoint != "" {
		strategies.Render = scrape.NewRender(scrape.RenderConfig{
			Endpoint:     cfg.Render.Endpoint,
			APIKey:       cfg.Render.APIKey,
			Timeout:      time.Duration(cfg.Render.TimeoutSeconds) * time.Second,
			WaitSelector: cfg.Render.WaitSelector,
		}, exec)
		app.logger.Info("render strategy enabled")
	}
	if cfg.Browser.Enabled {
		browser, err := scrape.NewBrowser(scrape.BrowserConfig{
			MaxParallel: cfg.Browser.MaxParallel,
			UserAgent:   cfg.Scrape.UserAgent,
			NavTimeout:  time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.logger.Warn("browser strategy init failed", zap.Error(err))
		} else {
			strategies.Browser = browser
			app.logger.Info("browser strategy enabled", zap.Int("max_parallel", cfg.Browser.MaxParallel))
		}
	}

	return scrape.NewRouter(scrape.RouterConfig{
		MinContentLength:   cfg.Scrape.MinContentLength,
		DomainFailureLimit: cfg.Scrape.DomainFailureLimit,
	}, app.cache, classifier, strategies, clock, app.logger.Named("scrape"))
}

func setupJobStore(ctx context.Context, app *App, clock check.Clock) error {
	switch app.cfg.Jobs.Backend {
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:   app.cfg.Jobs.DSN,
			Table: app.cfg.Jobs.Table,
		}, clock)
		if err != nil {
			return fmt.Errorf("postgres job store init failed: %w", err)
		}
		app.pgStore = store
		app.store = store
		app.logger.Info("using postgres job store", zap.String("table", app.cfg.Jobs.Table))
	default:
		app.store = memoryStorage.NewJobStore(clock)
		app.logger.Info("using in-memory job store")
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (check.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS archive", zap.String("bucket", app.cfg.Archive.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local archive", zap.String("base_dir", app.cfg.Archive.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory archive")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (check.Publisher, error) {
	if app.cfg.Notify.Backend != "pubsub" {
		app.logger.Info("using in-memory completion publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubTopic = client.Topic(app.cfg.Notify.Topic)
	app.logger.Info("pub/sub publisher initialized",
		zap.String("project", app.cfg.Notify.ProjectID),
		zap.String("topic", app.cfg.Notify.Topic),
	)
	return gcppublisher.New(app.pubsubTopic), nil
}
