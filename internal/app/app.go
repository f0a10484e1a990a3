package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"FeedPoster/internal/config"
	"FeedPoster/internal/domain"
	"FeedPoster/internal/infrastructure/bluesky"
	"FeedPoster/internal/infrastructure/llm"
	"FeedPoster/internal/infrastructure/metrics"
	"FeedPoster/internal/infrastructure/ml"
	"FeedPoster/internal/infrastructure/parser"
	"FeedPoster/internal/infrastructure/preview"
	"FeedPoster/internal/infrastructure/scheduler"
	"FeedPoster/internal/infrastructure/storage"
	"FeedPoster/internal/infrastructure/telegram"
	"FeedPoster/internal/logging"
	"FeedPoster/internal/ports"
	"FeedPoster/internal/scanner"
	"FeedPoster/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	store    stateBackend
	closers  []func() error
	recorder *metrics.Recorder
	pipeline *usecase.Pipeline
}

type stateBackend interface {
	ports.StateStore
	ports.StateInspector
}

// New builds a runnable application from configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	recorder, err := metrics.NewRecorder(metrics.Sinks{
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		Job:            cfg.Metrics.Job,
		Textfile:       cfg.Metrics.Textfile,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.recorder = recorder

	service, err := a.buildSummarizationService(ctx)
	if err != nil {
		return nil, err
	}
	publishing, err := a.buildPublishingService()
	if err != nil {
		return nil, err
	}

	var previews ports.PreviewFetcher
	if cfg.Publisher.LinkPreview {
		previews = preview.NewFetcher(nil, cfg.Providers.UserAgent)
	}

	clock := usecase.SystemClock{}
	sum := cfg.Summarizer
	summarizer := usecase.NewSummarizer(service, usecase.SummarizerSettings{
		Language:      sum.Language,
		MaxChars:      sum.MaxChars,
		MaxInputChars: sum.MaxInputChars,
		FallbackText:  sum.FallbackText,
		Retry: usecase.RetryPolicy{
			MaxRetries:     sum.MaxRetries,
			InitialBackoff: sum.BackoffMin,
			MaxBackoff:     sum.BackoffMax,
			BackoffFactor:  2,
		},
	}, clock, baseLogger.With("component", "summarizer"))

	pub := cfg.Publisher
	publisher := usecase.NewPublisher(publishing, previews, usecase.PublisherSettings{
		LinkPreview:   pub.LinkPreview,
		MaxThumbBytes: pub.MaxThumbBytes,
		PacingMin:     pub.PacingMin,
		PacingMax:     pub.PacingMax,
		Retry: usecase.RetryPolicy{
			MaxRetries:     pub.MaxRetries,
			InitialBackoff: pub.BackoffMin,
			MaxBackoff:     pub.BackoffMax,
			BackoffFactor:  2,
		},
	}, clock, baseLogger.With("component", "publisher"))

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Sources:    cfg.Descriptors(),
		Adapter:    parser.NewStrategySource(a.buildRegistry(), baseLogger.With("component", "source")),
		Store:      store,
		Summarizer: summarizer,
		Composer:   usecase.NewComposer(cfg.Settings.MaxPostLength),
		Publisher:  publisher,
		Recorder:   recorder,
		Clock:      clock,
		Logger:     baseLogger.With("component", "pipeline"),
	}, usecase.PipelineSettings{
		Persisting: cfg.Settings.Persisting(),
		Watermark: usecase.WatermarkPolicy{
			DefaultLookback: cfg.Settings.DefaultLookback,
			Overlap:         cfg.Settings.Overlap,
		},
		Retention:     cfg.State.Retention,
		MaxRecords:    cfg.State.MaxRecords,
		MaxAttempts:   cfg.Settings.MaxAttempts,
		RetryCooldown: cfg.Settings.RetryCooldown,
	})
	return a, nil
}

func (a *Application) buildRegistry() *scanner.Registry {
	prov := a.cfg.Providers
	httpOpts := parser.HTTPOptions{UserAgent: prov.UserAgent, Timeout: prov.Timeout}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewRSSScanner(httpOpts, a.logger.With("component", "scanner.rss")))
	registry.Register(parser.NewJVNScanner(httpOpts, a.logger.With("component", "scanner.jvn")))
	registry.Register(parser.NewNVDScanner(parser.NVDOptions{
		HTTP:    httpOpts,
		BaseURL: prov.NVDAPIURL,
		APIKey:  prov.NVDAPIKey,
		Window:  prov.NVDRequestWindow,
	}, a.logger.With("component", "scanner.nvd")))
	return registry
}

func (a *Application) buildStore(ctx context.Context) (stateBackend, error) {
	st := a.cfg.State
	logger := a.logger.With("component", "state")
	switch st.Backend {
	case "file":
		return storage.NewFileStore(st.Path, logger), nil
	case "sqlite", "postgres":
		driver, dsn := storage.DriverPostgres, st.DSN
		if st.Backend == "sqlite" {
			driver = storage.DriverSQLite
			if dsn == "" {
				dsn = st.Path
			}
		}
		store, err := storage.OpenSQL(ctx, driver, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", st.Backend)
	}
}

func (a *Application) buildSummarizationService(ctx context.Context) (ports.SummarizationService, error) {
	sum := a.cfg.Summarizer
	var (
		service ports.SummarizationService
		err     error
	)
	switch sum.Provider {
	case "gemini":
		service, err = llm.NewGeminiClient(ctx, sum)
	case "openai":
		service, err = llm.NewChatGPTClient(sum)
	case "anthropic":
		service, err = llm.NewClaudeClient(sum)
	case "http":
		if sum.Endpoint == "" {
			err = errors.New("summarizer.endpoint is required for the http provider")
		} else {
			service = ml.NewClient(sum.Endpoint, sum.APIKey, sum.Model, sum.Timeout)
		}
	default:
		err = fmt.Errorf("unknown summarizer provider %q", sum.Provider)
	}
	if err == nil {
		return service, nil
	}
	if a.cfg.Settings.Persisting() {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	a.logger.Warn("summarizer unavailable, dry run will use fallback text", "error", err)
	return unavailableService{err: err}, nil
}

func (a *Application) buildPublishingService() (ports.PublishingService, error) {
	pub := a.cfg.Publisher
	switch pub.Provider {
	case "bluesky":
		return bluesky.NewClient(bluesky.Options{
			Host:       pub.Bluesky.Host,
			Identifier: pub.Bluesky.Identifier,
			Password:   pub.Bluesky.Password,
			Langs:      pub.Bluesky.Langs,
		}, a.logger.With("component", "bluesky")), nil
	case "telegram":
		return telegram.NewNotifier("", pub.Telegram.BotToken, pub.Telegram.ChatID), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", pub.Provider)
	}
}

// Run performs a single pipeline pass and flushes metrics.
func (a *Application) Run(ctx context.Context) (usecase.RunReport, error) {
	report, err := a.pipeline.Run(ctx)
	a.logReport(report)
	if flushErr := a.recorder.Flush(context.WithoutCancel(ctx)); flushErr != nil {
		a.logger.Warn("metrics flush failed", "error", flushErr)
	}
	return report, err
}

// Watch repeats Run every interval until ctx is cancelled.
func (a *Application) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.Scheduler.Interval
	}
	driver := scheduler.NewIntervalScheduler(interval, a.cfg.Scheduler.Location())
	sched := usecase.NewScheduler(driver, a, a.logger.With("component", "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("watching sources", "interval", interval)

	select {
	case <-ctx.Done():
	case <-driver.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return sched.Stop(stopCtx)
}

// ShowState writes the decoded (and upgraded) state document as JSON. The
// stored document is left as it is, even when it is corrupt.
func (a *Application) ShowState(ctx context.Context, w io.Writer) error {
	state, err := a.store.Inspect(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

// Close releases store connections.
func (a *Application) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (a *Application) logReport(report usecase.RunReport) {
	for _, src := range report.Sources {
		a.logger.Info("source summary",
			"run_id", report.RunID,
			"source", src.SourceID,
			"fetched", src.Fetched,
			"retried", src.Retried,
			"delivered", src.Delivered,
			"fallback", src.Fallback,
			"failed", src.Failed,
			"skipped", src.Skipped,
			"pending", src.Pending,
			"aborted", src.AbortReason,
			"advanced", src.Advanced,
		)
	}
}

// unavailableService stands in for a summarizer that could not be built, so
// dry runs still exercise the fallback path.
type unavailableService struct{ err error }

func (u unavailableService) Generate(context.Context, string) (string, error) {
	return "", domain.NewServiceError("summarizer", domain.ServiceFatal, 0, u.err)
}
