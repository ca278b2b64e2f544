// Package app initializes and holds the long-lived services, acting as the
// dependency injection container for the daemon.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/api"
	"github.com/reelpipe/reelpipe/internal/clock/system"
	"github.com/reelpipe/reelpipe/internal/command"
	"github.com/reelpipe/reelpipe/internal/config"
	"github.com/reelpipe/reelpipe/internal/credential"
	"github.com/reelpipe/reelpipe/internal/enrich/static"
	"github.com/reelpipe/reelpipe/internal/events"
	collyfetch "github.com/reelpipe/reelpipe/internal/fetch/colly"
	"github.com/reelpipe/reelpipe/internal/ledger"
	"github.com/reelpipe/reelpipe/internal/orchestrator"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	pubmemory "github.com/reelpipe/reelpipe/internal/publish/memory"
	"github.com/reelpipe/reelpipe/internal/schedule"
	headless "github.com/reelpipe/reelpipe/internal/scraper/chromedp"
	"github.com/reelpipe/reelpipe/internal/selector"
	"github.com/reelpipe/reelpipe/internal/session"
	"github.com/reelpipe/reelpipe/internal/sources"
	"github.com/reelpipe/reelpipe/internal/storage/gcs"
	"github.com/reelpipe/reelpipe/internal/storage/local"
	"github.com/reelpipe/reelpipe/internal/storage/memory"
	"github.com/reelpipe/reelpipe/internal/storage/postgres"
	trmemory "github.com/reelpipe/reelpipe/internal/transport/memory"
)

// App holds every long-lived service. It is initialized once at startup
// and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	pubsubSink   *events.PubSubSink
	gcsClient    *gstorage.Client

	ledger     *ledger.Ledger
	sources    *sources.List
	creds      *credential.Manager
	hub        *events.Hub
	orch       *orchestrator.Orchestrator
	scheduler  *schedule.Scheduler
	machine    *session.Machine
	dispatcher *command.Dispatcher
	transport  *trmemory.Transport
	httpServer *http.Server
}

// NewApp wires every component from configuration, failing fast when any
// critical service cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	clk := system.Clock{}

	if err := a.initStores(ctx, clk); err != nil {
		return nil, err
	}
	if err := a.initEvents(ctx, clk); err != nil {
		return nil, err
	}
	if err := a.initCredentials(clk); err != nil {
		return nil, err
	}

	spool, err := a.buildSpool(ctx)
	if err != nil {
		return nil, err
	}

	fetcher, err := collyfetch.New(collyfetch.Config{
		ListingURL:    cfg.Fetch.ListingURLTemplate,
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		RatePerSecond: cfg.Fetch.SourceQPS,
		MaxItems:      cfg.Fetch.MaxItemsPerSource,
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	sel, err := selector.New(fetcher, logger.Named("selector"))
	if err != nil {
		return nil, err
	}

	publisher := pubmemory.New()
	a.orch, err = orchestrator.New(orchestrator.Options{
		Sources:                    a.sources,
		Selector:                   sel,
		Fetcher:                    fetcher,
		Spool:                      spool,
		Enricher:                   static.New("ReelPipe"),
		Creds:                      a.creds,
		Pub:                        publisher,
		Ledger:                     a.ledger,
		Events:                     a.hub,
		Clock:                      clk,
		Logger:                     logger.Named("orchestrator"),
		CallTimeout:                cfg.ExternalCallTimeout(),
		BlacklistPermanentFailures: cfg.Pipeline.BlacklistPermanentFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	if err := a.initScheduler(clk); err != nil {
		return nil, err
	}
	if err := a.initSession(clk); err != nil {
		return nil, err
	}
	if err := a.initCommands(publisher, clk); err != nil {
		return nil, err
	}

	server := api.NewServer(a.orch, a.sources, a.ledger, a.sessionControl(), clk, logger.Named("api"))
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStores(ctx context.Context, clk pipeline.Clock) error {
	var (
		ledgerStore ledger.Store
		err         error
	)
	if a.cfg.DB.DSN != "" {
		a.pool, err = postgres.Connect(ctx, postgres.PoolConfig{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		ledgerStore, err = postgres.NewLedgerStoreWithPool(a.pool, a.cfg.DB.LedgerTable)
		if err != nil {
			return fmt.Errorf("init ledger store: %w", err)
		}
		a.logger.Info("using postgres stores")
	} else {
		ledgerStore = memory.NewLedgerStore()
		a.logger.Info("using in-memory stores, state will not survive a restart")
	}
	a.ledger = ledger.New(ledgerStore, clk, a.logger.Named("ledger"))

	srcStore, err := sources.NewFileStore(a.cfg.Sources.Path)
	if err != nil {
		return fmt.Errorf("init source store: %w", err)
	}
	a.sources, err = sources.New(ctx, srcStore, a.logger.Named("sources"))
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	return nil
}

func (a *App) initEvents(ctx context.Context, clk pipeline.Clock) error {
	sinks := []events.Sink{
		events.NewLogSink(a.logger.Named("events")),
		events.NewMetricsSink(),
	}
	if a.cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		sink, err := events.NewPubSubSink(client, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("init pubsub sink: %w", err)
		}
		a.pubsubClient = client
		a.pubsubSink = sink
		sinks = append(sinks, sink)
	}
	a.hub = events.NewHub(clk, a.logger, sinks...)
	return nil
}

func (a *App) initCredentials(clk pipeline.Clock) error {
	tokenStore, err := credential.NewFileStore(a.cfg.Credential.TokenDir)
	if err != nil {
		return fmt.Errorf("init token store: %w", err)
	}
	provider := credential.StaticProvider{
		Identity: a.cfg.Credential.Identity,
		Secret:   a.cfg.Credential.Secret,
	}
	retry := pipeline.NewRetryPolicy(
		a.cfg.Credential.MaxRefreshAttempts,
		time.Duration(a.cfg.Credential.BackoffInitialMs)*time.Millisecond,
		time.Duration(a.cfg.Credential.BackoffMaxMs)*time.Millisecond,
	)
	a.creds, err = credential.NewManager(credential.Options{
		Service:    a.cfg.Credential.Service,
		Store:      tokenStore,
		Boot:       provider,
		Refresher:  provider,
		Retry:      retry,
		ExpirySkew: time.Duration(a.cfg.Credential.ExpirySkewMinutes) * time.Minute,
		Clock:      clk,
		Logger:     a.logger.Named("credential"),
	})
	if err != nil {
		return fmt.Errorf("init credential manager: %w", err)
	}
	return nil
}

func (a *App) buildSpool(ctx context.Context) (pipeline.BlobStore, error) {
	switch a.cfg.Spool.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Spool.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs spool: %w", err)
		}
		a.logger.Info("using gcs spool", zap.String("bucket", a.cfg.Spool.GCSBucket))
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Spool.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local spool: %w", err)
		}
		return store, nil
	case "memory":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown spool provider: %s", a.cfg.Spool.Provider)
	}
}

func (a *App) initScheduler(clk pipeline.Clock) error {
	var firingStore schedule.FiringStore
	if a.pool != nil {
		store, err := postgres.NewScheduleStoreWithPool(a.pool, a.cfg.DB.ScheduleTable)
		if err != nil {
			return fmt.Errorf("init schedule store: %w", err)
		}
		firingStore = store
	} else {
		firingStore = memory.NewScheduleStore()
	}

	prepAt, err := schedule.ParseTimeOfDay(a.cfg.Schedule.PrepTime)
	if err != nil {
		return err
	}
	triggers := []schedule.Trigger{
		{Name: "prep", At: prepAt, Action: a.firing("prep", a.orch.Prepare)},
	}
	for i, slot := range a.cfg.Schedule.PublishSlots {
		at, err := schedule.ParseTimeOfDay(slot)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("publish-%d", i+1)
		triggers = append(triggers, schedule.Trigger{Name: name, At: at, Action: a.firing(name, a.runOnceAction)})
	}

	a.scheduler, err = schedule.New(schedule.Options{
		Triggers:    triggers,
		Store:       firingStore,
		Clock:       clk,
		WakeEvery:   time.Duration(a.cfg.Schedule.WakeSeconds) * time.Second,
		GraceWindow: time.Duration(a.cfg.Schedule.GraceWindowMinutes) * time.Minute,
		Logger:      a.logger.Named("schedule"),
	})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	return nil
}

func (a *App) runOnceAction(ctx context.Context) error {
	_, err := a.orch.RunOnce(ctx)
	return err
}

// firing wraps a trigger action so every firing lands on the event hub.
func (a *App) firing(name string, action func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a.hub.Emit(ctx, events.Event{Kind: events.KindTriggerFired, Detail: name})
		return action(ctx)
	}
}

func (a *App) initSession(clk pipeline.Clock) error {
	if !a.cfg.Session.Enabled {
		return nil
	}
	browser, err := headless.New(headless.Config{
		BaseURL:           a.cfg.Scraper.BaseURL,
		UserAgent:         a.cfg.Scraper.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Scraper.NavTimeoutSeconds) * time.Second,
		Headless:          a.cfg.Scraper.Headless,
	}, a.logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}
	a.machine, err = session.NewMachine(session.Options{
		Browser:          browser,
		Credentials:      a.creds,
		Ledger:           a.ledger,
		Notifier:         observedNotifier{hub: a.hub},
		Target:           a.cfg.Scraper.ItemsPath,
		PollInterval:     time.Duration(a.cfg.Session.PollIntervalSeconds) * time.Second,
		Retry:            pipeline.NewRetryPolicy(a.cfg.Session.MaxLoginAttempts, time.Second, 30*time.Second),
		FailureThreshold: a.cfg.Session.FailureThreshold,
		Clock:            clk,
		Logger:           a.logger.Named("session"),
		OnStateChange: func(st session.State) {
			a.hub.Emit(context.Background(), events.Event{
				Kind:   events.KindSessionState,
				Detail: string(st),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	return nil
}

func (a *App) initCommands(publisher pipeline.Publisher, clk pipeline.Clock) error {
	a.transport = trmemory.New(16)
	dispatcher, err := command.New(command.Options{
		Transport:  a.transport,
		Authorized: a.cfg.Transport.AllowedIssuers,
		Runner:     a.orch,
		Sources:    a.sources,
		Ledger:     a.ledger,
		Session:    a.sessionControl(),
		Publisher:  publisher,
		Creds:      a.creds,
		Clock:      clk,
		Logger:     a.logger.Named("command"),
	})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	a.dispatcher = dispatcher
	return nil
}

// sessionControl returns the live machine or an inert stand-in when the
// watch session is disabled, so commands and the API always have a target.
func (a *App) sessionControl() command.SessionControl {
	if a.machine != nil {
		return a.machine
	}
	return noSession{}
}

// Run starts every loop and blocks until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.creds.Obtain(ctx); err != nil {
		a.logger.Warn("credential not available at startup", zap.Error(err))
	}

	errCh := make(chan error, 4)
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	go func() {
		if err := a.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := a.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	if a.machine != nil {
		go func() {
			if err := a.machine.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("session: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	return nil
}

// Transport exposes the command channel for in-process callers.
func (a *App) Transport() *trmemory.Transport {
	return a.transport
}

// Close tears down the shared clients and flushes the logger.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.creds.Invalidate()
	if a.pubsubSink != nil {
		a.pubsubSink.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	// Best effort; stderr may be gone already.
	_ = a.logger.Sync()
}

// observedNotifier turns session observations into hub events.
type observedNotifier struct {
	hub *events.Hub
}

func (n observedNotifier) NotifyNew(ctx context.Context, item pipeline.Item) {
	n.hub.Emit(ctx, events.Event{
		Kind:        events.KindItemObserved,
		Fingerprint: string(item.Fingerprint),
		Source:      item.SourceID,
	})
}

// noSession satisfies SessionControl when the watch session is disabled.
type noSession struct{}

func (noSession) State() session.State { return session.StateLoggedOut }
func (noSession) Restart()             {}
