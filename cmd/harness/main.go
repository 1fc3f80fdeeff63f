package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/config"
	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/gateway"
	"github.com/ILLUVRSE/pipeline-harness/internal/httpserver"
	"github.com/ILLUVRSE/pipeline-harness/internal/logging"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/queue"
	"github.com/ILLUVRSE/pipeline-harness/internal/registry"
	"github.com/ILLUVRSE/pipeline-harness/internal/scenario"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
	"github.com/ILLUVRSE/pipeline-harness/internal/storage"
	"github.com/ILLUVRSE/pipeline-harness/internal/streaming"
	"github.com/ILLUVRSE/pipeline-harness/internal/supervisor"
	"github.com/ILLUVRSE/pipeline-harness/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		if errors.Is(err, supervisor.ErrRestartBudget) {
			logger.Error("exiting: restart budget exhausted")
			os.Exit(2)
		}
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	registryClient, err := serde.NewRegistryClient(serde.RegistryClientConfig{
		BaseURL: cfg.Registry.URL,
		Timeout: cfg.Registry.Timeout,
		Retries: cfg.Registry.Retries,
	})
	if err != nil {
		return fmt.Errorf("schema registry client: %w", err)
	}
	codecs := serde.NewFactory(registryClient)
	defer codecs.Shutdown()

	store, err := storage.NewS3Store(ctx, cfg.Storage.Region)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	events := registry.New()
	slots := scenario.NewSlots(cfg.Scenario.Workers)
	runner := &scenario.GodogRunner{Format: cfg.Scenario.Format}
	stagingFS := afero.NewMemMapFs()

	deps := childDeps{
		cfg:       cfg,
		store:     store,
		stagingFS: stagingFS,
		codecs:    codecs,
		events:    events,
		slots:     slots,
		runner:    runner,
		met:       met,
		log:       logger,
	}

	fsmCfg := fsm.Config{
		SetupTimeout:     cfg.Timeouts.Setup,
		LoadingTimeout:   cfg.Timeouts.Loading,
		CompletedTimeout: cfg.Timeouts.Completed,
		ExceptionTimeout: cfg.Timeouts.Exception,
		ShutdownGrace:    cfg.Timeouts.Shutdown,
	}
	buildCoordinator := func() *queue.Coordinator {
		return queue.New(queue.Config{AskTimeout: cfg.Timeouts.Ask}, fsmCfg, deps.factory, met, logger)
	}
	sup := supervisor.New(supervisor.Config{
		MaxRestarts:   cfg.Queue.MaxRestarts,
		RestartWindow: cfg.Queue.RestartWindow,
	}, buildCoordinator, logger)

	gw := gateway.New(sup, gateway.Config{
		MaxFailures:  cfg.Breaker.MaxFailures,
		CallTimeout:  cfg.Breaker.CallTimeout,
		ResetTimeout: cfg.Breaker.ResetTimeout,
	}, logger)

	api := httpserver.New(gw, met, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	var runErr error
	select {
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
		stop()
		<-supErr
	case err := <-supErr:
		runErr = err
		stop()
	case <-ctx.Done():
		<-supErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

// childDeps carries the process-wide collaborators the per-test workers
// share, and builds each test's five children for the FSM.
type childDeps struct {
	cfg       config.Config
	store     storage.ObjectStore
	stagingFS afero.Fs
	codecs    *serde.Factory
	events    *registry.Registry
	slots     *scenario.Slots
	runner    scenario.Runner
	met       *metrics.Metrics
	log       *zap.Logger
}

func (d childDeps) factory(id model.TestID, cb fsm.Callbacks) (fsm.Children, error) {
	storageWorker := storage.NewWorker(storage.WorkerConfig{
		TestID:        id,
		Store:         d.store,
		FS:            d.stagingFS,
		ManifestKey:   d.cfg.Storage.ManifestKey,
		FeaturePrefix: d.cfg.Storage.FeaturePrefix,
		StagingRoot:   d.cfg.Storage.StagingRoot,
		Logger:        d.log,

		OnFetched:        cb.Fetched,
		OnUploadComplete: cb.UploadComplete,
		OnReady:          func() { cb.GoodToGo(fsm.ChildStorage) },
		OnError:          cb.Fail,
	})

	vaultWorker, err := vault.NewWorker(vault.WorkerConfig{
		TestID:      id,
		FunctionURL: d.cfg.Vault.FunctionURL,
		Environment: d.cfg.Vault.Environment,
		Timeout:     d.cfg.Vault.Timeout,
		Logger:      d.log,

		OnSecurity: cb.Security,
		OnReady:    func() { cb.GoodToGo(fsm.ChildVault) },
		OnError:    cb.Fail,
	})
	if err != nil {
		return fsm.Children{}, err
	}

	pair := streaming.NewPair(
		streaming.ProducerConfig{
			TestID:         id,
			DefaultBrokers: d.cfg.Kafka.BootstrapServers,
			Factory:        d.codecs,
			Metrics:        d.met,
			Logger:         d.log,
			QueueSize:      d.cfg.Producer.QueueSize,
			WriteTimeout:   d.cfg.Producer.WriteTimeout,
			AskTimeout:     d.cfg.Producer.AskTimeout,

			OnReady: func() { cb.GoodToGo(fsm.ChildProducer) },
			OnError: cb.Fail,
		},
		streaming.ConsumerConfig{
			TestID:          id,
			DefaultBrokers:  d.cfg.Kafka.BootstrapServers,
			Factory:         d.codecs,
			Registry:        d.events,
			Metrics:         d.met,
			Logger:          d.log,
			CommitBatchSize: d.cfg.Consumer.CommitBatchSize,
			CommitInterval:  d.cfg.Consumer.CommitInterval,

			OnReady: func() { cb.GoodToGo(fsm.ChildConsumer) },
			OnError: cb.Fail,
		},
		d.log, cb.Fail,
	)
	d.events.Register(id, pair.Producer)

	scenarioWorker := scenario.NewWorker(scenario.WorkerConfig{
		TestID: id,
		Runner: d.runner,
		Slots:  d.slots,
		Logger: d.log,

		OnComplete: cb.Complete,
		OnReady:    func() { cb.GoodToGo(fsm.ChildScenario) },
		OnError:    cb.Fail,
	})

	return fsm.Children{
		Storage: storageWorker,
		Vault:   vaultWorker,
		Scenario: &scenarioChild{
			worker:    scenarioWorker,
			testID:    id,
			fs:        d.stagingFS,
			events:    d.events,
			fetchWait: d.cfg.Consumer.FetchWaitBudget,
		},
		Streams: &streamsChild{pair: pair, testID: id, events: d.events},
	}, nil
}

// scenarioChild adapts the scenario worker to the FSM's child surface: the
// go signal carries only the directive, everything else is ambient.
type scenarioChild struct {
	worker    *scenario.Worker
	testID    model.TestID
	fs        afero.Fs
	events    *registry.Registry
	fetchWait time.Duration
}

func (s *scenarioChild) Initialize() { s.worker.Initialize() }

func (s *scenarioChild) StartTest(directive model.BlockStorageDirective) {
	s.worker.StartTest(scenario.Spec{
		TestID:    s.testID,
		FS:        s.fs,
		Dir:       directive.StagingPath,
		Directive: directive,
		Registry:  s.events,
		FetchWait: s.fetchWait,
	})
}

func (s *scenarioChild) Stop() { s.worker.Stop() }

// streamsChild tears the event-registry entry down with the workers so a
// reaped test cannot produce or fetch.
type streamsChild struct {
	pair   *streaming.Pair
	testID model.TestID
	events *registry.Registry
}

func (s *streamsChild) Initialize(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) {
	s.pair.Initialize(directive, security)
}

func (s *streamsChild) Stop() {
	s.pair.Stop()
	s.events.Unregister(s.testID)
}
