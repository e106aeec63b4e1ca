package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docuflow/docuflow/config"
	"github.com/docuflow/docuflow/engine"
	"github.com/docuflow/docuflow/extract"
	"github.com/docuflow/docuflow/llm"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/template"
)

// App wires the NATS connection, storage, queue runner, and the two
// processing surfaces (execution coordinator and case pipeline).
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store       *storage.Store
	runner      *queue.Runner
	publisher   *notify.Publisher
	templates   *template.Store
	coordinator *engine.Coordinator
	pipeline    *pipeline.Pipeline

	metricsServer *http.Server
}

// NewApp creates an unstarted application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start connects to NATS and wires all components. It does not start
// consuming jobs; call StartWorkers for that.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	runner, err := queue.NewRunner(ctx, a.js,
		queue.WithStream(a.cfg.Queue.Stream),
		queue.WithConsumer(a.cfg.Queue.Consumer),
		queue.WithAckWait(a.cfg.Queue.AckWait),
		queue.WithRetryPolicy(queue.RetryPolicy{
			MaxAttempts:       a.cfg.Queue.MaxDeliver,
			BackoffBase:       a.cfg.Queue.BackoffBase,
			BackoffMultiplier: 2.0,
			MaxBackoff:        a.cfg.Queue.MaxBackoff,
		}),
		queue.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("initialize job runner: %w", err)
	}
	a.runner = runner

	a.publisher = notify.NewPublisher(a.natsConn,
		notify.WithChannel(a.cfg.Notify.Channel),
		notify.WithLogger(a.logger),
	)

	chat := llm.NewClient(llm.Endpoint{
		Provider: a.cfg.Model.Provider,
		URL:      a.cfg.Model.Endpoint,
		Model:    a.cfg.Model.Name,
	},
		llm.WithTimeout(a.cfg.Model.Timeout),
		llm.WithLogger(a.logger),
	)

	extractor := a.buildExtractor()

	if a.cfg.Templates.Dir != "" {
		if _, err := os.Stat(a.cfg.Templates.Dir); err == nil {
			tpl, err := template.NewStore(a.cfg.Templates.Dir,
				template.WithPatterns(a.cfg.Templates.Patterns),
				template.WithLogger(a.logger),
			)
			if err != nil {
				return fmt.Errorf("load templates: %w", err)
			}
			a.templates = tpl
		} else {
			a.logger.Warn("Template directory not found, templates disabled",
				"dir", a.cfg.Templates.Dir)
		}
	}

	leaser, err := engine.NewKVLeaser(ctx, a.js, engine.DefaultLeaseTTL)
	if err != nil {
		return fmt.Errorf("initialize lease bucket: %w", err)
	}

	coordOpts := []engine.Option{
		engine.WithMaxIterations(a.cfg.Model.MaxIterations),
		engine.WithTemperature(a.cfg.Model.Temperature),
		engine.WithLogger(a.logger),
	}
	if a.templates != nil {
		coordOpts = append(coordOpts, engine.WithTemplates(a.templates))
	}
	a.coordinator = engine.NewCoordinator(store, runner, chat, extractor, a.publisher, leaser, coordOpts...)
	a.coordinator.Register(runner)

	groups, err := pipeline.NewKVGroupStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize barrier bucket: %w", err)
	}
	barrier := pipeline.NewBarrier(groups, a.logger)
	a.pipeline = pipeline.New(store, runner, barrier, extractor, chat, a.publisher,
		pipeline.WithLogger(a.logger))
	a.pipeline.Register(runner)

	a.logger.Info("Components initialized",
		"stream", a.cfg.Queue.Stream,
		"model", a.cfg.Model.Name)
	return nil
}

// StartWorkers begins consuming jobs and serving metrics, and starts
// the template watcher when enabled.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}

	if a.templates != nil && a.cfg.Templates.Watch {
		go func() {
			if err := a.templates.Watch(ctx); err != nil {
				a.logger.Error("Template watcher stopped", "error", err)
			}
		}()
	}

	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			a.logger.Info("Metrics listener started", "addr", a.cfg.Metrics.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	return nil
}

func (a *App) buildExtractor() *extract.Dispatcher {
	apiKey := os.Getenv("OPENAI_API_KEY")

	transcription := a.cfg.Model.TranscriptionEndpoint
	if transcription == "" {
		transcription = a.cfg.Model.Endpoint + "/audio/transcriptions"
	}

	return extract.NewDispatcher(
		extract.NewDocumentStrategy(),
		extract.NewImageStrategy(a.cfg.Model.Endpoint, a.cfg.Model.Name,
			extract.WithImageAPIKey(apiKey)),
		extract.NewAudioStrategy(transcription, "whisper-1",
			extract.WithAudioAPIKey(apiKey)),
		extract.NewTextStrategy(),
		extract.WithLogger(a.logger),
	)
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name("docuflow"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  embeddedStoreDir(),
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// Shutdown stops workers and closes the NATS connection.
func (a *App) Shutdown(ctx context.Context) {
	if a.runner != nil {
		a.runner.Stop()
	}

	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Metrics listener shutdown failed", "error", err)
		}
		cancel()
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Error("NATS drain failed", "error", err)
		}
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

// embeddedStoreDir keeps JetStream data across restarts of the
// embedded server.
func embeddedStoreDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "docuflow-data"
	}
	return filepath.Join(dir, "docuflow", "jetstream")
}
