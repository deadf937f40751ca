package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HsiangNianian/pacs-bridge/internal/broker"
	"github.com/HsiangNianian/pacs-bridge/internal/config"
	"github.com/HsiangNianian/pacs-bridge/internal/db"
	"github.com/HsiangNianian/pacs-bridge/internal/dispatch"
	"github.com/HsiangNianian/pacs-bridge/internal/logging"
	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
	"github.com/HsiangNianian/pacs-bridge/internal/session"
	"github.com/HsiangNianian/pacs-bridge/internal/store"
	"github.com/HsiangNianian/pacs-bridge/internal/workflow"
	"github.com/HsiangNianian/pacs-bridge/internal/ws"
)

func runCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the controller and start bridging",
		Long: `Connect to the PACS controller over mutual TLS, store its events in
PostgreSQL, announce them on RabbitMQ and carry out card commands consumed
from RabbitMQ.

Settings come from the environment (.env names) and an optional
JSON-with-comments file given by --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			logger, err := logging.New(cfg.Debug)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("bridge stopped", zap.Error(err))
				return err
			}
			logger.Info("bridge stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a JSON config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// serve opens every connection, runs the bridge until ctx is done or a
// component fails, and closes everything it opened.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Register(prometheus.DefaultRegisterer)

	pool, err := db.Connect(ctx, cfg.Database.DSN(), logger.Named("db"))
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := db.NewRepository(pool, logger.Named("db"))

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	brokerOpts := broker.Options{
		URL:     cfg.Broker.URL(),
		Retries: cfg.Broker.ConnectRetries,
		Delay:   cfg.Broker.ConnectDelay(),
	}
	producerOpts := brokerOpts
	producerOpts.Name = "producer"
	producer := broker.NewProducer(producerOpts, cfg.Broker.PublishRetries, logger.Named("producer"))
	if err := producer.Connect(ctx); err != nil {
		return err
	}
	defer producer.Close()

	sess, err := session.New(session.Options{
		Addr:          cfg.Controller.Addr(),
		CertFile:      cfg.Controller.CertFile,
		KeyFile:       cfg.Controller.KeyFile,
		ServerName:    cfg.Controller.ServerName,
		Retries:       cfg.Controller.ConnectRetries,
		Delay:         cfg.Controller.ConnectDelay(),
		Timeout:       cfg.Controller.ConnectTimeout(),
		FrameTimeout:  cfg.Controller.FrameTimeout(),
		MaxFrameSize:  cfg.Controller.MaxFrameSize,
		LegacyCiphers: cfg.Controller.LegacyCiphers,
	}, logger.Named("session"))
	if err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Close()

	consumerOpts := brokerOpts
	consumerOpts.Name = "consumer"
	consumer := broker.NewConsumer(consumerOpts, cfg.Broker.Concurrency, logger.Named("consumer"))
	if err := consumer.Connect(ctx); err != nil {
		return err
	}
	defer consumer.Close()

	table := workflow.NewTable(logger.Named("workflow"))
	hub := ws.NewHub(cfg.Diagnostics.PanelAuthToken, func() any { return table.All() }, logger.Named("panel"))
	defer hub.Close()

	d := dispatch.New(dispatch.Options{
		EventsDestination: cfg.Broker.EventsQueue,
		PollTimeout:       cfg.Controller.PollTimeout(),
		SettleDelay:       cfg.Workflow.SettleDelay(),
		Backdate:          cfg.Workflow.Backdate(),
		ValidFor:          cfg.Workflow.ValidFor(),
		ProcessedTTL:      cfg.Store.ProcessedTTL(),
		StaleAfter:        cfg.Workflow.StaleAfter(),
		EvictEvery:        cfg.Workflow.EvictEvery(),
		Location:          time.Local,
	}, dispatch.Deps{
		Controller: sess,
		Publisher:  producer,
		Repository: repo,
		Table:      table,
		Store:      st,
		Builder: protocol.NewBuilder(protocol.Constants{
			Version:        cfg.Protocol.Version,
			TemplateID:     cfg.Protocol.TemplateID,
			DataID:         cfg.Protocol.DataID,
			ActionIssue:    cfg.Protocol.ActionIssue,
			ActionWithdraw: cfg.Protocol.ActionWithdraw,
		}),
		Notifier: hub,
	}, logger.Named("dispatch"))

	srv := &http.Server{
		Addr:              cfg.Diagnostics.ListenAddr,
		Handler:           diagnosticsMux(cfg.Diagnostics, hub, sess),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		return consumer.Serve(gctx, cfg.Broker.CommandsExchange, cfg.Broker.CommandsQueue, d.HandleCommand)
	})
	g.Go(func() error { return d.RunEvictor(gctx) })
	g.Go(func() error {
		logger.Info("diagnostics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Info("use memory store")
		return store.NewMemoryStore(), nil
	}
	rs := store.NewRedisStore(cfg.RedisAddr)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("use redis store", zap.String("addr", cfg.RedisAddr))
	return rs, nil
}

type stateReporter interface {
	State() session.State
}

func diagnosticsMux(cfg config.DiagnosticsConfig, hub *ws.Hub, sess stateReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.PanelPath, hub.HandlePanel)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := sess.State()
		if state != session.Connected {
			http.Error(w, state.String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
