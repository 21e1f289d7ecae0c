// Command chainhookd polls the network for token events and delivers them
// to subscribed webhooks.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/api"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/source"
	"github.com/xraph/chainhook/source/rpc"
	"github.com/xraph/chainhook/store"
	"github.com/xraph/chainhook/store/bunstore"
	"github.com/xraph/chainhook/store/memory"
)

func main() {
	configPath := flag.String("config", os.Getenv(envPrefix+"CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainhookd:", err)
		os.Exit(2)
	}

	level, _ := cfg.Log.slogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chainhookd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	client := rpc.NewClient(rpc.Config{
		URL:         cfg.RPC.URL,
		ContractIDs: cfg.RPC.ContractIDs,
		RPS:         cfg.RPC.RPS,
		Burst:       cfg.RPC.Burst,
		Timeout:     cfg.RPC.Timeout,
	}, logger)

	if cfg.Pipeline.StartLedger == 0 {
		latest, err := client.LatestLedger(ctx)
		if err != nil {
			return fmt.Errorf("resolve start ledger: %w", err)
		}
		cfg.Pipeline.StartLedger = latest
		logger.InfoContext(ctx, "starting from latest ledger", "ledger", latest)
	}

	opts := append([]chainhook.Option{
		chainhook.WithStore(st),
		chainhook.WithSource(source.NewChain(client, logger, source.WithMetrics(metrics))),
		chainhook.WithLogger(logger),
		chainhook.WithMetrics(metrics),
		chainhook.WithTracer(observability.NewTracer()),
	}, cfg.Pipeline.options()...)

	hook, err := chainhook.New(opts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", api.ForHook(hook, logger))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hook.Run(gctx)
	})
	g.Go(func() error {
		logger.InfoContext(gctx, "api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		s := bunstore.New(db)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}
