// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/printwatch/internal/bus"
	"github.com/ManuGH/printwatch/internal/dataframe"
	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/edgedb"
	"github.com/ManuGH/printwatch/internal/gstd"
	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/pipelines"
	"github.com/ManuGH/printwatch/internal/recording"
	"github.com/ManuGH/printwatch/internal/relay"
	"github.com/ManuGH/printwatch/internal/settings"
	"github.com/ManuGH/printwatch/internal/tensor"
	"github.com/ManuGH/printwatch/internal/units"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	settingsPath := flag.String("settings", "", "path to the settings file (TOML)")
	gstdURL := flag.String("gstd", gstd.DefaultBaseURL, "pipeline control endpoint")
	adminAddr := flag.String("admin", "127.0.0.1:9615", "metrics/health listen address")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	applog.Configure(applog.Config{
		Level:   os.Getenv("PRINTWATCH_LOG_LEVEL"),
		Service: "printwatchd",
	})
	logger := applog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, err := os.Hostname()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.hostname").Msg("cannot determine hostname")
	}

	store, err := settings.Open(ctx, settings.Options{Path: *settingsPath})
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.settings.open").
			Msg("failed to open settings store")
	}
	cfg := store.Current()

	edge, err := edgedb.Open(cfg.Paths.DBPath)
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.edgedb.open").
			Str(applog.FieldPath, cfg.Paths.DBPath).
			Msg("failed to open edge database")
	}
	defer func() { _ = edge.Close() }()

	unitMgr, err := units.NewManager(ctx)
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.units.connect").
			Msg("failed to connect to the service manager")
	}
	defer unitMgr.Close()

	nc, err := nats.Connect(cfg.Bus.URI,
		nats.Name("printwatchd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.bus.connect").
			Str("bus_uri", cfg.Bus.URI).
			Msg("failed to connect to the local bus")
	}
	defer nc.Close()

	client := gstd.New(*gstdURL)
	enum := &device.Enumerator{}
	factory := pipelines.NewFactory(client, store, enum)
	recorder := recording.NewController(edge, factory, cfg.Paths.VideoDir)

	// the aggregator mirrors the df pipeline's element configuration so
	// property changes over the bus stay consistent with the settings tree
	aggregator := dataframe.NewAggregator(dataframe.Config{
		FilterThreshold: cfg.Detection.FilterThreshold,
		MaxSizeDuration: cfg.Detection.MaxSizeDuration,
		WindowInterval:  cfg.Detection.WindowInterval,
		WindowPeriod:    cfg.Detection.WindowPeriod,
		WindowOffset:    cfg.Detection.WindowOffset,
		DDOF:            cfg.Detection.DDOF,
		Output:          dataframe.OutputJSONLines,
	})
	decoder := tensor.NewDecoder(cfg.Camera.FramerateN, cfg.Camera.FramerateD)

	router := bus.NewRouter(nc, hostname, cfg.Bus.Workers)
	services := &bus.Services{
		Recorder: recorder,
		Settings: store,
		Factory:  factory,
		Devices:  enum,
		Units:    unitMgr,
		Edge:     edge,
	}
	services.Register(router)

	cloudRelay := relay.New(relay.Config{
		SocketPath: cfg.Paths.SocketPath,
		BusURI:     cfg.Cloud.BusURI,
		CredsPath:  cfg.Cloud.CredsPath,
		Capacity:   cfg.Cloud.FIFOSize,
	})

	// inference frames arrive as bus events; aggregated windows feed the
	// cloud relay so the remote side only sees the condensed stream
	router.Handle(bus.PatternTensorFrames, func(_ context.Context, req bus.Request) (any, error) {
		var frame tensor.Frame
		if err := json.Unmarshal(req.Data, &frame); err != nil {
			return nil, fmt.Errorf("decode tensor frame: %w", err)
		}
		rec, err := decoder.Decode(frame)
		if err != nil {
			return nil, err
		}
		windows, err := aggregator.Process(rec)
		if err != nil {
			return nil, err
		}
		if len(windows) > 0 {
			cloudRelay.Enqueue(bus.SubjectDetectionWindows(hostname), windows)
		}
		return nil, nil
	})

	if err := factory.Start(ctx); err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.pipelines.start").
			Msg("failed to start media pipelines")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return router.Run(ctx) })
	group.Go(func() error { return cloudRelay.Run(ctx) })
	group.Go(func() error { return watchSettings(ctx, store, factory, aggregator) })
	group.Go(func() error { return serveAdmin(ctx, *adminAddr) })

	logger.Info().
		Str("event", "daemon.started").
		Str("version", version).
		Str("hostname", hostname).
		Msg("printwatchd running")

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("event", "daemon.stopped").Msg("daemon exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := factory.StopAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.pipelines.stop").Msg("pipeline teardown incomplete")
	}
	logger.Info().Str("event", "daemon.shutdown").Msg("printwatchd stopped")
}

// watchSettings reconciles the optional pipelines and the aggregation
// properties whenever the main document changes on disk.
func watchSettings(ctx context.Context, store *settings.Store, factory *pipelines.Factory, agg *dataframe.Aggregator) error {
	changes, err := store.Watch(ctx)
	if err != nil {
		return err
	}
	logger := applog.WithComponent("daemon")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tree, ok := <-changes:
			if !ok {
				return nil
			}
			if tree != settings.SubTreePrintwatch {
				continue
			}
			if err := store.Load(ctx); err != nil {
				logger.Warn().Err(err).
					Str("event", "daemon.settings.reload").
					Msg("settings reload failed")
				continue
			}
			if err := factory.SyncOptionalPipelines(ctx); err != nil {
				logger.Warn().Err(err).
					Str("event", "daemon.pipelines.sync").
					Msg("optional pipeline sync failed")
			}
			det := store.Current().Detection
			for key, value := range map[string]any{
				"filter_threshold":  det.FilterThreshold,
				"max_size_duration": det.MaxSizeDuration,
				"window_interval":   det.WindowInterval,
				"window_period":     det.WindowPeriod,
				"window_offset":     det.WindowOffset,
				"ddof":              det.DDOF,
			} {
				if err := agg.Set(key, value); err != nil {
					logger.Warn().Err(err).
						Str("event", "daemon.aggregator.set").
						Str("property", key).
						Msg("aggregation property rejected")
				}
			}
		}
	}
}

// serveAdmin exposes metrics and liveness on the loopback interface.
func serveAdmin(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
