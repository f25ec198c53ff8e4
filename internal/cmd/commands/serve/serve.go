package serve

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

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp-forge/augment/internal/bootstrap"
	"github.com/hashicorp-forge/augment/internal/cmd/base"
	"github.com/hashicorp-forge/augment/internal/config"
	"github.com/hashicorp-forge/augment/pkg/kafka"
	"github.com/hashicorp-forge/augment/pkg/pipeline"
	"github.com/hashicorp-forge/augment/pkg/recognition/bridge"
	"github.com/hashicorp-forge/augment/pkg/registry"
	"github.com/hashicorp-forge/augment/pkg/scan"
	"github.com/hashicorp-forge/augment/pkg/scene"
)

const shutdownTimeout = 30 * time.Second

type Command struct {
	*base.Command

	flagConfig           string
	flagConsumeFromStart bool
}

func (c *Command) Synopsis() string {
	return "Run the augmentation service"
}

func (c *Command) Help() string {
	return `Usage: augment serve -config=augment.hcl

  Consume recognition events from the engine bridge, fetch and cache the
  matched packages, and keep the scene's augmentations current.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("serve", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[AUGMENT_CONFIG] Path to the HCL config file",
	)
	f.BoolVar(
		&c.flagConsumeFromStart, "from-start", false,
		"Read recognition events from the start of the topic",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	configPath := c.flagConfig
	if val, ok := os.LookupEnv("AUGMENT_CONFIG"); ok && configPath == "" {
		configPath = val
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.Log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.serve(ctx, cfg); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}

func (c *Command) serve(ctx context.Context, cfg *config.Config) error {
	log := c.Log

	db, err := bootstrap.OpenDatabase(cfg, log)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	f, err := bootstrap.NewFetcher(cfg, log)
	if err != nil {
		return fmt.Errorf("error initializing fetcher: %w", err)
	}

	cache, err := bootstrap.NewCache(cfg, db, log)
	if err != nil {
		return fmt.Errorf("error initializing cache: %w", err)
	}

	br, err := bridge.New(bridge.Config{
		Brokers:          kafka.GetBrokers(cfg),
		EventsTopic:      kafka.GetEventsTopic(cfg),
		ControlTopic:     kafka.GetControlTopic(cfg),
		ConsumerGroup:    kafka.GetConsumerGroup(cfg),
		ConsumeFromStart: c.flagConsumeFromStart,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("error initializing recognition bridge: %w", err)
	}
	defer br.Stop()

	sc := scene.NewMemory(log)
	reg := registry.New(sc, log)
	ctrl := scan.New(br, reg, cfg.Recognition.ClearImmediatelyOrDefault(), log)

	p, err := pipeline.New(pipeline.Config{
		Cache:         cache,
		Fetcher:       f,
		Registry:      reg,
		Scan:          ctrl,
		DB:            db,
		Lineage:       cfg.Recognition.Lineage,
		OnRunComplete: c.reportRun,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("error initializing pipeline: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- br.Start(ctx, p)
	}()

	c.UI.Info("augment is running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	case err := <-p.Fatal():
		runErr = err
	case err := <-bridgeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("recognition bridge stopped: %w", err)
		}
	}

	br.Stop()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timeout reached, abandoning in-flight runs", "timeout", shutdownTimeout)
	}

	evicted := reg.EvictAll(context.Background())
	stats := cache.Stats()
	log.Info("augment stopped",
		"evicted", evicted,
		"cache_hits", stats.Hits,
		"cache_misses", stats.Misses,
		"cache_entries", stats.Entries,
	)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return runErr
}

func (c *Command) reportRun(r pipeline.Result) {
	fields := []interface{}{
		"seq", r.Event.Seq,
		"id", r.Event.ID,
		"anchor", r.Event.Anchor,
		"outcome", r.Outcome,
		"cache", r.Cache,
		"duration", r.Duration,
	}
	if r.Err != nil {
		fields = append(fields, "step", r.Step, "error", r.Err)
	}
	c.Log.Debug("run complete", fields...)
}
