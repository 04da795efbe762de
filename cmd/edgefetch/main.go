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

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgefetch/edgefetch/internal/api"
	"github.com/edgefetch/edgefetch/internal/batch"
	"github.com/edgefetch/edgefetch/internal/blockdetect"
	memorycache "github.com/edgefetch/edgefetch/internal/cache/memory"
	postgrescache "github.com/edgefetch/edgefetch/internal/cache/postgres"
	systemclock "github.com/edgefetch/edgefetch/internal/clock/system"
	"github.com/edgefetch/edgefetch/internal/config"
	"github.com/edgefetch/edgefetch/internal/fetch"
	directfetcher "github.com/edgefetch/edgefetch/internal/fetcher/direct"
	headlessfetcher "github.com/edgefetch/edgefetch/internal/fetcher/headless"
	"github.com/edgefetch/edgefetch/internal/hash/sha256"
	"github.com/edgefetch/edgefetch/internal/id/uuid"
	"github.com/edgefetch/edgefetch/internal/logging"
	"github.com/edgefetch/edgefetch/internal/metrics"
	memorypublisher "github.com/edgefetch/edgefetch/internal/publisher/memory"
	pubsubpublisher "github.com/edgefetch/edgefetch/internal/publisher/pubsub"
	"github.com/edgefetch/edgefetch/internal/ratelimit"
	"github.com/edgefetch/edgefetch/internal/relay"
	"github.com/edgefetch/edgefetch/internal/rotation"
	"github.com/edgefetch/edgefetch/internal/signer"
	gcsstorage "github.com/edgefetch/edgefetch/internal/storage/gcs"
	localstorage "github.com/edgefetch/edgefetch/internal/storage/local"
	memorystorage "github.com/edgefetch/edgefetch/internal/storage/memory"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clk := systemclock.New()
	hasher := sha256.New()
	idGen := uuid.New()

	pools, err := rotation.ParseEndpoints(cfg.Rotation.EndpointsJSON)
	if err != nil {
		return fmt.Errorf("parse rotation endpoints: %w", err)
	}
	sign, err := signer.New(signer.Config{
		Type:            signer.AuthType(cfg.Rotation.AuthType),
		KeyHeader:       cfg.Rotation.APIKeyHeader,
		AccessKeyID:     cfg.Rotation.IAM.AccessKeyID,
		SecretAccessKey: cfg.Rotation.IAM.SecretAccessKey,
		Region:          cfg.Rotation.IAM.Region,
	}, clk)
	if err != nil {
		return fmt.Errorf("build request signer: %w", err)
	}
	dispatcher := rotation.NewDispatcher(
		rotation.Config{DefaultTimeout: cfg.DefaultDispatchTimeout()},
		rotation.NewRegistry(pools),
		rotation.NewRewriter(cfg.Rotation.DoubleEncodeParams),
		sign,
		nil,
		logger,
	)

	direct := directfetcher.New(directfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	})

	var headless relay.Fetcher
	var detector relay.HeadlessDetector
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("start headless fetcher: %w", err)
		}
		defer hf.Close()
		headless = hf
		detector = blockdetect.NewHeuristic(0)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.PerDomainRPS,
		DefaultBurst: cfg.Fetch.Burst,
	})

	pipeline := fetch.New(
		fetch.Config{UserAgent: cfg.Fetch.UserAgent, HeadlessEnabled: cfg.Headless.Enabled},
		dispatcher,
		direct,
		headless,
		detector,
		limiter,
		logger,
	)

	kv, err := buildCache(ctx, cfg, clk)
	if err != nil {
		return err
	}
	if closer, ok := kv.(interface{ Close() }); ok {
		defer closer.Close()
	}

	blobs, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := publisher.(interface{ Close() }); ok {
		defer closer.Close()
	}

	orchestrator := batch.New(
		batch.Config{
			Concurrency: cfg.Batch.Concurrency,
			Limits: relay.ResourceLimits{
				MaxMemoryBytes: cfg.Batch.MaxMemoryBytes,
				MaxSubrequests: cfg.Batch.MaxSubrequests,
			},
			Topic:          cfg.Publish.TopicID,
			ArchiveEnabled: cfg.Archive.Enabled,
			ArchivePrefix:  cfg.Archive.Prefix,
		},
		pipeline,
		publisher,
		blobs,
		hasher,
		idGen,
		clk,
		logger,
	)

	server := api.NewServer(orchestrator, pipeline, kv, hasher, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("service stopped")
	return nil
}

// buildCache returns nil when the proxy cache is disabled; the API layer
// treats a nil store as cache-off.
func buildCache(ctx context.Context, cfg config.Config, clk relay.Clock) (relay.KeyValueStore, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Provider {
	case "postgres":
		kv, err := postgrescache.NewKV(ctx, postgrescache.Config{
			DSN:   cfg.Cache.PostgresDSN,
			Table: cfg.Cache.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres cache: %w", err)
		}
		return kv, nil
	case "memory", "":
		return memorycache.NewKV(clk), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.Cache.Provider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (relay.BlobStore, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil
	case "memory", "":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (relay.Publisher, error) {
	switch cfg.Publish.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publish.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub, err := pubsubpublisher.New(client, cfg.Publish.TopicID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub publisher: %w", err)
		}
		return pub, nil
	case "memory", "":
		return memorypublisher.New(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publish provider %q", cfg.Publish.Provider)
	}
}
