package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/server"
)

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	config, err := server.ParseConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, config, logger)
	if err != nil {
		return err
	}

	var dedup server.DedupIndex
	var registry server.Registry
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close redis client: %s", err)
			}
		}()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		dedup = server.NewRedisDedupIndex(client, config.DedupTTL())
		registry = server.NewRedisRegistry(client)
	} else {
		logger.Warnf("UPLOAD_REDIS_URL is not set, deduplication is disabled and registrations are only logged")
	}

	srv := server.New(config, store, dedup, logger)
	if registry != nil {
		srv.SetRegistry(registry)
	}

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", config.ListenAddr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Donef("Server stopped")
	return nil
}

func openStore(ctx context.Context, config server.Config, logger log.Logger) (network.ObjectStore, error) {
	if config.Backend == server.BackendMinio {
		return network.NewMinioStore(network.MinioParams{
			Endpoint:        config.Endpoint,
			Region:          config.Region,
			Bucket:          config.Bucket,
			AccessKeyID:     string(config.AccessKeyID),
			SecretAccessKey: string(config.SecretAccessKey),
			Secure:          config.Secure,
		}, logger)
	}
	return network.NewS3Store(ctx, network.S3Params{
		Region:          config.Region,
		Bucket:          config.Bucket,
		AccessKeyID:     string(config.AccessKeyID),
		SecretAccessKey: string(config.SecretAccessKey),
		Endpoint:        config.Endpoint,
	}, logger)
}
