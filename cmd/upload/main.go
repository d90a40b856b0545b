package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-multipart-upload/upload"
)

const statusInterval = 5 * time.Second

func main() {
	logger := log.NewLogger()
	if err := run(logger, os.Args[1:]); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, patterns []string) error {
	if len(patterns) == 0 {
		return errors.New("usage: upload <path or pattern>...")
	}

	config, err := upload.ParseConfig()
	if err != nil {
		return err
	}
	logger.EnableDebugLog(os.Getenv("UPLOAD_DEBUG") == "true")

	orchestrator, err := upload.NewOrchestrator(config, upload.Dependencies{
		OnCompleted: func(c upload.Completed) {
			logger.Printf("%s -> %s", c.Name, c.RemoteKey)
		},
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			logger.Warnf("Failed to close the uploader: %s", err)
		}
	}()

	if _, err := orchestrator.EnqueuePaths(patterns...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.Wait(ctx)
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Warnf("Interrupted, unfinished uploads resume on the next run")
				return nil
			}
			return summarize(logger, orchestrator.Tasks())
		case <-ticker.C:
			logger.Infof("%s", orchestrator.Status())
		}
	}
}

func summarize(logger log.Logger, tasks []upload.FileTask) error {
	failed := 0
	for _, t := range tasks {
		if t.Status == upload.TaskError {
			failed++
			logger.Errorf("%s: %s", t.Name, t.Message)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(tasks))
	}
	logger.Donef("%d files uploaded", len(tasks))
	return nil
}
