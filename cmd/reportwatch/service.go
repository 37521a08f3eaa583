package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"reportwatch/internal/config"
	"reportwatch/internal/discovery"
	"reportwatch/internal/dispatch"
	"reportwatch/internal/event"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"
	"reportwatch/internal/registry"
	"reportwatch/internal/status"
	"reportwatch/internal/version"
	"reportwatch/internal/watcher"

	"golang.org/x/sync/errgroup"
)

const (
	eventHistorySize = 256
	shutdownTimeout  = 10 * time.Second
)

// runService wires the watcher stack from settings and blocks until ctx is
// cancelled or a component fails.
func runService(ctx context.Context, settings config.Settings, logger *logging.Logger) error {
	logger.Info("reportwatch starting", map[string]string{
		"version":  version.Version,
		"root":     settings.Watch.Root,
		"dry_run":  strconv.FormatBool(settings.Dispatch.DryRun),
		"endpoint": settings.Dispatch.URL,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := &metrics.Registry{}
	bus := event.NewBus[event.WatcherEvent](ctx, event.BusOptions{
		Name:        "watcher-events",
		HistorySize: eventHistorySize,
		Registry:    stats,
	})

	sourceFailed := make(chan error, 1)
	source, err := watcher.NewWithOptions(watcher.Options{
		Logger:  logger,
		Metrics: stats,
		ErrorHandler: func(err error) {
			select {
			case sourceFailed <- err:
			default:
			}
		},
	})
	if err != nil {
		bus.Close()
		return fmt.Errorf("start notification source: %w", err)
	}

	reg := registry.New()
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Client:        dispatch.NewHTTPClient(&http.Client{}),
		Profile:       profileFromSettings(settings.Dispatch),
		Logger:        logger,
		Metrics:       stats,
		DryRun:        settings.Dispatch.DryRun,
		Timeout:       settings.Dispatch.Timeout(),
		RatePerSecond: settings.Dispatch.RatePerSecond,
	})
	coordinator, err := discovery.New(discovery.Options{
		Root:        settings.Watch.Root,
		Source:      source,
		Registry:    reg,
		Dispatcher:  dispatcher,
		Extensions:  settings.Watch.Extensions,
		Logger:      logger,
		Metrics:     stats,
		Events:      bus,
		InitialScan: settings.Discovery.InitialScan,
	})
	if err != nil {
		_ = source.Close()
		bus.Close()
		return err
	}

	var statusServer *status.Server
	if settings.Status.Addr != "" {
		statusServer = status.NewServer(status.Options{
			Addr:     settings.Status.Addr,
			Root:     coordinator.Root(),
			Registry: reg,
			Metrics:  stats,
			Source:   source,
			Events:   bus,
			Logger:   logger,
		})
	}

	shutdown := newShutdownCoordinator(logger)
	if statusServer != nil {
		shutdown.Add("status-server", statusServer.Shutdown)
	}
	shutdown.Add("notification-source", func(context.Context) error {
		return source.Close()
	})
	shutdown.Add("event-bus", func(context.Context) error {
		bus.Close()
		return nil
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-sourceFailed:
			return fmt.Errorf("notification source failed: %w", err)
		}
	})
	if statusServer != nil {
		group.Go(func() error {
			return statusServer.ListenAndServe(groupCtx)
		})
	}

	runErr := group.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := shutdown.Run(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]string{"error": err.Error()})
	}

	snapshot := stats.Snapshot()
	logger.Info("reportwatch stopped", map[string]string{
		"watchers_completed": strconv.FormatInt(snapshot.WatchersCompleted, 10),
		"watchers_cancelled": strconv.FormatInt(snapshot.WatchersCancelled, 10),
	})
	return runErr
}

func profileFromSettings(settings config.DispatchSettings) dispatch.Profile {
	return dispatch.Profile{
		URL:              settings.URL,
		Action:           settings.Action,
		Door:             settings.Door,
		Details:          settings.Details,
		WiegandID:        settings.WiegandID,
		UserEnrollmentID: settings.UserEnrollmentID,
	}
}
