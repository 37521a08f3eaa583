package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reportwatch/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator stops components in registration order, once. A failing
// phase does not skip the ones after it.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &shutdownCoordinator{
		logger: logger.Component("shutdown"),
	}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.phases = append(coordinator.phases, shutdownPhase{
		name: name,
		stop: stop,
	})
}

func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	var runErr error
	coordinator.once.Do(func() {
		for _, phase := range coordinator.phases {
			started := time.Now()
			err := phase.stop(ctx)
			fields := map[string]string{
				"phase":    phase.name,
				"duration": time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("%s: %w", phase.name, err))
				fields["error"] = err.Error()
				coordinator.logger.Warn("shutdown phase failed", fields)
				continue
			}
			coordinator.logger.Info("shutdown phase finished", fields)
		}
	})
	return runErr
}
