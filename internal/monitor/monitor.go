// Package monitor contains the heartbeat monitor that sweeps the host
// registry and transitions hosts that have gone quiet to the offline status.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prismdns/prism/internal/dnssync"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/registry"
)

// Registry is the part of the host registry the monitor uses.
type Registry interface {
	// MarkOfflineIfStale atomically transitions to offline every online host
	// whose last-seen time is strictly before threshold.  Hosts transitioned
	// before an error are returned alongside it.
	MarkOfflineIfStale(ctx context.Context, threshold time.Time) (hosts []registry.Hostname, err error)

	// FlushLastSeen persists last-seen times that have only advanced in
	// memory.
	FlushLastSeen(ctx context.Context) (err error)
}

// Metrics counts monitor sweeps.
type Metrics interface {
	// ObserveOffline records n hosts transitioned offline in one sweep.
	ObserveOffline(ctx context.Context, n int)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// ObserveOffline implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveOffline(_ context.Context, _ int) {}

// Config is the configuration for the heartbeat monitor.
type Config struct {
	// Logger is used for logging the operation of the monitor.  It must not
	// be nil.
	Logger *slog.Logger

	// Registry is the host registry being swept.  It must not be nil.
	Registry Registry

	// Queue accepts offline intents for hosts transitioned by timeout.  It
	// must not be nil.
	Queue dnssync.Queue

	// Metrics counts monitor sweeps.  It must not be nil.
	Metrics Metrics

	// Clock is used to get the current time.  It must not be nil.
	Clock timeutil.Clock

	// HeartbeatInterval is the interval clients are told to heartbeat at.
	// It must be positive.
	HeartbeatInterval time.Duration

	// GracePeriod is the additional slack added to the liveness threshold.
	GracePeriod time.Duration

	// CheckInterval is the interval between sweeps.  It must be positive.
	CheckInterval time.Duration

	// TimeoutMultiplier is the number of missed heartbeats after which a
	// host is considered offline.  It must be positive.
	TimeoutMultiplier uint
}

// Monitor periodically sweeps the registry for hosts whose last heartbeat is
// older than the liveness threshold.  Hosts that went offline are handed to
// the DNS queue, and batched last-seen updates are flushed to disk on every
// sweep.
type Monitor struct {
	// logger is used for logging the operation of the monitor.
	logger *slog.Logger

	// registry is the host registry being swept.
	registry Registry

	// queue accepts offline intents.
	queue dnssync.Queue

	// metrics counts monitor sweeps.
	metrics Metrics

	// clock is used to get the current time.
	clock timeutil.Clock

	// done signals the sweep goroutine to stop.
	done chan struct{}

	// stopped is closed once the sweep goroutine has exited.
	stopped chan struct{}

	// staleAfter is how long a host may go without a heartbeat before it is
	// considered offline.
	staleAfter time.Duration

	// checkIvl is the interval between sweeps.
	checkIvl time.Duration

	// prevSweep is the wall-clock time of the previous sweep.  It is only
	// accessed from the sweep goroutine.
	prevSweep time.Time
}

// New returns a new heartbeat monitor.  conf must not be nil.
func New(conf *Config) (mon *Monitor) {
	staleAfter := conf.HeartbeatInterval*time.Duration(conf.TimeoutMultiplier) + conf.GracePeriod

	return &Monitor{
		logger:     conf.Logger,
		registry:   conf.Registry,
		queue:      conf.Queue,
		metrics:    conf.Metrics,
		clock:      conf.Clock,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		staleAfter: staleAfter,
		checkIvl:   conf.CheckInterval,
	}
}

// type check
var _ prism.Service = (*Monitor)(nil)

// Start implements the [prism.Service] interface for *Monitor.
func (mon *Monitor) Start(ctx context.Context) (err error) {
	go mon.run(context.WithoutCancel(ctx))

	mon.logger.InfoContext(
		ctx,
		"started",
		"stale_after", mon.staleAfter,
		"check_interval", mon.checkIvl,
	)

	return nil
}

// Shutdown implements the [prism.Service] interface for *Monitor.
func (mon *Monitor) Shutdown(ctx context.Context) (err error) {
	close(mon.done)

	select {
	case <-mon.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweeper: %w", ctx.Err())
	}
}

// run sweeps the registry until [Monitor.Shutdown] is called.  It is
// intended to be used as a goroutine.
func (mon *Monitor) run(ctx context.Context) {
	defer close(mon.stopped)
	defer slogutil.RecoverAndLog(ctx, mon.logger)

	t := time.NewTicker(mon.checkIvl)
	defer t.Stop()

	for {
		select {
		case <-mon.done:
			return
		case <-t.C:
			mon.sweep(ctx)
		}
	}
}

// sweep performs one pass over the registry.
func (mon *Monitor) sweep(ctx context.Context) {
	now := mon.clock.Now()
	if !mon.prevSweep.IsZero() && now.Before(mon.prevSweep) {
		// The wall clock went backwards.  Marking hosts offline against a
		// regressed clock would be wrong, so skip the pass entirely.
		mon.logger.WarnContext(
			ctx,
			"clock went backwards, skipping sweep",
			"now", now,
			"prev", mon.prevSweep,
		)

		return
	}

	mon.prevSweep = now

	// Hosts transitioned before a persistence failure are still returned, so
	// report them before handling the error.
	hosts, err := mon.registry.MarkOfflineIfStale(ctx, now.Add(-mon.staleAfter))
	if err != nil {
		mon.logger.ErrorContext(ctx, "sweeping registry", slogutil.KeyError, err)
	}

	for _, host := range hosts {
		mon.logger.InfoContext(ctx, "host went offline", prism.KeyHostname, host)
		mon.queue.EnqueueOffline(ctx, host)
	}

	mon.metrics.ObserveOffline(ctx, len(hosts))

	err = mon.registry.FlushLastSeen(ctx)
	if err != nil {
		mon.logger.ErrorContext(ctx, "flushing last-seen times", slogutil.KeyError, err)
	}
}
