// Package cleaner implements the background maintenance loop from
// spec.md §4.7: on cleanup_interval, every local Group gets its idle
// holders closed and its aggregate filter warmed, every Degraded disk
// gets reprobed and remounted back to Running on success (§4.4), every
// local disk's alien area gets one disk-recovery replay pass (§2 item
// 5's own-data failover) plus, when a Link Manager is wired in, one
// cross-node handoff pass (§4.6). Grounded on the teacher's
// internal/quota/admission/watch_manager.go ticker (a single
// time.NewTicker driving a fixed set of periodic housekeeping tasks
// under one cancellable loop) and cmd/milo/controller-manager/core.go's
// pattern of wiring several independently-runnable background workers
// under one manager.
package cleaner

import (
	"context"
	"log/slog"
	"time"

	"github.com/qoollo/bob/internal/alien"
	"github.com/qoollo/bob/internal/backend"
)

// Config carries everything the Cleaner needs for one maintenance tick.
type Config struct {
	Backend *backend.Backend
	// Replayer is the cross-node alien handoff target (normally a
	// *linkmanager.Manager). Left nil, the Cleaner still runs
	// idle-close, aggregate-refresh, and local disk-recovery replay —
	// only the cross-node handoff pass is skipped.
	Replayer alien.Target

	Interval time.Duration
	IdleTime time.Duration
	Logger   *slog.Logger
}

// Cleaner drives one periodic maintenance pass over every local disk
// controller.
type Cleaner struct {
	backend  *backend.Backend
	replayer alien.Target
	interval time.Duration
	idleTime time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Cleaner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.IdleTime <= 0 {
		cfg.IdleTime = 10 * time.Minute
	}
	return &Cleaner{
		backend:  cfg.Backend,
		replayer: cfg.Replayer,
		interval: cfg.Interval,
		idleTime: cfg.IdleTime,
		logger:   cfg.Logger,
	}
}

// Run drives the maintenance loop on Interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass over every local disk controller:
// close idle holders, warm the aggregate filter, reprobe and recover
// any Degraded disk, replay local alien data back to its own disk, and
// (if a Replayer is wired in) hand off alien data destined for other
// nodes.
func (c *Cleaner) Tick(ctx context.Context) {
	now := time.Now()
	for disk, ctrl := range c.backend.Controllers() {
		for vdiskID, g := range ctrl.Groups() {
			closed, err := g.CloseIdle(now, c.idleTime)
			if err != nil {
				c.logger.Warn("closing idle holders failed", slog.String("disk", string(disk)), slog.Any("vdisk", vdiskID), slog.Any("error", err))
				continue
			}
			if closed > 0 {
				c.logger.Info("closed idle holders", slog.String("disk", string(disk)), slog.Any("vdisk", vdiskID), slog.Int("count", closed))
			}
			// AggregateFilter recomputes lazily on its own invalidation
			// generation; calling it here just keeps it warm ahead of the
			// next read instead of deferring the cost to a client request.
			g.AggregateFilter()
		}
	}

	if n, err := c.backend.ReprobeDegraded(ctx); err != nil {
		c.logger.Warn("reprobing degraded disks failed", slog.Any("error", err))
	} else if n > 0 {
		c.logger.Info("recovered degraded disks", slog.Int("count", n))
	}

	if n, err := c.backend.ReplayLocalAlien(ctx); err != nil {
		c.logger.Warn("local alien replay failed", slog.Any("error", err))
	} else if n > 0 {
		c.logger.Info("replayed local alien records", slog.Int("count", n))
	}

	if c.replayer == nil {
		return
	}
	for disk, ctrl := range c.backend.Controllers() {
		n, err := ctrl.Alien().Replay(ctx, c.replayer)
		if err != nil {
			c.logger.Warn("cross-node alien replay failed", slog.String("disk", string(disk)), slog.Any("error", err))
			continue
		}
		if n > 0 {
			c.logger.Info("handed off alien records", slog.String("disk", string(disk)), slog.Int("count", n))
		}
	}
}
