// Package diskcontroller implements the Disk Controller state machine
// from spec.md §2 item 4 and §4.4: Init→Running→Degraded→Remounting→
// Running|Stopped, detecting disk availability via a read/write probe
// and funneling PUT/GET/EXIST/DELETE to the per-vdisk Groups it owns.
// Grounded on the teacher's explicit-phase reconcile-loop shape
// (pkg/controller/namespace style state machines) and on karpenter's
// pkg/controllers/disruption, which pairs a state enum with guarded
// transition methods the same way this package does.
package diskcontroller

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/qoollo/bob/internal/alien"
	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/fileengine"
	"github.com/qoollo/bob/internal/blobengine/memengine"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/model"
)

// State is a Disk Controller's availability stage (§4.4).
type State int

const (
	Init State = iota
	Running
	Degraded
	Remounting
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Running:
		return "Running"
	case Degraded:
		return "Degraded"
	case Remounting:
		return "Remounting"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config carries everything a Controller needs to build Groups and
// Engines for every vdisk it hosts.
type Config struct {
	Disk                    model.DiskName
	Path                    string
	RootDirName             string
	AlienRootDirName        string
	Prefix                  string
	MaxBlobSize             int64
	MaxDirtyBytesBeforeSync int64
	AllowDuplicates         bool
	TimestampPeriod         uint64
	// Backend selects the engine implementation new holders are opened
	// with (§6.2 backend_type, §9 "Dynamic dispatch"). Empty defaults to
	// config.BackendPearl.
	Backend      config.BackendType
	BloomLimiter *memlimit.Limiter
	IndexLimiter *memlimit.Limiter
	Logger       *slog.Logger
}

// Controller owns every normal Group for one physical disk, plus the
// alien.Area buffering records destined for unreachable replicas on
// this same disk (§2 item 4: "Owns all groups for one physical disk
// plus an alien group").
type Controller struct {
	cfg   Config
	alien *alien.Area

	mu      sync.RWMutex
	state   State
	groups  map[model.VDiskId]*group.Group
	lastErr error
}

// New builds a Controller in the Init state; call Start to probe the
// disk and transition to Running.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AlienRootDirName == "" {
		cfg.AlienRootDirName = "alien"
	}
	if cfg.Backend == "" {
		cfg.Backend = config.BackendPearl
	}
	c := &Controller{cfg: cfg, state: Init, groups: make(map[model.VDiskId]*group.Group)}
	c.alien = alien.New(alien.Config{
		Disk:            cfg.Disk,
		TimestampPeriod: cfg.TimestampPeriod,
		EngineFactory:   c.alienEngineFactory,
		BloomLimiter:    cfg.BloomLimiter,
		IndexLimiter:    cfg.IndexLimiter,
		Logger:          cfg.Logger,
	})
	return c
}

// Alien returns the disk's alien.Area, for the Backend Facade's
// failover path and the Cleaner's replay pass.
func (c *Controller) Alien() *alien.Area { return c.alien }

func (c *Controller) alienDir(node model.NodeName, vdiskID model.VDiskId) string {
	return filepath.Join(c.cfg.Path, c.cfg.AlienRootDirName, string(node), strconv.FormatUint(uint64(vdiskID), 10))
}

func (c *Controller) alienEngineFactory(node model.NodeName, vdiskID model.VDiskId, start uint64) (blobengine.Engine, error) {
	if c.cfg.Backend == config.BackendInMemory {
		return memengine.New(0), nil
	}
	dir := filepath.Join(c.alienDir(node, vdiskID), strconv.FormatUint(start, 10))
	return fileengine.Open(fileengine.Config{
		Dir:                     dir,
		Prefix:                  c.cfg.Prefix,
		MaxBlobSize:             c.cfg.MaxBlobSize,
		MaxDirtyBytesBeforeSync: c.cfg.MaxDirtyBytesBeforeSync,
		AllowDuplicates:         c.cfg.AllowDuplicates,
	})
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// probe performs the read/write check §4.4 requires for Init→Running
// and for resuming from Degraded. In-memory backends have no disk to
// probe and are always considered available.
func (c *Controller) probe() error {
	if c.cfg.Backend == config.BackendInMemory {
		return nil
	}
	if err := os.MkdirAll(c.cfg.Path, 0o755); err != nil {
		return err
	}
	probeFile := filepath.Join(c.cfg.Path, ".bob-probe")
	if err := os.WriteFile(probeFile, []byte("ok"), 0o644); err != nil {
		return err
	}
	defer os.Remove(probeFile)
	if _, err := os.ReadFile(probeFile); err != nil {
		return err
	}
	return nil
}

// Start probes the disk, bounded by sem (the per-node cap on
// concurrently-initializing controllers, §4.4), and transitions
// Init→Running on success.
func (c *Controller) Start(ctx context.Context, sem *semaphore.Weighted) error {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return apierrors.Wrap(apierrors.Internal, err, "acquiring init semaphore for disk %s", c.cfg.Disk)
		}
		defer sem.Release(1)
	}
	if err := c.probe(); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "probing disk %s at %s", c.cfg.Disk, c.cfg.Path)
	}
	c.mu.Lock()
	c.state = Running
	c.mu.Unlock()
	return nil
}

// Group returns (lazily creating) the Group hosting vdiskID on this
// disk.
func (c *Controller) Group(vdiskID model.VDiskId) *group.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupLocked(vdiskID)
}

func (c *Controller) groupLocked(vdiskID model.VDiskId) *group.Group {
	if g, ok := c.groups[vdiskID]; ok {
		return g
	}
	g := group.New(c.cfg.Disk, vdiskID, c.cfg.TimestampPeriod, c.engineFactory(vdiskID), c.cfg.BloomLimiter, c.cfg.IndexLimiter)
	c.groups[vdiskID] = g
	return g
}

// Groups returns every Group currently open on this disk, for the
// Cleaner's idle-close and aggregate-filter-refresh passes.
func (c *Controller) Groups() map[model.VDiskId]*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.VDiskId]*group.Group, len(c.groups))
	for k, v := range c.groups {
		out[k] = v
	}
	return out
}

func (c *Controller) vdiskDir(vdiskID model.VDiskId) string {
	return filepath.Join(c.cfg.Path, c.cfg.RootDirName, strconv.FormatUint(uint64(vdiskID), 10))
}

func (c *Controller) engineFactory(vdiskID model.VDiskId) group.EngineFactory {
	return func(start uint64) (blobengine.Engine, error) {
		if c.cfg.Backend == config.BackendInMemory {
			return memengine.New(0), nil
		}
		dir := filepath.Join(c.vdiskDir(vdiskID), strconv.FormatUint(start, 10))
		return fileengine.Open(fileengine.Config{
			Dir:                     dir,
			Prefix:                  c.cfg.Prefix,
			MaxBlobSize:             c.cfg.MaxBlobSize,
			MaxDirtyBytesBeforeSync: c.cfg.MaxDirtyBytesBeforeSync,
			AllowDuplicates:         c.cfg.AllowDuplicates,
		})
	}
}

func (c *Controller) checkRunning() error {
	if c.State() != Running {
		return apierrors.New(apierrors.DiskUnavailable, "disk %s is %s, not Running", c.cfg.Disk, c.State())
	}
	return nil
}

// reportIOError degrades Running→Degraded on a disk-level I/O error
// (§4.4); non-disk errors (not-found, invalid key, ...) don't affect
// controller state.
func (c *Controller) reportIOError(err error) {
	if apierrors.Of(err) != apierrors.DiskUnavailable {
		return
	}
	c.mu.Lock()
	if c.state == Running {
		c.state = Degraded
		c.lastErr = err
	}
	c.mu.Unlock()
}

func (c *Controller) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	err := c.Group(vdiskID).Put(ctx, rec)
	c.reportIOError(err)
	return err
}

func (c *Controller) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	if err := c.checkRunning(); err != nil {
		return model.Record{}, err
	}
	rec, err := c.Group(vdiskID).Get(ctx, key)
	c.reportIOError(err)
	return rec, err
}

func (c *Controller) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	hits, err := c.Group(vdiskID).Exist(ctx, keys)
	c.reportIOError(err)
	return hits, err
}

func (c *Controller) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	err := c.Group(vdiskID).Delete(ctx, key, ts)
	c.reportIOError(err)
	return err
}

// Remount tears down every Group (releasing bloom memory) and rebuilds
// holders from the on-disk directory listing, sorted by start-timestamp
// (§4.4 Degraded→Remounting→Running). Unparseable subdirectories are
// logged and skipped (§6.3).
func (c *Controller) Remount(ctx context.Context, vdiskIDs []model.VDiskId) error {
	c.mu.Lock()
	if c.state != Degraded {
		state := c.state
		c.mu.Unlock()
		return apierrors.New(apierrors.Internal, "remount is only valid from Degraded, disk %s is %s", c.cfg.Disk, state)
	}
	c.state = Remounting
	oldGroups := c.groups
	c.groups = make(map[model.VDiskId]*group.Group)
	c.mu.Unlock()

	for _, g := range oldGroups {
		if err := g.Teardown(); err != nil {
			c.cfg.Logger.Warn("teardown during remount failed", slog.String("disk", string(c.cfg.Disk)), slog.Any("error", err))
		}
	}
	if err := c.alien.Teardown(); err != nil {
		c.cfg.Logger.Warn("alien teardown during remount failed", slog.String("disk", string(c.cfg.Disk)), slog.Any("error", err))
	}

	if err := c.probe(); err != nil {
		c.mu.Lock()
		c.state = Degraded
		c.lastErr = err
		c.mu.Unlock()
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "remount probe failed for disk %s", c.cfg.Disk)
	}

	for _, vdiskID := range vdiskIDs {
		g := c.Group(vdiskID)
		starts, err := c.discoverStarts(vdiskID)
		if err != nil {
			return err
		}
		for _, start := range starts {
			if _, err := g.Adopt(start); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.state = Running
	c.mu.Unlock()
	return nil
}

// discoverStarts lists the start-timestamp subdirectories of a vdisk's
// on-disk directory, sorted ascending, skipping anything unparseable.
func (c *Controller) discoverStarts(vdiskID model.VDiskId) ([]uint64, error) {
	entries, err := os.ReadDir(c.vdiskDir(vdiskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.DiskUnavailable, err, "listing vdisk dir for %d on disk %s", vdiskID, c.cfg.Disk)
	}
	var starts []uint64
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		start, err := strconv.ParseUint(ent.Name(), 10, 64)
		if err != nil {
			c.cfg.Logger.Warn("skipping unparseable holder directory", slog.String("disk", string(c.cfg.Disk)), slog.String("name", ent.Name()))
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// Stop tears down every group and transitions to Stopped from any
// state (§4.4: "Any state → Stopped: on explicit stop API").
func (c *Controller) Stop() error {
	c.mu.Lock()
	groups := c.groups
	c.groups = make(map[model.VDiskId]*group.Group)
	c.state = Stopped
	c.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		if err := g.Teardown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.alien.Teardown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
