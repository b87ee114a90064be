// Package backend implements the Pearl/Backend Facade from spec.md §2
// item 5: a process-level facade over every Disk Controller a node
// hosts, mapping (operation, vdisk) to the disk controller(s) that hold
// a local replica and, for PUT/DELETE, failing over to that disk's
// alien area when the direct write can't reach durable storage.
// Grounded on the teacher's internal/storage/postgres/storage.go
// (a facade over a single resource backend) generalized to "a facade
// dispatching across N per-disk backends by routing key", the same
// generalization internal/group already applies one layer down.
package backend

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/diskcontroller"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/model"
)

// maxConcurrentInits bounds how many disk controllers probe their disk
// at once during Start (§4.4: "a per-node cap on concurrently-
// initializing controllers").
const maxConcurrentInits = 4

// Backend owns one diskcontroller.Controller per local physical disk
// and routes every operation to the controller(s) hosting the target
// vdisk's local replica(s), per the Cluster Mapper's routing table.
type Backend struct {
	localNode model.NodeName
	mapper    *cluster.Mapper
	logger    *slog.Logger

	controllers map[model.DiskName]*diskcontroller.Controller
	alienDisk   model.DiskName
}

// Config carries everything the facade needs to stand up one
// diskcontroller.Controller per local disk.
type Config struct {
	Mapper  *cluster.Mapper
	Cluster *config.ClusterConfig
	Node    *config.NodeConfig
	Logger  *slog.Logger
}

// New builds a Backend and starts every local disk controller (§4.4
// Init→Running), bounding concurrent probes with a shared semaphore.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Backend{
		localNode:   cfg.Mapper.LocalNode(),
		mapper:      cfg.Mapper,
		logger:      cfg.Logger,
		controllers: make(map[model.DiskName]*diskcontroller.Controller),
		alienDisk:   model.DiskName(cfg.Node.Pearl.AlienDisk),
	}

	bloomLimiter := memlimit.NewLimiter(memlimit.BloomResource, int64(cfg.Node.BloomFilterMemoryLimit))
	indexLimiter := memlimit.NewLimiter(memlimit.IndexResource, int64(cfg.Node.IndexMemoryLimit))

	var localDisks []config.DiskEntry
	for _, n := range cfg.Cluster.Nodes {
		if model.NodeName(n.Name) == b.localNode {
			localDisks = n.Disks
			break
		}
	}

	sem := semaphore.NewWeighted(maxConcurrentInits)
	for _, disk := range localDisks {
		c := diskcontroller.New(diskcontroller.Config{
			Disk:                    model.DiskName(disk.Name),
			Path:                    disk.Path,
			RootDirName:             cfg.Node.Pearl.RootDirName,
			AlienRootDirName:        cfg.Node.Pearl.AlienRootDirName,
			Prefix:                  "bob",
			MaxBlobSize:             int64(cfg.Node.Pearl.MaxBlobSize),
			MaxDirtyBytesBeforeSync: int64(cfg.Node.Pearl.MaxDirtyBytesBeforeSync),
			AllowDuplicates:         cfg.Node.Pearl.AllowDuplicates,
			TimestampPeriod:         uint64(cfg.Node.Pearl.TimestampPeriod.AsDuration().Seconds()),
			Backend:                 cfg.Node.BackendType,
			BloomLimiter:            bloomLimiter,
			IndexLimiter:            indexLimiter,
			Logger:                  cfg.Logger,
		})
		if err := c.Start(ctx, sem); err != nil {
			return nil, err
		}
		b.controllers[model.DiskName(disk.Name)] = c
	}

	return b, nil
}

// localDisksFor returns the distinct local disks hosting vdiskID,
// collapsing any duplicate (name, path) pairs the same way
// cluster.DistinctDisks collapses same-disk replicas one layer up
// (§9 Open Question 1).
func (b *Backend) localDisksFor(vdiskID model.VDiskId) []config.DiskEntry {
	all := b.mapper.LocalReplicas(vdiskID)
	seen := make(map[string]bool, len(all))
	out := make([]config.DiskEntry, 0, len(all))
	for _, d := range all {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

func (b *Backend) controllerFor(disk config.DiskEntry) (*diskcontroller.Controller, error) {
	c, ok := b.controllers[model.DiskName(disk.Name)]
	if !ok {
		return nil, apierrors.New(apierrors.Internal, "no disk controller for local disk %q", disk.Name)
	}
	return c, nil
}

func (b *Backend) alienController() (*diskcontroller.Controller, error) {
	c, ok := b.controllers[b.alienDisk]
	if !ok {
		return nil, apierrors.New(apierrors.DiskUnavailable, "alien disk %q is not a local disk", b.alienDisk)
	}
	return c, nil
}

// Put writes rec to every local disk hosting vdiskID's replica. A disk
// whose controller isn't Running fails over to buffering rec in the
// local alien area under this node's own name, so it can be replayed
// back once the disk recovers (§2 item 5: "local PUT ... with failover
// to the local alien area").
func (b *Backend) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	disks := b.localDisksFor(vdiskID)
	if len(disks) == 0 {
		return apierrors.New(apierrors.VDiskNoReplicasAvailable, "no local replica of vdisk %d", vdiskID)
	}
	var firstErr error
	for _, disk := range disks {
		c, err := b.controllerFor(disk)
		if err != nil {
			return err
		}
		if err := c.Put(ctx, vdiskID, rec); err != nil {
			if apierrors.Of(err) != apierrors.DiskUnavailable {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if alienErr := b.BufferAlienFor(ctx, b.localNode, vdiskID, rec); alienErr != nil {
				b.logger.Warn("local alien failover failed", slog.String("disk", disk.Name), slog.Any("error", alienErr))
				if firstErr == nil {
					firstErr = alienErr
				}
			}
		}
	}
	return firstErr
}

// BufferAlienFor writes rec into this node's alien disk area under the
// given owner node's name. Called with node == b.localNode when a local
// disk couldn't accept a write directly (§2 item 5), and with a remote
// replica's name by the Grinder when that replica itself was
// unreachable (§4.3 PUT step 5).
func (b *Backend) BufferAlienFor(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, rec model.Record) error {
	c, err := b.alienController()
	if err != nil {
		return err
	}
	return c.Alien().Buffer(ctx, node, vdiskID, rec)
}

// Get returns the live record for key from the first local disk that
// has it. It reads local disks only and does not consult this node's
// alien buffer: a record parked there while its disk was Degraded is
// reachable through GetAlien (the Grinder's GetSource::ALL sweep) until
// it is replayed onto the disk.
func (b *Backend) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	disks := b.localDisksFor(vdiskID)
	var lastErr error
	for _, disk := range disks {
		c, err := b.controllerFor(disk)
		if err != nil {
			lastErr = err
			continue
		}
		rec, err := c.Get(ctx, vdiskID, key)
		if err == nil {
			return rec, nil
		}
		if apierrors.Of(err) != apierrors.NotFound {
			lastErr = err
		}
	}
	if lastErr != nil {
		return model.Record{}, lastErr
	}
	return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found on local replicas of vdisk %d", key, vdiskID)
}

// Exist ORs existence bitmaps across every local disk hosting vdiskID.
func (b *Backend) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	disks := b.localDisksFor(vdiskID)
	for _, disk := range disks {
		c, err := b.controllerFor(disk)
		if err != nil {
			return nil, err
		}
		hits, err := c.Exist(ctx, vdiskID, keys)
		if err != nil {
			return nil, err
		}
		for i, hit := range hits {
			out[i] = out[i] || hit
		}
	}
	return out, nil
}

// Delete writes a tombstone to every local disk hosting vdiskID's
// replica, with the same alien failover Put uses.
func (b *Backend) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	return b.Put(ctx, vdiskID, model.Record{Key: key, Meta: model.Meta{Timestamp: ts, Deleted: true}})
}

// Connected implements alien.Target for the Backend's own disk-recovery
// replay (ReplayLocalAlien): the only destination it ever replays to is
// itself, once the previously Degraded disk starts accepting writes
// again.
func (b *Backend) Connected(node model.NodeName) bool {
	return node == b.localNode
}

// PutAlienRecords implements alien.Target for the Backend's own
// disk-recovery replay: the records buffered in BufferAlienFor belong to
// this node's own replica, so "delivering" them to their destination is
// just retrying the normal local Put now that the designated disk is
// reachable again.
func (b *Backend) PutAlienRecords(ctx context.Context, _ model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	for _, rec := range recs {
		if err := b.Put(ctx, vdiskID, rec); err != nil {
			return err
		}
	}
	return nil
}

// GetAlien looks up a record an upstream node buffered for sourceNode in
// this node's alien area (§4.3 GetSource::ALL, §4.6).
func (b *Backend) GetAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	c, err := b.alienController()
	if err != nil {
		return model.Record{}, err
	}
	return c.Alien().Get(ctx, sourceNode, vdiskID, key)
}

// ExistAlien ORs the existence bitmap in this node's alien area for
// sourceNode's buffered records.
func (b *Backend) ExistAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	c, err := b.alienController()
	if err != nil {
		return make([]bool, len(keys)), nil
	}
	return c.Alien().Exist(ctx, sourceNode, vdiskID, keys)
}

// ReplayLocalAlien drives one pass of the alien disk's replay worker
// against this Backend itself (§2 item 5's failover: buffered copies of
// this node's own data, parked during a disk outage, get written back
// once the disk recovers). The Cleaner calls this per local backend on
// its periodic tick, distinct from the cluster-wide alien replay the
// Grinder drives through the Link Manager for other nodes' data.
func (b *Backend) ReplayLocalAlien(ctx context.Context) (int, error) {
	c, err := b.alienController()
	if err != nil {
		return 0, err
	}
	return c.Alien().Replay(ctx, b)
}

// Controller exposes a single disk's controller, for administrative
// endpoints (status/space) and the Cleaner's per-disk sweep.
func (b *Backend) Controller(disk model.DiskName) (*diskcontroller.Controller, bool) {
	c, ok := b.controllers[disk]
	return c, ok
}

// Controllers returns every local disk controller, for the Cleaner's
// per-disk iteration.
func (b *Backend) Controllers() map[model.DiskName]*diskcontroller.Controller {
	out := make(map[model.DiskName]*diskcontroller.Controller, len(b.controllers))
	for k, v := range b.controllers {
		out[k] = v
	}
	return out
}

// vdiskIDsFor returns every vdisk the Cluster Mapper routes to disk,
// the set Remount needs to rebuild holders for after a successful
// reprobe.
func (b *Backend) vdiskIDsFor(disk model.DiskName) []model.VDiskId {
	var ids []model.VDiskId
	for i := 0; i < b.mapper.VDiskCount(); i++ {
		id := model.VDiskId(i)
		for _, d := range b.localDisksFor(id) {
			if model.DiskName(d.Name) == disk {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// ReprobeDegraded re-probes every local disk controller currently
// Degraded and, on a successful probe, Remounts it back to Running
// (§4.4 Degraded→Remounting on "successful probe"). Returns the number
// of disks that recovered this call. The Cleaner drives this on its
// periodic tick; a disk that fails its reprobe stays Degraded and is
// retried on the next tick.
func (b *Backend) ReprobeDegraded(ctx context.Context) (int, error) {
	var recovered int
	var firstErr error
	for name, c := range b.controllers {
		if c.State() != diskcontroller.Degraded {
			continue
		}
		if err := c.Remount(ctx, b.vdiskIDsFor(name)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		recovered++
	}
	return recovered, firstErr
}
