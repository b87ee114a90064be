// Package alien implements the Alien Handoff subsystem from spec.md §2
// item 6 and §4.6: a per-(source-node, vdisk) buffer of records destined
// for a replica that was unreachable at write time, and a background
// worker that replays those records to their rightful owner once the
// Link Manager reports the node reachable again. Grounded on the
// teacher's pkg/controller/garbagecollector sweep-then-delete-on-
// confirmation shape and internal/quota/controllers' periodic
// reconciliation loop, both restructured around "replay to the
// destination, then delete the local buffer on confirmed durability"
// instead of "delete an orphaned resource".
package alien

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/model"
)

// Target is the collaborator the replay worker pushes records through:
// the Link Manager for connectivity state, and the internal RPC surface
// for the put_alien_records call itself (§4.6 steps 1-2).
type Target interface {
	Connected(node model.NodeName) bool
	PutAlienRecords(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, recs []model.Record) error
}

// EngineFactory opens an engine rooted at the on-disk alien directory
// for (node, vdisk, start) (§6.3: `alien/<source-node-name>/<vdisk>/
// <timestamp>/<blob>`). The Disk Controller supplies this from its own
// knowledge of the alien root.
type EngineFactory func(node model.NodeName, vdiskID model.VDiskId, start uint64) (blobengine.Engine, error)

type pairKey struct {
	node    model.NodeName
	vdiskID model.VDiskId
}

func (k pairKey) String() string {
	return fmt.Sprintf("%s/%d", k.node, k.vdiskID)
}

// Config carries everything an Area needs to build per-pair Groups.
type Config struct {
	Disk            model.DiskName
	TimestampPeriod uint64
	EngineFactory   EngineFactory
	BloomLimiter    *memlimit.Limiter
	IndexLimiter    *memlimit.Limiter
	Logger          *slog.Logger
}

// Area owns every alien Group hosted on one physical disk, one per
// (source-node, vdisk) pair (§3 Data Model: "Alien Group ... holders
// keyed by (source-node, timestamp-period)").
type Area struct {
	disk    model.DiskName
	period  uint64
	factory EngineFactory

	bloomLimiter *memlimit.Limiter
	indexLimiter *memlimit.Limiter
	logger       *slog.Logger

	mu        sync.Mutex
	groups    map[pairKey]*group.Group
	pairLocks map[pairKey]*sync.Mutex
}

// New builds an empty Area; groups are created lazily on first Buffer
// call for a given (node, vdisk) pair.
func New(cfg Config) *Area {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Area{
		disk:         cfg.Disk,
		period:       cfg.TimestampPeriod,
		factory:      cfg.EngineFactory,
		bloomLimiter: cfg.BloomLimiter,
		indexLimiter: cfg.IndexLimiter,
		logger:       cfg.Logger,
		groups:       make(map[pairKey]*group.Group),
		pairLocks:    make(map[pairKey]*sync.Mutex),
	}
}

func (a *Area) pairMutex(key pairKey) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.pairLocks[key]
	if !ok {
		m = &sync.Mutex{}
		a.pairLocks[key] = m
	}
	return m
}

// groupFor returns (lazily creating) the Group buffering records for
// key, rebinding the Area's per-(node, vdisk, start) factory into the
// per-start group.EngineFactory shape Group expects.
func (a *Area) groupFor(key pairKey) *group.Group {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.groups[key]; ok {
		return g
	}
	node, vdiskID := key.node, key.vdiskID
	ef := func(start uint64) (blobengine.Engine, error) {
		return a.factory(node, vdiskID, start)
	}
	g := group.New(a.disk, vdiskID, a.period, ef, a.bloomLimiter, a.indexLimiter)
	a.groups[key] = g
	return g
}

// Buffer writes rec into the alien group for (node, vdiskID), creating
// the group on first use (§4.3 step 5: "buffer an alien copy on a
// currently reachable local disk").
func (a *Area) Buffer(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, rec model.Record) error {
	key := pairKey{node: node, vdiskID: vdiskID}
	pm := a.pairMutex(key)
	pm.Lock()
	defer pm.Unlock()

	return a.groupFor(key).Put(ctx, rec)
}

// Get returns the newest live record buffered for (node, vdiskID, key),
// without creating a group if none exists yet (§4.3 GetSource::ALL:
// "additionally queries every alien area on every node").
func (a *Area) Get(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	key2 := pairKey{node: node, vdiskID: vdiskID}
	a.mu.Lock()
	g, ok := a.groups[key2]
	a.mu.Unlock()
	if !ok {
		return model.Record{}, apierrors.New(apierrors.NotFound, "no alien records buffered for %s/%d", node, vdiskID)
	}
	return g.Get(ctx, key)
}

// Exist ORs the existence bitmap for (node, vdiskID) across its alien
// holders, without creating a group if none exists yet.
func (a *Area) Exist(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	key2 := pairKey{node: node, vdiskID: vdiskID}
	a.mu.Lock()
	g, ok := a.groups[key2]
	a.mu.Unlock()
	if !ok {
		return make([]bool, len(keys)), nil
	}
	return g.Exist(ctx, keys)
}

// snapshot returns the current (node, vdisk) -> Group map.
func (a *Area) snapshot() map[pairKey]*group.Group {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[pairKey]*group.Group, len(a.groups))
	for k, g := range a.groups {
		out[k] = g
	}
	return out
}

// Replay drives one pass of the background handoff worker (§4.6): for
// every (node, vdisk) pair the Link Manager reports connected, it scans
// the alien holders oldest-first, streams every record to the
// destination, and on success tombstones the local alien copy. It
// returns the number of records successfully handed off.
func (a *Area) Replay(ctx context.Context, target Target) (int, error) {
	batchID := uuid.NewString()
	handed := 0
	for key, g := range a.snapshot() {
		if !target.Connected(key.node) {
			continue
		}
		n, err := a.replayPair(ctx, batchID, key, g, target)
		handed += n
		if err != nil {
			a.logger.Warn("alien replay failed", slog.String("pair", key.String()), slog.String("batch", batchID), slog.Any("error", err))
		}
	}
	return handed, nil
}

// replayPair scans one (node, vdisk) group's holders oldest-first (§4.6
// step 1) and replays each in turn, stopping at the first holder whose
// destination call fails so older data isn't skipped out of order.
func (a *Area) replayPair(ctx context.Context, batchID string, key pairKey, g *group.Group, target Target) (int, error) {
	pm := a.pairMutex(key)
	pm.Lock()
	defer pm.Unlock()

	newestFirst := g.Holders()
	oldestFirst := make([]*holder.Holder, len(newestFirst))
	for i, h := range newestFirst {
		oldestFirst[len(newestFirst)-1-i] = h
	}

	handed := 0
	for _, h := range oldestFirst {
		n, err := a.replayHolder(ctx, batchID, key, g, h, target)
		handed += n
		if err != nil {
			return handed, err
		}
	}
	return handed, nil
}

// replayHolder streams h's live records to target (§4.6 step 2),
// tombstones each on confirmed durability (step 3), and drops the
// holder once nothing live remains.
func (a *Area) replayHolder(ctx context.Context, batchID string, key pairKey, g *group.Group, h *holder.Holder, target Target) (int, error) {
	all := h.AllRecords()
	var live []model.Record
	for _, rec := range all {
		if !rec.Meta.Deleted {
			live = append(live, rec)
		}
	}
	if len(live) == 0 {
		return 0, a.dropIfEmpty(g, h)
	}

	if err := target.PutAlienRecords(ctx, key.node, key.vdiskID, live); err != nil {
		return 0, apierrors.Wrap(apierrors.Internal, err, "replaying batch %s to %s/%d", batchID, key.node, key.vdiskID)
	}

	for _, rec := range live {
		// Local bookkeeping tombstone: must sort strictly newer than the
		// original so it isn't rejected as a stale write (the same
		// timestamp comparison the Delete algorithm uses applies here
		// too), even though the record handed to the destination above
		// carried the true original Timestamp.
		if err := h.Delete(ctx, rec.Key, rec.Meta.Timestamp+1); err != nil {
			return len(live), apierrors.Wrap(apierrors.Internal, err, "tombstoning replayed alien record %s", rec.Key)
		}
	}

	return len(live), a.dropIfEmpty(g, h)
}

// dropIfEmpty retires h once it has no live records left (§4.6 step 3:
// "When an alien holder has no live records left, it is dropped").
func (a *Area) dropIfEmpty(g *group.Group, h *holder.Holder) error {
	for _, rec := range h.AllRecords() {
		if !rec.Meta.Deleted {
			return nil
		}
	}
	return g.Drop(h)
}

// Teardown drops every holder in every pair's Group, releasing bloom
// memory (§4.4 Degraded→Remounting: "all groups are torn down"). The
// Disk Controller calls this from Stop and from the Remounting
// transition, the same as it does for its normal groups.
func (a *Area) Teardown() error {
	for _, g := range a.snapshot() {
		if err := g.Teardown(); err != nil {
			return err
		}
	}
	return nil
}

// StartReplayLoop runs Replay on the given interval until ctx is
// cancelled, matching the Cleaner's periodic-task shape (§4.7). It is a
// convenience for callers that don't already drive their own ticker
// (the production Cleaner composes Replay directly instead, sharing one
// ticker across holder-close/eviction/replay work).
func (a *Area) StartReplayLoop(ctx context.Context, interval time.Duration, target Target) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Replay(ctx, target); err != nil {
				a.logger.Warn("alien replay pass failed", slog.Any("error", err))
			}
		}
	}
}
