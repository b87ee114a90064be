// Package group implements the Group type from spec.md §2 item 3 and
// §4.5: the per-(disk, vdisk) collection of holders partitioned by
// timestamp period, responsible for selecting the *actual* holder for
// writes, ordering holders for reads, creating new holders at period
// boundaries, and registering memory usage with the process-wide
// bloom/index limiters. Grounded on the teacher's
// internal/storage/postgres connection-pool lifecycle (lazy creation
// under a lock, re-check after acquiring it) generalized from "one
// pooled *sql.DB" to "an ordered set of per-period holders".
package group

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/bloom"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/model"
)

// EngineFactory opens a fresh blob-engine instance rooted at the
// directory for the holder whose period starts at start. The Group
// itself has no opinion on on-disk layout (§6.3); that's the Disk
// Controller's job when it builds a Group's factory closure.
type EngineFactory func(start uint64) (blobengine.Engine, error)

// Group owns every holder for one (disk, vdisk) pair, or for one
// (disk, source-node, vdisk) alien triple when wrapped by
// internal/alien — the type doesn't distinguish the two, since both are
// "an ordered-by-start-timestamp set of holders with one actual writer".
type Group struct {
	disk    model.DiskName
	vdiskID model.VDiskId
	period  uint64
	factory EngineFactory

	bloomLimiter *memlimit.Limiter
	indexLimiter *memlimit.Limiter

	mu      sync.RWMutex
	holders []*holder.Holder // ascending by StartTimestamp

	creationMu sync.Mutex

	aggMu   sync.Mutex
	agg     *bloom.Filter
	aggGen  int
	builtAt int
}

// New builds an empty Group. period is the configured timestamp period
// P (§3); a zero period means every write lands in a single
// never-rotating holder (used by backend_type stub/in_memory setups
// that don't care about time-partitioning).
func New(disk model.DiskName, vdiskID model.VDiskId, period uint64, factory EngineFactory, bloomLimiter, indexLimiter *memlimit.Limiter) *Group {
	return &Group{
		disk:         disk,
		vdiskID:      vdiskID,
		period:       period,
		factory:      factory,
		bloomLimiter: bloomLimiter,
		indexLimiter: indexLimiter,
	}
}

func (g *Group) actualStart(now time.Time) uint64 {
	if g.period == 0 {
		return 0
	}
	sec := uint64(now.Unix())
	return (sec / g.period) * g.period
}

// Holders returns a newest-to-oldest snapshot, the order the read path
// scans in (§4.5: "iterates a snapshot of holders from newest to
// oldest").
func (g *Group) Holders() []*holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*holder.Holder, len(g.holders))
	for i, h := range g.holders {
		out[len(g.holders)-1-i] = h
	}
	return out
}

// ActualHolder returns the holder that accepts writes at time now,
// creating it if one doesn't exist yet. Creation is serialized by
// creationMu; the double-checked lookup after acquiring it matches
// §4.5: "after acquiring the lock, re-check that no other task created
// the holder in the interim."
func (g *Group) ActualHolder(now time.Time) (*holder.Holder, error) {
	return g.getOrCreate(g.actualStart(now))
}

// Adopt mounts the holder whose period starts at start, for the Disk
// Controller's remount rebuild (§4.4: "holders reconstructed from
// on-disk directory listing sorted by start-timestamp"). It shares the
// same creation-lock/re-check path as ActualHolder.
func (g *Group) Adopt(start uint64) (*holder.Holder, error) {
	return g.getOrCreate(start)
}

func (g *Group) getOrCreate(start uint64) (*holder.Holder, error) {
	if h := g.findLocked(start); h != nil {
		return h, nil
	}

	g.creationMu.Lock()
	defer g.creationMu.Unlock()

	if h := g.findLocked(start); h != nil {
		return h, nil
	}

	engine, err := g.factory(start)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.DiskUnavailable, err, "creating holder at %d for vdisk %d on disk %s", start, g.vdiskID, g.disk)
	}
	h := holder.New(g.disk, g.vdiskID, start, engine)

	g.mu.Lock()
	g.holders = append(g.holders, h)
	sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].StartTimestamp() < g.holders[j].StartTimestamp() })
	g.mu.Unlock()

	g.invalidateAggregate()
	g.registerMemory(h)
	return h, nil
}

func (g *Group) findLocked(start uint64) *holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, h := range g.holders {
		if h.StartTimestamp() == start {
			return h
		}
	}
	return nil
}

// Put routes rec to the actual holder (§4.5 creation policy); the
// holder's own engine enforces durability-before-ack (§4.3 step 6).
func (g *Group) Put(ctx context.Context, rec model.Record) error {
	h, err := g.ActualHolder(time.Now())
	if err != nil {
		return err
	}
	if err := h.Put(ctx, rec); err != nil {
		return err
	}
	g.registerMemory(h)
	g.invalidateAggregate()
	return nil
}

// Delete writes a tombstone into the actual holder, the same routing
// Put uses (§4.3 DELETE algorithm).
func (g *Group) Delete(ctx context.Context, key model.Key, ts model.Timestamp) error {
	h, err := g.ActualHolder(time.Now())
	if err != nil {
		return err
	}
	if err := h.Delete(ctx, key, ts); err != nil {
		return err
	}
	g.registerMemory(h)
	g.invalidateAggregate()
	return nil
}

// Get scans holders newest-first, returning the first hit (§4.5
// invariant 2, §4.3 tie-break rules are enforced one layer up by the
// Grinder across replicas; within one Group the newest holder's version
// of a key is authoritative since clients supply monotonically
// increasing Timestamps).
func (g *Group) Get(ctx context.Context, key model.Key) (model.Record, error) {
	holders := g.Holders()
	var lastErr error
	for _, h := range holders {
		rec, err := h.Get(ctx, key)
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
	return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found in vdisk %d on disk %s", key, g.vdiskID, g.disk)
}

// Exist ORs each holder's bitmap together, matching the Grinder's
// cluster-wide EXIST aggregation one layer down (§4.3 EXIST algorithm).
func (g *Group) Exist(ctx context.Context, keys []model.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	remaining := len(keys)
	for _, h := range g.Holders() {
		if remaining == 0 {
			break
		}
		hits, err := h.Exist(ctx, keys)
		if err != nil {
			return nil, err
		}
		for i, hit := range hits {
			if hit && !out[i] {
				out[i] = true
				remaining--
			}
		}
	}
	return out, nil
}

// registerMemory refreshes h's footprint with both limiters (§4.5
// "Memory budgets").
func (g *Group) registerMemory(h *holder.Holder) {
	usage := h.MemoryUsage()
	if g.bloomLimiter != nil {
		g.bloomLimiter.Register(h, usage.BloomBytes)
	}
	if g.indexLimiter != nil {
		g.indexLimiter.Register(h, usage.IndexBytes)
	}
}

func (g *Group) invalidateAggregate() {
	g.aggMu.Lock()
	g.aggGen++
	g.aggMu.Unlock()
}

// AggregateFilter returns the bitwise OR of every resident holder
// filter (§4.5: "Groups expose an aggregated filter computed as the
// bitwise OR of child filters... lazily invalidated on child updates
// and recomputed on demand"). Holders with an offloaded or absent
// filter are skipped; a nil return means no resident filter could
// short-circuit lookups and callers must fall through to a direct scan.
func (g *Group) AggregateFilter() *bloom.Filter {
	g.aggMu.Lock()
	gen := g.aggGen
	if g.agg != nil && g.builtAt == gen {
		defer g.aggMu.Unlock()
		return g.agg
	}
	g.aggMu.Unlock()

	var filters []*bloom.Filter
	for _, h := range g.Holders() {
		if f := h.BloomFilter(); f != nil {
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return nil
	}
	agg := bloom.Or(filters...)

	g.aggMu.Lock()
	g.agg = agg
	g.builtAt = gen
	g.aggMu.Unlock()
	return agg
}

// CloseIdle finalizes every Active holder (other than the current
// actual one) that has had no I/O for at least idle, per §4.5 close
// policy. It returns the number of holders closed.
func (g *Group) CloseIdle(now time.Time, idle time.Duration) (int, error) {
	actual := g.actualStart(now)
	closed := 0
	for _, h := range g.Holders() {
		if h.StartTimestamp() == actual {
			continue
		}
		if h.State() != holder.Active {
			continue
		}
		if h.IdleFor(now) < idle {
			continue
		}
		if err := h.Close(); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// Drop permanently retires h, unregistering it from both limiters
// (§4.6 step 3: "When an alien holder has no live records left, it is
// dropped").
func (g *Group) Drop(h *holder.Holder) error {
	if err := h.Drop(); err != nil {
		return err
	}
	if g.bloomLimiter != nil {
		g.bloomLimiter.Unregister(h)
	}
	if g.indexLimiter != nil {
		g.indexLimiter.Unregister(h)
	}
	g.mu.Lock()
	for i, existing := range g.holders {
		if existing == h {
			g.holders = append(g.holders[:i], g.holders[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	g.invalidateAggregate()
	return nil
}

func (g *Group) VDiskID() model.VDiskId { return g.vdiskID }
func (g *Group) Disk() model.DiskName   { return g.disk }

// Teardown drops every holder, releasing bloom memory (§4.4
// Degraded→Remounting: "all groups are torn down, bloom memory
// released, holders reconstructed from on-disk directory listing").
func (g *Group) Teardown() error {
	for _, h := range g.Holders() {
		if err := g.Drop(h); err != nil {
			return err
		}
	}
	return nil
}
