// Package holder implements the Holder type from spec.md §2 item 2 and
// §3's Holder entity: the owner of exactly one blob-engine instance for
// a single (disk, vdisk, start-timestamp) tuple, with the lifecycle
// state machine from invariant 4 ("a holder that has been closed may be
// reopened read-only; a holder marked dropped is never reopened").
// Grounded on the teacher's internal/storage/postgres/storage.go, which
// wraps a single durable resource (a *sql.DB) behind a small
// state-checked facade the way a Holder wraps a blobengine.Engine.
package holder

import (
	"context"
	"sync"
	"time"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/bloom"
	"github.com/qoollo/bob/internal/model"
)

// State is a Holder's lifecycle stage (§3 invariant 4).
type State int

const (
	// Active accepts both reads and writes.
	Active State = iota
	// Closed accepts reads only; its active blob has been finalized.
	Closed
	// Dropped is permanently unusable; its resources have been released.
	Dropped
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	case Dropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Holder owns one blob-engine instance rooted at a single directory
// (disk, vdisk, start-timestamp). It is the unit the Group orders by
// start-timestamp and selects for reads/writes (§4.5).
type Holder struct {
	disk       model.DiskName
	vdiskID    model.VDiskId
	alien      bool
	sourceNode model.NodeName // set only when alien==true (§4.6 layout)
	start      uint64

	engine blobengine.Engine

	mu         sync.RWMutex
	state      State
	lastAccess time.Time
}

// New wraps engine as the Holder for (disk, vdiskID, start). alien
// holders additionally carry the source node the records were buffered
// for (§4.6: `alien/<source-node-name>/<vdisk>/<timestamp>/<blob>`).
func New(disk model.DiskName, vdiskID model.VDiskId, start uint64, engine blobengine.Engine) *Holder {
	return &Holder{
		disk:       disk,
		vdiskID:    vdiskID,
		start:      start,
		engine:     engine,
		state:      Active,
		lastAccess: time.Now(),
	}
}

// NewAlien wraps engine as an alien Holder buffering records destined
// for sourceNode's replica of vdiskID.
func NewAlien(disk model.DiskName, sourceNode model.NodeName, vdiskID model.VDiskId, start uint64, engine blobengine.Engine) *Holder {
	h := New(disk, vdiskID, start, engine)
	h.alien = true
	h.sourceNode = sourceNode
	return h
}

func (h *Holder) Disk() model.DiskName       { return h.disk }
func (h *Holder) VDiskID() model.VDiskId     { return h.vdiskID }
func (h *Holder) StartTimestamp() uint64     { return h.start }
func (h *Holder) IsAlien() bool              { return h.alien }
func (h *Holder) SourceNode() model.NodeName { return h.sourceNode }

// EndTimestamp returns the exclusive end of this holder's period given
// the group's configured period length P (§3: "Partition / Timestamp
// Period": interval [t0, t0+P)). A zero period means the holder never
// closes on age alone.
func (h *Holder) EndTimestamp(period uint64) uint64 {
	if period == 0 {
		return ^uint64(0)
	}
	return h.start + period
}

// Contains reports whether timestamp ts falls in this holder's period.
func (h *Holder) Contains(ts uint64, period uint64) bool {
	return ts >= h.start && ts < h.EndTimestamp(period)
}

func (h *Holder) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// IdleFor reports how long it has been since the last Put/Get/Exist/
// Delete call, for the Cleaner's idle-close scan (§4.7).
func (h *Holder) IdleFor(now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return now.Sub(h.lastAccess)
}

func (h *Holder) touch() {
	h.mu.Lock()
	h.lastAccess = time.Now()
	h.mu.Unlock()
}

func (h *Holder) checkReadable() error {
	if h.State() == Dropped {
		return apierrors.New(apierrors.Internal, "holder %d/%s/%d is dropped", h.vdiskID, h.disk, h.start)
	}
	return nil
}

func (h *Holder) checkWritable() error {
	switch h.State() {
	case Dropped:
		return apierrors.New(apierrors.Internal, "holder %d/%s/%d is dropped", h.vdiskID, h.disk, h.start)
	case Closed:
		return apierrors.New(apierrors.Internal, "holder %d/%s/%d is closed for writes", h.vdiskID, h.disk, h.start)
	}
	return nil
}

func (h *Holder) Put(ctx context.Context, rec model.Record) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	h.touch()
	return h.engine.Put(ctx, rec)
}

func (h *Holder) Get(ctx context.Context, key model.Key) (model.Record, error) {
	if err := h.checkReadable(); err != nil {
		return model.Record{}, err
	}
	h.touch()
	return h.engine.Get(ctx, key)
}

func (h *Holder) Exist(ctx context.Context, keys []model.Key) ([]bool, error) {
	if err := h.checkReadable(); err != nil {
		return nil, err
	}
	h.touch()
	return h.engine.Exist(ctx, keys)
}

func (h *Holder) Delete(ctx context.Context, key model.Key, ts model.Timestamp) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	h.touch()
	return h.engine.Delete(ctx, key, ts)
}

func (h *Holder) MemoryUsage() blobengine.MemoryUsage {
	return h.engine.MemoryUsage()
}

func (h *Holder) OffloadBloom() { h.engine.OffloadBloom() }
func (h *Holder) OffloadIndex() { h.engine.OffloadIndex() }

// BloomFilter returns the holder's resident bloom filter for the
// Group's hierarchical aggregate (§4.5), or nil if the engine doesn't
// expose one or has offloaded it.
func (h *Holder) BloomFilter() *bloom.Filter {
	if src, ok := h.engine.(blobengine.FilterSource); ok {
		return src.BloomFilter()
	}
	return nil
}

// AllRecords returns every record the underlying engine holds, live or
// tombstoned, for the alien handoff replay worker (§4.6). Returns nil
// if the engine doesn't support enumeration.
func (h *Holder) AllRecords() []model.Record {
	if src, ok := h.engine.(blobengine.Enumerable); ok {
		return src.AllRecords()
	}
	return nil
}

// Close finalizes the holder's active blob for writes (§4.5 "Close
// policy"); the holder remains readable afterward (invariant 4). Close
// on an already-Closed or Dropped holder is a no-op.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Active {
		return nil
	}
	if err := h.engine.Finalize(); err != nil {
		return err
	}
	h.state = Closed
	return nil
}

// Drop permanently retires the holder, releasing its engine's
// resources. A dropped holder is never reopened (invariant 4); Drop is
// idempotent.
func (h *Holder) Drop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Dropped {
		return nil
	}
	if err := h.engine.Close(); err != nil {
		return err
	}
	h.state = Dropped
	return nil
}
