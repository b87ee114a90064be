// Package blobengine defines the external contract spec.md §2 item 1
// delegates the single-file blob codec to ("Blob Engine (external
// contract)"): append-only storage of records into size-bounded blobs,
// an in-memory/on-disk index with an optional bloom filter, and memory
// hooks so the Group/Cleaner can evict cold state (§4.5 "Memory
// budgets"). Two reference implementations ship: memengine (pure
// in-memory, for backend_type=in_memory) and fileengine (append-only
// files per §6.3, for backend_type=pearl).
package blobengine

import (
	"context"
	"io"

	"github.com/qoollo/bob/internal/blobengine/bloom"
	"github.com/qoollo/bob/internal/model"
)

// Engine is the operation surface a Holder drives (§2 item 1, §9
// "Dynamic dispatch": a thin operation trait covering the five verbs
// plus close/remount).
type Engine interface {
	io.Closer

	// Put appends a record. Implementations must make the record
	// durable (per §4.3 step 6 fsync policy) before returning nil.
	Put(ctx context.Context, rec model.Record) error

	// Get returns the newest live (non-deleted) record for key, or an
	// apierrors.NotFound error.
	Get(ctx context.Context, key model.Key) (model.Record, error)

	// Exist reports, for each key, whether a live record exists. The
	// returned slice is positionally aligned with keys.
	Exist(ctx context.Context, keys []model.Key) ([]bool, error)

	// Delete writes a tombstone record for key at the given timestamp
	// (§4.3 DELETE algorithm). It does not physically remove prior
	// versions; GET resolution is newest-timestamp-wins.
	Delete(ctx context.Context, key model.Key, ts model.Timestamp) error

	// MemoryUsage reports the current resident bloom-filter and index
	// bytes, for the Group's memory-budget bookkeeping (§4.5).
	MemoryUsage() MemoryUsage

	// OffloadBloom releases the resident bloom filter, falling back to
	// direct lookups until it is rebuilt (§4.5 eviction policy: "evicts
	// filters from the least-recently-used holder").
	OffloadBloom()

	// OffloadIndex releases on-heap index pages (§4.5 "index_memory_limit").
	OffloadIndex()

	// Finalize closes the engine's active blob for writes; it remains
	// readable afterwards (§4.5 "Close policy").
	Finalize() error
}

// Enumerable is implemented by engines that can list every record they
// hold, live or tombstoned, for the alien handoff replay worker (§4.6:
// "scans the alien holders oldest-first" and streams every buffered
// record to its destination).
type Enumerable interface {
	AllRecords() []model.Record
}

// FilterSource is implemented by engines that can hand their resident
// bloom filter to a Group for hierarchical OR aggregation (§4.5:
// "Groups expose an aggregated filter computed as the bitwise OR of
// child filters"). Implementations return nil once OffloadBloom has
// released the filter.
type FilterSource interface {
	BloomFilter() *bloom.Filter
}

// MemoryUsage reports resident footprint for the process-wide memory
// limiters (§4.5).
type MemoryUsage struct {
	BloomBytes int64
	IndexBytes int64
}

// Stats summarizes an engine's on-disk footprint, surfaced through the
// Disk Controller's status/space administrative endpoint (§6.4).
type Stats struct {
	RecordCount int
	BlobCount   int
	TotalBytes  int64
}
