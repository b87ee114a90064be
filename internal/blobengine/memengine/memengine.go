// Package memengine implements blobengine.Engine entirely in memory,
// for backend_type=in_memory (§6.2) and for fast unit tests of the
// layers above the blob engine. Grounded on the teacher's
// internal/storage/memory.go, which implements the same
// storage.ResourceServer contract as internal/storage/postgres/storage.go
// but backed by a plain Go map instead of a database.
package memengine

import (
	"context"
	"sort"
	"sync"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/bloom"
	"github.com/qoollo/bob/internal/model"
)

// Engine is a mutex-guarded map of key -> newest record version.
type Engine struct {
	mu      sync.RWMutex
	records map[model.Key]model.Record
	filter  *bloom.Filter
	closed  bool
}

// New creates an empty in-memory engine, optionally sized for
// expectedRecords (used to size the bloom filter, §4.5).
func New(expectedRecords int) *Engine {
	if expectedRecords <= 0 {
		expectedRecords = 1024
	}
	return &Engine{
		records: make(map[model.Key]model.Record),
		filter:  bloom.New(expectedRecords, 0.01),
	}
}

var (
	_ blobengine.Engine       = (*Engine)(nil)
	_ blobengine.FilterSource = (*Engine)(nil)
	_ blobengine.Enumerable   = (*Engine)(nil)
)

// BloomFilter returns the engine's resident filter for Group-level
// hierarchical OR aggregation (§4.5). The in-memory engine never
// offloads its filter, so this is never nil.
func (e *Engine) BloomFilter() *bloom.Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filter
}

func (e *Engine) Put(_ context.Context, rec model.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apierrors.New(apierrors.Internal, "put on closed engine")
	}
	if existing, ok := e.records[rec.Key]; ok && !rec.Meta.Newer(existing.Meta) {
		// Stale write: a newer version is already resident. GET
		// resolution across holders is newest-timestamp-wins anyway, so
		// dropping a stale local overwrite is observably identical.
		return nil
	}
	e.records[rec.Key] = rec
	e.filter.Add(rec.Key[:])
	return nil
}

func (e *Engine) Get(_ context.Context, key model.Key) (model.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[key]
	if !ok || rec.Meta.Deleted {
		return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found", key)
	}
	return rec, nil
}

func (e *Engine) Exist(_ context.Context, keys []model.Key) ([]bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		if !e.filter.MayContain(k[:]) {
			continue
		}
		rec, ok := e.records[k]
		out[i] = ok && !rec.Meta.Deleted
	}
	return out, nil
}

func (e *Engine) Delete(_ context.Context, key model.Key, ts model.Timestamp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tombstone := model.Record{Key: key, Meta: model.Meta{Timestamp: ts, Deleted: true}}
	if existing, ok := e.records[key]; ok && !tombstone.Meta.Newer(existing.Meta) {
		return nil
	}
	e.records[key] = tombstone
	e.filter.Add(key[:])
	return nil
}

func (e *Engine) MemoryUsage() blobengine.MemoryUsage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return blobengine.MemoryUsage{BloomBytes: e.filter.Bytes(), IndexBytes: int64(len(e.records)) * 64}
}

// OffloadBloom is a no-op for the in-memory engine: there is no disk to
// fall back to, so the filter always stays resident. The Group's memory
// limiter picks victims without regard to engine type, so it can still
// select a holder on this engine; the call then frees nothing.
func (e *Engine) OffloadBloom() {}

// OffloadIndex is a no-op for the same reason as OffloadBloom.
func (e *Engine) OffloadIndex() {}

func (e *Engine) Finalize() error {
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Stats returns a snapshot for the administrative status endpoint.
func (e *Engine) Stats() blobengine.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	for _, r := range e.records {
		total += int64(len(r.Payload))
	}
	return blobengine.Stats{RecordCount: len(e.records), BlobCount: 1, TotalBytes: total}
}

// Keys returns a sorted snapshot of keys currently stored, live or
// tombstoned. Tests use it to inspect an engine's contents; the alien
// handoff replay worker reads AllRecords instead.
func (e *Engine) Keys() []model.Key {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]model.Key, 0, len(e.records))
	for k := range e.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// AllRecords returns every record resident in the engine, live or
// tombstoned, sorted by key (blobengine.Enumerable). The alien handoff
// replay worker uses this to stream a holder's full contents to its
// destination node without losing pending deletes.
func (e *Engine) AllRecords() []model.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
