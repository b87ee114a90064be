// Package fileengine implements blobengine.Engine as an append-only
// sequence of blob files plus sibling index files, for backend_type=pearl
// (§6.2, §6.3). Grounded on the teacher's internal/storage/postgres
// package for the shape of a durable, error-wrapped storage backend, and
// on spec.md §6.3's literal on-disk layout:
//
//	<holder-dir>/<prefix>.<seq>.blob
//	<holder-dir>/<prefix>.<seq>.index
//
// A holder (internal/holder) owns one Engine rooted at one such
// directory; the directory's own name encodes (vdisk, start-timestamp)
// and is parsed by the caller, not by this package.
package fileengine

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/bloom"
	"github.com/qoollo/bob/internal/model"
)

const (
	blobSuffix  = ".blob"
	indexSuffix = ".index"
	// indexRecordSize is the fixed width of one on-disk index entry:
	// key (model.KeyWidth) + blob offset (8) + payload length (4) +
	// timestamp (8) + deleted flag (1).
	indexRecordSize = model.KeyWidth + 8 + 4 + 8 + 1
)

// Config carries the §6.2 pearl.* knobs an Engine needs; everything else
// (alien_disk, create_pearl_wait_delay, ...) is the Group/Holder's
// concern.
type Config struct {
	Dir                     string
	Prefix                  string
	MaxBlobSize             int64
	MaxDirtyBytesBeforeSync int64
	AllowDuplicates         bool
	ExpectedRecords         int
}

type location struct {
	seq    int
	offset int64
	length int64
	meta   model.Meta
}

// Engine is one holder's append-only storage: an ordered set of
// (blob, index) file pairs, a write cursor into the newest (active) blob,
// and an in-memory index mapping every key, live or tombstoned, to its
// newest location.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	index     map[model.Key]location
	filter    *bloom.Filter
	blobs     map[int]*os.File // open read/write handles, keyed by seq; active blob is also here
	activeSeq int
	dirty     int64
	closed    bool
	finalized bool
}

var (
	_ blobengine.Engine       = (*Engine)(nil)
	_ blobengine.FilterSource = (*Engine)(nil)
	_ blobengine.Enumerable   = (*Engine)(nil)
)

// BloomFilter returns the engine's resident filter, or nil after
// OffloadBloom has released it (§4.5).
func (e *Engine) BloomFilter() *bloom.Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filter
}

// Open mounts (or creates) the holder directory at cfg.Dir, rebuilding
// the in-memory index from sibling .index files (§6.3: "Directory names
// are parsed to (vdisk, start-timestamp) at mount").
func Open(cfg Config) (*Engine, error) {
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = 1 << 30
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "bob"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apierrors.Wrap(apierrors.DiskUnavailable, err, "creating holder dir %q", cfg.Dir)
	}

	e := &Engine{
		cfg:    cfg,
		index:  make(map[model.Key]location),
		filter: bloom.New(maxInt(cfg.ExpectedRecords, 1024), 0.01),
		blobs:  make(map[int]*os.File),
	}

	seqs, err := e.discoverSequences()
	if err != nil {
		return nil, err
	}
	for _, seq := range seqs {
		if err := e.loadBlob(seq); err != nil {
			return nil, err
		}
	}
	if len(seqs) > 0 {
		// The newest blob is still the active (writable) one; loadBlob
		// opened it read-only for index replay, so reopen it for
		// append before accepting further writes.
		last := seqs[len(seqs)-1]
		if f, ok := e.blobs[last]; ok {
			f.Close()
		}
		if err := e.openNewBlob(last); err != nil {
			return nil, err
		}
	}
	if len(seqs) == 0 {
		if err := e.openNewBlob(0); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// discoverSequences lists <prefix>.<seq>.blob files, sorted ascending,
// logging and skipping anything that doesn't parse (§6.3).
func (e *Engine) discoverSequences() ([]int, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.DiskUnavailable, err, "listing holder dir %q", e.cfg.Dir)
	}
	var seqs []int
	prefixDot := e.cfg.Prefix + "."
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, blobSuffix) || !strings.HasPrefix(name, prefixDot) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, prefixDot), blobSuffix)
		seq, err := strconv.Atoi(middle)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (e *Engine) blobPath(seq int) string {
	return filepath.Join(e.cfg.Dir, fmt.Sprintf("%s.%d%s", e.cfg.Prefix, seq, blobSuffix))
}

func (e *Engine) indexPath(seq int) string {
	return filepath.Join(e.cfg.Dir, fmt.Sprintf("%s.%d%s", e.cfg.Prefix, seq, indexSuffix))
}

// loadBlob opens an existing blob for reads and replays its index file
// into the in-memory map, newest-entry-wins within the file (entries are
// appended in write order, so later beats earlier).
func (e *Engine) loadBlob(seq int) error {
	f, err := os.OpenFile(e.blobPath(seq), os.O_RDONLY, 0)
	if err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "opening blob %d", seq)
	}
	e.blobs[seq] = f

	idx, err := os.Open(e.indexPath(seq))
	if os.IsNotExist(err) {
		return nil // tolerate a missing index; GET/EXIST still work via the live holders above it
	}
	if err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "opening index %d", seq)
	}
	defer idx.Close()

	r := bufio.NewReader(idx)
	buf := make([]byte, indexRecordSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return apierrors.Wrap(apierrors.Internal, err, "reading index %d", seq)
		}
		var key model.Key
		copy(key[:], buf[:model.KeyWidth])
		off := int64(binary.LittleEndian.Uint64(buf[model.KeyWidth:]))
		length := int64(binary.LittleEndian.Uint32(buf[model.KeyWidth+8:]))
		ts := model.Timestamp(binary.LittleEndian.Uint64(buf[model.KeyWidth+12:]))
		deleted := buf[model.KeyWidth+20] != 0

		loc := location{seq: seq, offset: off, length: length, meta: model.Meta{Timestamp: ts, Deleted: deleted}}
		if existing, ok := e.index[key]; !ok || loc.meta.Newer(existing.meta) {
			e.index[key] = loc
		}
		e.filter.Add(key[:])
	}
	return nil
}

func (e *Engine) openNewBlob(seq int) error {
	f, err := os.OpenFile(e.blobPath(seq), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "creating blob %d", seq)
	}
	e.blobs[seq] = f
	e.activeSeq = seq
	return nil
}

func (e *Engine) activeBlob() *os.File { return e.blobs[e.activeSeq] }

// encodeRecord frames one record as: key | payload length (4) |
// timestamp (8) | deleted (1) | payload.
func encodeRecord(rec model.Record) []byte {
	buf := make([]byte, model.KeyWidth+4+8+1+len(rec.Payload))
	copy(buf, rec.Key[:])
	binary.LittleEndian.PutUint32(buf[model.KeyWidth:], uint32(len(rec.Payload)))
	binary.LittleEndian.PutUint64(buf[model.KeyWidth+4:], uint64(rec.Meta.Timestamp))
	if rec.Meta.Deleted {
		buf[model.KeyWidth+12] = 1
	}
	copy(buf[model.KeyWidth+13:], rec.Payload)
	return buf
}

func (e *Engine) Put(_ context.Context, rec model.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apierrors.New(apierrors.Internal, "put on closed engine")
	}
	if e.finalized {
		return apierrors.New(apierrors.Internal, "put on finalized (read-only) holder")
	}
	if existing, ok := e.index[rec.Key]; ok {
		if !rec.Meta.Newer(existing.meta) {
			if rec.Meta.Timestamp == existing.meta.Timestamp {
				if !e.cfg.AllowDuplicates {
					return apierrors.New(apierrors.DuplicateKey, "key %x already has a record at timestamp %d", rec.Key, rec.Meta.Timestamp)
				}
			} else {
				return nil // stale write; newer version already resident
			}
		}
	}

	frame := encodeRecord(rec)
	if e.blobSize()+int64(len(frame)) > e.cfg.MaxBlobSize && e.blobSize() > 0 {
		if err := e.rotate(); err != nil {
			return err
		}
	}

	blob := e.activeBlob()
	offset, err := blob.Seek(0, io.SeekEnd)
	if err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "seeking active blob")
	}
	if _, err := blob.Write(frame); err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "appending record")
	}
	e.dirty += int64(len(frame))
	if e.cfg.MaxDirtyBytesBeforeSync <= 0 || e.dirty >= e.cfg.MaxDirtyBytesBeforeSync {
		if err := blob.Sync(); err != nil {
			return apierrors.Wrap(apierrors.DiskUnavailable, err, "fsyncing active blob")
		}
		e.dirty = 0
	}

	if err := e.appendIndex(rec.Key, offset, int64(len(rec.Payload)), rec.Meta); err != nil {
		return err
	}
	e.index[rec.Key] = location{seq: e.activeSeq, offset: offset, length: int64(len(rec.Payload)), meta: rec.Meta}
	if e.filter != nil {
		e.filter.Add(rec.Key[:])
	}
	return nil
}

func (e *Engine) blobSize() int64 {
	info, err := e.activeBlob().Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (e *Engine) rotate() error {
	if err := e.activeBlob().Sync(); err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "syncing blob %d before rotation", e.activeSeq)
	}
	return e.openNewBlob(e.activeSeq + 1)
}

func (e *Engine) appendIndex(key model.Key, offset, length int64, meta model.Meta) error {
	f, err := os.OpenFile(e.indexPath(e.activeSeq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "opening index for append")
	}
	defer f.Close()

	buf := make([]byte, indexRecordSize)
	copy(buf, key[:])
	binary.LittleEndian.PutUint64(buf[model.KeyWidth:], uint64(offset))
	binary.LittleEndian.PutUint32(buf[model.KeyWidth+8:], uint32(length))
	binary.LittleEndian.PutUint64(buf[model.KeyWidth+12:], uint64(meta.Timestamp))
	if meta.Deleted {
		buf[model.KeyWidth+20] = 1
	}
	if _, err := f.Write(buf); err != nil {
		return apierrors.Wrap(apierrors.DiskUnavailable, err, "appending index entry")
	}
	return nil
}

func (e *Engine) Get(_ context.Context, key model.Key) (model.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loc, ok := e.index[key]
	if !ok || loc.meta.Deleted {
		return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found", key)
	}
	blob, ok := e.blobs[loc.seq]
	if !ok {
		return model.Record{}, apierrors.New(apierrors.Internal, "blob seq %d missing for key %s", loc.seq, key)
	}
	payload := make([]byte, loc.length)
	if _, err := blob.ReadAt(payload, loc.offset+model.KeyWidth+4+8+1); err != nil {
		return model.Record{}, apierrors.Wrap(apierrors.DiskUnavailable, err, "reading record body")
	}
	return model.Record{Key: key, Payload: payload, Meta: loc.meta}, nil
}

func (e *Engine) Exist(_ context.Context, keys []model.Key) ([]bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		if e.filter != nil && !e.filter.MayContain(k[:]) {
			continue
		}
		loc, ok := e.index[k]
		out[i] = ok && !loc.meta.Deleted
	}
	return out, nil
}

func (e *Engine) Delete(ctx context.Context, key model.Key, ts model.Timestamp) error {
	return e.Put(ctx, model.Record{Key: key, Meta: model.Meta{Timestamp: ts, Deleted: true}})
}

func (e *Engine) MemoryUsage() blobengine.MemoryUsage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var bloomBytes int64
	if e.filter != nil {
		bloomBytes = e.filter.Bytes()
	}
	return blobengine.MemoryUsage{
		BloomBytes: bloomBytes,
		IndexBytes: int64(len(e.index)) * indexRecordSize,
	}
}

// OffloadBloom drops the resident filter; MayContain checks fall back to
// always-true (forcing a direct index/disk lookup) until the filter is
// rebuilt by the holder on next mount (§4.5 eviction policy).
func (e *Engine) OffloadBloom() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = nil
}

// OffloadIndex is a no-op: this reference engine has no secondary,
// disk-backed index to fall back to, so the in-memory map stays
// resident. The Group's memory limiter does not know this: it can still
// pick this holder for index eviction, and after the call it stops
// counting the holder's IndexBytes until the holder registers again.
func (e *Engine) OffloadIndex() {}

func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	if blob := e.activeBlob(); blob != nil {
		if err := blob.Sync(); err != nil {
			return apierrors.Wrap(apierrors.DiskUnavailable, err, "finalizing active blob")
		}
	}
	e.finalized = true
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	var firstErr error
	for _, f := range e.blobs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closed = true
	return firstErr
}

// AllRecords reads every record currently indexed, live or tombstoned,
// sorted by key (blobengine.Enumerable). Used by the alien handoff
// replay worker, which needs tombstones too so a pending delete isn't
// lost when it streams a holder's contents to its destination node.
func (e *Engine) AllRecords() []model.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Record, 0, len(e.index))
	for key, loc := range e.index {
		rec := model.Record{Key: key, Meta: loc.meta}
		if !loc.meta.Deleted {
			if blob, ok := e.blobs[loc.seq]; ok {
				payload := make([]byte, loc.length)
				if _, err := blob.ReadAt(payload, loc.offset+model.KeyWidth+4+8+1); err == nil {
					rec.Payload = payload
				}
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Stats summarizes the holder's on-disk footprint for the Disk
// Controller's status/space endpoint (§6.4).
func (e *Engine) Stats() blobengine.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	live := 0
	for _, loc := range e.index {
		if !loc.meta.Deleted {
			live++
			total += loc.length
		}
	}
	return blobengine.Stats{RecordCount: live, BlobCount: len(e.blobs), TotalBytes: total}
}
