package alien

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/memengine"
	"github.com/qoollo/bob/internal/model"
)

func newTestArea(t *testing.T) *Area {
	t.Helper()
	factory := func(_ model.NodeName, _ model.VDiskId, _ uint64) (blobengine.Engine, error) {
		return memengine.New(16), nil
	}
	return New(Config{Disk: "disk1", EngineFactory: factory})
}

type fakeTarget struct {
	mu        sync.Mutex
	connected map[model.NodeName]bool
	received  map[string][]model.Record
	failNode  model.NodeName
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		connected: make(map[model.NodeName]bool),
		received:  make(map[string][]model.Record),
	}
}

func (f *fakeTarget) Connected(node model.NodeName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[node]
}

func (f *fakeTarget) PutAlienRecords(_ context.Context, node model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failNode {
		return errors.New("destination unreachable")
	}
	key := pairKey{node: node, vdiskID: vdiskID}.String()
	f.received[key] = append(f.received[key], recs...)
	return nil
}

func TestBufferCreatesGroupAndStoresRecord(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()
	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}

	require.NoError(t, a.Buffer(ctx, "node2", model.VDiskId(0), rec))

	groups := a.snapshot()
	require.Len(t, groups, 1)
}

func TestReplaySkipsDisconnectedNodes(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()
	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}
	require.NoError(t, a.Buffer(ctx, "node2", model.VDiskId(0), rec))

	target := newFakeTarget() // node2 left disconnected
	handed, err := a.Replay(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 0, handed)
}

func TestReplayStreamsAndTombstonesOnSuccess(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()
	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}
	require.NoError(t, a.Buffer(ctx, "node2", model.VDiskId(0), rec))

	target := newFakeTarget()
	target.connected["node2"] = true

	handed, err := a.Replay(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 1, handed)

	key := pairKey{node: "node2", vdiskID: 0}.String()
	require.Len(t, target.received[key], 1)
	require.Equal(t, rec.Key, target.received[key][0].Key)
	require.Equal(t, model.Timestamp(1), target.received[key][0].Meta.Timestamp)

	// A second pass finds nothing left to replay: the local copy was
	// tombstoned and the now-empty holder dropped.
	handed, err = a.Replay(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 0, handed)
}

func TestReplayOldestFirst(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()
	// Two records in the same period land in the same holder, so
	// oldest-first ordering is exercised at the holder-batch level: both
	// ship together in one PutAlienRecords call.
	rec1 := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("a"), Meta: model.Meta{Timestamp: 1}}
	rec2 := model.Record{Key: model.KeyFromUint64(2), Payload: []byte("b"), Meta: model.Meta{Timestamp: 2}}
	require.NoError(t, a.Buffer(ctx, "node3", model.VDiskId(1), rec1))
	require.NoError(t, a.Buffer(ctx, "node3", model.VDiskId(1), rec2))

	target := newFakeTarget()
	target.connected["node3"] = true
	handed, err := a.Replay(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 2, handed)
}
