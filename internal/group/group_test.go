package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/blobengine/memengine"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/model"
)

func memFactory() EngineFactory {
	return func(start uint64) (blobengine.Engine, error) {
		return memengine.New(16), nil
	}
}

func TestPutGetThroughActualHolder(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 0, memFactory(), nil, nil)
	ctx := context.Background()
	key := model.KeyFromUint64(1)

	require.NoError(t, g.Put(ctx, model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}))

	got, err := g.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 0, memFactory(), nil, nil)
	_, err := g.Get(context.Background(), model.KeyFromUint64(1))
	require.Equal(t, apierrors.NotFound, apierrors.Of(err))
}

func TestActualHolderIsCreatedOncePerPeriod(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	now := time.Now()

	h1, err := g.ActualHolder(now)
	require.NoError(t, err)
	h2, err := g.ActualHolder(now.Add(time.Second))
	require.NoError(t, err)
	require.Same(t, h1, h2, "same period must reuse the same holder")
}

func TestActualHolderRotatesAcrossPeriods(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	now := time.Now()

	h1, err := g.ActualHolder(now)
	require.NoError(t, err)
	h2, err := g.ActualHolder(now.Add(2000 * time.Second))
	require.NoError(t, err)
	require.NotSame(t, h1, h2)
	require.Less(t, h1.StartTimestamp(), h2.StartTimestamp())
}

func TestGetPrefersNewestHolder(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	ctx := context.Background()
	key := model.KeyFromUint64(1)

	now := time.Now()
	_, err := g.ActualHolder(now)
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, model.Record{Key: key, Payload: []byte("old"), Meta: model.Meta{Timestamp: 1}}))

	later := now.Add(2000 * time.Second)
	h2, err := g.ActualHolder(later)
	require.NoError(t, err)
	require.NoError(t, h2.Put(ctx, model.Record{Key: key, Payload: []byte("new"), Meta: model.Meta{Timestamp: 2}}))

	got, err := g.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Payload)
}

func TestExistOrsAcrossHolders(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	ctx := context.Background()
	a := model.KeyFromUint64(1)
	b := model.KeyFromUint64(2)

	now := time.Now()
	_, err := g.ActualHolder(now)
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, model.Record{Key: a, Meta: model.Meta{Timestamp: 1}}))

	h2, err := g.ActualHolder(now.Add(2000 * time.Second))
	require.NoError(t, err)
	require.NoError(t, h2.Put(ctx, model.Record{Key: b, Meta: model.Meta{Timestamp: 1}}))

	out, err := g.Exist(ctx, []model.Key{a, b, model.KeyFromUint64(3)})
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false}, out)
}

func TestAggregateFilterReflectsPuts(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 0, memFactory(), nil, nil)
	ctx := context.Background()
	key := model.KeyFromUint64(5)
	require.NoError(t, g.Put(ctx, model.Record{Key: key, Meta: model.Meta{Timestamp: 1}}))

	agg := g.AggregateFilter()
	require.NotNil(t, agg)
	require.True(t, agg.MayContain(key[:]))
}

func TestCloseIdleSkipsActualHolder(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	now := time.Now()
	_, err := g.ActualHolder(now)
	require.NoError(t, err)

	closed, err := g.CloseIdle(now, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, closed, "the actual holder must never be closed by the idle scan")
}

func TestCloseIdleClosesOldHolder(t *testing.T) {
	g := New("disk1", model.VDiskId(0), 1000, memFactory(), nil, nil)
	now := time.Now()
	h1, err := g.ActualHolder(now)
	require.NoError(t, err)
	_, err = g.ActualHolder(now.Add(2000 * time.Second))
	require.NoError(t, err)

	later := now.Add(2000 * time.Second)
	closed, err := g.CloseIdle(later, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	require.Equal(t, holder.Closed, h1.State())
}

func TestRegistersWithMemoryLimiters(t *testing.T) {
	bloomLimiter := memlimit.NewLimiter(memlimit.BloomResource, 0)
	indexLimiter := memlimit.NewLimiter(memlimit.IndexResource, 0)
	g := New("disk1", model.VDiskId(0), 0, memFactory(), bloomLimiter, indexLimiter)

	require.NoError(t, g.Put(context.Background(), model.Record{Key: model.KeyFromUint64(1), Meta: model.Meta{Timestamp: 1}}))
	require.Greater(t, bloomLimiter.Used(), int64(0))
}
