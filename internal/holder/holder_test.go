package holder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/blobengine/memengine"
	"github.com/qoollo/bob/internal/model"
)

func newTestHolder() *Holder {
	return New("disk1", model.VDiskId(1), 1000, memengine.New(16))
}

func TestPutGetThroughHolder(t *testing.T) {
	h := newTestHolder()
	ctx := context.Background()
	key := model.KeyFromUint64(1)

	require.NoError(t, h.Put(ctx, model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}))

	got, err := h.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestCloseAllowsReadsBlocksWrites(t *testing.T) {
	h := newTestHolder()
	ctx := context.Background()
	key := model.KeyFromUint64(2)
	require.NoError(t, h.Put(ctx, model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}))

	require.NoError(t, h.Close())
	require.Equal(t, Closed, h.State())

	_, err := h.Get(ctx, key)
	require.NoError(t, err, "closed holders must remain readable per invariant 4")

	err = h.Put(ctx, model.Record{Key: model.KeyFromUint64(3), Meta: model.Meta{Timestamp: 1}})
	require.Error(t, err)
}

func TestDropIsTerminal(t *testing.T) {
	h := newTestHolder()
	require.NoError(t, h.Drop())
	require.Equal(t, Dropped, h.State())

	_, err := h.Get(context.Background(), model.KeyFromUint64(1))
	require.Error(t, err)

	// Drop again: idempotent, no panic, state stays Dropped.
	require.NoError(t, h.Drop())
	require.Equal(t, Dropped, h.State())
}

func TestCloseThenDropTransitionsThroughBoth(t *testing.T) {
	h := newTestHolder()
	require.NoError(t, h.Close())
	require.NoError(t, h.Drop())
	require.Equal(t, Dropped, h.State())
}

func TestContainsRespectsPeriod(t *testing.T) {
	h := New("disk1", model.VDiskId(1), 1000, memengine.New(1))
	require.True(t, h.Contains(1000, 500))
	require.True(t, h.Contains(1499, 500))
	require.False(t, h.Contains(1500, 500))
	require.False(t, h.Contains(999, 500))
}

func TestIdleForTracksLastAccess(t *testing.T) {
	h := newTestHolder()
	before := h.IdleFor(time.Now())
	require.GreaterOrEqual(t, before, time.Duration(0))

	_, _ = h.Get(context.Background(), model.KeyFromUint64(1))
	after := h.IdleFor(time.Now().Add(time.Hour))
	require.Greater(t, after, before)
}

func TestAlienHolderCarriesSourceNode(t *testing.T) {
	h := NewAlien("disk1", model.NodeName("node2"), model.VDiskId(1), 1000, memengine.New(1))
	require.True(t, h.IsAlien())
	require.Equal(t, model.NodeName("node2"), h.SourceNode())
}

func TestGetMissingKeyPropagatesNotFound(t *testing.T) {
	h := newTestHolder()
	_, err := h.Get(context.Background(), model.KeyFromUint64(99))
	require.Equal(t, apierrors.NotFound, apierrors.Of(err))
}
