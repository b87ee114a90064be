package diskcontroller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/model"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	cfg := Config{
		Disk:        "disk1",
		Path:        t.TempDir(),
		RootDirName: "bob",
		Prefix:      "p",
		MaxBlobSize: 1 << 20,
	}
	c := New(cfg)
	require.NoError(t, c.Start(context.Background(), nil))
	return c
}

func TestStartTransitionsToRunning(t *testing.T) {
	c := newTestController(t)
	require.Equal(t, Running, c.State())
}

func TestPutGetThroughController(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	key := model.KeyFromUint64(1)

	require.NoError(t, c.Put(ctx, model.VDiskId(0), model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}))

	got, err := c.Get(ctx, model.VDiskId(0), key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestOperationsRejectedWhenNotRunning(t *testing.T) {
	cfg := Config{Disk: "disk1", Path: t.TempDir(), RootDirName: "bob", Prefix: "p", MaxBlobSize: 1 << 20}
	c := New(cfg) // never Start()ed: stays in Init

	err := c.Put(context.Background(), model.VDiskId(0), model.Record{Key: model.KeyFromUint64(1)})
	require.Equal(t, apierrors.DiskUnavailable, apierrors.Of(err))
}

func TestStopTearsDownAndRejectsFurtherOps(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Stop())
	require.Equal(t, Stopped, c.State())

	_, err := c.Get(context.Background(), model.VDiskId(0), model.KeyFromUint64(1))
	require.Error(t, err)
}

func TestRemountRebuildsHoldersFromDisk(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	key := model.KeyFromUint64(1)
	require.NoError(t, c.Put(ctx, model.VDiskId(0), model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}))

	// Simulate the disk-level failure that would drive Running→Degraded.
	c.mu.Lock()
	c.state = Degraded
	c.mu.Unlock()

	require.NoError(t, c.Remount(ctx, []model.VDiskId{0}))
	require.Equal(t, Running, c.State())

	got, err := c.Get(ctx, model.VDiskId(0), key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestRemountRejectedOutsideDegraded(t *testing.T) {
	c := newTestController(t)
	err := c.Remount(context.Background(), nil)
	require.Error(t, err)
}
