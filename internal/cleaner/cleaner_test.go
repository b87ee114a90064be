package cleaner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/cleaner"
	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/diskcontroller"
	"github.com/qoollo/bob/internal/model"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newBackend(t *testing.T) *backend.Backend {
	t.Helper()
	clusterYAML := `
nodes:
  - name: node1
    address: 127.0.0.1:0
    disks:
      - name: disk1
        path: ` + t.TempDir() + `
      - name: disk2
        path: ` + t.TempDir() + `
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
`
	clusterCfg, err := config.LoadClusterConfig(writeTemp(t, "cluster.yaml", clusterYAML))
	require.NoError(t, err)

	nodeYAML := `
name: node1
quorum: 1
operation_timeout: 500ms
check_interval: 5s
cleanup_interval: 1h
backend_type: in_memory
bloom_filter_memory_limit: 64MiB
index_memory_limit: 64MiB
pearl:
  max_blob_size: 1GiB
  timestamp_period: 0s
  alien_disk: disk2
`
	nodeCfg, err := config.LoadNodeConfig(writeTemp(t, "node.yaml", nodeYAML), clusterCfg)
	require.NoError(t, err)

	mapper, err := cluster.NewMapper(clusterCfg, "node1")
	require.NoError(t, err)

	b, err := backend.New(context.Background(), backend.Config{Mapper: mapper, Cluster: clusterCfg, Node: nodeCfg})
	require.NoError(t, err)
	return b
}

func TestTickRunsWithoutErrorOnEmptyBackend(t *testing.T) {
	b := newBackend(t)
	c := cleaner.New(cleaner.Config{Backend: b, Interval: time.Millisecond, IdleTime: time.Millisecond})
	require.NotPanics(t, func() { c.Tick(context.Background()) })
}

func TestTickReplaysLocalAlienAfterDiskFailover(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	key := model.KeyFromUint64(1)
	rec := model.Record{Key: key, Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}

	require.NoError(t, b.BufferAlienFor(ctx, "node1", model.VDiskId(0), rec))

	buffered, err := b.GetAlien(ctx, "node1", model.VDiskId(0), key)
	require.NoError(t, err)
	require.Equal(t, rec.Payload, buffered.Payload)

	c := cleaner.New(cleaner.Config{Backend: b, Interval: time.Millisecond, IdleTime: time.Millisecond})
	c.Tick(ctx)

	got, err := b.Get(ctx, model.VDiskId(0), key)
	require.NoError(t, err)
	require.Equal(t, rec.Payload, got.Payload)
}

// newPearlBackend builds a single-node, two-disk backend with a real
// on-disk (pearl) engine on disk1, so disk1 can be driven into Degraded
// by a genuine holder-creation failure instead of in-memory's always-
// succeeding probe.
func newPearlBackend(t *testing.T) (*backend.Backend, string) {
	t.Helper()
	disk1Path := t.TempDir()
	clusterYAML := `
nodes:
  - name: node1
    address: 127.0.0.1:0
    disks:
      - name: disk1
        path: ` + disk1Path + `
      - name: disk2
        path: ` + t.TempDir() + `
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
`
	clusterCfg, err := config.LoadClusterConfig(writeTemp(t, "cluster.yaml", clusterYAML))
	require.NoError(t, err)

	nodeYAML := `
name: node1
quorum: 1
operation_timeout: 500ms
check_interval: 5s
cleanup_interval: 1h
backend_type: pearl
bloom_filter_memory_limit: 64MiB
index_memory_limit: 64MiB
pearl:
  max_blob_size: 1GiB
  timestamp_period: 0s
  alien_disk: disk2
`
	nodeCfg, err := config.LoadNodeConfig(writeTemp(t, "node.yaml", nodeYAML), clusterCfg)
	require.NoError(t, err)

	mapper, err := cluster.NewMapper(clusterCfg, "node1")
	require.NoError(t, err)

	b, err := backend.New(context.Background(), backend.Config{Mapper: mapper, Cluster: clusterCfg, Node: nodeCfg})
	require.NoError(t, err)
	return b, disk1Path
}

func TestTickRecoversDegradedDiskAfterReprobe(t *testing.T) {
	b, disk1Path := newPearlBackend(t)
	ctx := context.Background()

	// Block vdisk 0's holder directory with a plain file in its place,
	// so the next holder-creation attempt fails with a real (and,
	// unlike a permission bit, root-proof) I/O error: MkdirAll refusing
	// to create a directory where a regular file already sits.
	vdiskDir := filepath.Join(disk1Path, "bob", "0")
	require.NoError(t, os.MkdirAll(filepath.Join(disk1Path, "bob"), 0o755))
	require.NoError(t, os.WriteFile(vdiskDir, []byte("block"), 0o644))

	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}
	require.NoError(t, b.Put(ctx, model.VDiskId(0), rec), "Put fails over to the alien area rather than erroring")

	disk1, ok := b.Controller("disk1")
	require.True(t, ok)
	require.Equal(t, diskcontroller.Degraded, disk1.State())

	// Clear the obstruction, simulating the disk coming back.
	require.NoError(t, os.Remove(vdiskDir))

	c := cleaner.New(cleaner.Config{Backend: b, Interval: time.Millisecond, IdleTime: time.Millisecond})
	c.Tick(ctx)

	require.Equal(t, diskcontroller.Running, disk1.State())

	rec2 := model.Record{Key: model.KeyFromUint64(2), Payload: []byte("v2"), Meta: model.Meta{Timestamp: 1}}
	require.NoError(t, b.Put(ctx, model.VDiskId(0), rec2))
	got, err := b.Get(ctx, model.VDiskId(0), rec2.Key)
	require.NoError(t, err)
	require.Equal(t, rec2.Payload, got.Payload)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	b := newBackend(t)
	c := cleaner.New(cleaner.Config{Backend: b, Interval: time.Millisecond, IdleTime: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
