package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/model"
)

const twoNodeCluster = `
nodes:
  - name: node1
    address: 127.0.0.1:20000
    disks:
      - name: disk1
        path: /tmp/d1
  - name: node2
    address: 127.0.0.1:20001
    disks:
      - name: disk1
        path: /tmp/d2
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
  - id: 1
    replicas:
      - node: node2
        disk: disk1
  - id: 2
    replicas:
      - node: node1
        disk: disk1
      - node: node2
        disk: disk1
`

func loadCluster(t *testing.T) *config.ClusterConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoNodeCluster), 0o644))
	cfg, err := config.LoadClusterConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestMapperRoutingTotality(t *testing.T) {
	cfg := loadCluster(t)
	m1, err := NewMapper(cfg, "node1")
	require.NoError(t, err)
	m2, err := NewMapper(cfg, "node2")
	require.NoError(t, err)

	// Routing totality (§8): the replica set for a vdisk is identical
	// regardless of which node built the mapper.
	for id := model.VDiskId(0); id < 3; id++ {
		r1, err := m1.Replicas(id)
		require.NoError(t, err)
		r2, err := m2.Replicas(id)
		require.NoError(t, err)
		require.Equal(t, r1, r2)
	}
}

func TestVDiskForExampleScenario(t *testing.T) {
	cfg := loadCluster(t)
	m, err := NewMapper(cfg, "node1")
	require.NoError(t, err)

	// spec.md §8 scenario 1: key=1 -> vdisk 1 mod 3 = 1 -> {node2, disk1}.
	key := model.KeyFromUint64(1)
	vd := m.VDiskFor(key)
	require.Equal(t, model.VDiskId(1), vd)
	replicas, err := m.Replicas(vd)
	require.NoError(t, err)
	require.Equal(t, []model.Replica{{Node: "node2", Disk: "disk1"}}, replicas)
}

func TestUnknownVDisk(t *testing.T) {
	cfg := loadCluster(t)
	m, err := NewMapper(cfg, "node1")
	require.NoError(t, err)
	_, err = m.Replicas(99)
	require.Error(t, err)
	require.Equal(t, apierrors.VDiskNotFound, apierrors.Of(err))
}

func TestLocalNodeMustExist(t *testing.T) {
	cfg := loadCluster(t)
	_, err := NewMapper(cfg, "node3")
	require.Error(t, err)
	require.Equal(t, apierrors.InvalidConfig, apierrors.Of(err))
}

func TestLocalReplicas(t *testing.T) {
	cfg := loadCluster(t)
	m, err := NewMapper(cfg, "node1")
	require.NoError(t, err)
	require.Len(t, m.LocalReplicas(0), 1)
	require.Len(t, m.LocalReplicas(1), 0)
	require.Len(t, m.LocalReplicas(2), 1)
}

func TestDistinctDisksDedups(t *testing.T) {
	replicas := []model.Replica{
		{Node: "node1", Disk: "disk1"},
		{Node: "node1", Disk: "disk1"},
		{Node: "node2", Disk: "disk1"},
	}
	require.Len(t, DistinctDisks(replicas), 2)
}
