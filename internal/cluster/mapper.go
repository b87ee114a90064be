// Package cluster implements the Cluster Mapper (spec.md §4.1): a
// pure, allocation-free, shared-immutable routing table built once from
// the cluster config at boot, grounded on the teacher's
// internal/schema.Registry (an immutable lookup table over storage
// loaded once at startup) and internal/storage/parent_resolver.go (pure
// functions over an already-loaded map).
package cluster

import (
	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/model"
)

// NodeInfo is the per-node information the mapper exposes.
type NodeInfo struct {
	Address string
	IsLocal bool
}

// Mapper is the immutable, process-wide routing table. It is built once
// at boot and never mutated afterwards (§9 "Global state").
type Mapper struct {
	vdisks        map[model.VDiskId][]model.Replica
	nodes         map[model.NodeName]NodeInfo
	localReplicas map[model.VDiskId][]config.DiskEntry
	localNode     model.NodeName
	vdiskCount    int
}

// NewMapper builds a Mapper from a cluster config and the name of the
// local node, validating the invariants spec.md §4.1 requires at
// construction time: duplicate names, dangling references, and quorum
// vs. replica-count mismatches are caught by config.ClusterConfig.Validate
// and config.NodeConfig.Validate before this constructor runs; NewMapper
// additionally enforces that the local node name actually exists.
func NewMapper(cluster *config.ClusterConfig, localNode model.NodeName) (*Mapper, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}

	nodes := make(map[model.NodeName]NodeInfo, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		nodes[model.NodeName(n.Name)] = NodeInfo{
			Address: n.Address,
			IsLocal: model.NodeName(n.Name) == localNode,
		}
	}
	if _, ok := nodes[localNode]; !ok {
		return nil, apierrors.New(apierrors.InvalidConfig, "local node %q not present in cluster config", localNode)
	}

	vdisks := make(map[model.VDiskId][]model.Replica, len(cluster.VDisks))
	localReplicas := make(map[model.VDiskId][]config.DiskEntry)
	diskPaths := diskPathIndex(cluster)

	for _, v := range cluster.VDisks {
		id := model.VDiskId(v.ID)
		replicas := make([]model.Replica, 0, len(v.Replicas))
		for _, r := range v.Replicas {
			replicas = append(replicas, model.Replica{Node: model.NodeName(r.Node), Disk: model.DiskName(r.Disk)})
			if model.NodeName(r.Node) == localNode {
				localReplicas[id] = append(localReplicas[id], diskPaths[r.Node][r.Disk])
			}
		}
		vdisks[id] = replicas
	}

	return &Mapper{
		vdisks:        vdisks,
		nodes:         nodes,
		localReplicas: localReplicas,
		localNode:     localNode,
		vdiskCount:    len(cluster.VDisks),
	}, nil
}

func diskPathIndex(cluster *config.ClusterConfig) map[string]map[string]config.DiskEntry {
	idx := make(map[string]map[string]config.DiskEntry, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		disks := make(map[string]config.DiskEntry, len(n.Disks))
		for _, d := range n.Disks {
			disks[d.Name] = d
		}
		idx[n.Name] = disks
	}
	return idx
}

// VDiskCount returns the number of vdisks in the cluster.
func (m *Mapper) VDiskCount() int { return m.vdiskCount }

// VDiskFor computes the vdisk a key belongs to (§4.1): key mod
// vdisk_count over the canonical little-endian interpretation of key.
func (m *Mapper) VDiskFor(key model.Key) model.VDiskId {
	return config.VDiskFor(key, m.vdiskCount)
}

// Replicas returns the ordered replica list for a vdisk. The slice is
// never mutated after construction and is safe to share across
// goroutines without copying.
func (m *Mapper) Replicas(id model.VDiskId) ([]model.Replica, error) {
	r, ok := m.vdisks[id]
	if !ok {
		return nil, apierrors.New(apierrors.VDiskNotFound, "vdisk %d not found", id)
	}
	return r, nil
}

// LocalReplicas returns the local (disk, path) pairs hosting a vdisk on
// this node, or nil if this node holds no replica of it.
func (m *Mapper) LocalReplicas(id model.VDiskId) []config.DiskEntry {
	return m.localReplicas[id]
}

// Node returns address/locality information for a node name.
func (m *Mapper) Node(name model.NodeName) (NodeInfo, bool) {
	info, ok := m.nodes[name]
	return info, ok
}

// LocalNode returns this process's node name.
func (m *Mapper) LocalNode() model.NodeName { return m.localNode }

// DistinctDisks collapses replicas that live on the same physical disk
// into a single logical replica for durability accounting (§9 Open
// Question 1: "two replicas of the same vdisk on the same physical disk
// ... treat as a single logical replica for durability accounting").
func DistinctDisks(replicas []model.Replica) []model.Replica {
	seen := make(map[model.Replica]bool, len(replicas))
	out := make([]model.Replica, 0, len(replicas))
	for _, r := range replicas {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
