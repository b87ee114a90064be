// Package config loads and validates the cluster config (spec.md §6.1)
// and node config (§6.2) from YAML, the way the teacher's
// cmd/milo/apiserver options are decoded into a typed struct and then
// explicitly completed/validated.
package config

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/model"
)

// ClusterConfig is the static, cluster-wide routing table (§6.1).
type ClusterConfig struct {
	Nodes  []NodeEntry  `yaml:"nodes"`
	VDisks []VDiskEntry `yaml:"vdisks"`
}

type NodeEntry struct {
	Name    string      `yaml:"name"`
	Address string      `yaml:"address"`
	Disks   []DiskEntry `yaml:"disks"`
}

type DiskEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type VDiskEntry struct {
	ID       uint32         `yaml:"id"`
	Replicas []ReplicaEntry `yaml:"replicas"`
}

type ReplicaEntry struct {
	Node string `yaml:"node"`
	Disk string `yaml:"disk"`
}

// LoadClusterConfig decodes and validates a cluster config file,
// rejecting unknown keys per §6.1.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidConfig, err, "reading cluster config %q", path)
	}
	var cfg ClusterConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidConfig, err, "decoding cluster config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the cluster-config invariants from §3/§4.1: no
// duplicate names and no dangling references. quorum <= replica_count is
// checked against the node config separately (NodeConfig.Validate). The
// cluster config carries no key width; the width is the build constant
// model.KeyWidth and nothing here checks it.
func (c *ClusterConfig) Validate() error {
	nodeNames := map[string]bool{}
	diskByNode := map[string]map[string]bool{}
	for _, n := range c.Nodes {
		if n.Name == "" {
			return apierrors.New(apierrors.InvalidConfig, "node with empty name")
		}
		if nodeNames[n.Name] {
			return apierrors.New(apierrors.InvalidConfig, "duplicate node name %q", n.Name)
		}
		nodeNames[n.Name] = true
		disks := map[string]bool{}
		for _, d := range n.Disks {
			if d.Name == "" || d.Path == "" {
				return apierrors.New(apierrors.InvalidConfig, "node %q has disk with empty name/path", n.Name)
			}
			if disks[d.Name] {
				return apierrors.New(apierrors.InvalidConfig, "node %q has duplicate disk name %q", n.Name, d.Name)
			}
			disks[d.Name] = true
		}
		diskByNode[n.Name] = disks
	}

	vdiskIDs := map[uint32]bool{}
	for _, v := range c.VDisks {
		if vdiskIDs[v.ID] {
			return apierrors.New(apierrors.InvalidConfig, "duplicate vdisk id %d", v.ID)
		}
		vdiskIDs[v.ID] = true
		if len(v.Replicas) == 0 {
			return apierrors.New(apierrors.InvalidConfig, "vdisk %d has no replicas", v.ID)
		}
		for _, r := range v.Replicas {
			disks, ok := diskByNode[r.Node]
			if !ok {
				return apierrors.New(apierrors.InvalidConfig, "vdisk %d references unknown node %q", v.ID, r.Node)
			}
			if !disks[r.Disk] {
				return apierrors.New(apierrors.InvalidConfig, "vdisk %d references unknown disk %q on node %q", v.ID, r.Disk, r.Node)
			}
		}
	}
	return nil
}

// ClusterPolicy selects the PUT/DELETE acknowledgement policy (§6.2).
type ClusterPolicy string

const (
	PolicyQuorum ClusterPolicy = "quorum"
	PolicySimple ClusterPolicy = "simple"
)

// BackendType selects the blob-engine implementation (§6.2, §9 "Dynamic
// dispatch").
type BackendType string

const (
	BackendInMemory BackendType = "in_memory"
	BackendStub     BackendType = "stub"
	BackendPearl    BackendType = "pearl"
)

// AuthenticationType models the external auth collaborator's mode;
// authentication itself is out of scope (§1).
type AuthenticationType string

const (
	AuthNone  AuthenticationType = "None"
	AuthBasic AuthenticationType = "Basic"
)

// PearlSettings holds the on-disk engine tuning knobs from §6.2.
type PearlSettings struct {
	MaxBlobSize             ByteSize `yaml:"max_blob_size"`
	MaxDirtyBytesBeforeSync ByteSize `yaml:"max_dirty_bytes_before_sync"`
	AllowDuplicates         bool     `yaml:"allow_duplicates"`
	AlienDisk               string   `yaml:"alien_disk"`
	TimestampPeriod         Duration `yaml:"timestamp_period"`
	CreatePearlWaitDelay    Duration `yaml:"create_pearl_wait_delay"`
	RootDirName             string   `yaml:"root_dir_name"`
	AlienRootDirName        string   `yaml:"alien_root_dir_name"`
	FailRetryTimeout        Duration `yaml:"fail_retry_timeout"`
	EnableAIO               bool     `yaml:"enable_aio"`
}

// NodeConfig is the per-node operational config (§6.2).
type NodeConfig struct {
	Name                   string             `yaml:"name"`
	Quorum                 int                `yaml:"quorum"`
	OperationTimeout       Duration           `yaml:"operation_timeout"`
	CheckInterval          Duration           `yaml:"check_interval"`
	ClusterPolicy          ClusterPolicy      `yaml:"cluster_policy"`
	BackendType            BackendType        `yaml:"backend_type"`
	CleanupInterval        Duration           `yaml:"cleanup_interval"`
	AuthenticationType     AuthenticationType `yaml:"authentication_type"`
	BloomFilterMemoryLimit ByteSize           `yaml:"bloom_filter_memory_limit"`
	IndexMemoryLimit       ByteSize           `yaml:"index_memory_limit"`
	Pearl                  PearlSettings      `yaml:"pearl"`

	// ClientAddress is the listener the four client-facing verbs
	// (routed through the Grinder) are served on, separate from the
	// cluster node's own address (the peer listener other nodes'
	// Grinders dial into directly). Empty disables the client listener
	// for a peer-only deployment.
	ClientAddress string `yaml:"client_address"`
}

// LoadNodeConfig decodes and validates a node config file.
func LoadNodeConfig(path string, cluster *ClusterConfig) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidConfig, err, "reading node config %q", path)
	}
	cfg := defaultNodeConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidConfig, err, "decoding node config %q", path)
	}
	if err := cfg.Validate(cluster); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultNodeConfig() NodeConfig {
	return NodeConfig{
		ClusterPolicy:      PolicyQuorum,
		BackendType:        BackendPearl,
		AuthenticationType: AuthNone,
		Pearl: PearlSettings{
			RootDirName:      "bob",
			AlienRootDirName: "alien",
		},
	}
}

// Validate enforces §3 invariant 5 (quorum <= replica_count for every
// vdisk) plus the node-name-must-match-cluster-config rule from §6.2.
func (n *NodeConfig) Validate(cluster *ClusterConfig) error {
	if n.Name == "" {
		return apierrors.New(apierrors.InvalidConfig, "node config missing name")
	}
	if n.Quorum <= 0 {
		return apierrors.New(apierrors.InvalidConfig, "quorum must be positive, got %d", n.Quorum)
	}
	if n.ClusterPolicy != PolicyQuorum && n.ClusterPolicy != PolicySimple {
		return apierrors.New(apierrors.InvalidConfig, "unknown cluster_policy %q", n.ClusterPolicy)
	}
	switch n.BackendType {
	case BackendInMemory, BackendStub, BackendPearl:
	default:
		return apierrors.New(apierrors.InvalidConfig, "unknown backend_type %q", n.BackendType)
	}

	if cluster == nil {
		return nil
	}
	found := false
	for _, node := range cluster.Nodes {
		if node.Name == n.Name {
			found = true
		}
	}
	if !found {
		return apierrors.New(apierrors.InvalidConfig, "node config name %q not present in cluster config", n.Name)
	}
	for _, v := range cluster.VDisks {
		if n.Quorum > len(v.Replicas) {
			return apierrors.New(apierrors.InvalidConfig,
				"quorum %d exceeds replica count %d for vdisk %d", n.Quorum, len(v.Replicas), v.ID)
		}
	}
	return nil
}

// VDiskFor returns the vdisk id a key maps to (§4.1): key mod
// vdisk_count, over the canonical little-endian integer interpretation
// of the key.
func VDiskFor(key model.Key, vdiskCount int) model.VDiskId {
	if vdiskCount <= 0 {
		return 0
	}
	return model.VDiskId(key.Uint64() % uint64(vdiskCount))
}
