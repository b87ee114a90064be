package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const validClusterYAML = `
nodes:
  - name: node1
    address: 127.0.0.1:20001
    disks:
      - name: disk1
        path: /tmp/bob/node1/disk1
  - name: node2
    address: 127.0.0.1:20002
    disks:
      - name: disk1
        path: /tmp/bob/node2/disk1
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
      - node: node2
        disk: disk1
`

func TestMapperCheckAcceptsValidCluster(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", validClusterYAML)
	cmd := newMapperCheckCommand()
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())
}

func TestMapperCheckRejectsDanglingReplicaNode(t *testing.T) {
	badYAML := `
nodes:
  - name: node1
    address: 127.0.0.1:20001
    disks:
      - name: disk1
        path: /tmp/bob/node1/disk1
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
      - node: node-does-not-exist
        disk: disk1
`
	path := writeTemp(t, "cluster.yaml", badYAML)
	cmd := newMapperCheckCommand()
	cmd.SetArgs([]string{path})
	require.Error(t, cmd.Execute())
}

func TestMapperCheckRespectsNodeFlag(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", validClusterYAML)
	cmd := newMapperCheckCommand()
	cmd.SetArgs([]string{path, "--node", "node1"})
	require.NoError(t, cmd.Execute())

	cmd2 := newMapperCheckCommand()
	cmd2.SetArgs([]string{path, "--node", "not-a-node"})
	require.Error(t, cmd2.Execute())
}
