package linkmanager

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

// fakeNode is a minimal rpc.NodeService that only answers Ping and
// PutAlien, enough to exercise the ping loop and alien.Target forwarding
// without a real Grinder.
type fakeNode struct {
	name   model.NodeName
	fail   bool
	alienN int
}

func (f *fakeNode) Put(context.Context, model.VDiskId, model.Record) error { return nil }
func (f *fakeNode) Get(context.Context, model.VDiskId, model.Key, model.GetSource) (model.Record, error) {
	return model.Record{}, nil
}
func (f *fakeNode) Exist(context.Context, model.VDiskId, []model.Key, model.GetSource) ([]bool, bool, error) {
	return nil, false, nil
}
func (f *fakeNode) Delete(context.Context, model.VDiskId, model.Key, model.Timestamp) error { return nil }
func (f *fakeNode) PutAlien(_ context.Context, _ model.NodeName, _ model.VDiskId, recs []model.Record) error {
	f.alienN += len(recs)
	return nil
}
func (f *fakeNode) ExistAlien(context.Context, model.NodeName, model.VDiskId, []model.Key) ([]bool, error) {
	return nil, nil
}
func (f *fakeNode) GetAlien(context.Context, model.NodeName, model.VDiskId, model.Key) (model.Record, error) {
	return model.Record{}, nil
}
func (f *fakeNode) Ping(context.Context) (model.NodeName, error) {
	if f.fail {
		return "", fmt.Errorf("peer down")
	}
	return f.name, nil
}

// startPeerServer runs a real node service on loopback and returns its
// address; the Link Manager dials real addresses, not a bufconn, since
// that's the one piece of its own dialing logic under test.
func startPeerServer(t *testing.T, svc *fakeNode) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer(rpc.ServerOptions()...)
	rpc.RegisterNodeServiceServer(server, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	return lis.Addr().String()
}

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newTestMapper(t *testing.T, node2Addr, node3Addr string) *cluster.Mapper {
	t.Helper()
	clusterYAML := fmt.Sprintf(`
nodes:
  - name: node1
    address: 127.0.0.1:19999
    disks:
      - name: disk1
        path: %s
  - name: node2
    address: %s
    disks:
      - name: disk1
        path: %s
  - name: node3
    address: %s
    disks:
      - name: disk1
        path: %s
vdisks:
  - id: 0
    replicas:
      - node: node1
        disk: disk1
      - node: node2
        disk: disk1
      - node: node3
        disk: disk1
`, t.TempDir(), node2Addr, t.TempDir(), node3Addr, t.TempDir())

	clusterCfg, err := config.LoadClusterConfig(writeTemp(t, "cluster.yaml", clusterYAML))
	require.NoError(t, err)
	mapper, err := cluster.NewMapper(clusterCfg, "node1")
	require.NoError(t, err)
	return mapper
}

func TestConnectedBecomesTrueAfterFirstSuccessfulPing(t *testing.T) {
	node2 := &fakeNode{name: "node2"}
	node3 := &fakeNode{name: "node3"}
	addr2 := startPeerServer(t, node2)
	addr3 := startPeerServer(t, node3)
	mapper := newTestMapper(t, addr2, addr3)

	m, err := New(Config{Mapper: mapper, CheckInterval: 50 * time.Millisecond, DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return m.Connected("node2") && m.Connected("node3")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectedPeerReportsUnconnected(t *testing.T) {
	node2 := &fakeNode{name: "node2", fail: true}
	addr2 := startPeerServer(t, node2)
	// node3 unused by this test but must still resolve to a listener.
	node3 := &fakeNode{name: "node3"}
	addr3 := startPeerServer(t, node3)
	mapper := newTestMapper(t, addr2, addr3)

	m, err := New(Config{Mapper: mapper, CheckInterval: 30 * time.Millisecond, DialTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Never(t, func() bool {
		return m.Connected("node2")
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestPutAlienRecordsForwardsToConnectedPeer(t *testing.T) {
	node2 := &fakeNode{name: "node2"}
	addr2 := startPeerServer(t, node2)
	node3 := &fakeNode{name: "node3"}
	addr3 := startPeerServer(t, node3)
	mapper := newTestMapper(t, addr2, addr3)

	m, err := New(Config{Mapper: mapper, CheckInterval: 50 * time.Millisecond, DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("v"), Meta: model.Meta{Timestamp: 1}}
	require.NoError(t, m.PutAlienRecords(context.Background(), "node2", model.VDiskId(0), []model.Record{rec}))
	require.Equal(t, 1, node2.alienN)
}

func TestConnectedReportsFalseForUnknownNode(t *testing.T) {
	node2 := &fakeNode{name: "node2"}
	addr2 := startPeerServer(t, node2)
	node3 := &fakeNode{name: "node3"}
	addr3 := startPeerServer(t, node3)
	mapper := newTestMapper(t, addr2, addr3)

	m, err := New(Config{Mapper: mapper, CheckInterval: time.Second})
	require.NoError(t, err)
	require.False(t, m.Connected("node-nonexistent"))
}
