package rpc_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

// fakeNode is a minimal rpc.NodeService stub, standing in for the
// Grinder/Alien Handoff worker a real deployment would wire in.
type fakeNode struct {
	name    model.NodeName
	records map[model.Key]model.Record
	panics  bool
}

func (f *fakeNode) Put(_ context.Context, _ model.VDiskId, rec model.Record) error {
	f.records[rec.Key] = rec
	return nil
}

func (f *fakeNode) Get(_ context.Context, _ model.VDiskId, key model.Key, _ model.GetSource) (model.Record, error) {
	if f.panics {
		panic("boom")
	}
	rec, ok := f.records[key]
	if !ok {
		return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found", key)
	}
	return rec, nil
}

func (f *fakeNode) Exist(_ context.Context, _ model.VDiskId, keys []model.Key, _ model.GetSource) ([]bool, bool, error) {
	hits := make([]bool, len(keys))
	for i, k := range keys {
		_, hits[i] = f.records[k]
	}
	return hits, false, nil
}

func (f *fakeNode) Delete(_ context.Context, _ model.VDiskId, key model.Key, ts model.Timestamp) error {
	f.records[key] = model.Record{Key: key, Meta: model.Meta{Timestamp: ts, Deleted: true}}
	return nil
}

func (f *fakeNode) PutAlien(_ context.Context, _ model.NodeName, _ model.VDiskId, recs []model.Record) error {
	for _, rec := range recs {
		f.records[rec.Key] = rec
	}
	return nil
}

func (f *fakeNode) ExistAlien(ctx context.Context, _ model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	hits, _, err := f.Exist(ctx, vdiskID, keys, model.SourceAll)
	return hits, err
}

func (f *fakeNode) GetAlien(ctx context.Context, _ model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	return f.Get(ctx, vdiskID, key, model.SourceAll)
}

func (f *fakeNode) Ping(context.Context) (model.NodeName, error) {
	return f.name, nil
}

func newTestClient(t *testing.T, svc rpc.NodeService) *rpc.Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer(rpc.ServerOptions()...)
	rpc.RegisterNodeServiceServer(server, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return rpc.NewClient(conn)
}

func TestPutThenGetRoundtrip(t *testing.T) {
	svc := &fakeNode{name: "node1", records: make(map[model.Key]model.Record)}
	client := newTestClient(t, svc)
	ctx := context.Background()
	rec := model.Record{Key: model.KeyFromUint64(1), Payload: []byte("hello"), Meta: model.Meta{Timestamp: 1}}

	require.NoError(t, client.Put(ctx, model.VDiskId(0), rec))

	got, err := client.Get(ctx, model.VDiskId(0), rec.Key, model.SourceNormal)
	require.NoError(t, err)
	require.Equal(t, rec.Payload, got.Payload)
}

func TestGetMissingPropagatesNotFoundKind(t *testing.T) {
	svc := &fakeNode{name: "node1", records: make(map[model.Key]model.Record)}
	client := newTestClient(t, svc)

	_, err := client.Get(context.Background(), model.VDiskId(0), model.KeyFromUint64(7), model.SourceNormal)
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(err), "expected the NotFound kind to arrive as codes.NotFound")
}

func TestExistReflectsPuts(t *testing.T) {
	svc := &fakeNode{name: "node1", records: make(map[model.Key]model.Record)}
	client := newTestClient(t, svc)
	ctx := context.Background()
	present := model.KeyFromUint64(1)
	absent := model.KeyFromUint64(2)
	require.NoError(t, client.Put(ctx, model.VDiskId(0), model.Record{Key: present, Meta: model.Meta{Timestamp: 1}}))

	hits, incomplete, err := client.Exist(ctx, model.VDiskId(0), []model.Key{present, absent}, model.SourceNormal)
	require.NoError(t, err)
	require.False(t, incomplete)
	require.Equal(t, []bool{true, false}, hits)
}

func TestPutAlienDeliversBatch(t *testing.T) {
	svc := &fakeNode{name: "node2", records: make(map[model.Key]model.Record)}
	client := newTestClient(t, svc)
	ctx := context.Background()
	recs := []model.Record{
		{Key: model.KeyFromUint64(1), Payload: []byte("a"), Meta: model.Meta{Timestamp: 1}},
		{Key: model.KeyFromUint64(2), Payload: []byte("b"), Meta: model.Meta{Timestamp: 2}},
	}

	require.NoError(t, client.PutAlien(ctx, "node1", model.VDiskId(0), recs))

	hits, err := client.ExistAlien(ctx, "node1", model.VDiskId(0), []model.Key{recs[0].Key, recs[1].Key})
	require.NoError(t, err)
	require.Equal(t, []bool{true, true}, hits)
}

func TestPingReturnsPeerName(t *testing.T) {
	svc := &fakeNode{name: "node3", records: make(map[model.Key]model.Record)}
	client := newTestClient(t, svc)

	name, err := client.Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.NodeName("node3"), name)
}
