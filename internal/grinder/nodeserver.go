package grinder

import (
	"context"

	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

// NodeServer implements rpc.NodeService for calls arriving from a peer's
// own Grinder: the caller has already picked the replica set and the
// alien destination, so every method here is a plain local Backend
// operation with no further fan-out. Grounded on the teacher's
// internal/grpc/server.Server, the thinnest possible adapter between a
// registered gRPC service and the package that actually does the work.
type NodeServer struct {
	localNode model.NodeName
	backend   *backend.Backend
}

var _ rpc.NodeService = (*NodeServer)(nil)

func NewNodeServer(localNode model.NodeName, b *backend.Backend) *NodeServer {
	return &NodeServer{localNode: localNode, backend: b}
}

func (s *NodeServer) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	return s.backend.Put(ctx, vdiskID, rec)
}

func (s *NodeServer) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key, _ model.GetSource) (model.Record, error) {
	return s.backend.Get(ctx, vdiskID, key)
}

func (s *NodeServer) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key, _ model.GetSource) ([]bool, bool, error) {
	hits, err := s.backend.Exist(ctx, vdiskID, keys)
	return hits, false, err
}

func (s *NodeServer) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	return s.backend.Delete(ctx, vdiskID, key, ts)
}

// PutAlien is always a home delivery: the caller's Link Manager only
// replays to a node once that node is confirmed reachable, and the
// records handed to it always belong to this node's own replica (§4.6
// step 2), so it's just a batch of ordinary local Puts.
func (s *NodeServer) PutAlien(ctx context.Context, _ model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	for _, rec := range recs {
		if err := s.backend.Put(ctx, vdiskID, rec); err != nil {
			return err
		}
	}
	return nil
}

// ExistAlien and GetAlien, unlike PutAlien, answer for an arbitrary
// sourceNode: GetSource::ALL asks every node "do you happen to be
// holding an alien copy destined for node X", and a node may be holding
// alien copies for any other node, not just itself.
func (s *NodeServer) ExistAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	return s.backend.ExistAlien(ctx, sourceNode, vdiskID, keys)
}

func (s *NodeServer) GetAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	return s.backend.GetAlien(ctx, sourceNode, vdiskID, key)
}

func (s *NodeServer) Ping(context.Context) (model.NodeName, error) {
	return s.localNode, nil
}
