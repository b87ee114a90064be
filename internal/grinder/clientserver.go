package grinder

import (
	"context"
	"log/slog"

	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

var _ rpc.NodeService = (*ClientServer)(nil)

// ClientServer implements rpc.NodeService for the client-facing role: the
// four verbs that enter the cluster through whichever node a caller
// happens to connect to (§2's "the four client-facing verbs, routed to
// the Grinder by the caller"). A node process registers this on the
// client-facing listener and NodeServer (nodeserver.go) on the peer
// listener; both satisfy the same wire interface but one coordinates
// across the replica set while the other is the direct per-replica
// target a remote coordinator calls into.
//
// The out-of-scope REST/CLI surface (§1) would normally sit in front of
// this and translate HTTP/CLI invocations into these calls; ClientServer
// is the boundary Bob owns.
type ClientServer struct {
	grinder *Grinder
	logger  *slog.Logger
}

func NewClientServer(g *Grinder, logger *slog.Logger) *ClientServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientServer{grinder: g, logger: logger}
}

func (s *ClientServer) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	return s.grinder.Put(ctx, vdiskID, rec)
}

func (s *ClientServer) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key, source model.GetSource) (model.Record, error) {
	return s.grinder.Get(ctx, vdiskID, key, source)
}

// Exist is the one place the coordinator-level incomplete flag (§4.3
// EXIST, "On partial replica failure, return the ORed bitmap plus an
// incomplete flag") is observable by a real caller, so it's threaded
// through the wire response rather than only logged.
func (s *ClientServer) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key, source model.GetSource) ([]bool, bool, error) {
	hits, incomplete, err := s.grinder.Exist(ctx, vdiskID, keys, source)
	if err != nil {
		return nil, false, err
	}
	if incomplete {
		s.logger.Warn("exist result is incomplete: some replicas unreachable", slog.Any("vdisk", vdiskID))
	}
	return hits, incomplete, nil
}

func (s *ClientServer) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	return s.grinder.Delete(ctx, vdiskID, key, ts)
}

// PutAlien/ExistAlien/GetAlien/Ping are peer-only operations; a
// client-facing listener has no business accepting them, so ClientServer
// delegates to the same NodeServer behavior would provide by going
// straight to the Backend it shares with the Grinder.
func (s *ClientServer) PutAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	return NewNodeServer(s.grinder.localNode, s.grinder.backend).PutAlien(ctx, sourceNode, vdiskID, recs)
}

func (s *ClientServer) ExistAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	return s.grinder.backend.ExistAlien(ctx, sourceNode, vdiskID, keys)
}

func (s *ClientServer) GetAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	return s.grinder.backend.GetAlien(ctx, sourceNode, vdiskID, key)
}

func (s *ClientServer) Ping(ctx context.Context) (model.NodeName, error) {
	return s.grinder.localNode, nil
}
