package rpc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/qoollo/bob/internal/model"
)

// ServiceName is the gRPC full service name peers dial against.
const ServiceName = "bob.NodeService"

// NodeService is the internal surface one Bob node exposes to another:
// the four client-facing verbs (routed to the Grinder by the caller) plus
// PutAlien/ExistAlien (the Alien Handoff worker's destination call),
// GetAlien (the GetSource::ALL alien lookup) and
// Ping (the Link Manager's liveness probe). This is the Go-native
// counterpart of the spec's out-of-scope wire stub (§2, "internal rpc
// surface").
type NodeService interface {
	Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error
	Get(ctx context.Context, vdiskID model.VDiskId, key model.Key, source model.GetSource) (model.Record, error)
	// Exist's second return is incomplete: true when the implementation
	// could only answer for part of the replica set (§4.3 EXIST, "On
	// partial replica failure, return the ORed bitmap plus an incomplete
	// flag"). A single-replica implementation (NodeServer) has no further
	// fan-out to fail and always returns false; only the Grinder-backed
	// ClientServer ever sets it true.
	Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key, source model.GetSource) (hits []bool, incomplete bool, err error)
	Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error
	PutAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, recs []model.Record) error
	ExistAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error)
	GetAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error)
	Ping(ctx context.Context) (model.NodeName, error)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PutRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return putImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Put"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return putImpl(ctx, srv.(NodeService), req.(*PutRequest))
	})
}

func putImpl(ctx context.Context, svc NodeService, req *PutRequest) (any, error) {
	if err := svc.Put(ctx, req.VDiskID, req.Record); err != nil {
		return nil, err
	}
	return &PutResponse{}, nil
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return getImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Get"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return getImpl(ctx, srv.(NodeService), req.(*GetRequest))
	})
}

func getImpl(ctx context.Context, svc NodeService, req *GetRequest) (any, error) {
	rec, err := svc.Get(ctx, req.VDiskID, req.Key, req.Source)
	if err != nil {
		return nil, err
	}
	return &GetResponse{Record: rec}, nil
}

func existHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ExistRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return existImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Exist"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return existImpl(ctx, srv.(NodeService), req.(*ExistRequest))
	})
}

func existImpl(ctx context.Context, svc NodeService, req *ExistRequest) (any, error) {
	hits, incomplete, err := svc.Exist(ctx, req.VDiskID, req.Keys, req.Source)
	if err != nil {
		return nil, err
	}
	return &ExistResponse{Hits: hits, Incomplete: incomplete}, nil
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(DeleteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return deleteImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Delete"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return deleteImpl(ctx, srv.(NodeService), req.(*DeleteRequest))
	})
}

func deleteImpl(ctx context.Context, svc NodeService, req *DeleteRequest) (any, error) {
	if err := svc.Delete(ctx, req.VDiskID, req.Key, req.Timestamp); err != nil {
		return nil, err
	}
	return &DeleteResponse{}, nil
}

func putAlienHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PutAlienRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return putAlienImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/PutAlien"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return putAlienImpl(ctx, srv.(NodeService), req.(*PutAlienRequest))
	})
}

func putAlienImpl(ctx context.Context, svc NodeService, req *PutAlienRequest) (any, error) {
	if err := svc.PutAlien(ctx, req.SourceNode, req.VDiskID, req.Records); err != nil {
		return nil, err
	}
	return &PutAlienResponse{}, nil
}

func existAlienHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ExistAlienRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return existAlienImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/ExistAlien"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return existAlienImpl(ctx, srv.(NodeService), req.(*ExistAlienRequest))
	})
}

func existAlienImpl(ctx context.Context, svc NodeService, req *ExistAlienRequest) (any, error) {
	hits, err := svc.ExistAlien(ctx, req.SourceNode, req.VDiskID, req.Keys)
	if err != nil {
		return nil, err
	}
	return &ExistAlienResponse{Hits: hits}, nil
}

func getAlienHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetAlienRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return getAlienImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetAlien"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return getAlienImpl(ctx, srv.(NodeService), req.(*GetAlienRequest))
	})
}

func getAlienImpl(ctx context.Context, svc NodeService, req *GetAlienRequest) (any, error) {
	rec, err := svc.GetAlien(ctx, req.SourceNode, req.VDiskID, req.Key)
	if err != nil {
		return nil, err
	}
	return &GetAlienResponse{Record: rec}, nil
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PingRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return pingImpl(ctx, srv.(NodeService), req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Ping"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return pingImpl(ctx, srv.(NodeService), req.(*PingRequest))
	})
}

func pingImpl(ctx context.Context, svc NodeService, _ *PingRequest) (any, error) {
	node, err := svc.Ping(ctx)
	if err != nil {
		return nil, err
	}
	return &PingResponse{Node: node}, nil
}

// serviceDesc is the hand-written counterpart of what protoc-gen-go-grpc
// would otherwise generate from a .proto file (out of scope per §1).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Exist", Handler: existHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "PutAlien", Handler: putAlienHandler},
		{MethodName: "ExistAlien", Handler: existAlienHandler},
		{MethodName: "GetAlien", Handler: getAlienHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
}

// RegisterNodeServiceServer registers impl against s. It adds no
// interceptor itself: panic recovery comes from building s with
// ServerOptions().
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, impl NodeService) {
	s.RegisterService(&serviceDesc, impl)
}

// ServerOptions returns the grpc.ServerOption set every Bob node RPC
// server should be built with: the gob codec's negotiation is automatic
// via the registered encoding.Codec, so the only explicit option is the
// shared recovery interceptor.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(recovery.UnaryServerInterceptor(
			recovery.WithRecoveryHandler(func(p any) (err error) {
				slog.Warn("internal rpc handler panicked", slog.Any("panic", p))
				return fmt.Errorf("internal: panic: %v", p)
			}),
		)),
	}
}
