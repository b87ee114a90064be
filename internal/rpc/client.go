package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/qoollo/bob/internal/model"
)

// Client implements NodeService over a single grpc.ClientConn, the
// concrete transport the Link Manager pools one of per remote node.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection. The Link Manager owns
// dialing (backoff, keepalive, interceptor chain) and connection pooling;
// Client only needs a conn to issue calls on.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

func (c *Client) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	resp := new(PutResponse)
	return c.conn.Invoke(ctx, fullMethod("Put"), &PutRequest{VDiskID: vdiskID, Record: rec}, resp, callOpts...)
}

func (c *Client) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key, source model.GetSource) (model.Record, error) {
	resp := new(GetResponse)
	req := &GetRequest{VDiskID: vdiskID, Key: key, Source: source}
	if err := c.conn.Invoke(ctx, fullMethod("Get"), req, resp, callOpts...); err != nil {
		return model.Record{}, err
	}
	return resp.Record, nil
}

func (c *Client) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key, source model.GetSource) ([]bool, bool, error) {
	resp := new(ExistResponse)
	req := &ExistRequest{VDiskID: vdiskID, Keys: keys, Source: source}
	if err := c.conn.Invoke(ctx, fullMethod("Exist"), req, resp, callOpts...); err != nil {
		return nil, false, err
	}
	return resp.Hits, resp.Incomplete, nil
}

func (c *Client) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	resp := new(DeleteResponse)
	req := &DeleteRequest{VDiskID: vdiskID, Key: key, Timestamp: ts}
	return c.conn.Invoke(ctx, fullMethod("Delete"), req, resp, callOpts...)
}

// PutAlien implements alien.Target's destination call: push rec on
// behalf of sourceNode to this peer, who is (or was) its rightful owner.
func (c *Client) PutAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	resp := new(PutAlienResponse)
	req := &PutAlienRequest{SourceNode: sourceNode, VDiskID: vdiskID, Records: recs}
	return c.conn.Invoke(ctx, fullMethod("PutAlien"), req, resp, callOpts...)
}

func (c *Client) ExistAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	resp := new(ExistAlienResponse)
	req := &ExistAlienRequest{SourceNode: sourceNode, VDiskID: vdiskID, Keys: keys}
	if err := c.conn.Invoke(ctx, fullMethod("ExistAlien"), req, resp, callOpts...); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// GetAlien implements GetSource::ALL's node-local alien lookup pass.
func (c *Client) GetAlien(ctx context.Context, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	resp := new(GetAlienResponse)
	req := &GetAlienRequest{SourceNode: sourceNode, VDiskID: vdiskID, Key: key}
	if err := c.conn.Invoke(ctx, fullMethod("GetAlien"), req, resp, callOpts...); err != nil {
		return model.Record{}, err
	}
	return resp.Record, nil
}

// Ping implements the Link Manager's liveness probe (§4.2).
func (c *Client) Ping(ctx context.Context) (model.NodeName, error) {
	resp := new(PingResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Ping"), &PingRequest{}, resp, callOpts...); err != nil {
		return "", err
	}
	return resp.Node, nil
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
