package rpc

import "github.com/qoollo/bob/internal/model"

// Every request/response pair below is gob-encoded directly (see
// codec.go); none of model's types need struct tags for this, since gob
// walks exported fields by name rather than by a wire schema.

type PutRequest struct {
	VDiskID model.VDiskId
	Record  model.Record
}

type PutResponse struct{}

type GetRequest struct {
	VDiskID model.VDiskId
	Key     model.Key
	Source  model.GetSource
}

type GetResponse struct {
	Record model.Record
}

type ExistRequest struct {
	VDiskID model.VDiskId
	Keys    []model.Key
	Source  model.GetSource
}

type ExistResponse struct {
	Hits       []bool
	Incomplete bool
}

type DeleteRequest struct {
	VDiskID   model.VDiskId
	Key       model.Key
	Timestamp model.Timestamp
}

type DeleteResponse struct{}

// PutAlienRequest carries a batch of records the caller couldn't deliver
// to their rightful owner directly; SourceNode identifies whose replica
// these records belong to (§4.6 step 2).
type PutAlienRequest struct {
	SourceNode model.NodeName
	VDiskID    model.VDiskId
	Records    []model.Record
}

type PutAlienResponse struct{}

type ExistAlienRequest struct {
	SourceNode model.NodeName
	VDiskID    model.VDiskId
	Keys       []model.Key
}

type ExistAlienResponse struct {
	Hits []bool
}

// GetAlienRequest/Response support GetSource::ALL's node-local alien
// lookup pass (§4.3 GET algorithm).
type GetAlienRequest struct {
	SourceNode model.NodeName
	VDiskID    model.VDiskId
	Key        model.Key
}

type GetAlienResponse struct {
	Record model.Record
}

// PingRequest/PingResponse carry no payload; the Link Manager uses the
// call's success or failure, not its contents or latency (§4.2).
type PingRequest struct{}

type PingResponse struct {
	Node model.NodeName
}
