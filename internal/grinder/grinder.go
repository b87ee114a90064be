// Package grinder implements the Cluster Coordinator from spec.md §4.3:
// PUT/GET/EXIST/DELETE fan-out across a vdisk's replica set, quorum
// accounting, alien fallback for unreachable replicas, and the
// newest-wins/ReplicaDivergence tie-break rules. Grounded on the
// teacher's internal/grpc/server/check.go (the closest thing the teacher
// has to a coordinator: fan out a check across multiple collaborators,
// aggregate, return one decision) generalized from "check one policy"
// to "read/write N replicas and decide by quorum".
package grinder

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

// PeerDialer is the subset of *linkmanager.Manager the Grinder needs: a
// pooled client per remote node plus the set of nodes it has one for.
// Kept as an interface so tests can fan out against fakes instead of
// real gRPC connections.
type PeerDialer interface {
	Client(node model.NodeName) (*rpc.Client, bool)
	Peers() []model.NodeName
}

// Config carries everything the Grinder needs to coordinate operations
// for the local node.
type Config struct {
	Mapper           *cluster.Mapper
	Backend          *backend.Backend
	Peers            PeerDialer
	Quorum           int
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

// Grinder is the process-wide PUT/GET/EXIST/DELETE coordinator for the
// local node: every client-facing call enters here, which fans out to
// local and remote replicas and applies the quorum/alien-fallback rules.
type Grinder struct {
	localNode model.NodeName
	mapper    *cluster.Mapper
	backend   *backend.Backend
	peers     PeerDialer
	quorum    int
	opTimeout time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) *Grinder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	return &Grinder{
		localNode: cfg.Mapper.LocalNode(),
		mapper:    cfg.Mapper,
		backend:   cfg.Backend,
		peers:     cfg.Peers,
		quorum:    cfg.Quorum,
		opTimeout: cfg.OperationTimeout,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("bob.grinder"),
	}
}

// Put implements the PUT algorithm (§4.3 steps 1-6): parallel fan-out
// across every distinct replica, quorum acknowledgement, and alien
// buffering for replicas that couldn't be reached directly.
func (g *Grinder) Put(ctx context.Context, vdiskID model.VDiskId, rec model.Record) error {
	ctx, span := g.tracer.Start(ctx, "grinder.Put", trace.WithAttributes(
		attribute.Int64("vdisk", int64(vdiskID)),
	))
	defer span.End()

	replicas, err := g.mapper.Replicas(vdiskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	distinct := cluster.DistinctDisks(replicas)

	type outcome struct {
		replica model.Replica
		err     error
	}
	outcomes := make([]outcome, len(distinct))
	var wg sync.WaitGroup
	for i, r := range distinct {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = outcome{replica: r, err: g.putOne(ctx, r, vdiskID, rec)}
		}()
	}
	wg.Wait()

	successes := 0
	retries := make(map[string]error)
	var failed []model.Replica
	for _, o := range outcomes {
		if o.err == nil {
			successes++
			continue
		}
		retries[o.replica.String()] = o.err
		failed = append(failed, o.replica)
	}

	if successes >= g.quorum {
		return nil
	}

	// §4.3 step 5: buffer an alien copy for every replica that couldn't
	// be written directly, on this node's own alien disk.
	for _, r := range failed {
		if err := g.backend.BufferAlienFor(ctx, r.Node, vdiskID, rec); err != nil {
			g.logger.Warn("alien buffering failed", slog.String("replica", r.String()), slog.Any("error", err))
			continue
		}
		successes++
		delete(retries, r.String())
	}

	if successes >= g.quorum {
		return nil
	}
	err = apierrors.New(apierrors.QuorumNotReached, "put reached %d/%d acks for vdisk %d", successes, g.quorum, vdiskID).WithRetries(retries)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (g *Grinder) putOne(ctx context.Context, r model.Replica, vdiskID model.VDiskId, rec model.Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if r.Node == g.localNode {
		return g.backend.Put(ctx, vdiskID, rec)
	}
	client, ok := g.peers.Client(r.Node)
	if !ok {
		return apierrors.New(apierrors.DiskUnavailable, "no link to replica node %s", r.Node)
	}
	return client.Put(ctx, vdiskID, rec)
}

// Get implements the GET algorithm (§4.3): query replicas in preference
// order (local first), take the newest live record seen. GetSource::ALL
// additionally sweeps every known node's alien area for a copy destined
// for one of the vdisk's replicas.
func (g *Grinder) Get(ctx context.Context, vdiskID model.VDiskId, key model.Key, source model.GetSource) (model.Record, error) {
	ctx, span := g.tracer.Start(ctx, "grinder.Get", trace.WithAttributes(
		attribute.Int64("vdisk", int64(vdiskID)),
	))
	defer span.End()

	replicas, err := g.mapper.Replicas(vdiskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Record{}, err
	}

	var best model.Record
	haveBest := false
	unreachable := false
	for _, r := range g.preferenceOrder(replicas, source) {
		rec, err := g.getOne(ctx, r, vdiskID, key)
		if err != nil {
			if apierrors.Of(err) != apierrors.NotFound {
				unreachable = true
			}
			continue
		}
		switch {
		case !haveBest || rec.Meta.Newer(best.Meta):
			best, haveBest = rec, true
		case rec.Meta.Timestamp == best.Meta.Timestamp && !bytes.Equal(rec.Payload, best.Payload):
			g.logger.Warn("replica divergence", slog.String("key", key.String()), slog.String("replica", r.String()))
		}
	}

	if source == model.SourceAll {
		recs, alienUnreachable := g.sweepAliens(ctx, vdiskID, key, replicas)
		unreachable = unreachable || alienUnreachable
		for _, rec := range recs {
			if !haveBest || rec.Meta.Newer(best.Meta) {
				best, haveBest = rec, true
			}
		}
	}

	if haveBest && !best.Meta.Deleted {
		return best, nil
	}
	if unreachable {
		err := apierrors.New(apierrors.DiskUnavailable, "get for key %s: some replicas of vdisk %d unreachable", key, vdiskID)
		span.SetStatus(codes.Error, err.Error())
		return model.Record{}, err
	}
	return model.Record{}, apierrors.New(apierrors.NotFound, "key %s not found in vdisk %d", key, vdiskID)
}

// preferenceOrder puts the local replica (if any) first, keeping the
// remaining replicas in their configured order; GetSource::LOCAL trims
// the list down to the local replica only.
func (g *Grinder) preferenceOrder(replicas []model.Replica, source model.GetSource) []model.Replica {
	out := make([]model.Replica, 0, len(replicas))
	var local *model.Replica
	for i, r := range replicas {
		if r.Node == g.localNode && local == nil {
			local = &replicas[i]
			continue
		}
		out = append(out, r)
	}
	if local != nil {
		out = append([]model.Replica{*local}, out...)
	}
	if source == model.SourceLocal {
		if local == nil {
			return nil
		}
		return []model.Replica{*local}
	}
	return out
}

func (g *Grinder) getOne(ctx context.Context, r model.Replica, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if r.Node == g.localNode {
		return g.backend.Get(ctx, vdiskID, key)
	}
	client, ok := g.peers.Client(r.Node)
	if !ok {
		return model.Record{}, apierrors.New(apierrors.DiskUnavailable, "no link to replica node %s", r.Node)
	}
	return client.Get(ctx, vdiskID, key, model.SourceNormal)
}

// sweepAliens asks every node this process knows about (itself plus
// every Link Manager peer) whether it's holding an alien copy destined
// for one of vdiskID's replica owners (§4.3 GetSource::ALL).
func (g *Grinder) sweepAliens(ctx context.Context, vdiskID model.VDiskId, key model.Key, owners []model.Replica) ([]model.Record, bool) {
	holders := append([]model.NodeName{g.localNode}, g.peers.Peers()...)
	var recs []model.Record
	unreachable := false
	for _, holder := range holders {
		for _, owner := range owners {
			rec, err := g.getAlienOne(ctx, holder, owner.Node, vdiskID, key)
			if err != nil {
				if apierrors.Of(err) != apierrors.NotFound {
					unreachable = true
				}
				continue
			}
			recs = append(recs, rec)
		}
	}
	return recs, unreachable
}

func (g *Grinder) getAlienOne(ctx context.Context, holder, owner model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if holder == g.localNode {
		return g.backend.GetAlien(ctx, owner, vdiskID, key)
	}
	client, ok := g.peers.Client(holder)
	if !ok {
		return model.Record{}, apierrors.New(apierrors.DiskUnavailable, "no link to node %s", holder)
	}
	return client.GetAlien(ctx, owner, vdiskID, key)
}

// Exist implements the EXIST algorithm (§4.3): OR bitmaps across
// replicas, reporting incomplete on partial failure. GetSource::ALL
// additionally ORs in a bitmap pass over every node's alien area.
func (g *Grinder) Exist(ctx context.Context, vdiskID model.VDiskId, keys []model.Key, source model.GetSource) ([]bool, bool, error) {
	ctx, span := g.tracer.Start(ctx, "grinder.Exist", trace.WithAttributes(
		attribute.Int64("vdisk", int64(vdiskID)),
	))
	defer span.End()

	replicas, err := g.mapper.Replicas(vdiskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	out := make([]bool, len(keys))
	incomplete := false
	for _, r := range replicas {
		hits, err := g.existOne(ctx, r, vdiskID, keys)
		if err != nil {
			incomplete = true
			continue
		}
		orInto(out, hits)
	}

	if source == model.SourceAll {
		holders := append([]model.NodeName{g.localNode}, g.peers.Peers()...)
		for _, holder := range holders {
			for _, owner := range replicas {
				hits, err := g.existAlienOne(ctx, holder, owner.Node, vdiskID, keys)
				if err != nil {
					incomplete = true
					continue
				}
				orInto(out, hits)
			}
		}
	}

	return out, incomplete, nil
}

func orInto(dst, src []bool) {
	for i, v := range src {
		dst[i] = dst[i] || v
	}
}

func (g *Grinder) existOne(ctx context.Context, r model.Replica, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if r.Node == g.localNode {
		return g.backend.Exist(ctx, vdiskID, keys)
	}
	client, ok := g.peers.Client(r.Node)
	if !ok {
		return nil, apierrors.New(apierrors.DiskUnavailable, "no link to replica node %s", r.Node)
	}
	// A single replica's own Exist never fans out further, so its
	// incomplete flag is always false; only the coordinator-level
	// Exist above has anything to OR it with.
	hits, _, err := client.Exist(ctx, vdiskID, keys, model.SourceNormal)
	return hits, err
}

func (g *Grinder) existAlienOne(ctx context.Context, holder, owner model.NodeName, vdiskID model.VDiskId, keys []model.Key) ([]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if holder == g.localNode {
		return g.backend.ExistAlien(ctx, owner, vdiskID, keys)
	}
	client, ok := g.peers.Client(holder)
	if !ok {
		return nil, apierrors.New(apierrors.DiskUnavailable, "no link to node %s", holder)
	}
	return client.ExistAlien(ctx, owner, vdiskID, keys)
}

// Delete implements the DELETE algorithm (§4.3): a tombstone record
// written with the same quorum and alien-fallback rules as Put, so a
// replica that's down when the delete happens still receives it via
// alien replay later (§4.3: "Deletion is recoverable").
func (g *Grinder) Delete(ctx context.Context, vdiskID model.VDiskId, key model.Key, ts model.Timestamp) error {
	return g.Put(ctx, vdiskID, model.Record{Key: key, Meta: model.Meta{Timestamp: ts, Deleted: true}})
}
