// Package linkmanager implements the Link Manager from spec.md §4.2: one
// pooled gRPC connection per remote node, a background ping loop that
// tracks connected/disconnected state, and exponential backoff between
// ping retries while a peer is down. The client-side unary chain is retry
// plus logging; it has no panic-recovery interceptor (that one runs on
// each peer's server, via rpc.ServerOptions). Grounded on the teacher's
// internal/grpc/recovery and internal/grpc/logging (the request/response
// logging interceptor, generalized below since Bob's internal RPC messages
// aren't proto.Message); connection pooling and state tracking have no
// direct teacher analogue and are grounded on google.golang.org/grpc's own
// ClientConn lifecycle primitives (grpc.WithConnectParams,
// grpc.WithKeepaliveParams) instead.
package linkmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	retry "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"google.golang.org/grpc"
	gbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/qoollo/bob/internal/apierrors"
	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

// Config carries everything the Manager needs to dial every remote peer
// in the cluster.
type Config struct {
	Mapper        *cluster.Mapper
	CheckInterval time.Duration
	DialTimeout   time.Duration
	Logger        *slog.Logger
}

// peer owns one pooled connection to a remote node and the ping loop
// tracking whether it's currently reachable.
type peer struct {
	node    model.NodeName
	address string

	mu        sync.RWMutex
	connected bool

	conn   *grpc.ClientConn
	client *rpc.Client

	backoff *backoff.ExponentialBackOff
}

func (p *peer) setConnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = v
}

func (p *peer) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Manager owns one peer per remote cluster node and runs each one's ping
// loop for the lifetime of the process (§4.2: "the Link Manager pings
// every peer on check_interval and reports connected/disconnected").
type Manager struct {
	mapper        *cluster.Mapper
	checkInterval time.Duration
	dialTimeout   time.Duration
	logger        *slog.Logger

	mu    sync.RWMutex
	peers map[model.NodeName]*peer

	wg sync.WaitGroup
}

// New builds a Manager with one dialed (but not yet pinging) peer for
// every node, other than the local one, that holds a replica of some
// vdisk; a node listed in the cluster config with no replica gets no peer.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	m := &Manager{
		mapper:        cfg.Mapper,
		checkInterval: cfg.CheckInterval,
		dialTimeout:   cfg.DialTimeout,
		logger:        cfg.Logger,
		peers:         make(map[model.NodeName]*peer),
	}

	local := cfg.Mapper.LocalNode()
	for name := range allNodes(cfg.Mapper) {
		if name == local {
			continue
		}
		info, ok := cfg.Mapper.Node(name)
		if !ok {
			continue
		}
		p, err := m.dial(name, info.Address)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.Internal, err, "dialing peer %s at %s", name, info.Address)
		}
		m.peers[name] = p
	}
	return m, nil
}

// allNodes recovers the node set from the Mapper's exported Node/Replicas
// surface (the Mapper keeps its node map unexported).
func allNodes(mapper *cluster.Mapper) map[model.NodeName]struct{} {
	out := make(map[model.NodeName]struct{})
	for i := 0; i < mapper.VDiskCount(); i++ {
		replicas, err := mapper.Replicas(model.VDiskId(i))
		if err != nil {
			continue
		}
		for _, r := range replicas {
			out[r.Node] = struct{}{}
		}
	}
	return out
}

func (m *Manager) dial(node model.NodeName, address string) (*peer, error) {
	chain := grpc.WithChainUnaryInterceptor(
		retry.UnaryClientInterceptor(
			retry.WithCodes(codes.Unavailable, codes.DeadlineExceeded),
			retry.WithMax(2),
		),
		loggingInterceptor(m.logger),
	)

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           gbackoff.DefaultConfig,
			MinConnectTimeout: m.dialTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                m.checkInterval,
			Timeout:             m.dialTimeout,
			PermitWithoutStream: true,
		}),
		chain,
	)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = m.checkInterval
	bo.MaxElapsedTime = 0

	return &peer{
		node:    node,
		address: address,
		conn:    conn,
		client:  rpc.NewClient(conn),
		backoff: bo,
	}, nil
}

// Start launches every peer's ping loop; it returns once all loops are
// running, not once every peer has answered its first ping.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		p := p
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pingLoop(ctx, p)
		}()
	}
}

// pingLoop pings p.node on check_interval while healthy, backing off
// exponentially (capped at check_interval) after each failed ping (§4.2,
// "connection failures back off exponentially, capped by check_interval").
func (m *Manager) pingLoop(ctx context.Context, p *peer) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		_, err := p.client.Ping(callCtx)
		cancel()

		var wait time.Duration
		if err != nil {
			p.setConnected(false)
			wait = p.backoff.NextBackOff()
			m.logger.Warn("peer ping failed", slog.String("node", string(p.node)), slog.Duration("retry_in", wait), slog.Any("error", err))
		} else {
			p.setConnected(true)
			p.backoff.Reset()
			wait = m.checkInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop closes every pooled connection and waits for the ping loops to
// exit (the caller is expected to have already cancelled the context
// passed to Start).
func (m *Manager) Stop() error {
	m.wg.Wait()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for _, p := range m.peers {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connected implements alien.Target: whether node's ping loop currently
// reports it reachable.
func (m *Manager) Connected(node model.NodeName) bool {
	m.mu.RLock()
	p, ok := m.peers[node]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return p.isConnected()
}

// PutAlienRecords implements alien.Target: forwards recs to node over its
// pooled connection.
func (m *Manager) PutAlienRecords(ctx context.Context, node model.NodeName, vdiskID model.VDiskId, recs []model.Record) error {
	m.mu.RLock()
	p, ok := m.peers[node]
	m.mu.RUnlock()
	if !ok {
		return apierrors.New(apierrors.DiskUnavailable, "no link to node %s", node)
	}
	return p.client.PutAlien(ctx, node, vdiskID, recs)
}

// GetAlien queries node's alien area for a record originally owned by
// sourceNode (§4.3 GetSource::ALL).
func (m *Manager) GetAlien(ctx context.Context, node model.NodeName, sourceNode model.NodeName, vdiskID model.VDiskId, key model.Key) (model.Record, error) {
	m.mu.RLock()
	p, ok := m.peers[node]
	m.mu.RUnlock()
	if !ok {
		return model.Record{}, apierrors.New(apierrors.DiskUnavailable, "no link to node %s", node)
	}
	return p.client.GetAlien(ctx, sourceNode, vdiskID, key)
}

// Client returns the pooled rpc.Client for node, for the Grinder's
// fan-out PUT/GET/EXIST/DELETE calls.
func (m *Manager) Client(node model.NodeName) (*rpc.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[node]
	if !ok {
		return nil, false
	}
	return p.client, true
}

// Peers returns every remote node the Manager has a pooled connection
// to, for the Grinder's GetSource::ALL alien sweep across every node.
func (m *Manager) Peers() []model.NodeName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NodeName, 0, len(m.peers))
	for node := range m.peers {
		out = append(out, node)
	}
	return out
}
