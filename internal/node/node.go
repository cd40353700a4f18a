package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/clearinghouse"
	"github.com/prxssh/sruth/internal/connection"
	"github.com/prxssh/sruth/internal/peer"
	"github.com/prxssh/sruth/internal/tracker"
	"github.com/prxssh/sruth/pkg/config"
	"github.com/prxssh/sruth/pkg/retry"
	"github.com/prxssh/sruth/pkg/wire"
)

// Node composes an Archive, a Predicate, a local Server, and a pool of
// outbound Clients fed by a Tracker, per spec.md §4.9. A source node's
// Predicate is empty (serves only); a sink node's Run returns once its
// Predicate drains or ctx is cancelled.
type Node struct {
	cfg       *config.Config
	log       *slog.Logger
	archive   *archive.Archive
	predicate *attribute.Predicate
	ch        *clearinghouse.ClearingHouse
	client    *Client
	tracker   *tracker.Tracker

	listenPorts atomic.Pointer[connection.PortTriple]

	mu        sync.Mutex
	connected map[string]bool
}

// serverKey returns a comparable map key for a ServerInfo: wire.ServerInfo
// embeds a net.IP (a byte slice), which Go maps cannot key on directly.
func serverKey(server wire.ServerInfo) string {
	return fmt.Sprintf("%s:%d:%d:%d", server.IP.String(), server.Ports[0], server.Ports[1], server.Ports[2])
}

// New wires a Node around an already-open Archive and a Predicate
// describing what it wants (empty for a pure source). If cfg.TrackerAddr
// is empty, the Node serves only its bound listeners and never dials
// out.
func New(cfg *config.Config, a *archive.Archive, predicate *attribute.Predicate, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "node")

	ch := clearinghouse.New(a, predicate, log)
	localPorts := connection.PortTriple{uint32(cfg.NoticePort), uint32(cfg.RequestPort), uint32(cfg.DataPort)}
	client := NewClient(localPorts, cfg.DialTimeout, log)

	n := &Node{
		cfg:       cfg,
		log:       log,
		archive:   a,
		predicate: predicate,
		ch:        ch,
		client:    client,
		connected: make(map[string]bool),
	}
	if cfg.TrackerAddr != "" {
		n.tracker = tracker.New(cfg.TrackerAddr, cfg.TrackerTimeout, log)
	}
	return n
}

// Run binds the Server, starts the Tracker poll loop (if configured),
// and blocks until the Predicate drains (sink nodes) or ctx is
// cancelled. Cancelling ctx tears every Peer down by closing its
// Connection's sockets; the outbound queues themselves are never closed.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := false
	var drainedMu sync.Mutex
	n.ch.OnDrained(func() {
		drainedMu.Lock()
		if !drained {
			drained = true
			n.log.Info("predicate drained, shutting down")
			cancel()
		}
		drainedMu.Unlock()
	})

	onDisconnect := peer.DisconnectListener(func(p *peer.Peer) {
		n.log.Debug("peer disconnected", "peer", p.ID())
	})
	onPeer := onPeerSpawningPeer(ctx, n.ch, n.predicate, n.cfg.QueueCapacity, n.log, onDisconnect)

	localPorts := connection.PortTriple{uint32(n.cfg.NoticePort), uint32(n.cfg.RequestPort), uint32(n.cfg.DataPort)}
	host := ""
	if n.cfg.EnableIPv6 {
		host = "::"
	}
	server, err := Listen(host, localPorts, onPeer, n.log)
	if err != nil {
		return fmt.Errorf("node: bind server: %w", err)
	}
	ports := server.Ports()
	n.listenPorts.Store(&ports)
	n.log.Info("listening", "ports", ports)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })

	if n.tracker != nil {
		retryOpts := retry.WithExponentialBackoff(n.cfg.ReconnectMaxAttempts, n.cfg.ReconnectInitialDelay, n.cfg.ReconnectMaxDelay)
		g.Go(func() error {
			return n.tracker.Run(gctx, n.cfg.TrackerPollInterval, retryOpts, func(p *wire.Plumber) {
				n.onPlumber(gctx, p, onDisconnect)
			})
		})
	}

	err = g.Wait()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}

// onPlumber dials every server named in p this Node hasn't already
// connected to, each in its own goroutine guarded by the reconnect
// policy (Open Question a).
func (n *Node) onPlumber(ctx context.Context, p *wire.Plumber, onDisconnect peer.DisconnectListener) {
	for _, entry := range p.Entries {
		if !n.markConnected(entry.Server) {
			continue
		}
		go n.connectWithRetry(ctx, entry.Server, onDisconnect)
	}
}

func (n *Node) markConnected(server wire.ServerInfo) bool {
	key := serverKey(server)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connected[key] {
		return false
	}
	n.connected[key] = true
	return true
}

func (n *Node) forgetConnected(server wire.ServerInfo) {
	n.mu.Lock()
	delete(n.connected, serverKey(server))
	n.mu.Unlock()
}

func (n *Node) connectWithRetry(ctx context.Context, server wire.ServerInfo, onDisconnect peer.DisconnectListener) {
	defer n.forgetConnected(server)

	remoteIP := server.IP.String()
	remotePorts := connection.PortTriple(server.Ports)

	retryOpts := retry.WithExponentialBackoff(n.cfg.ReconnectMaxAttempts, n.cfg.ReconnectInitialDelay, n.cfg.ReconnectMaxDelay)
	err := retry.Do(ctx, func(ctx context.Context) error {
		return n.client.DialAndRun(ctx, remoteIP, remotePorts, n.ch, n.predicate, n.cfg.QueueCapacity, onDisconnect)
	}, retryOpts...)

	if err != nil && n.tracker != nil && ctx.Err() == nil {
		n.log.Warn("giving up on peer, reporting offline", "remote", remoteIP, "error", err)
		reportCtx, reportCancel := context.WithTimeout(context.Background(), n.cfg.TrackerTimeout)
		defer reportCancel()
		if err := n.tracker.ReportOffline(reportCtx, server); err != nil {
			n.log.Warn("failed to report server offline", "remote", remoteIP, "error", err)
		}
	}
}

// Predicate returns the node's own shared wants.
func (n *Node) Predicate() *attribute.Predicate { return n.predicate }

// Archive returns the node's backing Archive.
func (n *Node) Archive() *archive.Archive { return n.archive }

// ListenPorts returns the Server's bound [notice, request, data] port
// triple. It is the zero triple until Run has bound its listeners.
func (n *Node) ListenPorts() connection.PortTriple {
	if p := n.listenPorts.Load(); p != nil {
		return *p
	}
	return connection.PortTriple{}
}
