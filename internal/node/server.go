// Package node implements spec.md's Server/Client (C9) and Node (C11):
// the local accept-loop/dialer pair that turns raw sockets into Peers,
// and the composition that ties an Archive, a Predicate, a Server, and
// a pool of outbound Clients together under one Tracker. Grounded on
// the teacher's internal/torrent/torrent.go Run method (errgroup
// fan-out of independently-running subcomponents), generalized from a
// single torrent's peer swarm to spec.md §4.9's source/sink node.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/clearinghouse"
	"github.com/prxssh/sruth/internal/connection"
	"github.com/prxssh/sruth/internal/peer"
)

// defaultGroupTimeout bounds how long the Server waits for the remaining
// sockets of an in-progress Connection before closing the stray ones
// it has, per spec.md §4.7's "stray sockets time out".
const defaultGroupTimeout = 30 * time.Second

// NewPeerFunc is invoked once per completed Connection; the caller
// constructs and runs (or schedules) the resulting Peer.
type NewPeerFunc func(conn *connection.Connection)

// Server binds the three listen sockets (notice, request, data) and
// groups incoming connections from the same remote IP into complete
// three-socket Connections, per spec.md §4.7.
type Server struct {
	log          *slog.Logger
	listeners    [3]net.Listener
	onPeer       NewPeerFunc
	groupTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingGroup
}

type pendingGroup struct {
	sockets    [3]net.Conn
	portTriple connection.PortTriple
	havePorts  bool
	deadline   time.Time
}

func (g *pendingGroup) complete() bool {
	return g.havePorts && g.sockets[0] != nil && g.sockets[1] != nil && g.sockets[2] != nil
}

// Listen binds the three sockets at ports[i] (0 requests an ephemeral
// port) on host, in role order.
func Listen(host string, ports connection.PortTriple, onPeer NewPeerFunc, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log.With("component", "server"), onPeer: onPeer, groupTimeout: defaultGroupTimeout, pending: make(map[string]*pendingGroup)}

	for i := range s.listeners {
		addr := net.JoinHostPort(host, strconv.FormatUint(uint64(ports[i]), 10))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners(i)
			return nil, fmt.Errorf("node: listen %s (%s): %w", addr, connection.Role(i), err)
		}
		s.listeners[i] = ln
	}
	return s, nil
}

func (s *Server) closeListeners(upTo int) {
	for i := 0; i < upTo; i++ {
		if s.listeners[i] != nil {
			_ = s.listeners[i].Close()
		}
	}
}

// SetGroupTimeout overrides the default stray-socket timeout; tests use
// this to avoid waiting on the production default.
func (s *Server) SetGroupTimeout(d time.Duration) { s.groupTimeout = d }

// Ports returns the bound (or ephemeral-resolved) [notice, request,
// data] port triple.
func (s *Server) Ports() connection.PortTriple {
	var p connection.PortTriple
	for i, ln := range s.listeners {
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			p[i] = uint32(tcpAddr.Port)
		}
	}
	return p
}

// Run drives the three accept loops and the stray-socket sweeper until
// ctx is cancelled or a listener fails, fanning them out with errgroup
// the way Node.Run and Peer.Run do.
func (s *Server) Run(ctx context.Context) error {
	type accepted struct {
		role Role
		conn net.Conn
	}
	incoming := make(chan accepted)

	g, gctx := errgroup.WithContext(ctx)

	for i := range s.listeners {
		role, ln := Role(i), s.listeners[i]
		g.Go(func() error {
			for {
				conn, err := ln.Accept()
				if err != nil {
					select {
					case <-gctx.Done():
						return nil
					default:
						return fmt.Errorf("node: accept on %s listener: %w", role, err)
					}
				}
				select {
				case incoming <- accepted{role: role, conn: conn}:
				case <-gctx.Done():
					_ = conn.Close()
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		sweep := time.NewTicker(s.groupTimeout / 2)
		defer sweep.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case a := <-incoming:
				s.admit(a.role, a.conn)
			case <-sweep.C:
				s.sweepStrays()
			}
		}
	})

	err := g.Wait()
	s.closeListeners(len(s.listeners))
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}

// Role re-exports connection.Role for callers of this package that
// never need the rest of internal/connection.
type Role = connection.Role

func (s *Server) admit(role Role, conn net.Conn) {
	remoteIP := remoteIPOf(conn)

	// The notice socket's handshake read blocks on the network; do it
	// before taking s.mu so one slow remote can't stall every other
	// accept while holding the lock.
	var triple connection.PortTriple
	if role == connection.RoleNotice {
		t, err := connection.ReadPortTriple(conn)
		if err != nil {
			s.log.Warn("port handshake failed", "remote", remoteIP, "error", err)
			_ = conn.Close()
			return
		}
		triple = t
	}

	s.mu.Lock()
	g, ok := s.pending[remoteIP]
	if !ok {
		g = &pendingGroup{deadline: time.Now().Add(s.groupTimeout)}
		s.pending[remoteIP] = g
	}
	if role == connection.RoleNotice {
		g.portTriple = triple
		g.havePorts = true
	}
	g.sockets[role] = conn

	if !g.complete() {
		s.mu.Unlock()
		return
	}

	delete(s.pending, remoteIP)
	s.mu.Unlock()

	ip := net.ParseIP(remoteIP)
	full := connection.FromSockets(ip, g.portTriple, g.sockets)
	if s.onPeer != nil {
		s.onPeer(full)
	}
}

func (s *Server) sweepStrays() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, g := range s.pending {
		if now.Before(g.deadline) {
			continue
		}
		s.log.Debug("timing out incomplete connection group", "remote", ip)
		for _, c := range g.sockets {
			if c != nil {
				_ = c.Close()
			}
		}
		delete(s.pending, ip)
	}
}

func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// onPeerSpawningPeer is a convenience NewPeerFunc building and running a
// Peer over every completed Connection, registering it with ch.
func onPeerSpawningPeer(ctx context.Context, ch *clearinghouse.ClearingHouse, localPredicate *attribute.Predicate, queueCapacity int, log *slog.Logger, onDisconnect peer.DisconnectListener) NewPeerFunc {
	return func(conn *connection.Connection) {
		p := peer.New(conn, ch, localPredicate, queueCapacity, log, onDisconnect)
		go func() {
			if err := p.Run(ctx); err != nil {
				log.Debug("peer session ended", "peer", p.ID(), "error", err)
			}
		}()
	}
}
