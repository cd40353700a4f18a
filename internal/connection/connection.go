// Package connection implements spec.md's multi-socket Connection (C7):
// three TCP sockets opened in a defined order to the same remote server,
// with a port-number handshake written once on the notice socket.
// Grounded on the teacher's internal/protocol/handshake.go WriteTo/
// ReadFrom idiom, generalized from a BitTorrent info-hash/peer-id
// handshake to a raw three-port-integer handshake.
package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Role identifies a socket's position within a Connection's triple.
type Role int

const (
	RoleNotice Role = iota
	RoleRequest
	RoleData
)

func (r Role) String() string {
	switch r {
	case RoleNotice:
		return "notice"
	case RoleRequest:
		return "request"
	case RoleData:
		return "data"
	default:
		return "unknown"
	}
}

// PortTriple is the dialing side's [notice, request, data] local server
// ports, per spec.md §6. It is written once on the notice socket before
// any framed wire object.
type PortTriple [3]uint32

var ErrShortPortTriple = errors.New("connection: short port triple handshake")

// WriteTo writes the three big-endian uint32 port numbers to w.
func (p PortTriple) WriteTo(w io.Writer) (int64, error) {
	var buf [12]byte
	for i, port := range p {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], port)
	}
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ReadFrom reads three big-endian uint32 port numbers from r.
func (p *PortTriple) ReadFrom(r io.Reader) (int64, error) {
	var buf [12]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(n), ErrShortPortTriple
		}
		return int64(n), err
	}
	for i := range p {
		p[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return int64(n), nil
}

// Connection is three parallel TCP sockets to the same remote server,
// indexed by Role: 0 notice, 1 request, 2 data. A Connection is complete
// only once all three sockets are established, per spec.md §4.5.
type Connection struct {
	remoteIP    net.IP
	remotePorts PortTriple
	sockets     [3]net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// DialClient opens the three sockets of a Connection, in role order, to
// remoteIP:remotePorts[i], and writes localPorts on the notice socket
// immediately after it connects, per spec.md §6.
func DialClient(ctx context.Context, remoteIP string, remotePorts PortTriple, localPorts PortTriple, dialTimeout time.Duration) (*Connection, error) {
	var d net.Dialer
	d.Timeout = dialTimeout

	c := &Connection{remoteIP: net.ParseIP(remoteIP), remotePorts: remotePorts, done: make(chan struct{})}

	for i := range c.sockets {
		addr := fmt.Sprintf("%s:%d", remoteIP, remotePorts[i])
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.closeSockets(i)
			return nil, fmt.Errorf("connection: dial %s (%s): %w", addr, Role(i), err)
		}
		c.sockets[i] = conn

		if Role(i) == RoleNotice {
			if _, err := localPorts.WriteTo(conn); err != nil {
				c.closeSockets(i + 1)
				return nil, fmt.Errorf("connection: write port handshake: %w", err)
			}
		}
	}

	return c, nil
}

// FromSockets constructs an already-complete Connection from three
// sockets a server's accept loop has grouped by matching remote IP and
// reported port triple (see internal/node's Server).
func FromSockets(remoteIP net.IP, remotePorts PortTriple, sockets [3]net.Conn) *Connection {
	return &Connection{remoteIP: remoteIP, remotePorts: remotePorts, sockets: sockets, done: make(chan struct{})}
}

// ReadPortTriple reads the dialing side's port handshake from the
// notice socket of a freshly accepted connection, before any framed
// wire object, per spec.md §6.
func ReadPortTriple(noticeConn net.Conn) (PortTriple, error) {
	var p PortTriple
	_, err := p.ReadFrom(noticeConn)
	return p, err
}

func (c *Connection) closeSockets(upTo int) {
	for i := 0; i < upTo; i++ {
		if c.sockets[i] != nil {
			_ = c.sockets[i].Close()
		}
	}
}

// Socket returns the net.Conn for role, or nil if not yet established.
func (c *Connection) Socket(role Role) net.Conn { return c.sockets[role] }

// Notice returns the notice socket (server -> client FileNotices and
// PieceNotices).
func (c *Connection) Notice() net.Conn { return c.sockets[RoleNotice] }

// Request returns the request socket (client -> server PieceSpecs).
func (c *Connection) Request() net.Conn { return c.sockets[RoleRequest] }

// Data returns the data socket (server -> client Pieces).
func (c *Connection) Data() net.Conn { return c.sockets[RoleData] }

// RemoteIP returns the remote server's IP address.
func (c *Connection) RemoteIP() net.IP { return c.remoteIP }

// RemotePorts returns the remote's reported [notice, request, data] port
// triple.
func (c *Connection) RemotePorts() PortTriple { return c.remotePorts }

// Done is closed once Close has run, letting tasks observe teardown.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close tears down all three sockets. Idempotent, per spec.md §4.5.
func (c *Connection) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		for _, s := range c.sockets {
			if s == nil {
				continue
			}
			if err := s.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		close(c.done)
	})
	return firstErr
}
