package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/clearinghouse"
	"github.com/prxssh/sruth/internal/connection"
	"github.com/prxssh/sruth/internal/peer"
)

// Client dials remote ServerInfos, builds the three-socket Connection,
// and runs the resulting Peer. Grounded on spec.md §4.7: "Client dials
// a ServerInfo, builds a ClientConnection, constructs and runs a Peer.
// On ConnectException the Client fails fast; the caller is free to
// retry with back-off" — Dial itself never retries; Node.connectWithRetry
// (internal/node/node.go) supplies the backoff via pkg/retry, per Open
// Question a.
type Client struct {
	localPorts  connection.PortTriple
	dialTimeout time.Duration
	log         *slog.Logger
}

// NewClient returns a Client that announces localPorts as its own
// server's port triple on every dial, per spec.md §6.
func NewClient(localPorts connection.PortTriple, dialTimeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{localPorts: localPorts, dialTimeout: dialTimeout, log: log.With("component", "client")}
}

// Dial opens one Connection to remoteIP:remotePorts. It fails fast on
// any socket error; it does not retry.
func (c *Client) Dial(ctx context.Context, remoteIP string, remotePorts connection.PortTriple) (*connection.Connection, error) {
	return connection.DialClient(ctx, remoteIP, remotePorts, c.localPorts, c.dialTimeout)
}

// DialAndRun dials remoteIP:remotePorts, then constructs and runs a
// Peer over the resulting Connection until it disconnects or ctx is
// cancelled. It blocks for the Peer's whole session.
func (c *Client) DialAndRun(ctx context.Context, remoteIP string, remotePorts connection.PortTriple, ch *clearinghouse.ClearingHouse, localPredicate *attribute.Predicate, queueCapacity int, onDisconnect peer.DisconnectListener) error {
	conn, err := c.Dial(ctx, remoteIP, remotePorts)
	if err != nil {
		return err
	}
	p := peer.New(conn, ch, localPredicate, queueCapacity, c.log, onDisconnect)
	return p.Run(ctx)
}
