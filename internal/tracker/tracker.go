// Package tracker implements spec.md's C10 proxy: a one-shot TCP round
// trip per call, never a persistent session. Grounded on the teacher's
// internal/tracker/tracker.go Stats/atomic-counter idiom and its
// ticker-driven announce loop, redesigned from BitTorrent's stateful
// announce protocol to spec.md §4.8's Inquisitor/Plumber/
// ServerOfflineReport exchange: open a connection, write one framed
// object, optionally read one reply, close.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/prxssh/sruth/pkg/retry"
	"github.com/prxssh/sruth/pkg/wire"
)

// stats holds the live atomic counters, mirroring the teacher's atomic
// counter block. Never copied by value; Snapshot reads it into the
// plain-value Stats below.
type stats struct {
	totalInquiries      atomic.Uint64
	successfulInquiries atomic.Uint64
	failedInquiries     atomic.Uint64
	lastInquiryUnix     atomic.Int64
}

// Stats is a point-in-time copy of a Tracker's round-trip counters,
// mirroring the teacher's TrackerMetrics: a plain-value struct safe to
// copy and return, unlike the atomic counters it's read from.
type Stats struct {
	TotalInquiries      uint64
	SuccessfulInquiries uint64
	FailedInquiries     uint64
	LastInquiry         time.Time
}

func (s *stats) snapshot() Stats {
	var lastInquiry time.Time
	if unix := s.lastInquiryUnix.Load(); unix > 0 {
		lastInquiry = time.Unix(unix, 0)
	}
	return Stats{
		TotalInquiries:      s.totalInquiries.Load(),
		SuccessfulInquiries: s.successfulInquiries.Load(),
		FailedInquiries:     s.failedInquiries.Load(),
		LastInquiry:         lastInquiry,
	}
}

// Tracker proxies one tracker socket address.
type Tracker struct {
	addr    string
	timeout time.Duration
	log     *slog.Logger
	stats   stats
}

// New returns a Tracker dialing addr, bounding each round trip by
// timeout.
func New(addr string, timeout time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{addr: addr, timeout: timeout, log: log.With("component", "tracker", "addr", addr)}
}

func (t *Tracker) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	d.Timeout = t.timeout
	return d.DialContext(ctx, "tcp", t.addr)
}

// Inquire asks the tracker for its current ServerInfo->Predicate map.
func (t *Tracker) Inquire(ctx context.Context) (*wire.Plumber, error) {
	t.stats.totalInquiries.Add(1)
	t.stats.lastInquiryUnix.Store(time.Now().Unix())

	conn, err := t.dial(ctx)
	if err != nil {
		t.stats.failedInquiries.Add(1)
		return nil, fmt.Errorf("tracker: dial: %w", err)
	}
	defer conn.Close()

	if err := wire.Write(conn, &wire.Inquisitor{}); err != nil {
		t.stats.failedInquiries.Add(1)
		return nil, fmt.Errorf("tracker: write inquisitor: %w", err)
	}

	msg, err := wire.Read(conn)
	if err != nil {
		t.stats.failedInquiries.Add(1)
		return nil, fmt.Errorf("tracker: read reply: %w", err)
	}
	plumber, ok := msg.(*wire.Plumber)
	if !ok {
		t.stats.failedInquiries.Add(1)
		return nil, fmt.Errorf("tracker: unexpected reply type %T", msg)
	}

	t.stats.successfulInquiries.Add(1)
	return plumber, nil
}

// ReportOffline tells the tracker that server is no longer reachable.
// No reply is read, per spec.md §4.8.
func (t *Tracker) ReportOffline(ctx context.Context, server wire.ServerInfo) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("tracker: dial: %w", err)
	}
	defer conn.Close()

	report := wire.ServerOfflineReport{Server: server}
	if err := wire.Write(conn, &report); err != nil {
		return fmt.Errorf("tracker: write offline report: %w", err)
	}
	return nil
}

// Snapshot returns a point-in-time copy of the round-trip counters.
func (t *Tracker) Snapshot() Stats { return t.stats.snapshot() }

// PollFunc receives each successfully fetched Plumber.
type PollFunc func(*wire.Plumber)

// Run polls Inquire every interval until ctx is cancelled, handing each
// successful reply to onPlumber. A failed inquiry is retried with
// backoff (bounded by Config.ReconnectMaxAttempts) before the loop waits
// for the next tick; a failed round trip is logged, never returned, and
// Run returns nil once ctx is cancelled. Grounded on the
// teacher's ticker-driven announce loop in internal/tracker/tracker.go.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, retryOpts []retry.Option, onPlumber PollFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		var plumber *wire.Plumber
		err := retry.Do(ctx, func(ctx context.Context) error {
			p, err := t.Inquire(ctx)
			if err != nil {
				return err
			}
			plumber = p
			return nil
		}, retryOpts...)
		if err != nil {
			t.log.Warn("tracker inquiry failed", "error", err)
			return
		}
		onPlumber(plumber)
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}
