// Package peer implements spec.md's Peer state machine (C8): one Peer
// binds one multi-socket Connection to the ClearingHouse and drives six
// concurrent tasks over it. Grounded on the teacher's internal/peer/peer.go
// (Run via errgroup, atomic state bitmask, bounded outbox), generalized
// from three BitTorrent read/write/rate loops to six notice/request/data
// sender/receiver tasks, and from the teacher's non-blocking drop-on-full
// outbox to spec.md §4.6's blocking, back-pressured queues.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/clearinghouse"
	"github.com/prxssh/sruth/internal/connection"
	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/internal/pieceset"
	"github.com/prxssh/sruth/pkg/wire"
)

// State is one of the four lifecycle states spec.md §4.6 names.
type State int32

const (
	StateOpening State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by an Enqueue* call made against a Peer that has
// already shut down.
var ErrClosed = errors.New("peer: closed")

// DisconnectListener is notified exactly once when a Peer reaches
// StateClosed.
type DisconnectListener func(*Peer)

// Peer drives one remote session: six cooperative tasks (notice/
// request/data, each a sender and a receiver) over one Connection,
// mediated by a shared ClearingHouse. See spec.md §4.6.
type Peer struct {
	id   string
	log  *slog.Logger
	conn *connection.Connection
	ch   *clearinghouse.ClearingHouse

	// localPredicate is the node's own shared wants, primed onto the
	// remote once, as the first message requestSenderLoop writes.
	localPredicate *attribute.Predicate
	// remotePredicate is what the far end wants from us, learned from
	// its priming Predicate message. Starts as an empty (matches
	// nothing) predicate so no file is offered before it arrives.
	remotePredicate atomic.Pointer[attribute.Predicate]

	noticeOut  chan fileinfo.FileInfo
	requestOut chan pieceset.PieceSpec
	dataOut    chan archive.Piece

	downloaded atomic.Uint64

	state        atomic.Int32
	closeOnce    sync.Once
	done         chan struct{}
	onDisconnect DisconnectListener
}

// New constructs a Peer bound to conn, registering it with ch and
// priming the remote with localPredicate once Run starts. queueCapacity
// bounds each of the three outbound queues.
func New(conn *connection.Connection, ch *clearinghouse.ClearingHouse, localPredicate *attribute.Predicate, queueCapacity int, log *slog.Logger, onDisconnect DisconnectListener) *Peer {
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{
		id:             uuid.NewString(),
		conn:           conn,
		ch:             ch,
		localPredicate: localPredicate,
		noticeOut:      make(chan fileinfo.FileInfo, queueCapacity),
		requestOut:     make(chan pieceset.PieceSpec, queueCapacity),
		dataOut:        make(chan archive.Piece, queueCapacity),
		done:           make(chan struct{}),
		onDisconnect:   onDisconnect,
	}
	p.log = log.With("component", "peer", "peer_id", p.id, "remote", conn.RemoteIP().String())
	p.remotePredicate.Store(attribute.NewPredicate())
	p.state.Store(int32(StateOpening))
	return p
}

// ID implements clearinghouse.Peer.
func (p *Peer) ID() string { return p.id }

// Predicate implements clearinghouse.Peer: it returns what the REMOTE
// side wants from us, not this node's own predicate.
func (p *Peer) Predicate() *attribute.Predicate { return p.remotePredicate.Load() }

// State returns the Peer's current lifecycle state.
func (p *Peer) State() State { return State(p.state.Load()) }

// Downloaded returns the running total of payload bytes received from
// this peer on the data socket (Open Question b's per-peer counter).
func (p *Peer) Downloaded() uint64 { return p.downloaded.Load() }

// Done is closed once the Peer reaches StateClosed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// EnqueueFileNotice blocks until info is queued for the notice socket,
// ctx is cancelled, or the Peer closes.
func (p *Peer) EnqueueFileNotice(ctx context.Context, info fileinfo.FileInfo) error {
	select {
	case p.noticeOut <- info:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// EnqueueRequest blocks until spec is queued for the request socket,
// ctx is cancelled, or the Peer closes.
func (p *Peer) EnqueueRequest(ctx context.Context, spec pieceset.PieceSpec) error {
	select {
	case p.requestOut <- spec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// EnqueueData blocks until piece is queued for the data socket, ctx is
// cancelled, or the Peer closes.
func (p *Peer) EnqueueData(ctx context.Context, piece archive.Piece) error {
	select {
	case p.dataOut <- piece:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Run registers the Peer with its ClearingHouse and drives its six
// tasks until one of them fails or ctx is cancelled. It always returns
// after tearing the Connection down and unregistering from the
// ClearingHouse. Cancelling ctx is the cooperative-cancellation path
// spec.md §9 calls for: tasks check it between message boundaries.
func (p *Peer) Run(ctx context.Context) error {
	defer p.close()

	if err := p.ch.Register(ctx, p); err != nil {
		return fmt.Errorf("peer: register: %w", err)
	}
	defer p.ch.Unregister(p)

	p.state.Store(int32(StateRunning))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.noticeSenderLoop(gctx) })
	g.Go(func() error { return p.noticeReceiverLoop(gctx) })
	g.Go(func() error { return p.requestSenderLoop(gctx) })
	g.Go(func() error { return p.requestReceiverLoop(gctx) })
	g.Go(func() error { return p.dataSenderLoop(gctx) })
	g.Go(func() error { return p.dataReceiverLoop(gctx) })
	// The receiver loops block in unbounded socket reads; cancellation
	// alone can't interrupt one in flight, so force the sockets closed
	// once gctx fires to unblock them and let the group converge.
	g.Go(func() error {
		<-gctx.Done()
		_ = p.conn.Close()
		return nil
	})

	err := g.Wait()

	if ctx.Err() != nil {
		p.state.Store(int32(StateDraining))
	}

	return err
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		close(p.done)
		_ = p.conn.Close()
		if p.onDisconnect != nil {
			p.onDisconnect(p)
		}
		p.log.Debug("peer closed")
	})
}

func (p *Peer) noticeSenderLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-p.noticeOut:
			if !ok {
				return nil
			}
			if err := wire.Write(p.conn.Notice(), &wire.FileNotice{File: toWireFileInfo(info)}); err != nil {
				return fmt.Errorf("peer: notice sender: %w", err)
			}
		}
	}
}

func (p *Peer) noticeReceiverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := wire.Read(p.conn.Notice())
		if err != nil {
			return fmt.Errorf("peer: notice receiver: %w", err)
		}

		switch m := msg.(type) {
		case *wire.FileNotice:
			info, err := fromWireFileInfo(m.File)
			if err != nil {
				p.log.Warn("malformed file notice", "error", err)
				continue
			}
			if err := p.ch.ProcessNotice(ctx, p, info); err != nil {
				return fmt.Errorf("peer: process notice: %w", err)
			}
		case *wire.PieceNotice:
			p.log.Debug("ignoring piece notice: no handler defined for advisory piece-level notices")
		default:
			p.log.Warn("unexpected message on notice socket", "tag", msg.Tag())
		}
	}
}

func (p *Peer) requestSenderLoop(ctx context.Context) error {
	wp, err := toWirePredicate(p.localPredicate)
	if err != nil {
		return fmt.Errorf("peer: encode priming predicate: %w", err)
	}
	if err := wire.Write(p.conn.Request(), &wp); err != nil {
		return fmt.Errorf("peer: prime predicate: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case spec, ok := <-p.requestOut:
			if !ok {
				return nil
			}
			wireSpec := toWirePieceSpec(spec)
			if err := wire.Write(p.conn.Request(), &wireSpec); err != nil {
				return fmt.Errorf("peer: request sender: %w", err)
			}
		}
	}
}

func (p *Peer) requestReceiverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := wire.Read(p.conn.Request())
		if err != nil {
			return fmt.Errorf("peer: request receiver: %w", err)
		}

		switch m := msg.(type) {
		case *wire.Predicate:
			remote, err := fromWirePredicate(*m)
			if err != nil {
				p.log.Warn("malformed priming predicate", "error", err)
				continue
			}
			p.remotePredicate.Store(remote)
			// Register ran before this priming message arrived, so its
			// walk saw an empty Predicate and offered nothing; redo it
			// now that the remote's actual wants are known.
			if err := p.ch.NotifyWants(ctx, p); err != nil {
				return fmt.Errorf("peer: notify wants: %w", err)
			}
		case *wire.PieceSpec:
			spec, err := fromWirePieceSpec(*m)
			if err != nil {
				p.log.Warn("malformed piece spec request", "error", err)
				continue
			}
			if err := p.ch.ProcessRequest(ctx, p, spec); err != nil {
				return fmt.Errorf("peer: process request: %w", err)
			}
		default:
			p.log.Warn("unexpected message on request socket", "tag", msg.Tag())
		}
	}
}

func (p *Peer) dataSenderLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case piece, ok := <-p.dataOut:
			if !ok {
				return nil
			}
			wirePiece := toWirePiece(piece)
			if err := wire.Write(p.conn.Data(), &wirePiece); err != nil {
				return fmt.Errorf("peer: data sender: %w", err)
			}
		}
	}
}

func (p *Peer) dataReceiverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := wire.Read(p.conn.Data())
		if err != nil {
			return fmt.Errorf("peer: data receiver: %w", err)
		}

		wp, ok := msg.(*wire.Piece)
		if !ok {
			p.log.Warn("unexpected message on data socket", "tag", msg.Tag())
			continue
		}

		piece, err := fromWirePiece(*wp)
		if err != nil {
			p.log.Warn("malformed piece", "error", err)
			continue
		}

		p.downloaded.Add(uint64(len(piece.Data)))
		if err := p.ch.ProcessPiece(ctx, p, piece); err != nil {
			return fmt.Errorf("peer: process piece: %w", err)
		}
	}
}
