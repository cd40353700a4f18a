// Package clearinghouse implements spec.md's C6: the per-node mediator
// between the local Archive and every concurrently connected Peer.
// Grounded on the teacher's internal/storage event-queue plumbing
// (internal/storage/storage.go's PieceResultQueue fan-out), generalized
// from a single-torrent download loop to a multi-peer, multi-file
// register/notify/request/piece mediator per spec.md §4.4.
package clearinghouse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/internal/pieceset"
)

// Peer is the capability ClearingHouse needs from a registered peer
// session. internal/peer.Peer implements it; the interface is kept
// narrow here to avoid an import cycle between the two packages.
type Peer interface {
	ID() string
	Predicate() *attribute.Predicate
	EnqueueFileNotice(ctx context.Context, info fileinfo.FileInfo) error
	EnqueueRequest(ctx context.Context, spec pieceset.PieceSpec) error
	EnqueueData(ctx context.Context, piece archive.Piece) error
}

// ClearingHouse mediates between one node's Archive, its own Predicate,
// and every registered Peer, per spec.md §4.4.
type ClearingHouse struct {
	log *slog.Logger

	archive   *archive.Archive
	predicate *attribute.Predicate

	mu       sync.Mutex
	peers    map[string]Peer
	notified map[string]map[string]bool // peer ID -> archive path -> notified

	onDrained func()
}

// New returns a ClearingHouse over a and predicate, subscribing to a's
// new-file events to drive process_piece's side effects (spec.md §4.4).
func New(a *archive.Archive, predicate *attribute.Predicate, log *slog.Logger) *ClearingHouse {
	if log == nil {
		log = slog.Default()
	}
	c := &ClearingHouse{
		log:       log.With("component", "clearinghouse"),
		archive:   a,
		predicate: predicate,
		peers:     make(map[string]Peer),
		notified:  make(map[string]map[string]bool),
	}
	a.AddListener(c.onFileComplete)
	return c
}

// OnDrained registers fn to be called when the node's own predicate
// becomes empty, signalling it may terminate (spec.md §3 Predicate
// invariant).
func (c *ClearingHouse) OnDrained(fn func()) { c.onDrained = fn }

// Register adds p to the active peer set and runs NotifyWants once for
// it. For a peer whose priming message hasn't arrived yet, p's Predicate
// is still empty, so this walk offers nothing (SatisfiedBy against an
// empty Predicate is always false); internal/peer calls NotifyWants
// again once the remote's Predicate is known.
func (c *ClearingHouse) Register(ctx context.Context, p Peer) error {
	c.mu.Lock()
	c.peers[p.ID()] = p
	c.notified[p.ID()] = make(map[string]bool) // forget prior notices on reconnect
	c.mu.Unlock()

	return c.NotifyWants(ctx, p)
}

// NotifyWants walks the archive offering a FileNotice for every file
// satisfying p's current Predicate, per spec.md §4.4. Register calls
// this once at registration; internal/peer also calls it the moment it
// learns the remote's priming Predicate, since that arrives on the
// request socket after Register has already run.
func (c *ClearingHouse) NotifyWants(ctx context.Context, p Peer) error {
	for _, info := range c.archive.Walk() {
		if p.Predicate().SatisfiedBy(info.ID.Attributes) {
			if err := c.sendNotice(ctx, p, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unregister removes p from the active peer set.
func (c *ClearingHouse) Unregister(p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, p.ID())
	delete(c.notified, p.ID())
}

func (c *ClearingHouse) sendNotice(ctx context.Context, p Peer, info fileinfo.FileInfo) error {
	c.mu.Lock()
	seen, ok := c.notified[p.ID()]
	if !ok {
		seen = make(map[string]bool)
		c.notified[p.ID()] = seen
	}
	if seen[info.ID.ArchivePath] {
		c.mu.Unlock()
		return nil
	}
	seen[info.ID.ArchivePath] = true
	c.mu.Unlock()

	return p.EnqueueFileNotice(ctx, info)
}

// ProcessNotice handles a FileNotice received from a peer: if the node's
// own predicate wants the file, it enqueues a Request for every piece
// the archive is missing. Idempotent against repeated notices for the
// same file, since MissingPieces/the bit-set underneath are idempotent.
func (c *ClearingHouse) ProcessNotice(ctx context.Context, from Peer, info fileinfo.FileInfo) error {
	if !c.predicate.SatisfiedBy(info.ID.Attributes) {
		return nil
	}

	missing, err := c.archive.MissingPieces(info)
	if err != nil {
		return err
	}

	for _, idx := range missing {
		spec, err := pieceset.NewPieceSpec(info, idx)
		if err != nil {
			return err
		}
		if err := from.EnqueueRequest(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// ProcessRequest answers a PieceSpec request from a peer by reading the
// piece from the archive and enqueuing it on that peer's data queue.
// An unknown file is ignored silently, per spec.md §7's UnknownFile
// disposition.
func (c *ClearingHouse) ProcessRequest(ctx context.Context, from Peer, spec pieceset.PieceSpec) error {
	piece, err := c.archive.GetPiece(spec.Info, spec.Index)
	if err != nil {
		if errors.Is(err, archive.ErrUnknownFile) {
			c.log.Debug("ignoring request for unknown file", "peer", from.ID(), "file", spec.Info.ID.ArchivePath)
			return nil
		}
		return err
	}
	return from.EnqueueData(ctx, piece)
}

// ProcessPiece writes an incoming Piece to the archive. File-completion
// side effects (predicate removal, broadcast, drain signal) run from
// onFileComplete, invoked by the archive's NewFileListener hook so they
// fire exactly once regardless of which peer delivered the last piece.
func (c *ClearingHouse) ProcessPiece(_ context.Context, _ Peer, p archive.Piece) error {
	_, err := c.archive.PutPiece(p)
	return err
}

// onFileComplete runs once per file, the moment its last piece lands:
// it removes the satisfied filter from the node's own predicate,
// broadcasts a FileNotice to every registered peer whose predicate
// still wants the file, and signals drain if the predicate is now empty.
// The broadcast does not exclude the peer that delivered the last piece:
// the archive's listener hook does not say which peer that was. Per
// spec.md §4.4/§8, at most one filter is ever removed per file
// completion.
func (c *ClearingHouse) onFileComplete(info fileinfo.FileInfo) {
	c.predicate.RemoveIfPossible(info.ID.Attributes)

	c.mu.Lock()
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		if p.Predicate().SatisfiedBy(info.ID.Attributes) {
			if err := c.sendNotice(context.Background(), p, info); err != nil {
				c.log.Warn("broadcast file notice failed", "peer", p.ID(), "file", info.ID.ArchivePath, "error", err)
			}
		}
	}

	if c.predicate.IsEmpty() && c.onDrained != nil {
		c.onDrained()
	}
}
