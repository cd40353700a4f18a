// Package archive implements spec.md's Archive facade (C5): a directory
// tree of replicated files with durable per-file piece-completeness,
// grounded on the teacher's internal/storage WriteAt/ReadAt byte-range
// math (internal/storage/storage.go), simplified from the teacher's
// multi-file-per-torrent layout to one data file per FileInfo.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/pkg/bitset"
	"github.com/prxssh/sruth/pkg/wire"
)

// PutResult reports whether a piece was newly written or already present,
// per spec.md §4.3.
type PutResult int

const (
	AlreadyPresent PutResult = iota
	New
)

func (r PutResult) String() string {
	if r == New {
		return "New"
	}
	return "AlreadyPresent"
}

var (
	// ErrUnknownFile is returned by GetPiece for a path the archive has
	// never seen.
	ErrUnknownFile = errors.New("archive: unknown file")
	// ErrBadPiece is returned when a piece's offset or payload length
	// disagrees with its FileInfo.
	ErrBadPiece = errors.New("archive: piece offset or length disagrees with file info")
)

// Piece is the archive's in-memory counterpart of a wire Piece: an
// identified byte range plus its payload.
type Piece struct {
	Spec fileinfo.FileInfo
	Index uint32
	Data  []byte
}

// NewFileListener is invoked when a file transitions to fully present.
type NewFileListener func(fileinfo.FileInfo)

// Archive is the per-node facade over a directory tree of replicated
// files. Per-file writes are serialized by a per-entry lock; reads may
// proceed concurrently, per spec.md §5.
type Archive struct {
	root string
	log  *slog.Logger

	mu    sync.RWMutex
	files map[string]*entry

	listenersMu sync.Mutex
	listeners   []NewFileListener
}

type entry struct {
	mu   sync.Mutex
	info fileinfo.FileInfo
	bits bitset.FiniteBitSet
	data *os.File
}

// Open mounts root as an archive directory, creating it if necessary.
// Existing files are discovered lazily as callers Register them; Open
// itself performs no disk scan, since FileInfo (piece size, TTL) cannot
// be recovered from file bytes alone.
func Open(root string, log *slog.Logger) (*Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir root: %w", err)
	}
	return &Archive{
		root:  root,
		log:   log.With("component", "archive"),
		files: make(map[string]*entry),
	}, nil
}

// Register ensures info has a backing file and sidecar completeness
// bit-set, creating both if this is the first time the archive has seen
// this path. Idempotent: re-registering an already-known file is a
// no-op. Used both for files the node already owns (source) and for
// files a FileNotice has just announced (sink), per spec.md §4.4
// process_notice.
func (a *Archive) Register(info fileinfo.FileInfo) error {
	_, err := a.register(info)
	return err
}

func (a *Archive) register(info fileinfo.FileInfo) (*entry, error) {
	a.mu.Lock()
	if e, ok := a.files[info.ID.ArchivePath]; ok {
		a.mu.Unlock()
		return e, nil
	}
	a.mu.Unlock()

	path := filepath.Join(a.root, info.ID.ArchivePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", path, err)
	}
	if err := f.Truncate(int64(info.Size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: truncate %q: %w", path, err)
	}

	bits, err := a.loadOrCreateBits(info)
	if err != nil {
		f.Close()
		return nil, err
	}

	e := &entry{info: info, bits: bits, data: f}

	a.mu.Lock()
	if existing, ok := a.files[info.ID.ArchivePath]; ok {
		a.mu.Unlock()
		f.Close()
		return existing, nil
	}
	a.files[info.ID.ArchivePath] = e
	a.mu.Unlock()

	return e, nil
}

func (a *Archive) sidecarPath(archivePath string) string {
	return filepath.Join(a.root, ".sruth-bits", archivePath+".bits")
}

func (a *Archive) loadOrCreateBits(info fileinfo.FileInfo) (bitset.FiniteBitSet, error) {
	path := a.sidecarPath(info.ID.ArchivePath)

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return bitset.NewPartial(int(info.PieceCount())), nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read sidecar %q: %w", path, err)
	}

	var fps wire.FilePieceSpecs
	if err := (&fps).UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("archive: decode sidecar %q: %w", path, err)
	}
	return bitset.FromBytes(int(fps.BitsetSize), fps.Bits)
}

// persistBits writes e's completeness bit-set to its sidecar file.
// Caller must hold e.mu.
func (a *Archive) persistBits(e *entry) error {
	path := a.sidecarPath(e.info.ID.ArchivePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir sidecar dir: %w", err)
	}

	fps := wire.FilePieceSpecs{
		File:       toWireFileInfo(e.info),
		BitsetSize: uint32(e.bits.Size()),
		Bits:       e.bits.Bytes(),
	}
	payload, err := (&fps).MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

// GetPiece reads the bytes of piece index of info from disk.
func (a *Archive) GetPiece(info fileinfo.FileInfo, index uint32) (Piece, error) {
	a.mu.RLock()
	e, ok := a.files[info.ID.ArchivePath]
	a.mu.RUnlock()
	if !ok {
		return Piece{}, fmt.Errorf("%w: %q", ErrUnknownFile, info.ID.ArchivePath)
	}

	offset, err := info.Offset(index)
	if err != nil {
		return Piece{}, err
	}
	length, err := info.PieceLen(index)
	if err != nil {
		return Piece{}, err
	}

	buf := make([]byte, length)
	if _, err := e.data.ReadAt(buf, int64(offset)); err != nil {
		return Piece{}, fmt.Errorf("archive: read %q piece %d: %w", info.ID.ArchivePath, index, err)
	}

	return Piece{Spec: info, Index: index, Data: buf}, nil
}

// PutPiece writes piece to disk, updating per-file completeness under
// that file's lock. Returns New the first time a given index is
// written, AlreadyPresent on every subsequent (idempotent) write of the
// same index, matching spec.md §4.3/§8's idempotence requirement.
//
// On transition to "all pieces present" it invokes every registered
// NewFileListener with the file's FileInfo.
func (a *Archive) PutPiece(p Piece) (PutResult, error) {
	wantLen, err := p.Spec.PieceLen(p.Index)
	if err != nil {
		return AlreadyPresent, err
	}
	if uint32(len(p.Data)) != wantLen {
		return AlreadyPresent, fmt.Errorf("%w: got %d bytes, want %d", ErrBadPiece, len(p.Data), wantLen)
	}

	e, err := a.register(p.Spec)
	if err != nil {
		return AlreadyPresent, err
	}

	offset, err := p.Spec.Offset(p.Index)
	if err != nil {
		return AlreadyPresent, err
	}

	e.mu.Lock()

	if e.bits.IsSet(int(p.Index)) {
		e.mu.Unlock()
		return AlreadyPresent, nil
	}

	if _, err := e.data.WriteAt(p.Data, int64(offset)); err != nil {
		e.mu.Unlock()
		return AlreadyPresent, fmt.Errorf("archive: write %q piece %d: %w", p.Spec.ID.ArchivePath, p.Index, err)
	}

	next, err := e.bits.SetBit(int(p.Index))
	if err != nil {
		e.mu.Unlock()
		return AlreadyPresent, err
	}
	wasComplete := e.bits.AreAllSet()
	e.bits = next

	if err := a.persistBits(e); err != nil {
		a.log.Error("persist completeness bitset failed", "file", p.Spec.ID.ArchivePath, "error", err)
	}

	justCompleted := !wasComplete && e.bits.AreAllSet()
	info := e.info
	e.mu.Unlock()

	// Listeners (e.g. ClearingHouse.onFileComplete) may block on a
	// channel send; spec.md §9 forbids holding an Archive write lock
	// across that, so notify only after releasing e.mu.
	if justCompleted {
		a.notifyNewFile(info)
	}

	return New, nil
}

func (a *Archive) notifyNewFile(info fileinfo.FileInfo) {
	a.listenersMu.Lock()
	listeners := append([]NewFileListener(nil), a.listeners...)
	a.listenersMu.Unlock()

	for _, l := range listeners {
		l(info)
	}
}

// AddListener registers fn to be called whenever a file becomes fully
// present.
func (a *Archive) AddListener(fn NewFileListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Walk returns a snapshot of every FileInfo the archive currently knows
// about, in no particular order.
func (a *Archive) Walk() []fileinfo.FileInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]fileinfo.FileInfo, 0, len(a.files))
	for _, e := range a.files {
		out = append(out, e.info)
	}
	return out
}

// IsComplete reports whether every piece of the named file is present.
func (a *Archive) IsComplete(archivePath string) bool {
	a.mu.RLock()
	e, ok := a.files[archivePath]
	a.mu.RUnlock()
	return ok && e.bits.AreAllSet()
}

// MissingPieces returns the indices of info's pieces the archive does
// not yet have, registering info if this is the first time it's seen.
func (a *Archive) MissingPieces(info fileinfo.FileInfo) ([]uint32, error) {
	e, err := a.register(info)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var missing []uint32
	for i := uint32(0); i < info.PieceCount(); i++ {
		if !e.bits.IsSet(int(i)) {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// Close closes every open file handle.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, e := range a.files {
		if err := e.data.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toWireFileInfo(info fileinfo.FileInfo) wire.FileInfo {
	return wire.FileInfo{
		ArchivePath: info.ID.ArchivePath,
		Size:        info.Size,
		PieceSize:   info.PieceSize,
		TTLSeconds:  info.TTLSeconds,
	}
}
