// Package fileinfo implements spec.md's FileId/ArchivePath and FileInfo:
// identity and piece arithmetic for one replicated file.
package fileinfo

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prxssh/sruth/internal/attribute"
)

// ErrIndexOutOfRange is returned when constructing a PieceSpec (in package
// pieceset) or computing offset/size for a piece index outside
// [0, PieceCount).
var ErrIndexOutOfRange = errors.New("fileinfo: piece index out of range")

// ErrInvalidSizes is returned by New when size or pieceSize is non-positive.
var ErrInvalidSizes = errors.New("fileinfo: size and piece size must be positive")

// FileId is the immutable identity of a replicated file: its relative
// archive path plus the attribute map attached to it (built-in "name"
// attribute holds ArchivePath). Ordering is lexicographic by path.
type FileId struct {
	ArchivePath string
	Attributes  attribute.Entries
}

// NewFileId returns a FileId for path, seeding the built-in "name"
// attribute entry alongside any extra entries supplied.
func NewFileId(path string, extra ...attribute.Entry) FileId {
	entries := make(attribute.Entries, 0, len(extra)+1)
	entries = append(entries, attribute.Entry{Attribute: attribute.Name, Value: path})
	entries = append(entries, extra...)
	return FileId{ArchivePath: path, Attributes: entries}
}

// Less orders FileIds lexicographically by ArchivePath, as spec.md §3
// requires for deterministic PieceSpecSet iteration.
func (id FileId) Less(other FileId) bool { return id.ArchivePath < other.ArchivePath }

// SortFileIds sorts ids in place by ArchivePath.
func SortFileIds(ids []FileId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// FileInfo is the immutable description of one replicated file: its
// identity, total size, piece size, and time-to-live.
type FileInfo struct {
	ID         FileId
	Size       uint64
	PieceSize  uint32
	TTLSeconds uint32
}

// New validates size and pieceSize and returns a FileInfo.
func New(id FileId, size uint64, pieceSize uint32, ttlSeconds uint32) (FileInfo, error) {
	if size == 0 || pieceSize == 0 {
		return FileInfo{}, ErrInvalidSizes
	}
	return FileInfo{ID: id, Size: size, PieceSize: pieceSize, TTLSeconds: ttlSeconds}, nil
}

// PieceCount returns ceil(Size/PieceSize).
func (f FileInfo) PieceCount() uint32 {
	return uint32((f.Size + uint64(f.PieceSize) - 1) / uint64(f.PieceSize))
}

// Offset returns the byte offset of piece i within the file.
func (f FileInfo) Offset(i uint32) (uint64, error) {
	if i >= f.PieceCount() {
		return 0, fmt.Errorf("%w: %d of %d pieces in %q", ErrIndexOutOfRange, i, f.PieceCount(), f.ID.ArchivePath)
	}
	return uint64(i) * uint64(f.PieceSize), nil
}

// PieceLen returns the byte length of piece i: PieceSize for every piece
// except the last, which may be shorter.
func (f FileInfo) PieceLen(i uint32) (uint32, error) {
	count := f.PieceCount()
	if i >= count {
		return 0, fmt.Errorf("%w: %d of %d pieces in %q", ErrIndexOutOfRange, i, count, f.ID.ArchivePath)
	}
	if i < count-1 {
		return f.PieceSize, nil
	}

	off, _ := f.Offset(i)
	return uint32(f.Size - off), nil
}
