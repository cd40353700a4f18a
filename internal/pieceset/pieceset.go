// Package pieceset implements spec.md's C3 piece-spec algebra: PieceSpec,
// FilePieceSpecs, MultiFilePieceSpecs, and the PieceSpecSet capability
// that merges any two of them into the cheapest equivalent representation.
//
// The upstream system dispatches merge via a visitor; per Design Notes we
// instead use a Go tagged union (PieceSpecSet is an interface with exactly
// four implementations) and a single top-level Merge function that
// switches on the concrete pair, matching the double-dispatch table in
// spec.md §4.2.
package pieceset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/pkg/bitset"
)

// ErrDifferentFiles is returned when an operation requires two PieceSpecs
// or FilePieceSpecs to name the same file but they don't.
var ErrDifferentFiles = errors.New("pieceset: specs refer to different files")

// PieceSpecSet is the polymorphic capability over {Empty, PieceSpec,
// FilePieceSpecs, MultiFilePieceSpecs}.
type PieceSpecSet interface {
	// Merge returns the union of the receiver and other, in the smallest
	// adequate representation. It may mutate the receiver in place.
	Merge(other PieceSpecSet) PieceSpecSet
	// Remove clears spec from the set and returns the (possibly demoted)
	// result.
	Remove(spec PieceSpec) PieceSpecSet
	// Contains reports whether spec is a member of the set.
	Contains(spec PieceSpec) bool
	// IsEmpty reports whether the set has no members.
	IsEmpty() bool
	// Pieces returns the set's members as a finite, (FileId-lex,
	// piece-index-ascending) ordered slice.
	Pieces() []PieceSpec
}

// Empty is the shared sentinel for a PieceSpecSet with no members.
var Empty PieceSpecSet = emptySet{}

type emptySet struct{}

func (emptySet) Merge(other PieceSpecSet) PieceSpecSet { return other }
func (emptySet) Remove(PieceSpec) PieceSpecSet         { return Empty }
func (emptySet) Contains(PieceSpec) bool               { return false }
func (emptySet) IsEmpty() bool                         { return true }
func (emptySet) Pieces() []PieceSpec                   { return nil }

// PieceSpec identifies exactly one piece of one file.
type PieceSpec struct {
	Info  fileinfo.FileInfo
	Index uint32
}

// NewPieceSpec validates index against info's piece count.
func NewPieceSpec(info fileinfo.FileInfo, index uint32) (PieceSpec, error) {
	if index >= info.PieceCount() {
		return PieceSpec{}, fmt.Errorf("%w: %d of %d", fileinfo.ErrIndexOutOfRange, index, info.PieceCount())
	}
	return PieceSpec{Info: info, Index: index}, nil
}

func sameFile(a, b fileinfo.FileInfo) bool { return a.ID.ArchivePath == b.ID.ArchivePath }

func (p PieceSpec) Merge(other PieceSpecSet) PieceSpecSet { return Merge(p, other) }

func (p PieceSpec) Remove(spec PieceSpec) PieceSpecSet {
	if p.Contains(spec) {
		return Empty
	}
	return p
}

func (p PieceSpec) Contains(spec PieceSpec) bool {
	return sameFile(p.Info, spec.Info) && p.Index == spec.Index
}

func (p PieceSpec) IsEmpty() bool { return false }

func (p PieceSpec) Pieces() []PieceSpec { return []PieceSpec{p} }

// FilePieceSpecs is a mutable set of piece indices within one file,
// backed by a finite bit-set sized to the file's piece count.
type FilePieceSpecs struct {
	mu   sync.Mutex
	Info fileinfo.FileInfo
	bits bitset.FiniteBitSet
}

// NewFilePieceSpecs returns an empty FilePieceSpecs for info.
func NewFilePieceSpecs(info fileinfo.FileInfo) *FilePieceSpecs {
	return &FilePieceSpecs{Info: info, bits: bitset.NewPartial(int(info.PieceCount()))}
}

// FilePieceSpecsFromBits reconstructs a FilePieceSpecs from a deserialized
// bit-set, rejecting a size mismatch against info's piece count, per
// spec.md §3.
func FilePieceSpecsFromBits(info fileinfo.FileInfo, size int, raw []byte) (*FilePieceSpecs, error) {
	if uint32(size) != info.PieceCount() {
		return nil, fmt.Errorf("pieceset: bitset size %d does not match piece count %d for %q", size, info.PieceCount(), info.ID.ArchivePath)
	}
	bits, err := bitset.FromBytes(size, raw)
	if err != nil {
		return nil, err
	}
	return &FilePieceSpecs{Info: info, bits: bits}, nil
}

func (f *FilePieceSpecs) setBit(index uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.bits.SetBit(int(index))
	if err != nil {
		return err
	}
	f.bits = next
	return nil
}

func (f *FilePieceSpecs) Merge(other PieceSpecSet) PieceSpecSet { return Merge(f, other) }

func (f *FilePieceSpecs) Remove(spec PieceSpec) PieceSpecSet {
	if !sameFile(f.Info, spec.Info) {
		return f
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.bits.ClearBit(int(spec.Index))
	if err != nil {
		return f
	}
	f.bits = next
	return f
}

func (f *FilePieceSpecs) Contains(spec PieceSpec) bool {
	if !sameFile(f.Info, spec.Info) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits.IsSet(int(spec.Index))
}

func (f *FilePieceSpecs) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits.SetCount() == 0
}

func (f *FilePieceSpecs) Pieces() []PieceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []PieceSpec
	idx, ok := f.bits.NextSetBit(0)
	for ok {
		out = append(out, PieceSpec{Info: f.Info, Index: uint32(idx)})
		idx, ok = f.bits.NextSetBit(idx + 1)
	}
	return out
}

// Bits returns a copy of the underlying bit-set bytes, for serialization.
func (f *FilePieceSpecs) Bits() (size int, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits.Size(), f.bits.Bytes()
}

// mergeBits ORs other's bits into f, locking in
// pointer-identity order to avoid deadlock against a concurrent reverse
// merge, per spec.md §4.1/§5.
func (f *FilePieceSpecs) mergeBits(other *FilePieceSpecs) (*FilePieceSpecs, error) {
	var first, second *FilePieceSpecs
	if filePieceSpecsLess(f, other) {
		first, second = f, other
	} else {
		first, second = other, f
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	merged, err := f.bits.Merge(other.bits)
	if err != nil {
		return nil, err
	}

	// store the union in f (the left operand) and return f; other's bits
	// are left unchanged.
	f.bits = merged
	return f, nil
}

func filePieceSpecsLess(a, b *FilePieceSpecs) bool {
	return fmt.Sprintf("%p", a) < fmt.Sprintf("%p", b)
}

// MultiFilePieceSpecs maps FileId -> FilePieceSpecs. The zero value (no
// entries) collapses conceptually to Empty; callers construct one lazily
// only once two distinct files are involved.
type MultiFilePieceSpecs struct {
	mu      sync.Mutex
	buckets map[string]*FilePieceSpecs
}

// NewMultiFilePieceSpecs returns an empty MultiFilePieceSpecs.
func NewMultiFilePieceSpecs() *MultiFilePieceSpecs {
	return &MultiFilePieceSpecs{buckets: make(map[string]*FilePieceSpecs)}
}

func (m *MultiFilePieceSpecs) mergeBucket(info fileinfo.FileInfo, set PieceSpecSet) {
	m.mu.Lock()
	existing, ok := m.buckets[info.ID.ArchivePath]
	m.mu.Unlock()

	if !ok {
		fps := NewFilePieceSpecs(info)
		merged := Merge(fps, set)
		m.mu.Lock()
		m.buckets[info.ID.ArchivePath] = merged.(*FilePieceSpecs)
		m.mu.Unlock()
		return
	}

	merged := Merge(existing, set)
	m.mu.Lock()
	m.buckets[info.ID.ArchivePath] = merged.(*FilePieceSpecs)
	m.mu.Unlock()
}

func (m *MultiFilePieceSpecs) Merge(other PieceSpecSet) PieceSpecSet { return Merge(m, other) }

func (m *MultiFilePieceSpecs) Remove(spec PieceSpec) PieceSpecSet {
	m.mu.Lock()
	bucket, ok := m.buckets[spec.Info.ID.ArchivePath]
	m.mu.Unlock()
	if !ok {
		return m
	}
	bucket.Remove(spec)
	return m
}

func (m *MultiFilePieceSpecs) Contains(spec PieceSpec) bool {
	m.mu.Lock()
	bucket, ok := m.buckets[spec.Info.ID.ArchivePath]
	m.mu.Unlock()
	return ok && bucket.Contains(spec)
}

func (m *MultiFilePieceSpecs) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buckets {
		if !b.IsEmpty() {
			return false
		}
	}
	return true
}

func (m *MultiFilePieceSpecs) Pieces() []PieceSpec {
	m.mu.Lock()
	ids := lo.Keys(m.buckets)
	buckets := make(map[string]*FilePieceSpecs, len(m.buckets))
	for k, v := range m.buckets {
		buckets[k] = v
	}
	m.mu.Unlock()

	sort.Strings(ids)

	var out []PieceSpec
	for _, id := range ids {
		out = append(out, buckets[id].Pieces()...)
	}
	return out
}

// Merge is the double-dispatch entry point: it switches on the concrete
// pair (a, b) and returns the union in the cheapest representation, per
// spec.md §4.2 and §9's "Double-dispatch merge" design note.
func Merge(a, b PieceSpecSet) PieceSpecSet {
	switch av := a.(type) {
	case emptySet:
		return b

	case PieceSpec:
		switch bv := b.(type) {
		case emptySet:
			return av
		case PieceSpec:
			if !sameFile(av.Info, bv.Info) {
				return newMultiFromPair(av, bv)
			}
			if av.Index == bv.Index {
				return av
			}
			fps := NewFilePieceSpecs(av.Info)
			_ = fps.setBit(av.Index)
			_ = fps.setBit(bv.Index)
			return fps
		default:
			return Merge(b, a)
		}

	case *FilePieceSpecs:
		switch bv := b.(type) {
		case emptySet:
			return av
		case PieceSpec:
			if !sameFile(av.Info, bv.Info) {
				return newMultiFromSets(av, bv)
			}
			_ = av.setBit(bv.Index)
			return av
		case *FilePieceSpecs:
			if !sameFile(av.Info, bv.Info) {
				return newMultiFromSets(av, bv)
			}
			merged, err := av.mergeBits(bv)
			if err != nil {
				return av
			}
			return merged
		default:
			return Merge(b, a)
		}

	case *MultiFilePieceSpecs:
		switch bv := b.(type) {
		case emptySet:
			return av
		case PieceSpec:
			av.mergeBucket(bv.Info, bv)
			return av
		case *FilePieceSpecs:
			av.mergeBucket(bv.Info, bv)
			return av
		case *MultiFilePieceSpecs:
			bv.mu.Lock()
			entries := make([]*FilePieceSpecs, 0, len(bv.buckets))
			for _, bucket := range bv.buckets {
				entries = append(entries, bucket)
			}
			bv.mu.Unlock()

			for _, bucket := range entries {
				av.mergeBucket(bucket.Info, bucket)
			}
			return av
		}
	}

	return Empty
}

func newMultiFromPair(a, b PieceSpec) *MultiFilePieceSpecs {
	m := NewMultiFilePieceSpecs()
	m.mergeBucket(a.Info, a)
	m.mergeBucket(b.Info, b)
	return m
}

func newMultiFromSets(a *FilePieceSpecs, b PieceSpecSet) *MultiFilePieceSpecs {
	m := NewMultiFilePieceSpecs()
	m.mergeBucket(a.Info, a)
	switch bv := b.(type) {
	case PieceSpec:
		m.mergeBucket(bv.Info, bv)
	case *FilePieceSpecs:
		m.mergeBucket(bv.Info, bv)
	}
	return m
}
