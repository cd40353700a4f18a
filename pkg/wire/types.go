package wire

import (
	"fmt"
	"net"
)

// FileInfo mirrors spec.md §6: the wire form of an archived file's
// identity and piece geometry.
type FileInfo struct {
	ArchivePath string
	Size        uint64
	PieceSize   uint32
	TTLSeconds  uint32
}

func (FileInfo) Tag() Tag { return TagFileInfo }

func (f *FileInfo) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(f.ArchivePath)
	e.u64(f.Size)
	e.u32(f.PieceSize)
	e.u32(f.TTLSeconds)
	return e.bytesOf(), nil
}

func (f *FileInfo) UnmarshalBinary(b []byte) (err error) {
	d := newDecoder(b)
	if f.ArchivePath, err = d.string(); err != nil {
		return err
	}
	if f.Size, err = d.u64(); err != nil {
		return err
	}
	if f.PieceSize, err = d.u32(); err != nil {
		return err
	}
	if f.TTLSeconds, err = d.u32(); err != nil {
		return err
	}
	return nil
}

// PieceSpec mirrors spec.md §6.
type PieceSpec struct {
	File  FileInfo
	Index uint32
}

func (PieceSpec) Tag() Tag { return TagPieceSpec }

func (p *PieceSpec) MarshalBinary() ([]byte, error) {
	fileBytes, err := (&p.File).MarshalBinary()
	if err != nil {
		return nil, err
	}
	var e encoder
	e.bytes(fileBytes)
	e.u32(p.Index)
	return e.bytesOf(), nil
}

func (p *PieceSpec) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	fileBytes, err := d.bytes()
	if err != nil {
		return err
	}
	if err := (&p.File).UnmarshalBinary(fileBytes); err != nil {
		return err
	}
	if p.Index, err = d.u32(); err != nil {
		return err
	}
	return nil
}

// FilePieceSpecs mirrors spec.md §6: a file plus its bit-set of known
// piece indices.
type FilePieceSpecs struct {
	File       FileInfo
	BitsetSize uint32
	Bits       []byte
}

func (FilePieceSpecs) Tag() Tag { return TagFilePieceSpecs }

func (f *FilePieceSpecs) MarshalBinary() ([]byte, error) {
	fileBytes, err := (&f.File).MarshalBinary()
	if err != nil {
		return nil, err
	}
	var e encoder
	e.bytes(fileBytes)
	e.u32(f.BitsetSize)
	e.bytes(f.Bits)
	return e.bytesOf(), nil
}

func (f *FilePieceSpecs) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	fileBytes, err := d.bytes()
	if err != nil {
		return err
	}
	if err := (&f.File).UnmarshalBinary(fileBytes); err != nil {
		return err
	}
	if f.BitsetSize, err = d.u32(); err != nil {
		return err
	}
	if f.Bits, err = d.bytes(); err != nil {
		return err
	}
	return nil
}

// Piece mirrors spec.md §6. Construction invariant (data.len() ==
// file_info.size(index)) is enforced by internal/archive, not here: the
// codec itself only (de)serializes bytes.
type Piece struct {
	Spec PieceSpec
	Data []byte
}

func (Piece) Tag() Tag { return TagPiece }

func (p *Piece) MarshalBinary() ([]byte, error) {
	specBytes, err := (&p.Spec).MarshalBinary()
	if err != nil {
		return nil, err
	}
	var e encoder
	e.bytes(specBytes)
	e.bytes(p.Data)
	return e.bytesOf(), nil
}

func (p *Piece) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	specBytes, err := d.bytes()
	if err != nil {
		return err
	}
	if err := (&p.Spec).UnmarshalBinary(specBytes); err != nil {
		return err
	}
	if p.Data, err = d.bytes(); err != nil {
		return err
	}
	return nil
}

// FileNotice mirrors spec.md §6.
type FileNotice struct{ File FileInfo }

func (FileNotice) Tag() Tag { return TagFileNotice }

func (n *FileNotice) MarshalBinary() ([]byte, error) { return (&n.File).MarshalBinary() }
func (n *FileNotice) UnmarshalBinary(b []byte) error { return (&n.File).UnmarshalBinary(b) }

// PieceNotice mirrors spec.md §6.
type PieceNotice struct{ Spec PieceSpec }

func (PieceNotice) Tag() Tag { return TagPieceNotice }

func (n *PieceNotice) MarshalBinary() ([]byte, error) { return (&n.Spec).MarshalBinary() }
func (n *PieceNotice) UnmarshalBinary(b []byte) error { return (&n.Spec).UnmarshalBinary(b) }

// RemovedFileNotice mirrors spec.md §6.
type RemovedFileNotice struct{ ArchivePath string }

func (RemovedFileNotice) Tag() Tag { return TagRemovedFileNotice }

func (n *RemovedFileNotice) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(n.ArchivePath)
	return e.bytesOf(), nil
}

func (n *RemovedFileNotice) UnmarshalBinary(b []byte) (err error) {
	d := newDecoder(b)
	n.ArchivePath, err = d.string()
	return err
}

// Constraint mirrors spec.md §6: attribute_name, attribute_type_tag,
// value, plus a polarity bit for the equality/inequality constraints
// AttributeEntry yields (spec.md §3).
type Constraint struct {
	AttributeName string
	AttributeType uint8
	Negate        bool
	Value         []byte
}

func (Constraint) Tag() Tag { return TagConstraint }

func (c *Constraint) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(c.AttributeName)
	e.u8(c.AttributeType)
	if c.Negate {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.bytes(c.Value)
	return e.bytesOf(), nil
}

func (c *Constraint) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	var err error
	if c.AttributeName, err = d.string(); err != nil {
		return err
	}
	if c.AttributeType, err = d.u8(); err != nil {
		return err
	}
	neg, err := d.u8()
	if err != nil {
		return err
	}
	c.Negate = neg != 0
	if c.Value, err = d.bytes(); err != nil {
		return err
	}
	return nil
}

// Filter mirrors spec.md §6: a conjunction of Constraints.
type Filter struct{ Constraints []Constraint }

func (Filter) Tag() Tag { return TagFilter }

func (f *Filter) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(len(f.Constraints)))
	for i := range f.Constraints {
		cb, err := (&f.Constraints[i]).MarshalBinary()
		if err != nil {
			return nil, err
		}
		e.bytes(cb)
	}
	return e.bytesOf(), nil
}

func (f *Filter) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	n, err := d.u32()
	if err != nil {
		return err
	}
	f.Constraints = make([]Constraint, n)
	for i := range f.Constraints {
		cb, err := d.bytes()
		if err != nil {
			return err
		}
		if err := (&f.Constraints[i]).UnmarshalBinary(cb); err != nil {
			return err
		}
	}
	return nil
}

// Predicate mirrors spec.md §6: a disjunction of Filters.
type Predicate struct{ Filters []Filter }

func (Predicate) Tag() Tag { return TagPredicate }

func (p *Predicate) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(len(p.Filters)))
	for i := range p.Filters {
		fb, err := (&p.Filters[i]).MarshalBinary()
		if err != nil {
			return nil, err
		}
		e.bytes(fb)
	}
	return e.bytesOf(), nil
}

func (p *Predicate) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	n, err := d.u32()
	if err != nil {
		return err
	}
	p.Filters = make([]Filter, n)
	for i := range p.Filters {
		fb, err := d.bytes()
		if err != nil {
			return err
		}
		if err := (&p.Filters[i]).UnmarshalBinary(fb); err != nil {
			return err
		}
	}
	return nil
}

// ServerInfo mirrors spec.md §6: an IP (4 or 16 bytes) plus the
// [notice, request, data] port triple.
type ServerInfo struct {
	IP    net.IP
	Ports [3]uint32
}

func (ServerInfo) Tag() Tag { return TagServerInfo }

func (s *ServerInfo) MarshalBinary() ([]byte, error) {
	ip := s.IP.To4()
	if ip == nil {
		ip = s.IP.To16()
	}
	if ip == nil {
		return nil, fmt.Errorf("wire: invalid IP address %v", s.IP)
	}

	var e encoder
	e.bytes(ip)
	for _, p := range s.Ports {
		e.u32(p)
	}
	return e.bytesOf(), nil
}

func (s *ServerInfo) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	ip, err := d.bytes()
	if err != nil {
		return err
	}
	if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
		return fmt.Errorf("wire: invalid IP length %d", len(ip))
	}
	s.IP = net.IP(ip)

	for i := range s.Ports {
		if s.Ports[i], err = d.u32(); err != nil {
			return err
		}
	}
	return nil
}

// Inquisitor requests the tracker's current ServerInfo -> Predicate map.
type Inquisitor struct{}

func (Inquisitor) Tag() Tag                      { return TagInquisitor }
func (Inquisitor) MarshalBinary() ([]byte, error) { return nil, nil }
func (*Inquisitor) UnmarshalBinary([]byte) error   { return nil }

// PlumberEntry pairs one bootstrap server with the predicate describing
// what it is willing to serve/want.
type PlumberEntry struct {
	Server    ServerInfo
	Predicate Predicate
}

// Plumber is the tracker's reply to an Inquisitor.
type Plumber struct{ Entries []PlumberEntry }

func (Plumber) Tag() Tag { return TagPlumber }

func (p *Plumber) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u32(uint32(len(p.Entries)))
	for i := range p.Entries {
		sb, err := (&p.Entries[i].Server).MarshalBinary()
		if err != nil {
			return nil, err
		}
		pb, err := (&p.Entries[i].Predicate).MarshalBinary()
		if err != nil {
			return nil, err
		}
		e.bytes(sb)
		e.bytes(pb)
	}
	return e.bytesOf(), nil
}

func (p *Plumber) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	n, err := d.u32()
	if err != nil {
		return err
	}
	p.Entries = make([]PlumberEntry, n)
	for i := range p.Entries {
		sb, err := d.bytes()
		if err != nil {
			return err
		}
		if err := (&p.Entries[i].Server).UnmarshalBinary(sb); err != nil {
			return err
		}
		pb, err := d.bytes()
		if err != nil {
			return err
		}
		if err := (&p.Entries[i].Predicate).UnmarshalBinary(pb); err != nil {
			return err
		}
	}
	return nil
}

// ServerOfflineReport tells the tracker a previously announced server is
// no longer reachable. It has no reply.
type ServerOfflineReport struct{ Server ServerInfo }

func (ServerOfflineReport) Tag() Tag { return TagServerOfflineReport }

func (r *ServerOfflineReport) MarshalBinary() ([]byte, error) {
	return (&r.Server).MarshalBinary()
}

func (r *ServerOfflineReport) UnmarshalBinary(b []byte) error {
	return (&r.Server).UnmarshalBinary(b)
}
