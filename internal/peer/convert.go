package peer

import (
	"encoding/binary"
	"fmt"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/internal/pieceset"
	"github.com/prxssh/sruth/pkg/wire"
)

func toWireFileInfo(info fileinfo.FileInfo) wire.FileInfo {
	return wire.FileInfo{
		ArchivePath: info.ID.ArchivePath,
		Size:        info.Size,
		PieceSize:   info.PieceSize,
		TTLSeconds:  info.TTLSeconds,
	}
}

// fromWireFileInfo rebuilds a FileInfo from its wire form. Per spec.md
// §3, serialization preserves only the path; the attribute map is
// rebuilt here from scratch (the built-in "name" attribute only).
func fromWireFileInfo(w wire.FileInfo) (fileinfo.FileInfo, error) {
	return fileinfo.New(fileinfo.NewFileId(w.ArchivePath), w.Size, w.PieceSize, w.TTLSeconds)
}

func toWirePieceSpec(spec pieceset.PieceSpec) wire.PieceSpec {
	return wire.PieceSpec{File: toWireFileInfo(spec.Info), Index: spec.Index}
}

func fromWirePieceSpec(w wire.PieceSpec) (pieceset.PieceSpec, error) {
	info, err := fromWireFileInfo(w.File)
	if err != nil {
		return pieceset.PieceSpec{}, err
	}
	return pieceset.NewPieceSpec(info, w.Index)
}

func toWirePiece(p archive.Piece) wire.Piece {
	return wire.Piece{
		Spec: wire.PieceSpec{File: toWireFileInfo(p.Spec), Index: p.Index},
		Data: p.Data,
	}
}

func fromWirePiece(w wire.Piece) (archive.Piece, error) {
	info, err := fromWireFileInfo(w.Spec.File)
	if err != nil {
		return archive.Piece{}, err
	}
	return archive.Piece{Spec: info, Index: w.Spec.Index, Data: w.Data}, nil
}

func encodeAttrValue(t attribute.Type, v any) ([]byte, error) {
	switch t {
	case attribute.TypeString:
		s, _ := v.(string)
		return []byte(s), nil
	case attribute.TypeInt64:
		i, _ := v.(int64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(i))
		return b[:], nil
	case attribute.TypeBool:
		b, _ := v.(bool)
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("peer: unsupported attribute type %v", t)
	}
}

func decodeAttrValue(t attribute.Type, b []byte) (any, error) {
	switch t {
	case attribute.TypeString:
		return string(b), nil
	case attribute.TypeInt64:
		if len(b) != 8 {
			return nil, fmt.Errorf("peer: int64 attribute value must be 8 bytes, got %d", len(b))
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case attribute.TypeBool:
		return len(b) > 0 && b[0] != 0, nil
	default:
		return nil, fmt.Errorf("peer: unsupported attribute type %v", t)
	}
}

func toWirePredicate(p *attribute.Predicate) (wire.Predicate, error) {
	var wp wire.Predicate
	for _, f := range p.Filters() {
		var wf wire.Filter
		for _, c := range f.Constraints {
			val, err := encodeAttrValue(c.Attribute.Type, c.Value)
			if err != nil {
				return wire.Predicate{}, err
			}
			wf.Constraints = append(wf.Constraints, wire.Constraint{
				AttributeName: c.Attribute.Name,
				AttributeType: uint8(c.Attribute.Type),
				Negate:        c.Negate,
				Value:         val,
			})
		}
		wp.Filters = append(wp.Filters, wf)
	}
	return wp, nil
}

func fromWirePredicate(wp wire.Predicate) (*attribute.Predicate, error) {
	filters := make([]attribute.Filter, 0, len(wp.Filters))
	for _, wf := range wp.Filters {
		constraints := make([]attribute.Constraint, 0, len(wf.Constraints))
		for _, wc := range wf.Constraints {
			attr := attribute.Attribute{Name: wc.AttributeName, Type: attribute.Type(wc.AttributeType)}
			val, err := decodeAttrValue(attr.Type, wc.Value)
			if err != nil {
				return nil, err
			}
			constraints = append(constraints, attribute.Constraint{Attribute: attr, Value: val, Negate: wc.Negate})
		}
		filters = append(filters, attribute.NewFilter(constraints...))
	}
	return attribute.NewPredicate(filters...), nil
}
