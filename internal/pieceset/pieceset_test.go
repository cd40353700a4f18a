package pieceset

import (
	"testing"

	"github.com/prxssh/sruth/internal/fileinfo"
)

func mustFileInfo(t *testing.T, path string, size uint64, pieceSize uint32) fileinfo.FileInfo {
	t.Helper()
	fi, err := fileinfo.New(fileinfo.NewFileId(path), size, pieceSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

func TestPieceSpecMergeSameFileDifferentIndex(t *testing.T) {
	f := mustFileInfo(t, "f", 17, 8)
	p0, _ := NewPieceSpec(f, 0)
	p1, _ := NewPieceSpec(f, 1)

	merged := Merge(p0, p1)
	fps, ok := merged.(*FilePieceSpecs)
	if !ok {
		t.Fatalf("expected *FilePieceSpecs, got %T", merged)
	}
	if !fps.Contains(p0) || !fps.Contains(p1) {
		t.Fatal("merged set should contain both pieces")
	}
}

func TestPieceSpecMergeSameIndexIsIdempotent(t *testing.T) {
	f := mustFileInfo(t, "f", 17, 8)
	p0, _ := NewPieceSpec(f, 0)

	merged := Merge(p0, p0)
	got, ok := merged.(PieceSpec)
	if !ok || got.Info.ID.ArchivePath != p0.Info.ID.ArchivePath || got.Index != p0.Index {
		t.Fatalf("merging identical specs should return the spec itself, got %#v", merged)
	}
}

func TestMergeDifferentFilesYieldsMultiFile(t *testing.T) {
	f := mustFileInfo(t, "f", 17, 8)
	g := mustFileInfo(t, "g", 8, 8)
	pf0, _ := NewPieceSpec(f, 0)
	pf1, _ := NewPieceSpec(f, 1)
	pg0, _ := NewPieceSpec(g, 0)

	merged := Merge(Merge(pf0, pf1), pg0)
	multi, ok := merged.(*MultiFilePieceSpecs)
	if !ok {
		t.Fatalf("expected *MultiFilePieceSpecs, got %T", merged)
	}

	pieces := multi.Pieces()
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces total, got %d", len(pieces))
	}
	// FileId-lex then index-ascending: f.0, f.1, g.0
	want := []struct {
		path  string
		index uint32
	}{{"f", 0}, {"f", 1}, {"g", 0}}
	for i, w := range want {
		if pieces[i].Info.ID.ArchivePath != w.path || pieces[i].Index != w.index {
			t.Fatalf("pieces[%d] = (%s,%d), want (%s,%d)", i, pieces[i].Info.ID.ArchivePath, pieces[i].Index, w.path, w.index)
		}
	}
}

func TestFilePieceSpecsMergeSaturatesToComplete(t *testing.T) {
	f := mustFileInfo(t, "f", 16, 8) // 2 pieces
	p0, _ := NewPieceSpec(f, 0)
	p1, _ := NewPieceSpec(f, 1)

	merged := Merge(p0, p1)
	fps := merged.(*FilePieceSpecs)

	if fps.IsEmpty() {
		t.Fatal("should not be empty after setting both bits")
	}
	if !fps.bits.AreAllSet() {
		t.Fatalf("expected a saturated (Complete) bit-set, got %T", fps.bits)
	}
	if len(fps.Pieces()) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(fps.Pieces()))
	}
}

func TestContainsIdempotentMerge(t *testing.T) {
	f := mustFileInfo(t, "f", 17, 8)
	p0, _ := NewPieceSpec(f, 0)
	p1, _ := NewPieceSpec(f, 1)

	s := Merge(p0, p1)
	again := s.Merge(p1)

	if !again.Contains(p0) || !again.Contains(p1) {
		t.Fatal("re-merging an already-contained spec should not lose membership")
	}
}

func TestRemoveDemotesCompleteFilePieceSpecs(t *testing.T) {
	f := mustFileInfo(t, "f", 16, 8) // 2 pieces -> saturates on 2nd set
	p0, _ := NewPieceSpec(f, 0)
	p1, _ := NewPieceSpec(f, 1)

	s := Merge(p0, p1)
	fps := s.(*FilePieceSpecs)

	remaining := fps.Remove(p0)
	if remaining.Contains(p0) {
		t.Fatal("removed piece should no longer be contained")
	}
	if !remaining.Contains(p1) {
		t.Fatal("unrelated piece should remain")
	}
}

func TestEmptySentinelIsIdentityForMerge(t *testing.T) {
	f := mustFileInfo(t, "f", 17, 8)
	p0, _ := NewPieceSpec(f, 0)

	assertIsP0 := func(t *testing.T, merged PieceSpecSet) {
		t.Helper()
		got, ok := merged.(PieceSpec)
		if !ok || got.Info.ID.ArchivePath != p0.Info.ID.ArchivePath || got.Index != p0.Index {
			t.Fatalf("expected p0 unchanged, got %#v", merged)
		}
	}
	assertIsP0(t, Merge(Empty, p0))
	assertIsP0(t, Merge(p0, Empty))
}
