package fileinfo

import "testing"

func TestPieceCountAndBounds(t *testing.T) {
	id := NewFileId("x")
	fi, err := New(id, 17, 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got := fi.PieceCount(); got != 3 {
		t.Fatalf("PieceCount() = %d, want 3", got)
	}

	wantLens := []uint32{8, 8, 1}
	for i, want := range wantLens {
		got, err := fi.PieceLen(uint32(i))
		if err != nil {
			t.Fatalf("PieceLen(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("PieceLen(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestOffsetSizeInvariant(t *testing.T) {
	id := NewFileId("y")
	fi, err := New(id, 17, 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := uint32(0); i < fi.PieceCount(); i++ {
		off, err := fi.Offset(i)
		if err != nil {
			t.Fatal(err)
		}
		size, err := fi.PieceLen(i)
		if err != nil {
			t.Fatal(err)
		}

		end := off + uint64(size)
		if end > fi.Size {
			t.Fatalf("piece %d overruns file: end=%d size=%d", i, end, fi.Size)
		}
		if i == fi.PieceCount()-1 && end != fi.Size {
			t.Fatalf("last piece should reach exactly fi.Size: end=%d size=%d", end, fi.Size)
		}
		if i != fi.PieceCount()-1 && end == fi.Size {
			t.Fatalf("non-last piece %d should not reach fi.Size exactly unless it's the last", i)
		}
	}
}

func TestOutOfRangeIndex(t *testing.T) {
	id := NewFileId("z")
	fi, err := New(id, 17, 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fi.Offset(fi.PieceCount()); err == nil {
		t.Fatal("expected error for out-of-range piece index")
	}
	if _, err := fi.PieceLen(fi.PieceCount()); err == nil {
		t.Fatal("expected error for out-of-range piece index")
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	id := NewFileId("w")
	if _, err := New(id, 0, 8, 0); err == nil {
		t.Fatal("expected error for zero size")
	}
	if _, err := New(id, 10, 0, 0); err == nil {
		t.Fatal("expected error for zero piece size")
	}
}

func TestSortFileIds(t *testing.T) {
	ids := []FileId{NewFileId("b"), NewFileId("a"), NewFileId("c")}
	SortFileIds(ids)
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if ids[i].ArchivePath != w {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i].ArchivePath, w)
		}
	}
}
