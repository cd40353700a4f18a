package archive

import (
	"testing"
	"time"

	"github.com/prxssh/sruth/internal/fileinfo"
)

func mustInfo(t *testing.T, path string, size uint64, pieceSize uint32) fileinfo.FileInfo {
	t.Helper()
	fi, err := fileinfo.New(fileinfo.NewFileId(path), size, pieceSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

func TestPutThenGetRoundTrips(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "a/b.dat", 7, 8)
	want := []byte("abcdefg")

	res, err := a.PutPiece(Piece{Spec: info, Index: 0, Data: want})
	if err != nil {
		t.Fatal(err)
	}
	if res != New {
		t.Fatalf("expected New, got %v", res)
	}

	got, err := a.GetPiece(info, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != string(want) {
		t.Fatalf("got %q, want %q", got.Data, want)
	}
}

func TestPutPieceIsIdempotent(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "x", 17, 8)
	piece := Piece{Spec: info, Index: 1, Data: make([]byte, 8)}

	first, err := a.PutPiece(piece)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.PutPiece(piece)
	if err != nil {
		t.Fatal(err)
	}

	if first != New || second != AlreadyPresent {
		t.Fatalf("expected New then AlreadyPresent, got %v then %v", first, second)
	}
}

func TestPutPieceRejectsBadLength(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "a", 16, 8)
	_, err = a.PutPiece(Piece{Spec: info, Index: 0, Data: make([]byte, 3)})
	if err == nil {
		t.Fatal("expected error for mismatched piece length")
	}
}

func TestGetPieceUnknownFile(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "never-registered", 8, 8)
	_, err = a.GetPiece(info, 0)
	if err == nil {
		t.Fatal("expected ErrUnknownFile")
	}
}

func TestNewFileListenerFiresOnceOnCompletion(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	fired := 0
	a.AddListener(func(fileinfo.FileInfo) { fired++ })

	info := mustInfo(t, "x", 16, 8) // 2 pieces
	if _, err := a.PutPiece(Piece{Spec: info, Index: 0, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Fatalf("listener should not fire before file is complete, fired=%d", fired)
	}

	if _, err := a.PutPiece(Piece{Spec: info, Index: 1, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("listener should fire exactly once on completion, fired=%d", fired)
	}

	// Re-registering and re-completing (idempotent PutPiece) must not
	// refire the listener.
	if _, err := a.PutPiece(Piece{Spec: info, Index: 1, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("listener must fire at most once, fired=%d", fired)
	}
}

func TestMissingPieces(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "x", 24, 8) // 3 pieces
	if _, err := a.PutPiece(Piece{Spec: info, Index: 1, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}

	missing, err := a.MissingPieces(info)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 2 {
		t.Fatalf("expected [0 2], got %v", missing)
	}
}

// TestPutPieceDoesNotHoldLockAcrossListener proves PutPiece releases its
// per-file lock before invoking NewFileListeners: a listener that blocks
// until released must not stall an unrelated file's PutPiece, per
// spec.md §9's "no task holds an Archive write lock across a channel
// send".
func TestPutPieceDoesNotHoldLockAcrossListener(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	listenerEntered := make(chan struct{})
	release := make(chan struct{})
	a.AddListener(func(fileinfo.FileInfo) {
		close(listenerEntered)
		<-release
	})

	blocked := mustInfo(t, "blocked", 8, 8) // 1 piece, completes and blocks its listener
	other := mustInfo(t, "other", 8, 8)     // unrelated file, must not be stalled

	done := make(chan error, 1)
	go func() {
		_, err := a.PutPiece(Piece{Spec: blocked, Index: 0, Data: make([]byte, 8)})
		done <- err
	}()

	select {
	case <-listenerEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never ran")
	}

	otherDone := make(chan error, 1)
	go func() {
		_, err := a.PutPiece(Piece{Spec: other, Index: 0, Data: make([]byte, 8)})
		otherDone <- err
	}()

	select {
	case err := <-otherDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PutPiece on an unrelated file blocked behind the in-flight listener")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestWalkReturnsRegisteredFiles(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	info := mustInfo(t, "only", 8, 8)
	if err := a.Register(info); err != nil {
		t.Fatal(err)
	}

	files := a.Walk()
	if len(files) != 1 || files[0].ID.ArchivePath != "only" {
		t.Fatalf("expected [only], got %v", files)
	}
}
