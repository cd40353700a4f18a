package clearinghouse

import (
	"context"
	"sync"
	"testing"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/fileinfo"
	"github.com/prxssh/sruth/internal/pieceset"
)

type fakePeer struct {
	id        string
	predicate *attribute.Predicate

	mu       sync.Mutex
	notices  []fileinfo.FileInfo
	requests []pieceset.PieceSpec
	data     []archive.Piece
}

func newFakePeer(id string, predicate *attribute.Predicate) *fakePeer {
	return &fakePeer{id: id, predicate: predicate}
}

func (f *fakePeer) ID() string                       { return f.id }
func (f *fakePeer) Predicate() *attribute.Predicate { return f.predicate }

func (f *fakePeer) EnqueueFileNotice(_ context.Context, info fileinfo.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, info)
	return nil
}

func (f *fakePeer) EnqueueRequest(_ context.Context, spec pieceset.PieceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, spec)
	return nil
}

func (f *fakePeer) EnqueueData(_ context.Context, p archive.Piece) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p)
	return nil
}

func (f *fakePeer) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func nameFilter(path string) attribute.Filter {
	return attribute.NewFilter(attribute.Entry{Attribute: attribute.Name, Value: path}.EqualConstraint())
}

func mustInfo(t *testing.T, path string, size uint64, pieceSize uint32) fileinfo.FileInfo {
	t.Helper()
	fi, err := fileinfo.New(fileinfo.NewFileId(path), size, pieceSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

func TestRegisterNotifiesMatchingExistingFiles(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t, "a/b.dat", 8, 8)
	if _, err := a.PutPiece(archive.Piece{Spec: info, Index: 0, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}

	ch := New(a, attribute.NewPredicate(), nil)

	peer := newFakePeer("p1", attribute.NewPredicate(nameFilter("a/b.dat")))
	if err := ch.Register(context.Background(), peer); err != nil {
		t.Fatal(err)
	}

	if peer.noticeCount() != 1 {
		t.Fatalf("expected 1 notice, got %d", peer.noticeCount())
	}
}

func TestRegisterIsAtMostOncePerPeerPerFile(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t, "x", 8, 8)
	if _, err := a.PutPiece(archive.Piece{Spec: info, Index: 0, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}

	ch := New(a, attribute.NewPredicate(), nil)
	peer := newFakePeer("p1", attribute.NewPredicate(nameFilter("x")))

	if err := ch.Register(context.Background(), peer); err != nil {
		t.Fatal(err)
	}
	if err := ch.sendNotice(context.Background(), peer, info); err != nil {
		t.Fatal(err)
	}
	if peer.noticeCount() != 1 {
		t.Fatalf("expected exactly 1 notice despite duplicate send, got %d", peer.noticeCount())
	}
}

func TestProcessNoticeRequestsMissingPieces(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t, "y", 17, 8) // 3 pieces

	ch := New(a, attribute.NewPredicate(nameFilter("y")), nil)
	peer := newFakePeer("p1", attribute.NewPredicate())

	if err := ch.ProcessNotice(context.Background(), peer, info); err != nil {
		t.Fatal(err)
	}

	peer.mu.Lock()
	got := len(peer.requests)
	peer.mu.Unlock()
	if got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
}

func TestProcessNoticeIgnoredWhenPredicateDoesNotWantFile(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t, "y", 8, 8)

	ch := New(a, attribute.NewPredicate(nameFilter("other")), nil)
	peer := newFakePeer("p1", attribute.NewPredicate())

	if err := ch.ProcessNotice(context.Background(), peer, info); err != nil {
		t.Fatal(err)
	}
	peer.mu.Lock()
	got := len(peer.requests)
	peer.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no requests, got %d", got)
	}
}

func TestProcessPieceCompletionBroadcastsAndDrains(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t, "z", 8, 8) // 1 piece

	pred := attribute.NewPredicate(nameFilter("z"))
	ch := New(a, pred, nil)

	drained := false
	ch.OnDrained(func() { drained = true })

	other := newFakePeer("other", attribute.NewPredicate(nameFilter("z")))
	if err := ch.Register(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	source := newFakePeer("source", attribute.NewPredicate())
	piece := archive.Piece{Spec: info, Index: 0, Data: make([]byte, 8)}
	if err := ch.ProcessPiece(context.Background(), source, piece); err != nil {
		t.Fatal(err)
	}

	if !pred.IsEmpty() {
		t.Fatal("predicate should be emptied after completing its one wanted file")
	}
	if !drained {
		t.Fatal("onDrained should have fired")
	}
	if other.noticeCount() != 1 {
		t.Fatalf("expected broadcast notice to other peer, got %d", other.noticeCount())
	}
}

func TestProcessRequestIgnoresUnknownFile(t *testing.T) {
	a, err := archive.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ch := New(a, attribute.NewPredicate(), nil)
	peer := newFakePeer("p1", attribute.NewPredicate())

	info := mustInfo(t, "never-put", 8, 8)
	spec, err := pieceset.NewPieceSpec(info, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.ProcessRequest(context.Background(), peer, spec); err != nil {
		t.Fatal(err)
	}
	peer.mu.Lock()
	got := len(peer.data)
	peer.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no data enqueued for unknown file, got %d", got)
	}
}
