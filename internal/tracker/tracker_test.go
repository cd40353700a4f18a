package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/sruth/pkg/wire"
)

func fakeTrackerServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln.Addr().String()
}

func TestInquireReturnsPlumber(t *testing.T) {
	want := wire.Plumber{Entries: []wire.PlumberEntry{
		{Server: wire.ServerInfo{IP: net.IPv4(127, 0, 0, 1), Ports: [3]uint32{1, 2, 3}}},
	}}

	addr := fakeTrackerServer(t, func(conn net.Conn) {
		defer conn.Close()
		msg, err := wire.Read(conn)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.Inquisitor); !ok {
			return
		}
		_ = wire.Write(conn, &want)
	})

	tr := New(addr, time.Second, nil)
	got, err := tr.Inquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Server.Ports != [3]uint32{1, 2, 3} {
		t.Fatalf("got %+v", got)
	}
	if tr.Snapshot().SuccessfulInquiries != 1 {
		t.Fatalf("expected 1 successful inquiry recorded")
	}
}

func TestReportOfflineSendsNoReplyExpected(t *testing.T) {
	received := make(chan wire.ServerOfflineReport, 1)

	addr := fakeTrackerServer(t, func(conn net.Conn) {
		defer conn.Close()
		msg, err := wire.Read(conn)
		if err != nil {
			return
		}
		if report, ok := msg.(*wire.ServerOfflineReport); ok {
			received <- *report
		}
	})

	tr := New(addr, time.Second, nil)
	server := wire.ServerInfo{IP: net.IPv4(10, 0, 0, 1), Ports: [3]uint32{5, 6, 7}}
	if err := tr.ReportOffline(context.Background(), server); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.Server.Ports != server.Ports {
			t.Fatalf("got %+v, want %+v", got.Server, server)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not receive offline report")
	}
}

func TestInquireFailsOnDialError(t *testing.T) {
	tr := New("127.0.0.1:1", 100*time.Millisecond, nil)
	if _, err := tr.Inquire(context.Background()); err == nil {
		t.Fatal("expected dial error for closed port")
	}
	if tr.Snapshot().FailedInquiries != 1 {
		t.Fatal("expected 1 failed inquiry recorded")
	}
}
