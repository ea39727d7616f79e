package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAloneReplicaIsPrimary(t *testing.T) {
	cfg, err := cluster.New([]cluster.Replica{
		{Name: "ream", Host: "127.0.0.1", InternalPort: freePort(t), ClientPort: freePort(t), HealthPort: freePort(t), NotifPort: freePort(t)},
	})
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}
	queue := make(chan wire.Op, 4)
	m := New("ream", cfg, zerolog.Nop(), 20*time.Millisecond, 50*time.Millisecond, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.ListenAndServe(ctx)
	go m.Run(ctx)

	select {
	case op := <-queue:
		if op.Kind != wire.OpTakeover {
			t.Fatalf("expected takeover marker, got %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("sole replica never became primary")
	}
	if !m.IsPrimary() {
		t.Error("IsPrimary() = false, want true")
	}
}

func TestLexicographicallySmallestBecomesPrimary(t *testing.T) {
	cfg, err := cluster.New([]cluster.Replica{
		{Name: "achele", Host: "127.0.0.1", InternalPort: freePort(t), ClientPort: freePort(t), HealthPort: freePort(t), NotifPort: freePort(t)},
		{Name: "zeke", Host: "127.0.0.1", InternalPort: freePort(t), ClientPort: freePort(t), HealthPort: freePort(t), NotifPort: freePort(t)},
	})
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}

	achQueue := make(chan wire.Op, 4)
	zekeQueue := make(chan wire.Op, 4)
	ach := New("achele", cfg, zerolog.Nop(), 20*time.Millisecond, 100*time.Millisecond, achQueue)
	zeke := New("zeke", cfg, zerolog.Nop(), 20*time.Millisecond, 100*time.Millisecond, zekeQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ach.ListenAndServe(ctx)
	go zeke.ListenAndServe(ctx)
	go ach.Run(ctx)
	go zeke.Run(ctx)

	select {
	case op := <-achQueue:
		if op.Kind != wire.OpTakeover {
			t.Fatalf("expected takeover marker on achele, got %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("achele (lexicographically smallest) never became primary")
	}

	time.Sleep(150 * time.Millisecond)
	if zeke.IsPrimary() {
		t.Error("zeke should not be primary while achele is reachable")
	}
	select {
	case <-zekeQueue:
		t.Error("zeke should never have received a takeover marker")
	default:
	}
}
