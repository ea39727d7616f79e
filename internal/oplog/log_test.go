package oplog

import (
	"path/filepath"
	"testing"

	"github.com/adred-codev/chatcluster/internal/wire"
)

func TestAppendProgressSlice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica-a.log")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ops := []wire.Op{
		{UserID: "ream", Kind: wire.OpCreate},
		{UserID: "mark", Kind: wire.OpCreate},
		{UserID: "ream", Kind: wire.OpSend, RecipientID: "mark", Text: "hi"},
	}
	for _, op := range ops {
		if err := l.Append(op); err != nil {
			t.Fatalf("Append(%+v): %v", op, err)
		}
	}

	if got := l.Progress(); got != 3 {
		t.Fatalf("Progress() = %d, want 3", got)
	}

	got := l.Slice(1, 3)
	if len(got) != 2 || got[0] != ops[1] || got[1] != ops[2] {
		t.Errorf("Slice(1,3) = %+v, want %+v", got, ops[1:3])
	}

	if got := l.Slice(3, 3); got != nil {
		t.Errorf("Slice(3,3) = %+v, want nil", got)
	}
}

func TestOpenReplaysExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica-b.log")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l1.Append(wire.Op{UserID: "ream", Kind: wire.OpCreate}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer l2.Close()

	if got := l2.Progress(); got != 1 {
		t.Fatalf("Progress() after reopen = %d, want 1", got)
	}
}

func TestAppendRejectsUnimportantOps(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "replica-c.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append(wire.Op{UserID: "ream", Kind: wire.OpList}); err == nil {
		t.Error("expected error appending unimportant op, got nil")
	}
}
