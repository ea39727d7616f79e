package statemachine

import (
	"fmt"
	"testing"

	"github.com/adred-codev/chatcluster/internal/wire"
)

func mustOK(t *testing.T, r wire.Response) {
	t.Helper()
	if !r.OK {
		t.Fatalf("expected OK response, got %+v", r)
	}
}

func TestCreateThenList(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))

	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpList, Wildcard: "", Page: 0})
	mustOK(t, r)
	if len(r.Accounts) != 1 || r.Accounts[0] != "ream" {
		t.Errorf("Accounts = %v, want [ream]", r.Accounts)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	s := New()
	r := s.Apply(wire.Op{UserID: "ghost", Kind: wire.OpLogin})
	if r.OK {
		t.Fatalf("login of unknown user should fail, got %+v", r)
	}
}

func TestDuplicateCreateFails(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate})
	if r.OK {
		t.Fatalf("second create for same user should fail, got %+v", r)
	}
}

func TestRecreateAfterDeleteDoesNotDuplicateInOrder(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpDelete}))
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))

	r := s.Apply(wire.Op{UserID: "", Kind: wire.OpList, Page: 0})
	mustOK(t, r)
	if len(r.Accounts) != 1 || r.Accounts[0] != "ream" {
		t.Fatalf("Accounts = %v, want exactly one [ream] after delete-then-recreate", r.Accounts)
	}
}

func TestDeleteRemovesAccountAndQueue(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpSend, RecipientID: "ream", Text: "hi"}))

	if s.QueueLen("ream") != 1 {
		t.Fatalf("QueueLen(ream) = %d, want 1", s.QueueLen("ream"))
	}

	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpDelete}))
	if s.HasAccount("ream") {
		t.Error("ream should no longer have an account")
	}
	if s.QueueLen("ream") != -1 {
		t.Errorf("QueueLen(ream) after delete = %d, want -1", s.QueueLen("ream"))
	}

	r := s.Apply(wire.Op{UserID: "", Kind: wire.OpList, Page: 0})
	mustOK(t, r)
	for _, a := range r.Accounts {
		if a == "ream" {
			t.Error("list should not surface a deleted account")
		}
	}
}

func TestSendToUnknownRecipientFails(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpSend, RecipientID: "ghost", Text: "hi"})
	if r.OK {
		t.Fatalf("send to unknown recipient should fail, got %+v", r)
	}
}

func TestSendAlwaysEnqueuesRegardlessOfRole(t *testing.T) {
	// The statemachine has no notion of primary/backup; send enqueues on
	// every replica that applies it so a failover never drops a pending
	// notification (queue truth lives in replicated state, not in the
	// notify dispatcher).
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpSend, RecipientID: "ream", Text: "hi"}))

	if s.QueueLen("ream") != 1 {
		t.Fatalf("QueueLen(ream) = %d, want 1", s.QueueLen("ream"))
	}

	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpNotif})
	mustOK(t, r)
	if r.Chat != (wire.Chat{Author: "mark", Recipient: "ream", Text: "hi"}) {
		t.Errorf("notif chat = %+v, want the enqueued chat", r.Chat)
	}
	if s.QueueLen("ream") != 0 {
		t.Errorf("QueueLen(ream) after notif = %d, want 0", s.QueueLen("ream"))
	}
}

func TestNotifOnEmptyQueueFails(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpNotif})
	if r.OK {
		t.Fatalf("notif on empty queue should fail, got %+v", r)
	}
	if r.Error != "empty-queue" {
		t.Errorf("Error = %q, want empty-queue", r.Error)
	}
}

func TestLogsNewestFirstAndFilter(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "joel", Kind: wire.OpCreate}))

	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpSend, RecipientID: "ream", Text: "first"}))
	mustOK(t, s.Apply(wire.Op{UserID: "joel", Kind: wire.OpSend, RecipientID: "ream", Text: "second"}))

	r := s.Apply(wire.Op{UserID: "ream", Kind: wire.OpLogs, Page: 0})
	mustOK(t, r)
	if len(r.Messages) != 2 || r.Messages[0].Text != "second" || r.Messages[1].Text != "first" {
		t.Errorf("Messages = %+v, want [second, first]", r.Messages)
	}

	r = s.Apply(wire.Op{UserID: "ream", Kind: wire.OpLogs, Wildcard: "joel", Page: 0})
	mustOK(t, r)
	if len(r.Messages) != 1 || r.Messages[0].Author != "joel" {
		t.Errorf("filtered Messages = %+v, want just joel's", r.Messages)
	}
}

func TestListPagination(t *testing.T) {
	s := New()
	var ids []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("user%d", i)
		ids = append(ids, id)
		mustOK(t, s.Apply(wire.Op{UserID: id, Kind: wire.OpCreate}))
	}

	cases := []struct {
		page int
		want []string
	}{
		{0, ids[0:4]},
		{1, ids[4:8]},
		{2, ids[8:10]},
		{3, nil},
	}
	for _, c := range cases {
		r := s.Apply(wire.Op{UserID: "", Kind: wire.OpList, Page: c.page})
		mustOK(t, r)
		if len(r.Accounts) != len(c.want) {
			t.Errorf("page %d: got %v, want %v", c.page, r.Accounts, c.want)
			continue
		}
		for i := range c.want {
			if r.Accounts[i] != c.want[i] {
				t.Errorf("page %d: got %v, want %v", c.page, r.Accounts, c.want)
				break
			}
		}
	}
}

func TestQueueSignalWakesOnPush(t *testing.T) {
	s := New()
	mustOK(t, s.Apply(wire.Op{UserID: "ream", Kind: wire.OpCreate}))
	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpCreate}))

	sig := s.QueueSignal("ream")
	if sig == nil {
		t.Fatal("QueueSignal(ream) = nil, want a channel")
	}

	mustOK(t, s.Apply(wire.Op{UserID: "mark", Kind: wire.OpSend, RecipientID: "ream", Text: "hi"}))

	select {
	case <-sig:
	default:
		t.Error("expected a signal after send enqueued a chat")
	}
}
