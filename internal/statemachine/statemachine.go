// Package statemachine applies the replicated operation stream to the
// account/message model. Apply is a pure function of (state, op) except
// for the per-recipient undelivered-chat queues, which additionally
// expose a liveness signal channel so the notification dispatcher can
// block efficiently instead of polling.
package statemachine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/adred-codev/chatcluster/internal/wire"
)

// PageSize is the fixed number of entries returned per list/logs page.
const PageSize = 4

// Account is one user's record: its id and its message log, stored
// newest-first.
type Account struct {
	ID       string
	Messages []wire.Chat
}

type chatQueue struct {
	mu     sync.Mutex
	items  []wire.Chat
	signal chan struct{}
}

func newChatQueue() *chatQueue {
	return &chatQueue{signal: make(chan struct{}, 1)}
}

func (q *chatQueue) push(c wire.Chat) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *chatQueue) tryPop() (wire.Chat, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return wire.Chat{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *chatQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// State is the replica's in-memory account/message store plus the
// per-recipient undelivered queues. The zero value is not usable; use
// New.
type State struct {
	mu       sync.Mutex
	accounts map[string]*Account
	order    []string // live account ids in insertion order; delete removes an id, re-create appends it again
	queues   map[string]*chatQueue
}

// New returns an empty State.
func New() *State {
	return &State{
		accounts: make(map[string]*Account),
		queues:   make(map[string]*chatQueue),
	}
}

// Apply applies one important or read-only operation and returns the
// response envelope to send back to whoever issued it. It must never be
// called with OpTakeover — that sentinel never reaches the state
// machine.
func (s *State) Apply(op wire.Op) wire.Response {
	switch op.Kind {
	case wire.OpCreate:
		return s.applyCreate(op)
	case wire.OpLogin:
		return s.applyLogin(op)
	case wire.OpDelete:
		return s.applyDelete(op)
	case wire.OpSend:
		return s.applySend(op)
	case wire.OpNotif:
		return s.applyNotif(op)
	case wire.OpList:
		return s.applyList(op)
	case wire.OpLogs:
		return s.applyLogs(op)
	default:
		return wire.Response{UserID: op.UserID, Kind: wire.RespBasic, OK: false, Error: fmt.Sprintf("unsupported op kind %q", op.Kind)}
	}
}

func basic(userID string, ok bool, errMsg string) wire.Response {
	return wire.Response{UserID: userID, Kind: wire.RespBasic, OK: ok, Error: errMsg}
}

func (s *State) applyCreate(op wire.Op) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[op.UserID]; exists {
		return basic(op.UserID, false, "user already exists")
	}
	s.accounts[op.UserID] = &Account{ID: op.UserID}
	s.order = append(s.order, op.UserID)
	s.queues[op.UserID] = newChatQueue()
	return basic(op.UserID, true, "")
}

func (s *State) applyLogin(op wire.Op) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[op.UserID]; !exists {
		return basic(op.UserID, false, "user does not exist")
	}
	return basic(op.UserID, true, "")
}

func (s *State) applyDelete(op wire.Op) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[op.UserID]; !exists {
		return basic(op.UserID, false, "user does not exist")
	}
	delete(s.accounts, op.UserID)
	delete(s.queues, op.UserID)

	for i, id := range s.order {
		if id == op.UserID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return basic(op.UserID, true, "")
}

func (s *State) applySend(op wire.Op) wire.Response {
	s.mu.Lock()
	recipient, exists := s.accounts[op.RecipientID]
	if !exists {
		s.mu.Unlock()
		return basic(op.UserID, false, "recipient does not exist")
	}

	chat := wire.Chat{Author: op.UserID, Recipient: op.RecipientID, Text: op.Text}
	recipient.Messages = append([]wire.Chat{chat}, recipient.Messages...)
	q := s.queues[op.RecipientID]
	s.mu.Unlock()

	if q != nil {
		q.push(chat)
	}
	return basic(op.UserID, true, "")
}

func (s *State) applyNotif(op wire.Op) wire.Response {
	s.mu.Lock()
	q := s.queues[op.UserID]
	s.mu.Unlock()

	if q == nil {
		return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, OK: false, Error: "empty-queue"}
	}
	chat, ok := q.tryPop()
	if !ok {
		return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, OK: false, Error: "empty-queue"}
	}
	return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, OK: true, Chat: chat}
}

func page(n, pageNum int) (lo, hi int) {
	lo = pageNum * PageSize
	hi = lo + PageSize
	if lo < 0 || lo >= n {
		return 0, 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

func (s *State) applyList(op wire.Op) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []string
	for _, id := range s.order {
		if _, exists := s.accounts[id]; !exists {
			continue
		}
		if op.Wildcard == "" || strings.Contains(id, op.Wildcard) {
			matched = append(matched, id)
		}
	}

	lo, hi := page(len(matched), op.Page)
	return wire.Response{UserID: op.UserID, Kind: wire.RespList, OK: true, Accounts: matched[lo:hi]}
}

func (s *State) applyLogs(op wire.Op) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[op.UserID]
	if !exists {
		return wire.Response{UserID: op.UserID, Kind: wire.RespLogs, OK: false, Error: "user does not exist"}
	}

	var matched []wire.Chat
	for _, c := range acct.Messages {
		if op.Wildcard == "" || strings.Contains(c.Author, op.Wildcard) {
			matched = append(matched, c)
		}
	}

	lo, hi := page(len(matched), op.Page)
	return wire.Response{UserID: op.UserID, Kind: wire.RespLogs, OK: true, Messages: matched[lo:hi]}
}

// QueueSignal returns a channel that receives a value when a chat is
// pushed onto user's undelivered queue, for use as a wakeup in a
// select/timeout loop. The channel buffers at most one pending wakeup,
// so several pushes before a receive produce a single value; a receiver
// must drain the queue rather than pop one chat per wakeup. It returns
// nil if user has no account.
func (s *State) QueueSignal(user string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	if q == nil {
		return nil
	}
	return q.signal
}

// QueueLen reports the current undelivered queue depth for user, or -1
// if user has no account.
func (s *State) QueueLen(user string) int {
	s.mu.Lock()
	q := s.queues[user]
	s.mu.Unlock()
	if q == nil {
		return -1
	}
	return q.len()
}

// HasAccount reports whether user currently has a live account.
func (s *State) HasAccount(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[user]
	return ok
}

// AccountCount returns the number of currently live accounts (for tests
// and diagnostics).
func (s *State) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}
