// Package notify implements the NOTIF listener: subscription
// exclusivity per user_id, and the per-subscriber delivery loop that
// pushes queued chats to connected clients while interleaving a
// liveness ping-check that releases stuck registrations.
package notify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/logging"
	"github.com/adred-codev/chatcluster/internal/oplog"
	"github.com/adred-codev/chatcluster/internal/statemachine"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
)

// Primacy mirrors internal/gateway's Primacy interface; only the
// primary's subscriber loops actively dequeue and push.
type Primacy interface {
	IsPrimary() bool
	LivingSiblings() []string
}

// Broadcaster mirrors internal/mesh's broadcast surface.
type Broadcaster interface {
	Broadcast(op wire.Op, peerNames []string)
}

// Dispatcher owns the NOTIF listener and every subscriber registration.
type Dispatcher struct {
	self    cluster.Replica
	logger  zerolog.Logger
	primacy Primacy
	mesh    Broadcaster
	sm      *statemachine.State
	log     *oplog.Log
	replMu  *sync.Mutex

	dequeueTimeout time.Duration
	pingDeadline   time.Duration

	mu          sync.Mutex
	subscribers map[string]net.Conn
}

// New builds a Dispatcher for self. replMu is shared with
// internal/gateway's Gateway — see Gateway.New's doc comment for why
// an appended-and-broadcast notif record must be atomic with respect
// to the gateway's own client-originated broadcasts.
func New(self cluster.Replica, logger zerolog.Logger, primacy Primacy, mesh Broadcaster, sm *statemachine.State, log *oplog.Log, dequeueTimeout, pingDeadline time.Duration, replMu *sync.Mutex) *Dispatcher {
	return &Dispatcher{
		self:           self,
		logger:         logger,
		primacy:        primacy,
		mesh:           mesh,
		sm:             sm,
		log:            log,
		replMu:         replMu,
		dequeueTimeout: dequeueTimeout,
		pingDeadline:   pingDeadline,
		subscribers:    make(map[string]net.Conn),
	}
}

// SubscriberCount reports the number of currently registered NOTIF
// sockets, for the metrics collector.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// ListenAndServe runs the NOTIF listener, registering and serving each
// subscriber. Blocks until ctx is cancelled.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.self.NotifPort))
	if err != nil {
		return fmt.Errorf("notify: listen NOTIF: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("notify: accept: %w", err)
			}
		}
		go d.register(ctx, conn)
	}
}

func (d *Dispatcher) register(ctx context.Context, conn net.Conn) {
	defer logging.RecoverPanic(d.logger, "notify.register")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	user := trimNewline(line)

	d.mu.Lock()
	_, taken := d.subscribers[user]
	if !taken {
		d.subscribers[user] = conn
	}
	d.mu.Unlock()

	ack := wire.Response{UserID: user, Kind: wire.RespBasic, OK: !taken}
	if taken {
		ack.Error = "already logged in"
	}
	encoded, err := wire.EncodeResponse(ack)
	if err != nil || (func() bool { _, werr := conn.Write([]byte(encoded + "\n")); return werr != nil })() {
		conn.Close()
		return
	}
	if taken {
		conn.Close()
		return
	}

	d.serve(ctx, user, conn, reader)
}

func (d *Dispatcher) serve(ctx context.Context, user string, conn net.Conn, reader *bufio.Reader) {
	defer logging.RecoverPanic(d.logger, "notify.serve")
	defer d.release(user, conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sig := d.sm.QueueSignal(user)
		select {
		case <-ctx.Done():
			return
		case <-sig:
			// One wakeup can stand for several pushes, so deliver until the
			// queue is empty (or this replica is not primary, or a push
			// fails), then loop back and wait again.
			for d.deliverIfPrimary(user, conn) {
			}
		case <-time.After(d.dequeueTimeout):
			if !d.pingCheck(conn, reader) {
				return
			}
		}
	}
}

func (d *Dispatcher) deliverIfPrimary(user string, conn net.Conn) bool {
	if !d.primacy.IsPrimary() {
		return false
	}
	resp := d.sm.Apply(wire.Op{UserID: user, Kind: wire.OpNotif})
	if !resp.OK {
		return false
	}

	d.replMu.Lock()
	appendErr := d.log.Append(wire.Op{UserID: user, Kind: wire.OpNotif})
	if appendErr == nil {
		d.mesh.Broadcast(wire.Op{UserID: user, Kind: wire.OpNotif}, d.primacy.LivingSiblings())
	}
	d.replMu.Unlock()
	if appendErr != nil {
		d.logger.Fatal().Err(appendErr).Str("user", user).Msg("io-error appending notif record")
		return false
	}

	push := wire.Response{UserID: user, Kind: wire.RespNotif, OK: true, Chat: resp.Chat}
	encoded, err := wire.EncodeResponse(push)
	if err != nil {
		return false
	}
	if _, err := conn.Write([]byte(encoded + "\n")); err != nil {
		d.logger.Warn().Err(err).Str("user", user).Msg("subscriber-dead: push failed")
		return false
	}
	return true
}

func (d *Dispatcher) pingCheck(conn net.Conn, reader *bufio.Reader) bool {
	if _, err := conn.Write([]byte(wire.PingToken + "\n")); err != nil {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(d.pingDeadline))
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return trimNewline(line) == wire.PongToken
}

func (d *Dispatcher) release(user string, conn net.Conn) {
	d.mu.Lock()
	if current, ok := d.subscribers[user]; ok && current == conn {
		delete(d.subscribers, user)
	}
	d.mu.Unlock()
	conn.Close()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
