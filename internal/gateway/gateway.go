// Package gateway implements the CLIENT listener and the single
// dispatcher that serializes every state-machine mutation, whether it
// originates from a connected client (while primary) or from the peer
// mesh (while backup).
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/logging"
	"github.com/adred-codev/chatcluster/internal/oplog"
	"github.com/adred-codev/chatcluster/internal/statemachine"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Primacy is the subset of internal/health's Monitor the gateway needs:
// role and living-sibling queries, without importing health directly
// (keeps the dependency direction component-design → shared interface,
// not package → package).
type Primacy interface {
	IsPrimary() bool
	LivingSiblings() []string
}

// Broadcaster is the subset of internal/mesh the dispatcher needs to
// replicate important ops to living siblings.
type Broadcaster interface {
	Broadcast(op wire.Op, peerNames []string)
}

type clientRequest struct {
	op     wire.Op
	respCh chan wire.Response
}

// Gateway owns the CLIENT listener, the client-request queue, and the
// dispatcher loop.
type Gateway struct {
	self     cluster.Replica
	logger   zerolog.Logger
	primacy  Primacy
	mesh     Broadcaster
	sm       *statemachine.State
	log      *oplog.Log
	internal <-chan wire.Op
	replMu   *sync.Mutex

	clientQueue     chan clientRequest
	malformedLimiter *rate.Limiter

	acceptedRequests int64
	rejectedRequests int64
}

// New builds a Gateway for self. internal is the shared internal-
// request queue the peer mesh and health monitor push onto; it is
// drained by the dispatcher while this replica is backup. replMu is
// shared with internal/notify's Dispatcher: both append important ops
// to the same durable log and broadcast them to the same mesh, and
// replMu keeps an op's append-then-broadcast atomic across the two so
// a peer always observes ops in the same order they landed in this
// replica's own log.
func New(self cluster.Replica, logger zerolog.Logger, primacy Primacy, mesh Broadcaster, sm *statemachine.State, log *oplog.Log, internal <-chan wire.Op, replMu *sync.Mutex) *Gateway {
	return &Gateway{
		self:             self,
		logger:           logger,
		primacy:          primacy,
		mesh:             mesh,
		sm:               sm,
		log:              log,
		internal:         internal,
		replMu:           replMu,
		clientQueue:      make(chan clientRequest, 256),
		malformedLimiter: rate.NewLimiter(5, 5),
	}
}

// AcceptedRequests and RejectedRequests report lifetime counters for
// the metrics collector.
func (g *Gateway) AcceptedRequests() int64 { return atomic.LoadInt64(&g.acceptedRequests) }
func (g *Gateway) RejectedRequests() int64 { return atomic.LoadInt64(&g.rejectedRequests) }

// ListenAndServe runs the CLIENT listener, spawning a handler goroutine
// per accepted connection. Blocks until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.self.ClientPort))
	if err != nil {
		return fmt.Errorf("gateway: listen CLIENT: %w", err)
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
				return fmt.Errorf("gateway: accept: %w", err)
			}
		}
		go g.handleClient(ctx, conn)
	}
}

func (g *Gateway) handleClient(ctx context.Context, conn net.Conn) {
	defer logging.RecoverPanic(g.logger, "gateway.handleClient")
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = trimNewline(line)

		op, err := wire.DecodeOp(line)
		if err != nil {
			if g.malformedLimiter.Allow() {
				g.logger.Warn().Err(err).Str("line", line).Msg("malformed-record from client, closing connection")
			}
			return
		}

		if !g.primacy.IsPrimary() {
			atomic.AddInt64(&g.rejectedRequests, 1)
			resp := notPrimaryResponse(op)
			encoded, encErr := wire.EncodeResponse(resp)
			if encErr != nil {
				return
			}
			if _, err := conn.Write([]byte(encoded + "\n")); err != nil {
				return
			}
			continue
		}

		atomic.AddInt64(&g.acceptedRequests, 1)
		respCh := make(chan wire.Response, 1)
		select {
		case g.clientQueue <- clientRequest{op: op, respCh: respCh}:
		case <-ctx.Done():
			return
		}

		select {
		case resp := <-respCh:
			encoded, err := wire.EncodeResponse(resp)
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte(encoded + "\n")); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func notPrimaryResponse(op wire.Op) wire.Response {
	const errMsg = "not-primary"
	switch op.Kind {
	case wire.OpList:
		return wire.Response{UserID: op.UserID, Kind: wire.RespList, OK: false, Error: errMsg}
	case wire.OpLogs:
		return wire.Response{UserID: op.UserID, Kind: wire.RespLogs, OK: false, Error: errMsg}
	case wire.OpNotif:
		return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, OK: false, Error: errMsg}
	default:
		return wire.Response{UserID: op.UserID, Kind: wire.RespBasic, OK: false, Error: errMsg}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Run is the single dispatcher loop: it drains the client-request queue
// while primary and the internal-request queue while backup, applying
// every op through the state machine in strict arrival order. Blocks
// until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if g.primacy.IsPrimary() {
			g.drainAsPrimary(ctx)
		} else {
			g.drainAsBackup(ctx)
		}
	}
}

// drainAsPrimary processes client requests until ctx is cancelled or
// this replica stops being primary, at which point it returns so Run
// can switch to draining the internal queue.
const rolePollInterval = 100 * time.Millisecond

func (g *Gateway) drainAsPrimary(ctx context.Context) {
	pollTimer := time.NewTimer(rolePollInterval)
	defer pollTimer.Stop()
	for g.primacy.IsPrimary() {
		select {
		case <-ctx.Done():
			return
		case req := <-g.clientQueue:
			g.applyFromClient(req)
		case <-pollTimer.C:
			pollTimer.Reset(rolePollInterval)
		}
	}
}

func (g *Gateway) applyFromClient(req clientRequest) {
	resp := g.sm.Apply(req.op)
	if req.op.Kind.Important() {
		g.replMu.Lock()
		if err := g.log.Append(req.op); err != nil {
			g.logger.Fatal().Err(err).Msg("io-error appending client op, replica is no longer trustworthy")
		} else {
			g.mesh.Broadcast(req.op, g.primacy.LivingSiblings())
		}
		g.replMu.Unlock()
	}
	req.respCh <- resp
}

// drainAsBackup processes replicated ops from the internal queue until
// ctx is cancelled or a takeover marker promotes this replica to
// primary.
func (g *Gateway) drainAsBackup(ctx context.Context) {
	for !g.primacy.IsPrimary() {
		select {
		case <-ctx.Done():
			return
		case op := <-g.internal:
			if op.Kind == wire.OpTakeover {
				return
			}
			g.sm.Apply(op)
			if op.Kind.Important() {
				if err := g.log.Append(op); err != nil {
					g.logger.Fatal().Err(err).Msg("io-error appending replicated op, replica is no longer trustworthy")
				}
			}
		}
	}
}
