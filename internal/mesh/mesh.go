// Package mesh establishes and maintains the INTERNAL connections
// between a replica and every peer named in the cluster table, and
// once they are all up, consumes the steady-state stream of replicated
// operations arriving on them.
package mesh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/metrics"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type peerConn struct {
	name     string
	conn     net.Conn
	reader   *bufio.Reader
	progress int // the peer's advertised progress at handshake time

	writeMu sync.Mutex // serializes writes from concurrent broadcast paths (gateway sends, notify pushes)
}

// Mesh owns every INTERNAL connection for one replica.
type Mesh struct {
	self   cluster.Replica
	cfg    *cluster.Config
	logger zerolog.Logger

	dialDelay   time.Duration
	dialLimiter *rate.Limiter

	mu       sync.Mutex
	peers    map[string]*peerConn
	expected int
	ready    chan struct{}
	readyOnce sync.Once

	queue chan<- wire.Op
}

// New builds a Mesh for self. queue is the single internal-request
// queue every received op is pushed onto once steady-state consumption
// begins (RunConsumers).
func New(selfName string, cfg *cluster.Config, logger zerolog.Logger, queue chan<- wire.Op, dialDelay time.Duration, maxDialsPerSecond float64) (*Mesh, error) {
	self, ok := cfg.Replica(selfName)
	if !ok {
		return nil, fmt.Errorf("mesh: %q is not in the cluster table", selfName)
	}
	return &Mesh{
		self:        self,
		cfg:         cfg,
		logger:      logger,
		dialDelay:   dialDelay,
		dialLimiter: rate.NewLimiter(rate.Limit(maxDialsPerSecond), 1),
		peers:       make(map[string]*peerConn),
		expected:    len(cfg.Peers(selfName)),
		ready:       make(chan struct{}),
		queue:       queue,
	}, nil
}

// Ready returns a channel closed once every expected peer connection
// (inbound and outbound) has completed its handshake.
func (m *Mesh) Ready() <-chan struct{} {
	return m.ready
}

// Start spawns the INTERNAL listener and one dialer goroutine per
// outbound target. ownProgress is this replica's durable log progress
// at boot, exchanged in every handshake.
func (m *Mesh) Start(ctx context.Context, ownProgress int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.self.InternalPort))
	if err != nil {
		return fmt.Errorf("mesh: listen INTERNAL: %w", err)
	}

	go m.acceptLoop(ctx, ln, ownProgress)

	for _, name := range m.cfg.DialList(m.self.Name) {
		target, _ := m.cfg.Replica(name)
		go m.dialLoop(ctx, target, ownProgress)
	}

	if m.expected == 0 {
		m.readyOnce.Do(func() { close(m.ready) })
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return nil
}

func (m *Mesh) acceptLoop(ctx context.Context, ln net.Listener, ownProgress int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.logger.Error().Err(err).Msg("INTERNAL accept failed")
				return
			}
		}
		go m.handshakeInbound(conn, ownProgress)
	}
}

func (m *Mesh) dialLoop(ctx context.Context, target cluster.Replica, ownProgress int) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.InternalPort)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.dialLimiter.Wait(ctx); err != nil {
			return
		}

		metrics.IncMeshReconnect(target.Name)
		conn, err := net.DialTimeout("tcp", addr, m.dialDelay)
		if err != nil {
			m.logger.Debug().Err(err).Str("peer", target.Name).Msg("dial failed, retrying")
			time.Sleep(m.dialDelay)
			continue
		}

		if m.handshakeOutbound(conn, target.Name, ownProgress) {
			return
		}
		time.Sleep(m.dialDelay)
	}
}

func handshakeLine(name string, progress int) string {
	return fmt.Sprintf("%s@@%d", name, progress)
}

func parseHandshake(line string) (name string, progress int, err error) {
	parts := strings.SplitN(line, "@@", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("mesh: malformed handshake %q", line)
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("mesh: malformed handshake progress %q", line)
	}
	return parts[0], p, nil
}

func (m *Mesh) handshakeInbound(conn net.Conn, ownProgress int) {
	m.handshake(conn, "", ownProgress)
}

func (m *Mesh) handshakeOutbound(conn net.Conn, expectedName string, ownProgress int) bool {
	return m.handshake(conn, expectedName, ownProgress) != nil
}

// handshake performs the name@@progress exchange and, on success,
// registers the peer connection. expectedName is non-empty for
// outbound dials (we already know who we're calling); empty for
// inbound accepts (the remote tells us who it is).
func (m *Mesh) handshake(conn net.Conn, expectedName string, ownProgress int) *peerConn {
	reader := bufio.NewReader(conn)
	if _, err := conn.Write([]byte(handshakeLine(m.self.Name, ownProgress) + "\n")); err != nil {
		conn.Close()
		return nil
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil
	}
	name, progress, err := parseHandshake(trimNewline(line))
	if err != nil {
		m.logger.Error().Err(err).Msg("INTERNAL handshake failed")
		conn.Close()
		return nil
	}
	if expectedName != "" && name != expectedName {
		m.logger.Error().Str("expected", expectedName).Str("got", name).Msg("INTERNAL handshake peer mismatch")
		conn.Close()
		return nil
	}

	pc := &peerConn{name: name, conn: conn, reader: reader, progress: progress}

	m.mu.Lock()
	m.peers[name] = pc
	total := len(m.peers)
	m.mu.Unlock()

	m.logger.Info().Str("peer", name).Int("progress", progress).Msg("INTERNAL channel established")

	if total >= m.expected {
		m.readyOnce.Do(func() { close(m.ready) })
	}
	return pc
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Peers returns the names of currently connected peers.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.peers))
	for n := range m.peers {
		names = append(names, n)
	}
	return names
}

// PeerProgress returns the progress a peer advertised at handshake
// time. Only valid to rely on before RunConsumers starts mutating
// anyone's state concurrently — see internal/catchup.
func (m *Mesh) PeerProgress(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[name]
	if !ok {
		return 0, false
	}
	return pc.progress, true
}

// ReadLine blocks for one newline-terminated line from peer.
func (m *Mesh) ReadLine(name string) (string, error) {
	m.mu.Lock()
	pc, ok := m.peers[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mesh: no connection to peer %q", name)
	}
	line, err := pc.reader.ReadString('\n')
	if err != nil {
		m.removePeer(name)
		return "", err
	}
	return trimNewline(line), nil
}

// WriteLine writes line plus a trailing newline to peer. Callers on
// different goroutines (the gateway's send broadcasts, the notify
// dispatcher's notif broadcasts) can target the same peer at once;
// pc.writeMu serializes those so two lines can never interleave on the
// wire, keeping each peer's observed record order well-defined.
func (m *Mesh) WriteLine(name string, line string) error {
	m.mu.Lock()
	pc, ok := m.peers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: no connection to peer %q", name)
	}
	pc.writeMu.Lock()
	_, err := pc.conn.Write([]byte(line + "\n"))
	pc.writeMu.Unlock()
	if err != nil {
		m.removePeer(name)
		return fmt.Errorf("io-error: mesh write to %s: %w", name, err)
	}
	return nil
}

// Broadcast encodes op and writes it to every named peer, skipping (and
// logging, not failing) any that are no longer connected.
func (m *Mesh) Broadcast(op wire.Op, peerNames []string) {
	line, err := wire.EncodeOp(op)
	if err != nil {
		m.logger.Error().Err(err).Msg("refusing to broadcast op that fails to encode")
		return
	}
	for _, name := range peerNames {
		if err := m.WriteLine(name, line); err != nil {
			m.logger.Warn().Err(err).Str("peer", name).Msg("broadcast to peer failed")
		}
	}
}

func (m *Mesh) removePeer(name string) {
	m.mu.Lock()
	pc, ok := m.peers[name]
	if ok {
		delete(m.peers, name)
	}
	m.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// RunConsumers starts the steady-state per-peer read loop for every
// currently connected peer: every line received is decoded as an Op and
// pushed onto the internal-request queue. Call this only after catchup
// has finished using the raw connections directly.
func (m *Mesh) RunConsumers(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.peers))
	for n := range m.peers {
		names = append(names, n)
	}
	m.mu.Unlock()

	for _, name := range names {
		go m.consume(ctx, name)
	}
}

func (m *Mesh) consume(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("peer", name).Msg("mesh consumer panic recovered")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := m.ReadLine(name)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", name).Msg("peer disconnected")
			return
		}
		op, err := wire.DecodeOp(line)
		if err != nil {
			m.logger.Error().Err(err).Str("peer", name).Str("line", line).Msg("malformed-record from peer")
			continue
		}
		select {
		case m.queue <- op:
		case <-ctx.Done():
			return
		}
	}
}
