// Package health implements the HEALTH listener and the periodic
// liveness probe that together maintain the living-siblings set and
// derive is_primary by static lexicographic order.
package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Monitor owns a replica's HEALTH listener, probe loop, living-siblings
// set, and is_primary computation.
type Monitor struct {
	self   string
	cfg    *cluster.Config
	logger zerolog.Logger

	probeInterval time.Duration
	probeTimeout  time.Duration

	queue chan<- wire.Op

	mu        sync.RWMutex
	living    map[string]bool
	isPrimary bool
}

// New builds a Monitor for self. queue is the internal-request queue a
// false→true is_primary transition pushes a takeover marker onto.
func New(self string, cfg *cluster.Config, logger zerolog.Logger, probeInterval, probeTimeout time.Duration, queue chan<- wire.Op) *Monitor {
	return &Monitor{
		self:          self,
		cfg:           cfg,
		logger:        logger,
		probeInterval: probeInterval,
		probeTimeout:  probeTimeout,
		queue:         queue,
		living:        make(map[string]bool),
	}
}

// IsPrimary reports this replica's current primary/backup role.
func (m *Monitor) IsPrimary() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPrimary
}

// LivingSiblings returns the names currently believed reachable.
func (m *Monitor) LivingSiblings() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.living))
	for n := range m.living {
		out = append(out, n)
	}
	return out
}

// ListenAndServe runs the HEALTH listener: accept one connection, read
// whatever bytes arrive, answer with the ping token, close. Blocks
// until ctx is cancelled or the listener fails.
func (m *Monitor) ListenAndServe(ctx context.Context) error {
	self, ok := m.cfg.Replica(m.self)
	if !ok {
		return fmt.Errorf("health: %q is not in the cluster table", m.self)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", self.HealthPort))
	if err != nil {
		return fmt.Errorf("health: listen HEALTH: %w", err)
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
				return fmt.Errorf("health: accept: %w", err)
			}
		}
		go m.serveOne(conn)
	}
}

func (m *Monitor) serveOne(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(m.probeTimeout))
	buf := make([]byte, 256)
	conn.Read(buf) // the prober only needs our response; any bytes it sent are a liveness nudge
	conn.Write([]byte(wire.PingToken + "\n"))
	conn.Write([]byte(diagnosticsLine() + "\n"))
}

// diagnosticsLine reports process RSS and host CPU percent as an
// additive second line a prober is free to ignore; probe() only reads
// the first line, so this never affects liveness semantics.
func diagnosticsLine() string {
	rss := int64(0)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rss = int64(mi.RSS)
		}
	}
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return fmt.Sprintf("@@diag@@%d@@%.2f", rss, cpuPct)
}

// Run drives the periodic probe loop until ctx is cancelled. Each pass
// probes every configured sibling, updates the living set, and
// recomputes is_primary, pushing a takeover marker on a false→true
// transition.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.pass()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pass()
		}
	}
}

func (m *Monitor) pass() {
	peers := m.cfg.Peers(m.self)
	newLiving := make(map[string]bool, len(peers))
	for _, p := range peers {
		if m.probe(p) {
			newLiving[p.Name] = true
		}
	}

	m.mu.Lock()
	m.living = newLiving
	candidates := make([]string, 0, len(newLiving)+1)
	candidates = append(candidates, m.self)
	for n := range newLiving {
		candidates = append(candidates, n)
	}
	wasPrimary := m.isPrimary
	m.isPrimary = cluster.Primary(candidates) == m.self
	becamePrimary := !wasPrimary && m.isPrimary
	m.mu.Unlock()

	if becamePrimary {
		m.logger.Info().Msg("became primary, pushing takeover marker")
		m.queue <- wire.Op{Kind: wire.OpTakeover}
	}
}

func (m *Monitor) probe(p cluster.Replica) bool {
	addr := fmt.Sprintf("%s:%d", p.Host, p.HealthPort)
	conn, err := net.DialTimeout("tcp", addr, m.probeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(m.probeTimeout))
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		return false
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return len(line) > 0
}
