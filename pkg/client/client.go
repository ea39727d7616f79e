// Package client is the connector shipped to external collaborators:
// it owns the CLIENT and NOTIF sockets to the cluster, finds the
// current primary by probing the static replica list, and retries
// transparently on disconnect.
package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/wire"
)

// NotifHandler is invoked for every pushed notification received on
// the subscription channel.
type NotifHandler func(wire.Response)

// Conn is the connector's state: the current CLIENT socket to whatever
// replica last answered as primary, plus the static topology it
// searches over.
type Conn struct {
	topo   *cluster.Config
	dialTO time.Duration

	mu     sync.Mutex
	idx    int
	conn   net.Conn
	reader *bufio.Reader
}

// New builds a connector over topo, starting its primary search at
// index 0 as spec.md's connector does.
func New(topo *cluster.Config, dialTimeout time.Duration) *Conn {
	return &Conn{topo: topo, dialTO: dialTimeout}
}

// Connect runs (or re-runs) the primary search: starting at the
// connector's current index, it tries every replica in the static
// list, modulo N, until one answers a probe op as primary.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Conn) connectLocked() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	names := c.topo.Names()
	n := len(names)
	if n == 0 {
		return fmt.Errorf("client: empty cluster table")
	}

	for i := 0; i < n; i++ {
		idx := (c.idx + i) % n
		name := names[idx]
		r, _ := c.topo.Replica(name)
		addr := fmt.Sprintf("%s:%d", r.Host, r.ClientPort)

		conn, err := net.DialTimeout("tcp", addr, c.dialTO)
		if err != nil {
			continue
		}
		reader := bufio.NewReader(conn)

		probe, err := wire.EncodeOp(wire.Op{UserID: "", Kind: wire.OpList, Wildcard: "", Page: 0})
		if err != nil {
			conn.Close()
			return fmt.Errorf("client: encode probe: %w", err)
		}
		if _, err := conn.Write([]byte(probe + "\n")); err != nil {
			conn.Close()
			continue
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			continue
		}
		resp, err := wire.DecodeResponse(trimNewline(line))
		if err != nil {
			conn.Close()
			continue
		}
		if !resp.OK && resp.Error == "not-primary" {
			conn.Close()
			c.idx = (idx + 1) % n
			continue
		}

		c.conn = conn
		c.reader = reader
		c.idx = idx
		return nil
	}

	return fmt.Errorf("client: no replica in the cluster answered as primary")
}

// SendRequest writes op and reads one framed response. On any I/O
// failure it reconnects via the primary search and retries the same
// request, unboundedly, as spec.md's connector requires. An op the
// codec refuses to encode is returned as an error without retrying.
func (c *Conn) SendRequest(op wire.Op) (wire.Response, error) {
	if _, err := wire.EncodeOp(op); err != nil {
		return wire.Response{}, err
	}
	for {
		resp, err := c.tryOnce(op)
		if err == nil {
			return resp, nil
		}
		if reconnErr := c.Connect(); reconnErr != nil {
			time.Sleep(c.dialTO)
		}
	}
}

func (c *Conn) tryOnce(op wire.Op) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return wire.Response{}, fmt.Errorf("client: not connected")
	}

	line, err := wire.EncodeOp(op)
	if err != nil {
		return wire.Response{}, err
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.conn.Close()
		c.conn = nil
		return wire.Response{}, err
	}
	respLine, err := c.reader.ReadString('\n')
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return wire.Response{}, err
	}
	resp, err := wire.DecodeResponse(trimNewline(respLine))
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return wire.Response{}, err
	}
	if !resp.OK && resp.Error == "not-primary" {
		c.conn.Close()
		c.conn = nil
		return wire.Response{}, fmt.Errorf("client: not-primary")
	}
	return resp, nil
}

// Subscribe opens a NOTIF socket for user, and on success spawns a
// background goroutine answering pings and delivering notifs to
// handler until the socket is dropped.
//
// It dials NOTIF ports in topo.Names() order and keeps the first one
// that accepts the connection, rather than asking each replica whether
// it is primary; if that replica refuses the registration, Subscribe
// returns the refusal without trying further replicas. That is safe
// because every replica runs the NOTIF listener regardless of role (only delivery, not subscription, is
// primary-gated) and primacy itself is decided by the same
// lexicographic order: the first reachable name is always the current
// primary.
func Subscribe(topo *cluster.Config, dialTimeout time.Duration, user string, handler NotifHandler) error {
	names := topo.Names()
	var lastErr error
	for i := 0; i < len(names); i++ {
		r, _ := topo.Replica(names[i])
		addr := fmt.Sprintf("%s:%d", r.Host, r.NotifPort)

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := conn.Write([]byte(user + "\n")); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		ack, err := wire.DecodeResponse(trimNewline(line))
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		if !ack.OK {
			conn.Close()
			return fmt.Errorf("client: subscribe(%s): %s", user, ack.Error)
		}

		go subscriberLoop(conn, reader, handler)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("client: no replica reachable for subscribe(%s)", user)
	}
	return lastErr
}

func subscriberLoop(conn net.Conn, reader *bufio.Reader, handler NotifHandler) {
	defer conn.Close()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = trimNewline(line)
		if line == wire.PingToken {
			if _, err := conn.Write([]byte(wire.PongToken + "\n")); err != nil {
				return
			}
			continue
		}
		resp, err := wire.DecodeResponse(line)
		if err != nil {
			continue
		}
		if handler != nil {
			handler(resp)
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
