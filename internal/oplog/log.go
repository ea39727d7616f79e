// Package oplog implements the durable, append-only operation log each
// replica keeps: one marshaled operation per line, flushed to stable
// storage on every append, with a monotonic progress counter.
package oplog

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/adred-codev/chatcluster/internal/wire"
)

// Log is the append-only durable operation log for one replica. All
// methods are safe for concurrent use: the gateway's dispatcher, the
// notify dispatcher's per-subscriber goroutines, and catch-up all
// append to it.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	ops      []wire.Op // in-memory mirror, index i == progress position i
	progress int
}

// Open opens (or creates) the log file at path and replays its contents
// into memory so Progress/Slice are served without re-reading the file.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}

	l := &Log{file: f}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		op, err := wire.DecodeOp(line)
		if err != nil {
			return nil, fmt.Errorf("oplog: replay %s: %w", path, err)
		}
		l.ops = append(l.ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplog: replay %s: %w", path, err)
	}
	l.progress = len(l.ops)

	return l, nil
}

// Append durably writes op, flushes it to stable storage, and increments
// progress. Only important operations (create, login, delete, send,
// notif) may ever be appended; callers must filter list/logs/takeover
// before calling. A failure here is an io-error and is fatal to the
// replica process.
func (l *Log) Append(op wire.Op) error {
	if !op.Kind.Important() {
		return fmt.Errorf("oplog: refusing to append unimportant op kind %q", op.Kind)
	}

	line, err := wire.EncodeOp(op)
	if err != nil {
		return fmt.Errorf("oplog: encode: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("io-error: oplog append write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("io-error: oplog append fsync: %w", err)
	}

	l.ops = append(l.ops, op)
	l.progress++
	return nil
}

// Progress returns the number of durably-logged operations.
func (l *Log) Progress() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// Slice returns the operations at positions [lo, hi). Both bounds are
// clamped to the valid range; an inverted or empty range yields nil.
func (l *Log) Slice(lo, hi int) []wire.Op {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lo < 0 {
		lo = 0
	}
	if hi > len(l.ops) {
		hi = len(l.ops)
	}
	if lo >= hi {
		return nil
	}

	out := make([]wire.Op, hi-lo)
	copy(out, l.ops[lo:hi])
	return out
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
