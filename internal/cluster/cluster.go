// Package cluster loads the static replica table that every replica and
// every client in the cluster shares: names, hosts, the four ports per
// replica, and the derived dial topology. It is deliberately not part
// of the env-var configuration surface (internal/config) because its
// shape is a list of records, not a flat set of scalars.
package cluster

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Replica is one row of the static cluster table.
type Replica struct {
	Name         string
	Host         string
	InternalPort int
	ClientPort   int
	HealthPort   int
	NotifPort    int
}

// Config is the parsed, immutable cluster table. Every replica and
// every client loads the same file and derives the same topology from
// it.
type Config struct {
	byName   map[string]Replica
	ordered  []string // names sorted lexicographically ascending
	replicas []Replica
}

// Load reads the cluster table from path. Each non-empty, non-comment
// line has the form:
//
//	name host internal_port client_port health_port notif_port
//
// Lines starting with '#' and blank lines are ignored.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{byName: make(map[string]Replica)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("cluster: %s line %d: %w", path, lineNo, err)
		}
		if _, dup := cfg.byName[r.Name]; dup {
			return nil, fmt.Errorf("cluster: %s line %d: duplicate replica name %q", path, lineNo, r.Name)
		}
		cfg.byName[r.Name] = r
		cfg.replicas = append(cfg.replicas, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cluster: reading %s: %w", path, err)
	}
	if len(cfg.replicas) == 0 {
		return nil, fmt.Errorf("cluster: %s defines no replicas", path)
	}

	cfg.ordered = make([]string, 0, len(cfg.replicas))
	for name := range cfg.byName {
		cfg.ordered = append(cfg.ordered, name)
	}
	sort.Strings(cfg.ordered)

	return cfg, nil
}

func parseLine(line string) (Replica, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return Replica{}, fmt.Errorf("expected 6 fields, got %d: %q", len(fields), line)
	}
	ports := make([]int, 4)
	for i, s := range fields[2:] {
		p, err := strconv.Atoi(s)
		if err != nil {
			return Replica{}, fmt.Errorf("port field %q: %w", s, err)
		}
		ports[i] = p
	}
	return Replica{
		Name:         fields[0],
		Host:         fields[1],
		InternalPort: ports[0],
		ClientPort:   ports[1],
		HealthPort:   ports[2],
		NotifPort:    ports[3],
	}, nil
}

// New builds a Config directly from a list of replicas, without going
// through a file. Useful for tests and for callers that already have
// the table in memory.
func New(replicas []Replica) (*Config, error) {
	cfg := &Config{byName: make(map[string]Replica)}
	for _, r := range replicas {
		if _, dup := cfg.byName[r.Name]; dup {
			return nil, fmt.Errorf("cluster: duplicate replica name %q", r.Name)
		}
		cfg.byName[r.Name] = r
		cfg.replicas = append(cfg.replicas, r)
	}
	if len(cfg.replicas) == 0 {
		return nil, fmt.Errorf("cluster: empty replica list")
	}
	for name := range cfg.byName {
		cfg.ordered = append(cfg.ordered, name)
	}
	sort.Strings(cfg.ordered)
	return cfg, nil
}

// Replica returns the record for name.
func (c *Config) Replica(name string) (Replica, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// Names returns every replica name in lexicographic order.
func (c *Config) Names() []string {
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Peers returns every replica other than name, in lexicographic order.
func (c *Config) Peers(name string) []Replica {
	var out []Replica
	for _, n := range c.ordered {
		if n == name {
			continue
		}
		out = append(out, c.byName[n])
	}
	return out
}

// DialList returns the names self must dial out to: every peer whose
// name is lexicographically smaller than self's. For names a<b, a
// listens and b dials, so that every pair forms exactly one INTERNAL
// channel.
func (c *Config) DialList(self string) []string {
	var out []string
	for _, n := range c.ordered {
		if n < self {
			out = append(out, n)
		}
	}
	return out
}

// NumListens returns the count of peers that will dial in to self:
// every peer whose name is lexicographically greater than self's.
func (c *Config) NumListens(self string) int {
	n := 0
	for _, name := range c.ordered {
		if name > self {
			n++
		}
	}
	return n
}

// Primary returns the lexicographically first name among candidates
// (self union its living siblings). candidates need not be sorted or
// include self; the caller passes {self} ∪ living_siblings.
func Primary(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c < best {
			best = c
		}
	}
	return best
}
