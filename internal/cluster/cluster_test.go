package cluster

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleTable = `# name host internal client health notif
achele 10.0.0.1 7001 7002 7003 7004
bob    10.0.0.2 7001 7002 7003 7004
ream   10.0.0.3 7001 7002 7003 7004
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.conf")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoadAndDialTopology(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Names(), []string{"achele", "bob", "ream"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	// achele is lexicographically smallest: it listens for both others,
	// dials no one.
	if got := cfg.DialList("achele"); got != nil {
		t.Errorf("DialList(achele) = %v, want nil", got)
	}
	if got := cfg.NumListens("achele"); got != 2 {
		t.Errorf("NumListens(achele) = %d, want 2", got)
	}

	// ream is lexicographically largest: it dials both others, listens
	// for none.
	if got, want := cfg.DialList("ream"), []string{"achele", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("DialList(ream) = %v, want %v", got, want)
	}
	if got := cfg.NumListens("ream"); got != 0 {
		t.Errorf("NumListens(ream) = %d, want 0", got)
	}

	// bob sits in the middle: dials achele, listens for ream.
	if got, want := cfg.DialList("bob"), []string{"achele"}; !reflect.DeepEqual(got, want) {
		t.Errorf("DialList(bob) = %v, want %v", got, want)
	}
	if got := cfg.NumListens("bob"); got != 1 {
		t.Errorf("NumListens(bob) = %d, want 1", got)
	}

	peers := cfg.Peers("bob")
	if len(peers) != 2 || peers[0].Name != "achele" || peers[1].Name != "ream" {
		t.Errorf("Peers(bob) = %+v, want [achele, ream]", peers)
	}
}

func TestPrimaryIsLexicographicallySmallest(t *testing.T) {
	cases := []struct {
		candidates []string
		want       string
	}{
		{[]string{"ream"}, "ream"},
		{[]string{"ream", "achele", "bob"}, "achele"},
		{[]string{"bob", "achele"}, "achele"},
	}
	for _, c := range cases {
		if got := Primary(c.candidates); got != c.want {
			t.Errorf("Primary(%v) = %q, want %q", c.candidates, got, c.want)
		}
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("ream 10.0.0.1 7001 7002\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error loading malformed cluster table")
	}
}
