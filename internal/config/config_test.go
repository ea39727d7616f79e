package config

import "testing"

func TestLoadAppliesDefaultsAndRequired(t *testing.T) {
	t.Setenv("REPLICA_NAME", "ream")
	t.Setenv("CLUSTER_FILE", "/tmp/cluster.conf")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReplicaName != "ream" {
		t.Errorf("ReplicaName = %q, want ream", cfg.ReplicaName)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info (default)", cfg.LogLevel)
	}
	if cfg.NotifDequeueTimeout.Seconds() != 3 {
		t.Errorf("NotifDequeueTimeout = %s, want 3s (default)", cfg.NotifDequeueTimeout)
	}
}

func TestLoadFailsWithoutRequiredFields(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Error("expected error loading config with no REPLICA_NAME/CLUSTER_FILE set")
	}
}
