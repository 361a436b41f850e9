package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileUnmarshalsSections(t *testing.T) {
	path := writeTestConfig(t, `
channel:
  max_packets: 250
  peer_contract: "00000000000000000000000000000000000009"
relay:
  chain_id: 9
  listen_addr: ":9901"
  peer_endpoints: ["ws://peer-a:8901/relay"]
  ping_interval: 5s
metrics:
  listen_addr: ":9902"
logging:
  level: "debug"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Channel.MaxPackets != 250 {
		t.Fatalf("max_packets = %d, want 250", cfg.Channel.MaxPackets)
	}
	if cfg.Relay.ChainID != 9 {
		t.Fatalf("chain_id = %d, want 9", cfg.Relay.ChainID)
	}
	if cfg.Relay.ListenAddr != ":9901" {
		t.Fatalf("relay listen_addr = %q, want :9901", cfg.Relay.ListenAddr)
	}
	if len(cfg.Relay.PeerEndpoints) != 1 || cfg.Relay.PeerEndpoints[0] != "ws://peer-a:8901/relay" {
		t.Fatalf("unexpected peer_endpoints: %v", cfg.Relay.PeerEndpoints)
	}
	if cfg.Relay.PingInterval != 5*time.Second {
		t.Fatalf("ping_interval = %v, want 5s", cfg.Relay.PingInterval)
	}
	if cfg.Metrics.ListenAddr != ":9902" {
		t.Fatalf("metrics listen_addr = %q, want :9902", cfg.Metrics.ListenAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
channel:
  peer_contract: "0000000000000000000000000000000000000a"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Relay.PingInterval != 3*time.Second {
		t.Fatalf("default ping_interval = %v, want 3s", cfg.Relay.PingInterval)
	}
	if cfg.Relay.ListenAddr != ":8901" {
		t.Fatalf("default relay listen_addr = %q, want :8901", cfg.Relay.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9101" {
		t.Fatalf("default metrics listen_addr = %q, want :9101", cfg.Metrics.ListenAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("default logging level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// writeSearchPathConfig lays out a cmd/config/default.yaml plus an
// environment overlay under a temp directory and chdirs into it, the
// layout Load/LoadFromEnv search by default (icprelayd's --env flag, as
// opposed to --config's explicit single-file path).
func writeSearchPathConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	confDir := filepath.Join(dir, "cmd", "config")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatalf("mkdir cmd/config: %v", err)
	}
	defaultBody := `
channel:
  max_packets: 100
relay:
  chain_id: 1
  listen_addr: ":8901"
logging:
  level: "info"
`
	if err := os.WriteFile(filepath.Join(confDir, "default.yaml"), []byte(defaultBody), 0o644); err != nil {
		t.Fatalf("write default.yaml: %v", err)
	}
	stagingBody := `
relay:
  chain_id: 2
logging:
  level: "debug"
`
	if err := os.WriteFile(filepath.Join(confDir, "staging.yaml"), []byte(stagingBody), 0o644); err != nil {
		t.Fatalf("write staging.yaml: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadMergesEnvOverlay(t *testing.T) {
	writeSearchPathConfig(t)

	cfg, err := Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.ChainID != 2 {
		t.Fatalf("chain_id = %d, want 2 from the staging overlay", cfg.Relay.ChainID)
	}
	if cfg.Channel.MaxPackets != 100 {
		t.Fatalf("max_packets = %d, want 100 inherited from default.yaml", cfg.Channel.MaxPackets)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q, want debug from the staging overlay", cfg.Logging.Level)
	}
}

func TestLoadFromEnvReadsICPRelayEnv(t *testing.T) {
	writeSearchPathConfig(t)
	t.Setenv("ICP_RELAY_ENV", "staging")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Relay.ChainID != 2 {
		t.Fatalf("chain_id = %d, want 2 from the ICP_RELAY_ENV=staging overlay", cfg.Relay.ChainID)
	}
}
