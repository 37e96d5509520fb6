package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetOtelgateEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantHost     string
		wantWSAddr   string
		wantGRPCAddr string
		wantAPIAddr  string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
ws-port: 8100
api-port: 3100
`,
			wantHost:     "127.0.0.1",
			wantWSAddr:   "127.0.0.1:8100",
			wantGRPCAddr: "127.0.0.1:4317",
			wantAPIAddr:  "127.0.0.1:3100",
		},
		{
			name: "host applies to derived addresses",
			configYAML: `
host: 0.0.0.0
ws-port: 8200
grpc-port: 4400
api-port: 3200
`,
			wantHost:     "0.0.0.0",
			wantWSAddr:   "0.0.0.0:8200",
			wantGRPCAddr: "0.0.0.0:4400",
			wantAPIAddr:  "0.0.0.0:3200",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
ws-addr: 10.0.0.5:9999
grpc-addr: 10.0.0.5:7777
api-addr: 10.0.0.5:8888
`,
			wantHost:     "0.0.0.0",
			wantWSAddr:   "10.0.0.5:9999",
			wantGRPCAddr: "10.0.0.5:7777",
			wantAPIAddr:  "10.0.0.5:8888",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML))
			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Fatalf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.WSAddr != tt.wantWSAddr {
				t.Fatalf("WSAddr = %q, want %q", cfg.WSAddr, tt.wantWSAddr)
			}
			if cfg.GRPCAddr != tt.wantGRPCAddr {
				t.Fatalf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tt.wantGRPCAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetOtelgateEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, "log-level: debug"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.WSPath != "/" {
		t.Errorf("WSPath = %q, want /", cfg.WSPath)
	}
	if cfg.MaxSessions != defaultMaxSessions {
		t.Errorf("MaxSessions = %d, want %d", cfg.MaxSessions, defaultMaxSessions)
	}
	if cfg.SinkPolicy != "block" {
		t.Errorf("SinkPolicy = %q, want block", cfg.SinkPolicy)
	}
	if cfg.IdleTimeout != defaultIdleTimeout {
		t.Errorf("IdleTimeout = %s, want %s", cfg.IdleTimeout, defaultIdleTimeout)
	}
	if !cfg.ConsoleEnabled || !cfg.StoreEnabled || !cfg.APIEnabled {
		t.Errorf("console/store/api should default on: %+v", cfg)
	}
	if cfg.NATSEnabled || cfg.GRPCEnabled || cfg.JournalEnabled {
		t.Errorf("nats/grpc/journal should default off: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ConfigPath == "" {
		t.Error("ConfigPath should record the file used")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	resetOtelgateEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		errSubstring string
	}{
		{name: "ws port out of range", configYAML: "ws-port: 70000", errSubstring: "invalid ws-port"},
		{name: "api port zero", configYAML: "api-port: 0", errSubstring: "invalid api-port"},
		{name: "grpc port negative", configYAML: "grpc-port: -1", errSubstring: "invalid grpc-port"},
		{name: "negative max sessions", configYAML: "max-sessions: -1", errSubstring: "invalid max-sessions"},
		{name: "zero queue", configYAML: "sink-queue-size: 0", errSubstring: "invalid sink-queue-size"},
		{name: "unknown policy", configYAML: "sink-policy: spill", errSubstring: "invalid sink-policy"},
		{name: "relative path", configYAML: "ws-path: ingest", errSubstring: "invalid ws-path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeTempConfig(t, tt.configYAML))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errSubstring) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
			}
		})
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetOtelgateEnv(t)
	t.Setenv("OTELGATE_SINK_POLICY", "drop")
	t.Setenv("OTELGATE_MAX_SESSIONS", "0")
	t.Setenv("OTELGATE_IDLE_TIMEOUT", "2m")

	cfg, err := loadConfig(writeTempConfig(t, "sink-policy: block\nmax-sessions: 10"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.SinkPolicy != "drop" {
		t.Errorf("SinkPolicy = %q, want drop", cfg.SinkPolicy)
	}
	if cfg.MaxSessions != 0 {
		t.Errorf("MaxSessions = %d, want 0", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %s, want 2m", cfg.IdleTimeout)
	}
}

func TestLoadConfig_ExpandsHomePaths(t *testing.T) {
	resetOtelgateEnv(t)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	cfg, err := loadConfig(writeTempConfig(t, "db-path: ~/data/gate.duckdb\njournal-path: ~/data/ingest.journal"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if want := filepath.Join(home, "data", "gate.duckdb"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if want := filepath.Join(home, "data", "ingest.journal"); cfg.JournalPath != want {
		t.Errorf("JournalPath = %q, want %q", cfg.JournalPath, want)
	}
}

func TestWriteConfigYAML_UsesConfigKeys(t *testing.T) {
	resetOtelgateEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, "ws-port: 8123"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	var buf bytes.Buffer
	if err := writeConfigYAML(&buf, cfg); err != nil {
		t.Fatalf("writeConfigYAML: %v", err)
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if decoded["ws-port"] != 8123 {
		t.Fatalf("ws-port = %v, want 8123", decoded["ws-port"])
	}
	if decoded["ws-addr"] != "127.0.0.1:8123" {
		t.Fatalf("ws-addr = %v", decoded["ws-addr"])
	}
	if _, ok := decoded["ConfigPath"]; ok {
		t.Fatal("ConfigPath should not be printed")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetOtelgateEnv(t *testing.T) {
	t.Helper()

	original := make(map[string]string)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "OTELGATE_") {
			continue
		}
		original[key] = value
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}

	t.Cleanup(func() {
		for key, value := range original {
			if err := os.Setenv(key, value); err != nil {
				t.Fatalf("cleanup restore %s: %v", key, err)
			}
		}
	})
}
