package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/otelgate/internal/logging"
	"github.com/tinytelemetry/otelgate/internal/sink"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	var configPath string
	var showVersion bool
	var printConfig bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/otelgate/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("otelgate - OTLP WebSocket Gateway\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if printConfig {
		if err := writeConfigYAML(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func writeConfigYAML(w io.Writer, cfg appConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "otelgate")

	v := viper.New()
	v.SetEnvPrefix("OTELGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("ws-port", defaultWSPort)
	v.SetDefault("ws-path", defaultWSPath)
	v.SetDefault("max-sessions", defaultMaxSessions)
	v.SetDefault("read-limit", defaultReadLimit)
	v.SetDefault("idle-timeout", defaultIdleTimeout)
	v.SetDefault("ws-compression", true)
	v.SetDefault("max-decompressed-size", defaultMaxDecompressedSize)
	v.SetDefault("sink-queue-size", defaultSinkQueueSize)
	v.SetDefault("sink-policy", defaultSinkPolicy)
	v.SetDefault("sink-block-timeout", defaultSinkBlockTimeout)
	v.SetDefault("console-enabled", true)
	v.SetDefault("console-verbose", false)
	v.SetDefault("store-enabled", true)
	v.SetDefault("db-path", filepath.Join(dataDir, "otelgate.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(dataDir, "ingest.journal"))
	v.SetDefault("retention-days", defaultRetentionDays)
	v.SetDefault("nats-enabled", false)
	v.SetDefault("nats-url", defaultNATSURL)
	v.SetDefault("nats-subject-prefix", sink.DefaultSubjectPrefix)
	v.SetDefault("grpc-enabled", false)
	v.SetDefault("grpc-port", defaultGRPCPort)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-dir", logging.DefaultDir())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "otelgate", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, statErr := os.Stat(cfg.ConfigPath); statErr != nil {
		cfg.ConfigPath = ""
	}

	for _, p := range []struct {
		key  string
		port int
	}{
		{"ws-port", cfg.WSPort},
		{"grpc-port", cfg.GRPCPort},
		{"api-port", cfg.APIPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			return cfg, fmt.Errorf("invalid %s: %d", p.key, p.port)
		}
	}
	if cfg.MaxSessions < 0 {
		return cfg, fmt.Errorf("invalid max-sessions: %d", cfg.MaxSessions)
	}
	if cfg.SinkQueueSize <= 0 {
		return cfg, fmt.Errorf("invalid sink-queue-size: %d", cfg.SinkQueueSize)
	}
	if _, err := sink.ParsePolicy(cfg.SinkPolicy); err != nil {
		return cfg, fmt.Errorf("invalid sink-policy: %w", err)
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return cfg, fmt.Errorf("invalid ws-path %q: must start with /", cfg.WSPath)
	}

	// Expand ~ in file paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.LogDir = expandHome(home, cfg.LogDir)

	if cfg.WSAddr == "" {
		cfg.WSAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.WSPort))
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
