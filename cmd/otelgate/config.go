package main

import (
	"time"

	"github.com/tinytelemetry/otelgate/internal/duckdb"
	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
	"github.com/tinytelemetry/otelgate/internal/wsserver"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultWSPort              = model.DefaultWSPort
	defaultWSPath              = wsserver.DefaultPath
	defaultMaxSessions         = wsserver.DefaultMaxSessions
	defaultReadLimit           = model.DefaultReadLimit
	defaultIdleTimeout         = model.DefaultIdleTimeout
	defaultMaxDecompressedSize = model.DefaultMaxDecompressedSize
	defaultSinkQueueSize       = model.DefaultSinkQueueSize
	defaultSinkPolicy          = string(sink.PolicyBlock)
	defaultSinkBlockTimeout    = sink.DefaultBlockTimeout
	defaultAPIPort             = 3000
	defaultGRPCPort            = 4317
	defaultQueryTimeout        = duckdb.DefaultQueryTimeout
	defaultInsertBatchSize     = duckdb.DefaultBatchSize
	defaultInsertFlushInterval = duckdb.DefaultFlushInterval
	defaultInsertFlushQueue    = duckdb.DefaultFlushQueueSize
	defaultRetentionDays       = duckdb.DefaultRetentionDays
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultLogLevel            = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host string `mapstructure:"host" yaml:"host"`

	WSPort              int           `mapstructure:"ws-port" yaml:"ws-port"`
	WSAddr              string        `mapstructure:"ws-addr" yaml:"ws-addr"`
	WSPath              string        `mapstructure:"ws-path" yaml:"ws-path"`
	MaxSessions         int           `mapstructure:"max-sessions" yaml:"max-sessions"`
	ReadLimit           int64         `mapstructure:"read-limit" yaml:"read-limit"`
	IdleTimeout         time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
	WSCompression       bool          `mapstructure:"ws-compression" yaml:"ws-compression"`
	MaxDecompressedSize int64         `mapstructure:"max-decompressed-size" yaml:"max-decompressed-size"`

	SinkQueueSize    int           `mapstructure:"sink-queue-size" yaml:"sink-queue-size"`
	SinkPolicy       string        `mapstructure:"sink-policy" yaml:"sink-policy"`
	SinkBlockTimeout time.Duration `mapstructure:"sink-block-timeout" yaml:"sink-block-timeout"`
	ConsoleEnabled   bool          `mapstructure:"console-enabled" yaml:"console-enabled"`
	ConsoleVerbose   bool          `mapstructure:"console-verbose" yaml:"console-verbose"`

	StoreEnabled        bool          `mapstructure:"store-enabled" yaml:"store-enabled"`
	DBPath              string        `mapstructure:"db-path" yaml:"db-path"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size" yaml:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval" yaml:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size" yaml:"insert-flush-queue-size"`
	JournalEnabled      bool          `mapstructure:"journal-enabled" yaml:"journal-enabled"`
	JournalPath         string        `mapstructure:"journal-path" yaml:"journal-path"`
	RetentionDays       int           `mapstructure:"retention-days" yaml:"retention-days"`

	NATSEnabled       bool   `mapstructure:"nats-enabled" yaml:"nats-enabled"`
	NATSURL           string `mapstructure:"nats-url" yaml:"nats-url"`
	NATSSubjectPrefix string `mapstructure:"nats-subject-prefix" yaml:"nats-subject-prefix"`

	GRPCEnabled bool   `mapstructure:"grpc-enabled" yaml:"grpc-enabled"`
	GRPCPort    int    `mapstructure:"grpc-port" yaml:"grpc-port"`
	GRPCAddr    string `mapstructure:"grpc-addr" yaml:"grpc-addr"`

	APIEnabled bool   `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort    int    `mapstructure:"api-port" yaml:"api-port"`
	APIAddr    string `mapstructure:"api-addr" yaml:"api-addr"`

	LogLevel string `mapstructure:"log-level" yaml:"log-level"`
	LogDir   string `mapstructure:"log-dir" yaml:"log-dir"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}
