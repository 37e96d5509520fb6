package model

import "time"

// Shared defaults used by the gateway binary and its packages.
const (
	DefaultWSPort              = 8080
	DefaultReadLimit           = 16 * 1024 * 1024
	DefaultMaxDecompressedSize = 64 * 1024 * 1024
	DefaultIdleTimeout         = 90 * time.Second
	DefaultSinkQueueSize       = 4096
)
