// Package sink defines where decoded records go after a session classifies
// them, plus the stock implementations the gateway wires together.
package sink

import (
	"context"
	"errors"

	"github.com/tinytelemetry/otelgate/internal/model"
)

var (
	// ErrBackpressure means the sink could not accept the record right now.
	// The record is not retried; the caller decides whether to log or count it.
	ErrBackpressure = errors.New("sink: backpressure")
	// ErrClosed is returned by Publish after the sink has been shut down.
	ErrClosed = errors.New("sink: closed")
)

// Sink receives decoded records. A nil error is the acknowledgement.
// Implementations must be safe for concurrent Publish calls.
type Sink interface {
	Publish(ctx context.Context, rec *model.DecodedRecord) error
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, rec *model.DecodedRecord) error

func (f Func) Publish(ctx context.Context, rec *model.DecodedRecord) error {
	return f(ctx, rec)
}

// Discard acknowledges and drops every record.
var Discard Sink = Func(func(context.Context, *model.DecodedRecord) error { return nil })
