// Package session runs the read loop for one producer connection: each binary
// frame is decompressed, classified and published before the next read.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/decompress"
	"github.com/tinytelemetry/otelgate/internal/logparse"
	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
	"github.com/tinytelemetry/otelgate/internal/sniff"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("session: already running")

// maxTextLog bounds how much of a text frame is copied into the log.
const maxTextLog = 512

// State is the lifecycle stage of a session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameReader yields frames from a connection. Close must unblock a pending
// ReadFrame.
type FrameReader interface {
	ReadFrame() (model.Frame, error)
	Close() error
}

// Config wires a session to its collaborators. Sink is required.
type Config struct {
	ID           string
	RemoteAddr   string
	Sink         sink.Sink
	Decoder      *sniff.Decoder
	Decompressor decompress.Decompressor
	Metrics      *metrics.Metrics
}

// Session is one connection's read loop and counters.
type Session struct {
	id      string
	remote  string
	reader  FrameReader
	sink    sink.Sink
	decoder *sniff.Decoder
	decomp  decompress.Decompressor
	metrics *metrics.Metrics
	logger  zerolog.Logger

	startedAt time.Time
	state     atomic.Int32
	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// seq is only touched by the Run goroutine.
	seq uint64

	lastSeen     atomic.Int64
	frames       atomic.Uint64
	records      atomic.Uint64
	unrecognized atomic.Uint64
	dropped      atomic.Uint64
}

func New(reader FrameReader, cfg Config) *Session {
	dec := cfg.Decoder
	if dec == nil {
		dec = sniff.NewDecoder()
	}
	now := time.Now()
	s := &Session{
		id:        cfg.ID,
		remote:    cfg.RemoteAddr,
		reader:    reader,
		sink:      cfg.Sink,
		decoder:   dec,
		decomp:    cfg.Decompressor,
		metrics:   cfg.Metrics,
		logger:    log.With().Str("session", cfg.ID).Str("remote", cfg.RemoteAddr).Logger(),
		startedAt: now,
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run reads frames until the peer closes, the transport fails, Close is
// called or ctx is cancelled. A peer close or local shutdown returns nil;
// a transport failure is returned as is.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.finish()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				// Close already moved us to Closing; the error is its echo.
				return nil
			}
			return err
		}
		s.touch()
		s.metrics.Frame(frame.Kind.String())

		switch frame.Kind {
		case model.FrameBinary:
			s.handleBinary(ctx, frame.Payload)
		case model.FrameText:
			s.handleText(frame.Payload)
		case model.FramePing, model.FramePong:
			// Liveness only; touch above already refreshed lastSeen.
		case model.FrameClose:
			s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
			s.logger.Debug().Int("code", frame.CloseCode).Msg("session: peer closed")
			return nil
		}
	}
}

// Close stops the session from another goroutine. The frame being processed,
// if any, completes before Run returns.
func (s *Session) Close() error {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}

// ObserveControl records a ping or pong seen by the transport's control
// frame handlers.
func (s *Session) ObserveControl(kind model.FrameKind) {
	s.touch()
	s.metrics.Frame(kind.String())
}

// Info returns a snapshot of the session.
func (s *Session) Info() model.SessionInfo {
	return model.SessionInfo{
		ID:           s.id,
		RemoteAddr:   s.remote,
		State:        s.State().String(),
		StartedAt:    s.startedAt,
		LastSeen:     time.Unix(0, s.lastSeen.Load()),
		Frames:       s.frames.Load(),
		Records:      s.records.Load(),
		Unrecognized: s.unrecognized.Load(),
		Dropped:      s.dropped.Load(),
	}
}

func (s *Session) finish() {
	s.state.Store(int32(StateClosed))
	_ = s.Close()
	s.logger.Debug().
		Uint64("frames", s.frames.Load()).
		Uint64("records", s.records.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("session: closed")
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) handleBinary(ctx context.Context, payload []byte) {
	s.frames.Add(1)

	data, compressed := s.decomp.Gunzip(payload)
	s.metrics.Decompress(compressed)

	rec := s.decoder.Decode(data)
	s.seq++
	rec.Source = model.SourceWebSocket
	rec.SessionID = s.id
	rec.RemoteAddr = s.remote
	rec.Sequence = s.seq
	rec.ReceivedAt = time.Now()
	rec.Compressed = compressed
	s.metrics.Record(rec.Kind.String(), rec.Source)

	if rec.Kind == model.KindUnrecognized {
		s.unrecognized.Add(1)
		ev := s.logger.Debug().Uint64("seq", rec.Sequence).Int("bytes", len(data)).Bool("truncated", rec.Truncated)
		for _, a := range rec.Attempts {
			ev = ev.Str(a.Schema, a.Err)
		}
		ev.Msg("session: unrecognized payload")
	}

	err := s.sink.Publish(ctx, rec)
	switch {
	case err == nil:
		s.records.Add(1)
	case errors.Is(err, sink.ErrBackpressure):
		s.dropped.Add(1)
		s.logger.Warn().Uint64("seq", rec.Sequence).Str("kind", rec.Kind.String()).Msg("session: sink backpressure, record dropped")
	default:
		s.dropped.Add(1)
		s.metrics.SinkError("session")
		s.logger.Error().Err(err).Uint64("seq", rec.Sequence).Msg("session: publish failed")
	}
}

func (s *Session) handleText(payload []byte) {
	s.frames.Add(1)
	text := truncateText(string(payload), maxTextLog)
	s.logger.WithLevel(logparse.ZerologLevel(logparse.FromText(text))).
		Str("text", text).
		Msg("session: text frame")
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
