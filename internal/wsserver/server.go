// Package wsserver accepts producer WebSocket connections and runs one
// session per connection.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/otelgate/internal/decompress"
	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/session"
	"github.com/tinytelemetry/otelgate/internal/sink"
	"github.com/tinytelemetry/otelgate/internal/sniff"
)

const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultPath             = "/"
	DefaultMaxSessions      = 1024
	DefaultHandshakeTimeout = 10 * time.Second
)

// ServerConfig holds tunable parameters for the WebSocket server.
// MaxSessions is taken as given when a config is passed, so 0 means
// unbounded; without a config DefaultMaxSessions applies.
type ServerConfig struct {
	Path                string
	MaxSessions         int
	ReadLimit           int64
	IdleTimeout         time.Duration
	EnableCompression   bool
	MaxDecompressedSize int64
	Metrics             *metrics.Metrics
}

// Server is the WebSocket ingestion endpoint.
type Server struct {
	addr        string
	path        string
	sem         *semaphore.Weighted
	readLimit   int64
	idleTimeout time.Duration
	upgrader    websocket.Upgrader

	sink    sink.Sink
	decoder *sniff.Decoder
	decomp  decompress.Decompressor
	metrics *metrics.Metrics

	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*session.Session

	nextID   atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a server publishing to snk. Default addr is DefaultAddr.
func NewServer(addr string, snk sink.Sink, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	cfg := ServerConfig{
		Path:        DefaultPath,
		MaxSessions: DefaultMaxSessions,
		ReadLimit:   model.DefaultReadLimit,
		IdleTimeout: model.DefaultIdleTimeout,
	}
	if len(conf) > 0 {
		c := conf[0]
		if c.Path != "" {
			cfg.Path = c.Path
		}
		cfg.MaxSessions = c.MaxSessions
		if c.ReadLimit > 0 {
			cfg.ReadLimit = c.ReadLimit
		}
		if c.IdleTimeout > 0 {
			cfg.IdleTimeout = c.IdleTimeout
		}
		cfg.EnableCompression = c.EnableCompression
		cfg.MaxDecompressedSize = c.MaxDecompressedSize
		cfg.Metrics = c.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:        addr,
		path:        cfg.Path,
		readLimit:   cfg.ReadLimit,
		idleTimeout: cfg.IdleTimeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: DefaultHandshakeTimeout,
			// Producers are services, not browsers.
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: cfg.EnableCompression,
		},
		sink:     snk,
		decoder:  sniff.NewDecoder(),
		decomp:   decompress.Decompressor{MaxSize: cfg.MaxDecompressedSize},
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
	if cfg.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return s
}

// Start binds the listener and serves upgrades in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: DefaultHandshakeTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.Addr()).Msg("wsserver: serve failed")
		}
	}()
	log.Info().Str("addr", s.Addr()).Str("path", s.path).Msg("wsserver: listening")
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.rejected.Add(1)
		s.metrics.SessionRejected()
		log.Warn().Str("remote", r.RemoteAddr).Msg("wsserver: session limit reached, refusing upgrade")
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}
	release := func() {
		if s.sem != nil {
			s.sem.Release(1)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		release()
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("wsserver: upgrade failed")
		return
	}

	id := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	reader := newConnReader(conn, s.readLimit, s.idleTimeout)
	sess := session.New(reader, session.Config{
		ID:           id,
		RemoteAddr:   conn.RemoteAddr().String(),
		Sink:         s.sink,
		Decoder:      s.decoder,
		Decompressor: s.decomp,
		Metrics:      s.metrics,
	})
	reader.onControl = sess.ObserveControl

	if !s.register(sess) {
		release()
		_ = reader.Close()
		return
	}
	defer s.wg.Done()
	defer release()
	defer s.unregister(id)

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	log.Debug().Str("session", id).Str("remote", conn.RemoteAddr().String()).Msg("wsserver: session opened")

	if err := sess.Run(s.ctx); err != nil && !isExpectedClose(err) {
		log.Warn().Err(err).Str("session", id).Msg("wsserver: session ended with error")
	}
}

// register adds sess unless the server is stopping. On success the caller
// owns one wg slot.
func (s *Server) register(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions returns a snapshot of live sessions, oldest first.
func (s *Server) Sessions() []model.SessionInfo {
	s.mu.RLock()
	out := make([]model.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Rejected returns how many upgrades were refused for lack of a session slot.
func (s *Server) Rejected() uint64 {
	return s.rejected.Load()
}

// Stop closes the listener, tells every session to go away and waits for
// them to finish.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.httpServer != nil {
			err = s.httpServer.Close()
		}
		s.cancel()
		s.wg.Wait()
	})
	return err
}

// Addr returns the active listen address. Before Start, it returns the
// configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Path returns the upgrade path.
func (s *Server) Path() string { return s.path }

func isExpectedClose(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
