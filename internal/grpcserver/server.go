// Package grpcserver is the OTLP/gRPC input. Export requests become typed
// records and go to the same sink as WebSocket frames.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
)

const (
	DefaultAddr           = "127.0.0.1:4317"
	DefaultMaxRecvMsgSize = 16 << 20
)

// ServerConfig holds tunable parameters for the gRPC receiver.
type ServerConfig struct {
	MaxRecvMsgSize int
	Metrics        *metrics.Metrics
}

// Server serves the OTLP collector Logs, Trace and Metrics services.
type Server struct {
	addr     string
	sink     sink.Sink
	metrics  *metrics.Metrics
	grpc     *grpc.Server
	listener net.Listener
	seq      atomic.Uint64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(addr string, snk sink.Sink, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	cfg := ServerConfig{MaxRecvMsgSize: DefaultMaxRecvMsgSize}
	if len(conf) > 0 {
		if conf[0].MaxRecvMsgSize > 0 {
			cfg.MaxRecvMsgSize = conf[0].MaxRecvMsgSize
		}
		cfg.Metrics = conf[0].Metrics
	}

	s := &Server{
		addr:    addr,
		sink:    snk,
		metrics: cfg.Metrics,
		grpc:    grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize)),
	}
	collogspb.RegisterLogsServiceServer(s.grpc, &logsService{srv: s})
	coltracepb.RegisterTraceServiceServer(s.grpc, &traceService{srv: s})
	colmetricspb.RegisterMetricsServiceServer(s.grpc, &metricsService{srv: s})
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpcserver: listen %s: %w", s.addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Str("addr", s.Addr()).Msg("grpcserver: serve failed")
		}
	}()
	log.Info().Str("addr", s.Addr()).Msg("grpcserver: listening")
	return nil
}

// Stop drains in-flight exports and closes the listener.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpc.GracefulStop()
		s.wg.Wait()
	})
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) publish(ctx context.Context, rec *model.DecodedRecord) error {
	rec.Source = model.SourceGRPC
	rec.Sequence = s.seq.Add(1)
	rec.ReceivedAt = time.Now()
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		rec.RemoteAddr = p.Addr.String()
	}
	s.metrics.Record(rec.Kind.String(), rec.Source)

	err := s.sink.Publish(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sink.ErrBackpressure):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		s.metrics.SinkError("grpc")
		log.Error().Err(err).Str("kind", rec.Kind.String()).Str("remote", rec.RemoteAddr).Msg("grpcserver: publish failed")
		return status.Error(codes.Unavailable, err.Error())
	}
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	srv *Server
}

func (l *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if len(req.GetResourceLogs()) == 0 {
		return &collogspb.ExportLogsServiceResponse{}, nil
	}
	rec := &model.DecodedRecord{
		Kind: model.KindLogs,
		Logs: &logspb.LogsData{ResourceLogs: req.GetResourceLogs()},
	}
	if err := l.srv.publish(ctx, rec); err != nil {
		return nil, err
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	srv *Server
}

func (t *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if len(req.GetResourceSpans()) == 0 {
		return &coltracepb.ExportTraceServiceResponse{}, nil
	}
	rec := &model.DecodedRecord{
		Kind:   model.KindTraces,
		Traces: &tracepb.TracesData{ResourceSpans: req.GetResourceSpans()},
	}
	if err := t.srv.publish(ctx, rec); err != nil {
		return nil, err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	srv *Server
}

func (m *metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	if len(req.GetResourceMetrics()) == 0 {
		return &colmetricspb.ExportMetricsServiceResponse{}, nil
	}
	rec := &model.DecodedRecord{
		Kind:    model.KindMetrics,
		Metrics: &metricspb.MetricsData{ResourceMetrics: req.GetResourceMetrics()},
	}
	if err := m.srv.publish(ctx, rec); err != nil {
		return nil, err
	}
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}
