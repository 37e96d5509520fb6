package grpcserver

import (
	"context"
	"net"
	"sync"
	"testing"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
)

type collectSink struct {
	mu   sync.Mutex
	recs []*model.DecodedRecord
	err  error
}

func (c *collectSink) Publish(_ context.Context, rec *model.DecodedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.recs = append(c.recs, rec)
	return nil
}

func startBufconn(t *testing.T, snk sink.Sink) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer("bufnet", snk)
	if err := s.Serve(lis); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExport_PublishesTypedRecords(t *testing.T) {
	t.Parallel()

	snk := &collectSink{}
	conn := startBufconn(t, snk)
	ctx := context.Background()

	if _, err := collogspb.NewLogsServiceClient(conn).Export(ctx, &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{SeverityText: "INFO"}}}}}},
	}); err != nil {
		t.Fatalf("logs Export() error = %v", err)
	}
	if _, err := coltracepb.NewTraceServiceClient(conn).Export(ctx, &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{Name: "op"}}}}}},
	}); err != nil {
		t.Fatalf("trace Export() error = %v", err)
	}
	if _, err := colmetricspb.NewMetricsServiceClient(conn).Export(ctx, &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{Name: "m"}}}}}},
	}); err != nil {
		t.Fatalf("metrics Export() error = %v", err)
	}

	snk.mu.Lock()
	defer snk.mu.Unlock()
	want := []model.RecordKind{model.KindLogs, model.KindTraces, model.KindMetrics}
	if len(snk.recs) != len(want) {
		t.Fatalf("records = %d, want %d", len(snk.recs), len(want))
	}
	for i, rec := range snk.recs {
		if rec.Kind != want[i] {
			t.Fatalf("record %d kind = %v, want %v", i, rec.Kind, want[i])
		}
		if rec.Source != model.SourceGRPC {
			t.Fatalf("record %d source = %q, want grpc", i, rec.Source)
		}
		if rec.Sequence != uint64(i+1) {
			t.Fatalf("record %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
		if rec.ItemCount() != 1 {
			t.Fatalf("record %d items = %d, want 1", i, rec.ItemCount())
		}
	}
}

func TestExport_EmptyRequestIsNoop(t *testing.T) {
	t.Parallel()

	snk := &collectSink{}
	conn := startBufconn(t, snk)
	if _, err := collogspb.NewLogsServiceClient(conn).Export(context.Background(), &collogspb.ExportLogsServiceRequest{}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(snk.recs) != 0 {
		t.Fatalf("records = %d, want 0", len(snk.recs))
	}
}

func TestExport_MapsSinkErrorsToStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "backpressure", err: sink.ErrBackpressure, want: codes.ResourceExhausted},
		{name: "closed", err: sink.ErrClosed, want: codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn := startBufconn(t, &collectSink{err: tt.err})
			_, err := collogspb.NewLogsServiceClient(conn).Export(context.Background(), &collogspb.ExportLogsServiceRequest{
				ResourceLogs: []*logspb.ResourceLogs{{}},
			})
			if got := status.Code(err); got != tt.want {
				t.Fatalf("status code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestNewServer_DefaultAddr(t *testing.T) {
	t.Parallel()

	if got := NewServer("", nil).Addr(); got != DefaultAddr {
		t.Fatalf("Addr() = %q, want %q", got, DefaultAddr)
	}
}
