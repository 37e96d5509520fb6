package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
)

// chanReader delivers frames from a channel. A closed channel reads as EOF.
type chanReader struct {
	frames  chan model.Frame
	done    chan struct{}
	once    sync.Once
	reading chan struct{}
	started sync.Once
}

func newChanReader(frames ...model.Frame) *chanReader {
	r := &chanReader{
		frames:  make(chan model.Frame, len(frames)+8),
		done:    make(chan struct{}),
		reading: make(chan struct{}),
	}
	for _, f := range frames {
		r.frames <- f
	}
	return r
}

func (r *chanReader) ReadFrame() (model.Frame, error) {
	r.started.Do(func() { close(r.reading) })
	select {
	case <-r.done:
		return model.Frame{}, net.ErrClosed
	default:
	}
	select {
	case f, ok := <-r.frames:
		if !ok {
			return model.Frame{}, io.EOF
		}
		return f, nil
	case <-r.done:
		return model.Frame{}, net.ErrClosed
	}
}

func (r *chanReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

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

func (c *collectSink) records() []*model.DecodedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.DecodedRecord(nil), c.recs...)
}

func resource() *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
		Key:   "service.name",
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "edge"}},
	}}}
}

func logsPayload(t *testing.T) []byte {
	t.Helper()
	b, err := proto.Marshal(&logspb.LogsData{ResourceLogs: []*logspb.ResourceLogs{{
		Resource: resource(),
		ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{
			SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
			Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "hi"}},
		}}}},
	}}})
	if err != nil {
		t.Fatalf("marshal logs: %v", err)
	}
	return b
}

func tracesPayload(t *testing.T) []byte {
	t.Helper()
	b, err := proto.Marshal(&tracepb.TracesData{ResourceSpans: []*tracepb.ResourceSpans{{
		Resource: resource(),
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{
			TraceId:           bytes.Repeat([]byte{1}, 16),
			SpanId:            bytes.Repeat([]byte{2}, 8),
			Name:              "op",
			StartTimeUnixNano: 1_000,
			EndTimeUnixNano:   2_000,
		}}}},
	}}})
	if err != nil {
		t.Fatalf("marshal traces: %v", err)
	}
	return b
}

func metricsPayload(t *testing.T) []byte {
	t.Helper()
	b, err := proto.Marshal(&metricspb.MetricsData{ResourceMetrics: []*metricspb.ResourceMetrics{{
		Resource:     resource(),
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{Name: "up"}}}},
	}}})
	if err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}
	return b
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func binary(b []byte) model.Frame { return model.Frame{Kind: model.FrameBinary, Payload: b} }

func closeFrame() model.Frame { return model.Frame{Kind: model.FrameClose, CloseCode: 1000} }

func runSession(t *testing.T, s *Session) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestRunPublishesInReceiptOrder(t *testing.T) {
	t.Parallel()

	out := &collectSink{}
	r := newChanReader(
		binary(logsPayload(t)),
		binary(gzipped(t, tracesPayload(t))),
		binary(metricsPayload(t)),
		closeFrame(),
	)
	s := New(r, Config{ID: "s-1", RemoteAddr: "127.0.0.1:9", Sink: out})

	if err := runSession(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	recs := out.records()
	wantKinds := []model.RecordKind{model.KindLogs, model.KindTraces, model.KindMetrics}
	if len(recs) != len(wantKinds) {
		t.Fatalf("got %d records, want %d", len(recs), len(wantKinds))
	}
	for i, rec := range recs {
		if rec.Kind != wantKinds[i] {
			t.Errorf("record %d kind = %s, want %s", i, rec.Kind, wantKinds[i])
		}
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d seq = %d, want %d", i, rec.Sequence, i+1)
		}
		if rec.SessionID != "s-1" || rec.RemoteAddr != "127.0.0.1:9" || rec.Source != model.SourceWebSocket {
			t.Errorf("record %d annotations = %q %q %q", i, rec.SessionID, rec.RemoteAddr, rec.Source)
		}
		if rec.ReceivedAt.IsZero() {
			t.Errorf("record %d has no receive time", i)
		}
	}
	if recs[0].Compressed || !recs[1].Compressed {
		t.Errorf("compressed flags = %v %v, want false true", recs[0].Compressed, recs[1].Compressed)
	}

	info := s.Info()
	if info.Frames != 3 || info.Records != 3 || info.State != "closed" {
		t.Fatalf("info = %+v", info)
	}
}

func TestGarbageFrameDoesNotCloseSession(t *testing.T) {
	t.Parallel()

	out := &collectSink{}
	garbage := []byte{0xff, 0xfe, 0x01, 0x9c, 0xff, 0xff, 0x07, 0xee, 0xff, 0xff}
	r := newChanReader(binary(garbage), binary(logsPayload(t)), closeFrame())
	s := New(r, Config{ID: "g", Sink: out})

	if err := runSession(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := out.records()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Kind != model.KindUnrecognized || !bytes.Equal(recs[0].Payload, garbage) {
		t.Fatalf("first record = %s, want unrecognized with raw bytes", recs[0].Kind)
	}
	if len(recs[0].Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(recs[0].Attempts))
	}
	if recs[1].Kind != model.KindLogs {
		t.Fatalf("second record = %s, want logs", recs[1].Kind)
	}
	if s.Info().Unrecognized != 1 {
		t.Fatalf("unrecognized counter = %d", s.Info().Unrecognized)
	}
}

func TestControlAndTextFramesProduceNoRecords(t *testing.T) {
	t.Parallel()

	out := &collectSink{}
	r := newChanReader(
		model.Frame{Kind: model.FramePing},
		model.Frame{Kind: model.FrameText, Payload: []byte("ERROR producer lost its buffer")},
		model.Frame{Kind: model.FramePong},
		binary(logsPayload(t)),
		closeFrame(),
	)
	s := New(r, Config{ID: "c", Sink: out})
	if err := runSession(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(out.records()); got != 1 {
		t.Fatalf("got %d records, want 1", got)
	}
}

func TestBackpressureKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	out := &collectSink{err: sink.ErrBackpressure}
	r := newChanReader(binary(logsPayload(t)), binary(logsPayload(t)), closeFrame())
	s := New(r, Config{ID: "bp", Sink: out})
	if err := runSession(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	info := s.Info()
	if info.Dropped != 2 || info.Records != 0 || info.Frames != 2 {
		t.Fatalf("info = %+v", info)
	}
}

func TestReaderErrorEndsSession(t *testing.T) {
	t.Parallel()

	r := newChanReader(binary(logsPayload(t)))
	close(r.frames)
	s := New(r, Config{ID: "eof", Sink: &collectSink{}})
	if err := runSession(t, s); !errors.Is(err, io.EOF) {
		t.Fatalf("Run error = %v, want EOF", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	t.Parallel()

	r := newChanReader()
	s := New(r, Config{ID: "ctx", Sink: &collectSink{}})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-r.reading
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run error = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	r := newChanReader()
	s := New(r, Config{ID: "dup", Sink: &collectSink{}})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	<-r.reading

	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first Run = %v", err)
	}
}

func TestObserveControlRefreshesLastSeen(t *testing.T) {
	t.Parallel()

	s := New(newChanReader(), Config{ID: "live", Sink: &collectSink{}})
	before := s.Info().LastSeen
	time.Sleep(2 * time.Millisecond)
	s.ObserveControl(model.FramePing)
	if !s.Info().LastSeen.After(before) {
		t.Fatal("expected ping to refresh last seen")
	}
	if s.State() != StateOpen {
		t.Fatalf("ping changed state to %s", s.State())
	}
}

func TestTruncateTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "ok", n: 4, want: "ok"},
		{name: "ascii", in: "abcdef", n: 4, want: "abcd"},
		{name: "split rune", in: "abécd", n: 3, want: "ab"},
		{name: "split wide rune", in: "a€", n: 3, want: "a"},
		{name: "boundary", in: "abécd", n: 4, want: "abé"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := truncateText(tc.in, tc.n)
			if got != tc.want {
				t.Fatalf("truncateText(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncateText(%q, %d) produced invalid UTF-8", tc.in, tc.n)
			}
		})
	}
}
