package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
)

const (
	DefaultBatchSize      = 2000
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultFlushQueueSize = 64
)

var eventIDCounter atomic.Uint64

type journaledRecord struct {
	seq    uint64
	record *model.StoredRecord
}

// Journal is the write-ahead log used by InsertBuffer. *journal.Journal
// satisfies it.
type Journal interface {
	Append(record *model.StoredRecord) (uint64, error)
	Commit(seq uint64) error
	Close() error
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Journal        Journal
	Metrics        *metrics.Metrics
}

// InsertBuffer batches records and writes them to DuckDB from a background
// goroutine. When the flush queue is full the caller flushes inline, which
// slows producers down instead of growing memory.
type InsertBuffer struct {
	writer        model.RecordWriter
	journal       Journal
	metrics       *metrics.Metrics
	maxBatch      int
	flushInterval time.Duration

	mu        sync.Mutex
	pending   []journaledRecord
	flushChan chan []journaledRecord

	done     chan struct{}
	wg       sync.WaitGroup
	tickWg   sync.WaitGroup
	stopOnce sync.Once

	inlineFlushes atomic.Int64
	lastInlineLog atomic.Int64
}

func NewInsertBuffer(writer model.RecordWriter, conf ...InsertBufferConfig) *InsertBuffer {
	cfg := InsertBufferConfig{
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		FlushQueueSize: DefaultFlushQueueSize,
	}
	if len(conf) > 0 {
		c := conf[0]
		if c.BatchSize > 0 {
			cfg.BatchSize = c.BatchSize
		}
		if c.FlushInterval > 0 {
			cfg.FlushInterval = c.FlushInterval
		}
		if c.FlushQueueSize > 0 {
			cfg.FlushQueueSize = c.FlushQueueSize
		}
		cfg.Journal = c.Journal
		cfg.Metrics = c.Metrics
	}

	b := &InsertBuffer{
		writer:        writer,
		journal:       cfg.Journal,
		metrics:       cfg.Metrics,
		maxBatch:      cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		pending:       make([]journaledRecord, 0, cfg.BatchSize),
		flushChan:     make(chan []journaledRecord, cfg.FlushQueueSize),
		done:          make(chan struct{}),
	}

	b.wg.Add(2)
	b.tickWg.Add(1)
	go b.flushWorker()
	go b.tickLoop()
	return b
}

// Add journals the record (when a journal is configured) and queues it.
func (b *InsertBuffer) Add(record *model.StoredRecord) {
	if record.EventID == "" {
		record.EventID = nextEventID()
	}

	var seq uint64
	if b.journal != nil {
		for {
			var err error
			seq, err = b.journal.Append(record)
			if err == nil {
				break
			}
			log.Error().Err(err).Msg("duckdb: journal append failed, retrying")
			select {
			case <-b.done:
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	b.enqueue(journaledRecord{seq: seq, record: record})
}

// Requeue queues a record replayed from the journal under its original
// sequence number, without appending it again.
func (b *InsertBuffer) Requeue(seq uint64, record *model.StoredRecord) {
	if record.EventID == "" {
		record.EventID = nextEventID()
	}
	b.enqueue(journaledRecord{seq: seq, record: record})
}

func (b *InsertBuffer) enqueue(item journaledRecord) {
	select {
	case <-b.done:
		log.Warn().Str("event_id", item.record.EventID).Msg("duckdb: insert buffer stopped, dropping record")
		return
	default:
	}

	b.mu.Lock()
	b.pending = append(b.pending, item)
	var batch []journaledRecord
	if len(b.pending) >= b.maxBatch {
		batch = b.takePendingLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}
}

func (b *InsertBuffer) takePendingLocked() []journaledRecord {
	batch := b.pending
	b.pending = make([]journaledRecord, 0, b.maxBatch)
	return batch
}

// dispatch hands a batch to the flush worker, or flushes inline when the
// worker is behind.
func (b *InsertBuffer) dispatch(batch []journaledRecord) {
	select {
	case b.flushChan <- batch:
	default:
		b.logInlineFlush()
		if err := b.flushBatch(batch); err != nil {
			log.Error().Err(err).Int("records", len(batch)).Msg("duckdb: inline flush failed")
		}
	}
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takePendingLocked()
	b.mu.Unlock()
	b.dispatch(batch)
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if err := b.flushBatch(batch); err != nil {
			log.Error().Err(err).Int("records", len(batch)).Msg("duckdb: flush failed")
		}
	}
}

// logInlineFlush logs at most once every 10 seconds.
func (b *InsertBuffer) logInlineFlush() {
	count := b.inlineFlushes.Add(1)
	now := time.Now().Unix()
	last := b.lastInlineLog.Load()
	if now-last >= 10 && b.lastInlineLog.CompareAndSwap(last, now) {
		log.Warn().Int64("inline_flushes", count).Msg("duckdb: flush queue full, writing inline")
	}
}

// Stop flushes everything pending and waits for the writes. Safe to call
// more than once.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// The final drain in tickLoop must land before flushChan closes.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				log.Error().Err(err).Msg("duckdb: journal close failed")
			}
		}
	})
}

func (b *InsertBuffer) flushBatch(batch []journaledRecord) error {
	if len(batch) == 0 {
		return nil
	}
	records := make([]*model.StoredRecord, len(batch))
	var maxSeq uint64
	for i, item := range batch {
		records[i] = item.record
		maxSeq = max(maxSeq, item.seq)
	}

	if err := b.writer.InsertRecordBatch(records); err != nil {
		return err
	}
	b.metrics.StoreFlushed(len(records))

	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			return fmt.Errorf("journal commit seq=%d: %w", maxSeq, err)
		}
	}
	return nil
}

// InsertRecordBatch writes records and their rows in one transaction. If the
// batch fails it is retried record by record so one bad record does not sink
// the rest.
func (s *Store) InsertRecordBatch(records []*model.StoredRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertTx(ctx, records); err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if err := s.insertTx(ctx, []*model.StoredRecord{r}); err != nil {
			failed++
			log.Error().Err(err).
				Str("event_id", r.EventID).
				Str("kind", r.Kind).
				Str("session", r.SessionID).
				Msg("duckdb: dropping record")
		}
	}
	if failed > 0 {
		log.Warn().Int("failed", failed).Int("total", len(records)).Msg("duckdb: batch partially failed")
	}
	return nil
}

type insertStmts struct {
	record, logRow, span, metric *sql.Stmt
}

func (st *insertStmts) close() {
	for _, s := range []*sql.Stmt{st.record, st.logRow, st.span, st.metric} {
		if s != nil {
			s.Close()
		}
	}
}

func prepareInserts(ctx context.Context, tx *sql.Tx) (*insertStmts, error) {
	st := &insertStmts{}
	var err error
	if st.record, err = tx.PrepareContext(ctx, `INSERT INTO records (event_id, received_at, source, session_id, remote_addr, sequence, kind, compressed, truncated, resource_count, item_count, payload, decode_errors) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		st.close()
		return nil, err
	}
	if st.logRow, err = tx.PrepareContext(ctx, `INSERT INTO log_records (event_id, received_at, timestamp, observed_timestamp, level, level_num, body, service, trace_id, span_id, attributes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		st.close()
		return nil, err
	}
	if st.span, err = tx.PrepareContext(ctx, `INSERT INTO spans (event_id, received_at, trace_id, span_id, parent_span_id, name, kind, service, start_time, end_time, duration_ms, status_code, attributes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		st.close()
		return nil, err
	}
	if st.metric, err = tx.PrepareContext(ctx, `INSERT INTO metrics (event_id, received_at, name, description, unit, type, service, data_points, attributes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func (s *Store) insertTx(ctx context.Context, records []*model.StoredRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	st, err := prepareInserts(ctx, tx)
	if err != nil {
		return err
	}
	defer st.close()

	for _, r := range records {
		if err := insertRecord(ctx, st, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertRecord(ctx context.Context, st *insertStmts, r *model.StoredRecord) error {
	eventID := r.EventID
	if eventID == "" {
		eventID = nextEventID()
	}
	var payload any
	if len(r.Payload) > 0 {
		payload = r.Payload
	}
	var decodeErrors any
	if len(r.DecodeErrors) > 0 {
		decodeErrors = jsonString(r.DecodeErrors)
	}

	if _, err := st.record.ExecContext(ctx,
		eventID, r.ReceivedAt, r.Source, r.SessionID, r.RemoteAddr, int64(r.Sequence),
		r.Kind, r.Compressed, r.Truncated, r.ResourceCount, r.ItemCount, payload, decodeErrors,
	); err != nil {
		return fmt.Errorf("record insert: %w", err)
	}

	for _, l := range r.Logs {
		if _, err := st.logRow.ExecContext(ctx,
			eventID, r.ReceivedAt, nullTime(l.Timestamp), nullTime(l.ObservedTimestamp),
			l.Level, l.LevelNum, l.Body, l.Service, l.TraceID, l.SpanID, jsonString(l.Attributes),
		); err != nil {
			return fmt.Errorf("log row insert: %w", err)
		}
	}
	for _, sp := range r.Spans {
		if _, err := st.span.ExecContext(ctx,
			eventID, r.ReceivedAt, sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.Name, sp.Kind, sp.Service,
			nullTime(sp.Start), nullTime(sp.End), sp.DurationMs, sp.StatusCode, jsonString(sp.Attributes),
		); err != nil {
			return fmt.Errorf("span insert: %w", err)
		}
	}
	for _, m := range r.Metrics {
		if _, err := st.metric.ExecContext(ctx,
			eventID, r.ReceivedAt, m.Name, m.Description, m.Unit, m.Type, m.Service, m.DataPoints,
			jsonString(m.Attributes),
		); err != nil {
			return fmt.Errorf("metric insert: %w", err)
		}
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// jsonString encodes v, falling back to an empty object.
func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

func nextEventID() string {
	n := eventIDCounter.Add(1)
	return fmt.Sprintf("%x-%x", time.Now().UTC().UnixNano(), n)
}
