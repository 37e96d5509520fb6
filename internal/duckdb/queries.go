package duckdb

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/model"
)

// maxQueryRows caps ExecuteQuery results.
const maxQueryRows = 1000

// dataTables lists every table that holds ingested data, parents last.
var dataTables = []string{"log_records", "spans", "metrics", "records"}

// dangerousKeywordPattern matches write and side-effect keywords at word
// boundaries, so RESET does not trip on SET.
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT|VACUUM)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	lines := strings.Split(cleaned, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// ValidateReadOnly rejects anything but a single SELECT or WITH statement.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query is empty")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("query must not contain semicolons")
	}
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}
	return nil
}

// TotalRecordCount returns the number of stored records of every kind.
func (s *Store) TotalRecordCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count)
	return count, err
}

// RecordCountsByKind returns record counts grouped by kind, largest first.
func (s *Store) RecordCountsByKind() ([]model.KindCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) AS count
		FROM records
		GROUP BY kind
		ORDER BY count DESC, kind ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KindCount
	for rows.Next() {
		var kc model.KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			log.Warn().Err(err).Msg("duckdb: scan RecordCountsByKind")
			continue
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// RecentRecords returns the newest record headers, optionally for one kind.
func (s *Store) RecentRecords(limit int, kind string) ([]model.RecordSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	query := `SELECT event_id, received_at, source, COALESCE(session_id, ''), kind, item_count, truncated FROM records`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY received_at DESC, sequence DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecordSummary
	for rows.Next() {
		var r model.RecordSummary
		if err := rows.Scan(&r.EventID, &r.ReceivedAt, &r.Source, &r.SessionID, &r.Kind, &r.ItemCount, &r.Truncated); err != nil {
			log.Warn().Err(err).Msg("duckdb: scan RecentRecords")
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogLevelCounts returns stored log rows per severity level.
func (s *Store) LogLevelCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM log_records GROUP BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			log.Warn().Err(err).Msg("duckdb: scan LogLevelCounts")
			continue
		}
		out[level] = count
	}
	return out, rows.Err()
}

// DeleteBefore removes data received before cutoff and returns how many
// records went.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var deleted int64
	for _, table := range dataTables {
		// Table names come from dataTables, not user input.
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE received_at < ?", table), cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete from %s: %w", table, err)
		}
		if table == "records" {
			deleted, _ = res.RowsAffected()
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// ExecuteQuery runs a validated read-only query and returns up to
// maxQueryRows rows as maps.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			log.Warn().Err(err).Msg("duckdb: scan ExecuteQuery")
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription describes the queryable tables.
func (s *Store) GetSchemaDescription() string {
	return `Table 'records': event_id (VARCHAR), received_at (TIMESTAMP), source (VARCHAR: websocket/grpc), ` +
		`session_id (VARCHAR), remote_addr (VARCHAR), sequence (BIGINT), ` +
		`kind (VARCHAR: logs/traces/metrics/unrecognized), compressed (BOOLEAN), truncated (BOOLEAN), ` +
		`resource_count (INTEGER), item_count (INTEGER), payload (BLOB, unrecognized only), decode_errors (JSON). ` +
		`Table 'log_records': event_id, received_at, timestamp, observed_timestamp, ` +
		`level (VARCHAR: TRACE/DEBUG/INFO/WARN/ERROR/FATAL), level_num (INTEGER), body (VARCHAR), ` +
		`service (VARCHAR), trace_id (VARCHAR hex), span_id (VARCHAR hex), attributes (JSON). ` +
		`Table 'spans': event_id, received_at, trace_id, span_id, parent_span_id, name, ` +
		`kind (VARCHAR: UNSPECIFIED/INTERNAL/SERVER/CLIENT/PRODUCER/CONSUMER), service, start_time, end_time, ` +
		`duration_ms (DOUBLE), status_code (VARCHAR: UNSET/OK/ERROR), attributes (JSON). ` +
		`Table 'metrics': event_id, received_at, name, description, unit, ` +
		`type (VARCHAR: gauge/sum/histogram/exponential_histogram/summary), service, data_points (INTEGER), attributes (JSON).`
}

// TableRowCounts returns the row count of every data table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	counts := make(map[string]int64, len(dataTables))
	for _, table := range dataTables {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}
