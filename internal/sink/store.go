package sink

import (
	"context"

	"github.com/tinytelemetry/otelgate/internal/ingest"
	"github.com/tinytelemetry/otelgate/internal/model"
)

// RecordAdder accepts flattened records for asynchronous persistence.
// *duckdb.InsertBuffer satisfies it.
type RecordAdder interface {
	Add(record *model.StoredRecord)
}

// Store flattens records and hands them to the DuckDB insert buffer.
type Store struct {
	adder RecordAdder
}

func NewStore(adder RecordAdder) *Store {
	return &Store{adder: adder}
}

func (s *Store) Publish(ctx context.Context, rec *model.DecodedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.adder.Add(ingest.Flatten(rec))
	return nil
}
