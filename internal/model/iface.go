package model

// RecordWriter provides append-oriented writes for flattened records.
type RecordWriter interface {
	InsertRecordBatch(records []*StoredRecord) error
}

// StatsQuerier provides read-only aggregates over stored records.
type StatsQuerier interface {
	TotalRecordCount() (int64, error)
	RecordCountsByKind() ([]KindCount, error)
	RecentRecords(limit int, kind string) ([]RecordSummary, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// ReadAPI is the unified read contract for the HTTP surface.
type ReadAPI interface {
	StatsQuerier
	SchemaQuerier
}
