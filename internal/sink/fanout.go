package sink

import (
	"context"
	"errors"

	"github.com/tinytelemetry/otelgate/internal/model"
)

// Fanout publishes every record to each sink in order and joins the errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, rec *model.DecodedRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
