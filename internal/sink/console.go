package sink

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/otelgate/internal/model"
)

// maxHexPreview bounds the raw-byte preview logged for unrecognized payloads.
const maxHexPreview = 64

// Console logs one line per record. With verbose set it also dumps the
// decoded message as JSON.
type Console struct {
	logger  zerolog.Logger
	verbose bool
}

func NewConsole(w io.Writer, verbose bool) *Console {
	return &Console{
		logger:  zerolog.New(w).With().Timestamp().Logger(),
		verbose: verbose,
	}
}

func (c *Console) Publish(_ context.Context, rec *model.DecodedRecord) error {
	ev := c.logger.Info().
		Str("kind", rec.Kind.String()).
		Str("source", rec.Source).
		Str("session", rec.SessionID).
		Str("remote", rec.RemoteAddr).
		Uint64("seq", rec.Sequence).
		Bool("compressed", rec.Compressed).
		Int("bytes", len(rec.Payload))

	if rec.Kind == model.KindUnrecognized {
		preview := rec.Payload
		if len(preview) > maxHexPreview {
			preview = preview[:maxHexPreview]
		}
		errs := zerolog.Dict()
		for _, a := range rec.Attempts {
			errs = errs.Str(a.Schema, a.Err)
		}
		ev.Bool("truncated", rec.Truncated).
			Dict("attempts", errs).
			Str("head", hex.EncodeToString(preview)).
			Msg("unrecognized payload")
		return nil
	}

	ev = ev.Int("resources", rec.ResourceCount()).Int("items", rec.ItemCount())
	if c.verbose {
		if msg := recordMessage(rec); msg != nil {
			if data, err := protojson.Marshal(msg); err == nil {
				ev = ev.RawJSON("data", data)
			}
		}
	}
	ev.Msg("record")
	return nil
}

// recordMessage returns the typed message carried by rec, or nil.
func recordMessage(rec *model.DecodedRecord) proto.Message {
	switch rec.Kind {
	case model.KindLogs:
		return rec.Logs
	case model.KindTraces:
		return rec.Traces
	case model.KindMetrics:
		return rec.Metrics
	default:
		return nil
	}
}
