package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/otelgate/internal/model"
)

// NATS message headers set on every published record.
const (
	HeaderKind       = "Otelgate-Kind"
	HeaderSource     = "Otelgate-Source"
	HeaderSession    = "Otelgate-Session"
	HeaderRemote     = "Otelgate-Remote"
	HeaderSequence   = "Otelgate-Seq"
	HeaderReceivedAt = "Otelgate-Received-At"
	HeaderCompressed = "Otelgate-Compressed"
	HeaderTruncated  = "Otelgate-Truncated"
)

const (
	DefaultSubjectPrefix    = "otelgate"
	DefaultNATSDrainTimeout = 10 * time.Second
)

// NATSConfig configures the NATS producer.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	ClientName    string
	// DrainTimeout bounds how long Close waits for buffered publishes to
	// reach the server. Zero means DefaultNATSDrainTimeout.
	DrainTimeout time.Duration
}

// natsConn is the subset of *nats.Conn the producer uses.
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
	Close()
}

// NATS publishes each record's protobuf bytes on "<prefix>.<kind>".
type NATS struct {
	conn         natsConn
	prefix       string
	drainTimeout time.Duration
	// closed is closed by the connection's ClosedHandler once a drain has
	// finished and the connection is gone.
	closed chan struct{}
}

// NewNATS connects to the server at cfg.URL.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.ClientName
	if name == "" {
		name = "otelgate"
	}

	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultNATSDrainTimeout
	}
	closed := make(chan struct{})

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.DrainTimeout(drainTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newNATS(conn, cfg.SubjectPrefix, drainTimeout, closed), nil
}

func newNATS(conn natsConn, prefix string, drainTimeout time.Duration, closed chan struct{}) *NATS {
	return &NATS{
		conn:         conn,
		prefix:       subjectPrefix(prefix),
		drainTimeout: drainTimeout,
		closed:       closed,
	}
}

func (n *NATS) Publish(ctx context.Context, rec *model.DecodedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildNATSMsg(n.prefix, rec)
	if err != nil {
		return err
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection and blocks until the client reports it closed,
// so every accepted publish has been flushed to the server. If the drain does
// not finish within the drain timeout the connection is closed forcibly.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("nats drain: %w", err)
	}

	// The client enforces the drain timeout itself; the timer is a backstop.
	timer := time.NewTimer(n.drainTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-n.closed:
		return nil
	case <-timer.C:
		n.conn.Close()
		log.Warn().Dur("timeout", n.drainTimeout).Msg("nats: drain timed out, connection closed")
		return fmt.Errorf("nats drain: timed out after %s", n.drainTimeout)
	}
}

// Subject returns the subject a record of the given kind is published on.
func Subject(prefix string, kind model.RecordKind) string {
	return subjectPrefix(prefix) + "." + kind.String()
}

func subjectPrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return DefaultSubjectPrefix
	}
	return p
}

func buildNATSMsg(prefix string, rec *model.DecodedRecord) (*nats.Msg, error) {
	data, err := payloadBytes(rec)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(Subject(prefix, rec.Kind))
	msg.Data = data
	msg.Header.Set(HeaderKind, rec.Kind.String())
	msg.Header.Set(HeaderSource, rec.Source)
	if rec.SessionID != "" {
		msg.Header.Set(HeaderSession, rec.SessionID)
	}
	if rec.RemoteAddr != "" {
		msg.Header.Set(HeaderRemote, rec.RemoteAddr)
	}
	msg.Header.Set(HeaderSequence, strconv.FormatUint(rec.Sequence, 10))
	if !rec.ReceivedAt.IsZero() {
		msg.Header.Set(HeaderReceivedAt, rec.ReceivedAt.UTC().Format(time.RFC3339Nano))
	}
	msg.Header.Set(HeaderCompressed, strconv.FormatBool(rec.Compressed))
	if rec.Kind == model.KindUnrecognized {
		msg.Header.Set(HeaderTruncated, strconv.FormatBool(rec.Truncated))
	}
	return msg, nil
}

// payloadBytes prefers the bytes the record was decoded from and falls back
// to marshalling the typed message (gRPC records carry no raw payload).
func payloadBytes(rec *model.DecodedRecord) ([]byte, error) {
	if len(rec.Payload) > 0 {
		return rec.Payload, nil
	}
	msg := recordMessage(rec)
	if msg == nil {
		return nil, nil
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", rec.Kind, err)
	}
	return data, nil
}
