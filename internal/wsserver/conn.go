package wsserver

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinytelemetry/otelgate/internal/model"
)

const writeWait = 5 * time.Second

// connReader adapts a gorilla connection to session.FrameReader. Control
// frames are consumed by gorilla's handlers, so they are reported through
// onControl instead of being returned from ReadFrame.
type connReader struct {
	conn      *websocket.Conn
	idle      time.Duration
	onControl func(model.FrameKind)
	closeOnce sync.Once
	closeErr  error
}

func newConnReader(conn *websocket.Conn, readLimit int64, idle time.Duration) *connReader {
	r := &connReader{conn: conn, idle: idle}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	conn.SetPingHandler(func(data string) error {
		r.extendDeadline()
		r.observe(model.FramePing)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		r.extendDeadline()
		r.observe(model.FramePong)
		return nil
	})
	r.extendDeadline()
	return r
}

func (r *connReader) observe(kind model.FrameKind) {
	if r.onControl != nil {
		r.onControl(kind)
	}
}

func (r *connReader) extendDeadline() {
	if r.idle > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.idle))
	}
}

// ReadFrame returns the next data frame. A close frame from the peer is
// returned as a FrameClose rather than an error.
func (r *connReader) ReadFrame() (model.Frame, error) {
	typ, data, err := r.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return model.Frame{Kind: model.FrameClose, CloseCode: ce.Code}, nil
		}
		return model.Frame{}, err
	}
	r.extendDeadline()

	kind := model.FrameBinary
	if typ == websocket.TextMessage {
		kind = model.FrameText
	}
	return model.Frame{Kind: kind, Payload: data}, nil
}

// Close sends a going-away close frame and closes the connection.
func (r *connReader) Close() error {
	r.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing session")
		_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}
