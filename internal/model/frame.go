package model

// FrameKind identifies the WebSocket message type of an inbound frame.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one message unit received from a connection.
// It is consumed immediately by the session and never retained.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	// CloseCode is set for FrameClose only.
	CloseCode int
}
