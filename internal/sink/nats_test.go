package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// fakeNATSConn buffers publishes and flushes them from a background drain,
// firing onClosed afterwards the way the client's ClosedHandler does.
type fakeNATSConn struct {
	mu         sync.Mutex
	pending    []*nats.Msg
	flushed    []*nats.Msg
	flushDelay time.Duration
	hang       bool
	onClosed   func()
	forced     atomic.Bool
}

func (c *fakeNATSConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg)
	return nil
}

func (c *fakeNATSConn) Drain() error {
	if c.hang {
		return nil
	}
	go func() {
		time.Sleep(c.flushDelay)
		c.mu.Lock()
		c.flushed = append(c.flushed, c.pending...)
		c.pending = nil
		c.mu.Unlock()
		c.onClosed()
	}()
	return nil
}

func (c *fakeNATSConn) Close() { c.forced.Store(true) }

func (c *fakeNATSConn) flushedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flushed)
}

func TestNATSCloseWaitsForDrain(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	conn := &fakeNATSConn{flushDelay: 100 * time.Millisecond, onClosed: func() { close(closed) }}
	n := newNATS(conn, "gw", time.Second, closed)

	for i := 0; i < 3; i++ {
		if err := n.Publish(context.Background(), sampleLogsRecord()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed < conn.flushDelay {
		t.Fatalf("close returned after %s, before the drain finished", elapsed)
	}
	if got := conn.flushedCount(); got != 3 {
		t.Fatalf("expected 3 flushed messages, got %d", got)
	}
	if conn.forced.Load() {
		t.Fatal("expected no forced close after a clean drain")
	}
}

func TestNATSCloseTimesOutStuckDrain(t *testing.T) {
	t.Parallel()

	conn := &fakeNATSConn{hang: true}
	n := newNATS(conn, "gw", 10*time.Millisecond, make(chan struct{}))

	if err := n.Close(); err == nil {
		t.Fatal("expected drain timeout error")
	}
	if !conn.forced.Load() {
		t.Fatal("expected the connection to be closed forcibly")
	}
}
