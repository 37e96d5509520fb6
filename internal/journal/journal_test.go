package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/otelgate/internal/model"
)

func storedLog(session string, seq uint64, body string) *model.StoredRecord {
	return &model.StoredRecord{
		ReceivedAt: time.Now().UTC(),
		Source:     model.SourceWebSocket,
		SessionID:  session,
		Sequence:   seq,
		Kind:       "logs",
		ItemCount:  1,
		Logs: []model.LogRow{{
			Level:      "INFO",
			LevelNum:   9,
			Body:       body,
			Service:    "api",
			Attributes: map[string]string{"k": "v"},
		}},
	}
}

func replayBodies(t *testing.T, j *Journal) []string {
	t.Helper()
	var out []string
	err := j.Replay(func(_ uint64, r *model.StoredRecord) error {
		out = append(out, r.Logs[0].Body)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func TestAppendReplayCommit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ingest.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(storedLog("s1", 1, "first"))
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	seq2, err := j.Append(storedLog("s1", 2, "second"))
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: %d then %d", seq1, seq2)
	}
	if j.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", j.Pending())
	}

	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := replayBodies(t, j); len(got) != 1 || got[0] != "second" {
		t.Fatalf("replayed %v, want [second]", got)
	}
	if j.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", j.Pending())
	}
}

func TestReopenCompactsAndContinuesSequence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ingest.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, body := range []string{"a", "b", "c"} {
		if _, err := j.Append(storedLog("s", uint64(i), body)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_ = j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = j2.Close() })

	if got := replayBodies(t, j2); len(got) != 1 || got[0] != "c" {
		t.Fatalf("replayed %v, want [c]", got)
	}
	seq, err := j2.Append(storedLog("s", 4, "d"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 4 {
		t.Fatalf("seq after reopen = %d, want 4", seq)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n := countLines(data); n != 2 {
		t.Fatalf("compacted journal has %d lines, want 2", n)
	}
}

func TestOpenIgnoresTornTrailingLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ingest.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(storedLog("s", 1, "ok")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = j.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"record":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	_ = f.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = j2.Close() })

	if got := replayBodies(t, j2); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("replayed %v, want [ok]", got)
	}
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	j, err := Open(filepath.Join(t.TempDir(), "j"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	_, _ = j.Append(storedLog("s", 1, "a"))
	_, _ = j.Append(storedLog("s", 2, "b"))

	boom := errors.New("boom")
	calls := 0
	err = j.Replay(func(uint64, *model.StoredRecord) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want boom after 1 call", err, calls)
	}
}

func TestAppendAfterClose(t *testing.T) {
	t.Parallel()

	j, err := Open(filepath.Join(t.TempDir(), "j"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = j.Close()
	if _, err := j.Append(storedLog("s", 1, "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := Open("  "); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
