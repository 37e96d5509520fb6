// Package journal is a crash-safe write-ahead log for records that have been
// accepted but not yet flushed to DuckDB.
//
// Entries are JSON lines tagged with a sequence number. A ".commit" sidecar
// holds the highest sequence known to be stored; on Open everything at or
// below it is compacted away and the rest is available to Replay.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/model"
)

const (
	fileMode = 0o644
	dirMode  = 0o755
)

var (
	ErrEmptyPath = errors.New("journal: path is empty")
	ErrClosed    = errors.New("journal: closed")
)

type entry struct {
	Seq    uint64             `json:"seq"`
	Record model.StoredRecord `json:"record"`
}

// Journal is safe for concurrent use.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens the journal at path and compacts committed entries.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}
	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    max(maxSeq, committed) + 1,
		committed:  committed,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes and fsyncs one record, returning its sequence number.
func (j *Journal) Append(record *model.StoredRecord) (uint64, error) {
	if record == nil {
		return 0, errors.New("journal: nil record")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, ErrClosed
	}

	seq := j.nextSeq
	line, err := json.Marshal(entry{Seq: seq, Record: *record})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal seq=%d: %w", seq, err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write seq=%d: %w", seq, err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync seq=%d: %w", seq, err)
	}
	j.nextSeq++
	return seq, nil
}

// Commit marks every entry up to and including seq as stored.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Pending returns how many appended entries are not yet committed.
func (j *Journal) Pending() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1 - j.committed
}

// Replay calls fn for each uncommitted entry in sequence order. It stops at
// the first torn or malformed line.
func (j *Journal) Replay(fn func(seq uint64, record *model.StoredRecord) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	var cbErr error
	err = scan(f, func(e *entry, _ []byte) bool {
		if e.Seq <= committed {
			return true
		}
		cbErr = fn(e.Seq, &e.Record)
		return cbErr == nil
	})
	if err != nil {
		return fmt.Errorf("journal: replay: %w", err)
	}
	return cbErr
}

// Close closes the journal file. Further appends fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan decodes complete lines from r and passes each to fn along with its raw
// bytes. A trailing line without newline or an undecodable line ends the scan
// without error; fn returning false ends it early.
func scan(r io.Reader, fn func(e *entry, raw []byte) bool) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if line[len(line)-1] != '\n' {
			log.Warn().Int("bytes", len(line)).Msg("journal: ignoring torn trailing line")
			return nil
		}
		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			log.Warn().Err(uerr).Msg("journal: stopping at malformed line")
			return nil
		}
		if !fn(&e, line) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// compact rewrites path keeping only uncommitted entries and returns the
// highest sequence seen.
func compact(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}
	fail := func(err error) (uint64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	var maxSeq uint64
	var writeErr error
	err = scan(src, func(e *entry, raw []byte) bool {
		maxSeq = max(maxSeq, e.Seq)
		if e.Seq > committed {
			_, writeErr = dst.Write(raw)
		}
		return writeErr == nil
	})
	if err != nil {
		return fail(fmt.Errorf("journal: compact read: %w", err))
	}
	if writeErr != nil {
		return fail(fmt.Errorf("journal: compact write: %w", writeErr))
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("journal: compact sync: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, nil
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the sidecar atomically via a synced temp file.
func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	_, werr := f.WriteString(strconv.FormatUint(seq, 10) + "\n")
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: write commit tmp: %w", werr)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename commit file: %w", err)
	}
	return nil
}
