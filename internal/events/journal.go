package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is the append-only JSONL log backing one session, grounded on a
// session_history.go append/scan pattern but generalized with
// single-generation size-based rotation (rotation at ~5MB to
// events.jsonl.1, single generation kept).
type Journal struct {
	mu          sync.Mutex
	path        string
	rotatedPath string
	rotateBytes int64

	file *os.File
	size int64
}

// OpenJournal opens (creating if necessary) the journal file for sessionID
// under dataDir/<sessionID>/events.jsonl.
func OpenJournal(dataDir, sessionID string, rotateBytes int64) (*Journal, error) {
	dir := filepath.Join(dataDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stating journal file: %w", err)
	}

	if rotateBytes <= 0 {
		rotateBytes = 5 * 1024 * 1024
	}

	return &Journal{
		path:        path,
		rotatedPath: path + ".1",
		rotateBytes: rotateBytes,
		file:        f,
		size:        info.Size(),
	}, nil
}

// Append writes ev as one JSON line, rotating first if the file has grown
// past rotateBytes.
func (j *Journal) Append(ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size >= j.rotateBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("appending to journal: %w", err)
	}
	j.size += int64(n)
	return nil
}

// rotateLocked renames the current file to the single rotated generation
// (overwriting any prior one) and opens a fresh file. Caller holds j.mu.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("closing journal before rotation: %w", err)
	}

	if err := os.Rename(j.path, j.rotatedPath); err != nil {
		return fmt.Errorf("rotating journal: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening journal after rotation: %w", err)
	}
	j.file = f
	j.size = 0
	return nil
}

// Close flushes and closes the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Replay returns every event with seq > sinceSeq, optionally filtered to
// types; a sinceSeq of 0 returns every event, seq 0 included. It reads the rotated generation first (if present) then the current
// file, since rotation is the only way history spans two files.
func (j *Journal) Replay(sinceSeq uint64, types map[Type]bool) ([]*Event, error) {
	var out []*Event

	for _, path := range []string{j.rotatedPath, j.path} {
		events, err := readJournalFile(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if sinceSeq > 0 && ev.Seq <= sinceSeq {
				continue
			}
			if len(types) > 0 && !types[ev.Type] {
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// MaxSeq scans the journal (both generations, if present) and returns the
// highest sequence number observed, used to seed Runtime.Seq on recovery.
func (j *Journal) MaxSeq() (uint64, error) {
	var max uint64
	for _, path := range []string{j.rotatedPath, j.path} {
		events, err := readJournalFile(path)
		if err != nil {
			return 0, err
		}
		for _, ev := range events {
			if ev.Seq > max {
				max = ev.Seq
			}
		}
	}
	return max, nil
}

func readJournalFile(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal file %s: %w", path, err)
	}
	defer f.Close()

	var out []*Event
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal file %s: %w", path, err)
	}
	return out, nil
}
