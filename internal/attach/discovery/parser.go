// Package discovery holds one SessionFileParser per supported external
// agent CLI backend. Each parser is a passive, best-effort reader of the
// backend's own on-disk session store — nothing here ever writes to those
// files.
package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"github.com/kandev/relay/internal/attach"
)

// SessionFileParser is the shared contract for external session discovery:
// one implementation per backend, each scanning its own directory layout
// and record shape but surfacing the same uniform types.
type SessionFileParser interface {
	RunnerType() attach.RunnerType

	// List discovers sessions, optionally filtered to directory, newest
	// first, capped at limit.
	List(ctx context.Context, directory string, limit int) ([]attach.ExternalSessionSummary, error)

	// Detail loads the full message history for one external session id.
	// Returns (nil, nil) if no matching session file is found.
	Detail(ctx context.Context, id string, limit int) (*attach.ExternalSessionDetail, error)
}

// forEachJSONLRecord scans path line by line, decoding each non-blank line
// as a JSON object and invoking fn. Malformed lines are skipped, mirroring
// the original source's per-line try/except — one corrupt line must not
// abort the whole scan.
func forEachJSONLRecord(path string, fn func(record map[string]interface{})) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		fn(record)
	}
	return scanner.Err()
}

func str(record map[string]interface{}, key string) string {
	if v, ok := record[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func obj(record map[string]interface{}, key string) map[string]interface{} {
	if v, ok := record[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
