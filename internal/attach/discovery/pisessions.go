package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kandev/relay/internal/attach"
)

// PiParser reads Pi's session transcripts under
// ~/.pi/agent/sessions/<encoded-cwd>/<session-id>.jsonl, directory-encoded
// the same dash-joined way Claude Code encodes its project directories.
// Grounded on original_source/agent/tether/discovery/pi_sessions.py.
type PiParser struct {
	SessionsDir string
}

func NewPiParser() *PiParser {
	home, _ := os.UserHomeDir()
	return &PiParser{SessionsDir: filepath.Join(home, ".pi", "agent", "sessions")}
}

func (p *PiParser) RunnerType() attach.RunnerType { return attach.RunnerPi }

func encodePiProjectPath(path string) string {
	return encodeClaudeProjectPath(path)
}

func decodePiProjectPath(encoded string) string {
	return decodeClaudeProjectPath(encoded)
}

func (p *PiParser) List(ctx context.Context, directory string, limit int) ([]attach.ExternalSessionSummary, error) {
	var projectDirs []string
	if directory != "" {
		projectDirs = []string{filepath.Join(p.SessionsDir, encodePiProjectPath(directory))}
	} else {
		entries, err := os.ReadDir(p.SessionsDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				projectDirs = append(projectDirs, filepath.Join(p.SessionsDir, e.Name()))
			}
		}
	}

	var files []string
	for _, dir := range projectDirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		files = append(files, matches...)
	}

	var ids []string
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(filepath.Base(f), ".jsonl"))
	}
	running := runningSessionSet(attach.RunnerPi, ids)

	var summaries []attach.ExternalSessionSummary
	for _, f := range files {
		if s := parsePiSummary(f, running); s != nil {
			summaries = append(summaries, *s)
		}
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].LastActivity.After(summaries[j].LastActivity) })
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (p *PiParser) findSessionFile(id string) string {
	entries, err := os.ReadDir(p.SessionsDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(p.SessionsDir, e.Name(), id+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func parsePiSummary(path string, running map[string]bool) *attach.ExternalSessionSummary {
	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	var directory, firstPrompt, lastPrompt string
	var lastActivity time.Time
	messageCount := 0

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		if ts := parseClaudeTimestamp(str(record, "timestamp")); !ts.IsZero() {
			lastActivity = ts
		}

		switch str(record, "type") {
		case "session":
			if cwd := str(record, "cwd"); cwd != "" {
				directory = cwd
			}
		case "message":
			role := str(record, "role")
			text := piMessageText(record["content"])
			if text == "" || role != "user" && role != "assistant" {
				return
			}
			messageCount++
			if role == "user" {
				if firstPrompt == "" {
					firstPrompt = truncate(text, 200)
				}
				lastPrompt = truncate(text, 200)
			}
		}
	})
	if err != nil {
		return nil
	}
	if directory == "" {
		directory = decodePiProjectPath(filepath.Base(filepath.Dir(path)))
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}

	return &attach.ExternalSessionSummary{
		ID: id, RunnerType: attach.RunnerPi, Directory: directory,
		FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
		MessageCount: messageCount, IsRunning: running[id],
	}
}

func (p *PiParser) Detail(ctx context.Context, id string, limit int) (*attach.ExternalSessionDetail, error) {
	path := p.findSessionFile(id)
	if path == "" {
		return nil, nil
	}

	var directory, firstPrompt, lastPrompt string
	var lastActivity time.Time
	var messages []attach.ExternalSessionMessage

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		ts := parseClaudeTimestamp(str(record, "timestamp"))
		if !ts.IsZero() {
			lastActivity = ts
		}

		switch str(record, "type") {
		case "session":
			if cwd := str(record, "cwd"); cwd != "" {
				directory = cwd
			}
		case "message":
			role := str(record, "role")
			if role != "user" && role != "assistant" {
				return
			}
			text := piMessageText(record["content"])
			if text == "" {
				return
			}
			if role == "user" {
				if firstPrompt == "" {
					firstPrompt = truncate(text, 200)
				}
				lastPrompt = truncate(text, 200)
			}
			messages = append(messages, attach.ExternalSessionMessage{Role: role, Content: text, Timestamp: ts})
		}
	})
	if err != nil {
		return nil, err
	}
	if directory == "" {
		directory = decodePiProjectPath(filepath.Base(filepath.Dir(path)))
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	running := runningSessionSet(attach.RunnerPi, []string{id})
	return &attach.ExternalSessionDetail{
		ExternalSessionSummary: attach.ExternalSessionSummary{
			ID: id, RunnerType: attach.RunnerPi, Directory: directory,
			FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
			MessageCount: len(messages), IsRunning: running[id],
		},
		Messages: messages,
	}, nil
}

// piMessageText accepts either a plain string content field or Pi's
// block-list shape ({"type":"text","text":"..."} entries).
func piMessageText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return strings.TrimSpace(c)
	case []interface{}:
		var parts []string
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if str(block, "type") != "text" {
				continue
			}
			if t := str(block, "text"); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

var _ SessionFileParser = (*PiParser)(nil)
