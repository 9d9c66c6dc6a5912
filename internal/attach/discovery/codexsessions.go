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

// CodexSessionsParser reads the newer Codex session format, which lives in
// the same ~/.codex/sessions tree as the legacy rollout files. Like
// CodexCLIParser it walks the tree recursively, but it accepts every .jsonl
// file rather than only rollout-* files, and it filters response_item
// "message" records the same way CodexCLIParser does.
// Grounded on original_source/agent/tether/discovery/codex_sessions.py.
type CodexSessionsParser struct {
	SessionsDir string
}

func NewCodexSessionsParser() *CodexSessionsParser {
	home, _ := os.UserHomeDir()
	return &CodexSessionsParser{SessionsDir: filepath.Join(home, ".codex", "sessions")}
}

func (p *CodexSessionsParser) RunnerType() attach.RunnerType { return attach.RunnerCodexSessions }

func (p *CodexSessionsParser) sessionFiles() []string {
	var files []string
	_ = filepath.WalkDir(p.SessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func (p *CodexSessionsParser) List(ctx context.Context, directory string, limit int) ([]attach.ExternalSessionSummary, error) {
	files := p.sessionFiles()

	var ids []string
	for _, f := range files {
		ids = append(ids, codexSessionID(f))
	}
	running := runningSessionSet(attach.RunnerCodexSessions, ids)

	var summaries []attach.ExternalSessionSummary
	for _, f := range files {
		s := parseCodexSessionsSummary(f, running)
		if s == nil {
			continue
		}
		if directory != "" && s.Directory != directory {
			continue
		}
		summaries = append(summaries, *s)
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].LastActivity.After(summaries[j].LastActivity) })
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func parseCodexSessionsSummary(path string, running map[string]bool) *attach.ExternalSessionSummary {
	id := codexSessionID(path)

	var directory, firstPrompt, lastPrompt string
	var lastActivity time.Time
	messageCount := 0

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		if ts := parseClaudeTimestamp(str(record, "timestamp")); !ts.IsZero() {
			lastActivity = ts
		}

		recordType := str(record, "type")
		if recordType == "session_meta" || recordType == "turn_context" {
			payload := obj(record, "payload")
			if payload == nil {
				payload = record
			}
			if cwd := str(payload, "cwd"); cwd != "" && directory == "" {
				directory = cwd
			}
			return
		}
		if recordType != "response_item" {
			return
		}
		payload := obj(record, "payload")
		if payload == nil || str(payload, "type") != "message" {
			return
		}
		role := str(payload, "role")
		text := codexMessageText(payload["content"])
		if text == "" {
			return
		}
		if role == "user" {
			if isCodexEnvironmentContext(text) {
				return
			}
			messageCount++
			if firstPrompt == "" {
				firstPrompt = truncate(text, 200)
			}
			lastPrompt = truncate(text, 200)
		} else if role == "assistant" {
			messageCount++
		}
	})
	if err != nil {
		return nil
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}

	return &attach.ExternalSessionSummary{
		ID: id, RunnerType: attach.RunnerCodexSessions, Directory: directory,
		FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
		MessageCount: messageCount, IsRunning: running[id],
	}
}

func (p *CodexSessionsParser) Detail(ctx context.Context, id string, limit int) (*attach.ExternalSessionDetail, error) {
	var target string
	for _, f := range p.sessionFiles() {
		if codexSessionID(f) == id {
			target = f
			break
		}
	}
	if target == "" {
		return nil, nil
	}

	var directory, firstPrompt, lastPrompt string
	var lastActivity time.Time
	var messages []attach.ExternalSessionMessage

	err := forEachJSONLRecord(target, func(record map[string]interface{}) {
		ts := parseClaudeTimestamp(str(record, "timestamp"))
		if !ts.IsZero() {
			lastActivity = ts
		}

		recordType := str(record, "type")
		if recordType == "session_meta" || recordType == "turn_context" {
			payload := obj(record, "payload")
			if payload == nil {
				payload = record
			}
			if cwd := str(payload, "cwd"); cwd != "" && directory == "" {
				directory = cwd
			}
			return
		}
		if recordType != "response_item" {
			return
		}
		payload := obj(record, "payload")
		if payload == nil || str(payload, "type") != "message" {
			return
		}
		role := str(payload, "role")
		text := codexMessageText(payload["content"])
		if text == "" || (role == "user" && isCodexEnvironmentContext(text)) {
			return
		}
		if role == "user" {
			if firstPrompt == "" {
				firstPrompt = truncate(text, 200)
			}
			lastPrompt = truncate(text, 200)
		}
		if role == "user" || role == "assistant" {
			messages = append(messages, attach.ExternalSessionMessage{Role: role, Content: text, Timestamp: ts})
		}
	})
	if err != nil {
		return nil, err
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(target)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	running := runningSessionSet(attach.RunnerCodexSessions, []string{id})
	return &attach.ExternalSessionDetail{
		ExternalSessionSummary: attach.ExternalSessionSummary{
			ID: id, RunnerType: attach.RunnerCodexSessions, Directory: directory,
			FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
			MessageCount: len(messages), IsRunning: running[id],
		},
		Messages: messages,
	}, nil
}

var _ SessionFileParser = (*CodexSessionsParser)(nil)
