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

// CodexCLIParser reads the legacy rollout transcripts Codex CLI writes
// under ~/.codex/sessions/YYYY/MM/DD/rollout-<timestamp>-<uuid>.jsonl, made
// of session_meta/response_item/event_msg records. Grounded on
// original_source/agent/tether/discovery/codex_cli.py.
type CodexCLIParser struct {
	// SessionsDir overrides the default ~/.codex/sessions, for tests.
	SessionsDir string
}

func NewCodexCLIParser() *CodexCLIParser {
	home, _ := os.UserHomeDir()
	return &CodexCLIParser{SessionsDir: filepath.Join(home, ".codex", "sessions")}
}

func (p *CodexCLIParser) RunnerType() attach.RunnerType { return attach.RunnerCodexCLI }

func (p *CodexCLIParser) rolloutFiles() []string {
	var files []string
	_ = filepath.WalkDir(p.SessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// codexSessionID extracts the trailing uuid from a rollout filename, e.g.
// "rollout-2024-06-01T10-00-00-abcdef12-3456-7890-abcd-ef1234567890.jsonl".
func codexSessionID(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	parts := strings.Split(stem, "-")
	if len(parts) < 5 {
		return stem
	}
	return strings.Join(parts[len(parts)-5:], "-")
}

func (p *CodexCLIParser) List(ctx context.Context, directory string, limit int) ([]attach.ExternalSessionSummary, error) {
	files := p.rolloutFiles()

	var ids []string
	for _, f := range files {
		ids = append(ids, codexSessionID(f))
	}
	running := runningSessionSet(attach.RunnerCodexCLI, ids)

	var summaries []attach.ExternalSessionSummary
	for _, f := range files {
		s := parseCodexCLISummary(f, running)
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

func parseCodexCLISummary(path string, running map[string]bool) *attach.ExternalSessionSummary {
	id := codexSessionID(path)

	var directory, firstPrompt, lastPrompt string
	var lastActivity time.Time
	messageCount := 0

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		if ts := parseClaudeTimestamp(str(record, "timestamp")); !ts.IsZero() {
			lastActivity = ts
		}

		switch str(record, "type") {
		case "session_meta":
			payload := obj(record, "payload")
			if payload == nil {
				payload = record
			}
			if cwd := str(payload, "cwd"); cwd != "" {
				directory = cwd
			}
		case "response_item":
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
		}
	})
	if err != nil {
		return nil
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}

	return &attach.ExternalSessionSummary{
		ID: id, RunnerType: attach.RunnerCodexCLI, Directory: directory,
		FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
		MessageCount: messageCount, IsRunning: running[id],
	}
}

func (p *CodexCLIParser) Detail(ctx context.Context, id string, limit int) (*attach.ExternalSessionDetail, error) {
	var target string
	for _, f := range p.rolloutFiles() {
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

		switch str(record, "type") {
		case "session_meta":
			payload := obj(record, "payload")
			if payload == nil {
				payload = record
			}
			if cwd := str(payload, "cwd"); cwd != "" {
				directory = cwd
			}
		case "response_item":
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

	running := runningSessionSet(attach.RunnerCodexCLI, []string{id})
	return &attach.ExternalSessionDetail{
		ExternalSessionSummary: attach.ExternalSessionSummary{
			ID: id, RunnerType: attach.RunnerCodexCLI, Directory: directory,
			FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
			MessageCount: len(messages), IsRunning: running[id],
		},
		Messages: messages,
	}, nil
}

// codexMessageText concatenates a Codex message's content blocks, each
// shaped {"type": "input_text"|"output_text"|"text", "text": "..."}.
func codexMessageText(content interface{}) string {
	items, ok := content.([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range items {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if t := str(block, "text"); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// isCodexEnvironmentContext filters Codex's synthetic first user turn, which
// carries <environment_context> instead of a real prompt.
func isCodexEnvironmentContext(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "<environment_context>")
}

var _ SessionFileParser = (*CodexCLIParser)(nil)
