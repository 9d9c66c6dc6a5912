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

// skipPromptPrefixes marks user-role records that are not a real prompt —
// interrupted-request markers, tool results, and system reminders Claude
// Code stores under the "user" role alongside genuine prompts.
var skipPromptPrefixes = []string{"[Request interrupted", "[Response interrupted", "[Tool result", "<system-"}

// ClaudeCodeParser reads the JSONL session transcripts Claude Code writes
// under ~/.claude/projects/<encoded-cwd>/<session-id>.jsonl. Grounded on
// original_source/agent/tether/discovery/claude_code.py.
type ClaudeCodeParser struct {
	// ProjectsDir overrides the default ~/.claude/projects, for tests.
	ProjectsDir string
}

// NewClaudeCodeParser builds a parser rooted at the real ~/.claude/projects.
func NewClaudeCodeParser() *ClaudeCodeParser {
	home, _ := os.UserHomeDir()
	return &ClaudeCodeParser{ProjectsDir: filepath.Join(home, ".claude", "projects")}
}

func (p *ClaudeCodeParser) RunnerType() attach.RunnerType { return attach.RunnerClaudeCode }

// encodeClaudeProjectPath mirrors encode_project_path: "/home/lars/project"
// becomes "-home-lars-project".
func encodeClaudeProjectPath(path string) string {
	normalized := strings.TrimPrefix(path, "/")
	return "-" + strings.ReplaceAll(normalized, "/", "-")
}

// decodeClaudeProjectPath is encodeClaudeProjectPath's inverse, used as a
// fallback when a session file never records its own cwd.
func decodeClaudeProjectPath(encoded string) string {
	inner := strings.TrimLeft(encoded, "-")
	return "/" + strings.ReplaceAll(inner, "-", "/")
}

func (p *ClaudeCodeParser) List(ctx context.Context, directory string, limit int) ([]attach.ExternalSessionSummary, error) {
	var projectDirs []string
	if directory != "" {
		projectDirs = []string{filepath.Join(p.ProjectsDir, encodeClaudeProjectPath(directory))}
	} else {
		entries, err := os.ReadDir(p.ProjectsDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				projectDirs = append(projectDirs, filepath.Join(p.ProjectsDir, e.Name()))
			}
		}
	}

	var files []string
	for _, dir := range projectDirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		for _, m := range matches {
			stem := strings.TrimSuffix(filepath.Base(m), ".jsonl")
			if len(stem) < 32 || !strings.Contains(stem, "-") {
				continue
			}
			files = append(files, m)
		}
	}

	var ids []string
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(filepath.Base(f), ".jsonl"))
	}
	running := runningSessionSet(attach.RunnerClaudeCode, ids)

	var summaries []attach.ExternalSessionSummary
	for _, f := range files {
		if s := parseClaudeSummary(f, running); s != nil {
			summaries = append(summaries, *s)
		}
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].LastActivity.After(summaries[j].LastActivity) })
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (p *ClaudeCodeParser) findSessionFile(id string) string {
	entries, err := os.ReadDir(p.ProjectsDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(p.ProjectsDir, e.Name(), id+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func parseClaudeSummary(path string, running map[string]bool) *attach.ExternalSessionSummary {
	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	var firstPrompt, lastPrompt, directory string
	var lastActivity time.Time
	messageCount := 0

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		if ts := parseClaudeTimestamp(str(record, "timestamp")); !ts.IsZero() {
			lastActivity = ts
		}
		if directory == "" {
			if cwd := str(record, "cwd"); cwd != "" {
				directory = cwd
			}
		}

		switch str(record, "type") {
		case "user":
			messageCount++
			message := obj(record, "message")
			if message != nil && isClaudeToolResultMessage(message) {
				return
			}
			if text := extractClaudeUserPrompt(message["content"]); text != "" {
				if firstPrompt == "" {
					firstPrompt = truncate(text, 200)
				}
				lastPrompt = truncate(text, 200)
			}
		case "assistant":
			messageCount++
		}
	})
	if err != nil {
		return nil
	}

	if directory == "" {
		directory = decodeClaudeProjectPath(filepath.Base(filepath.Dir(path)))
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}

	return &attach.ExternalSessionSummary{
		ID: id, RunnerType: attach.RunnerClaudeCode, Directory: directory,
		FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
		MessageCount: messageCount, IsRunning: running[id],
	}
}

func (p *ClaudeCodeParser) Detail(ctx context.Context, id string, limit int) (*attach.ExternalSessionDetail, error) {
	path := p.findSessionFile(id)
	if path == "" {
		return nil, nil
	}

	var firstPrompt, lastPrompt, directory string
	var lastActivity time.Time
	var messages []attach.ExternalSessionMessage

	err := forEachJSONLRecord(path, func(record map[string]interface{}) {
		ts := parseClaudeTimestamp(str(record, "timestamp"))
		if !ts.IsZero() {
			lastActivity = ts
		}
		if directory == "" {
			if cwd := str(record, "cwd"); cwd != "" {
				directory = cwd
			}
		}

		switch str(record, "type") {
		case "user":
			message := obj(record, "message")
			text, _ := extractClaudeTextContent(message["content"], "user")
			if text == "" {
				return
			}
			if candidate := extractClaudeUserPrompt(message["content"]); candidate != "" {
				if firstPrompt == "" {
					firstPrompt = truncate(candidate, 200)
				}
				lastPrompt = truncate(candidate, 200)
			}
			messages = append(messages, attach.ExternalSessionMessage{Role: "user", Content: text, Timestamp: ts})
		case "assistant":
			message := obj(record, "message")
			text, thinking := extractClaudeTextContent(message["content"], "assistant")
			if text == "" && thinking == "" {
				return
			}
			messages = append(messages, attach.ExternalSessionMessage{Role: "assistant", Content: text, Thinking: thinking, Timestamp: ts})
		}
	})
	if err != nil {
		return nil, err
	}

	if directory == "" {
		directory = decodeClaudeProjectPath(filepath.Base(filepath.Dir(path)))
	}
	if lastActivity.IsZero() {
		lastActivity = fileModTime(path)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	running := runningSessionSet(attach.RunnerClaudeCode, []string{id})
	return &attach.ExternalSessionDetail{
		ExternalSessionSummary: attach.ExternalSessionSummary{
			ID: id, RunnerType: attach.RunnerClaudeCode, Directory: directory,
			FirstPrompt: firstPrompt, LastPrompt: lastPrompt, LastActivity: lastActivity,
			MessageCount: len(messages), IsRunning: running[id],
		},
		Messages: messages,
	}, nil
}

func isClaudeToolResultMessage(message map[string]interface{}) bool {
	if str(message, "role") != "user" {
		return false
	}
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return false
	}
	for _, b := range blocks {
		if bm, ok := b.(map[string]interface{}); ok && str(bm, "type") == "tool_result" {
			return true
		}
	}
	return false
}

func extractClaudeUserPrompt(content interface{}) string {
	switch c := content.(type) {
	case string:
		if hasSkipPrefix(c) {
			return ""
		}
		return strings.TrimSpace(c)
	case []interface{}:
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if str(block, "type") == "tool_result" {
				return ""
			}
			if text := str(block, "text"); text != "" {
				if hasSkipPrefix(text) {
					return ""
				}
				return strings.TrimSpace(text)
			}
		}
	}
	return ""
}

func hasSkipPrefix(s string) bool {
	trimmed := strings.TrimLeft(s, " \t\n")
	for _, prefix := range skipPromptPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// extractClaudeTextContent separates text and thinking blocks for the
// message detail view; for user messages, tool_result blocks are skipped
// entirely since they are system-generated, not real input.
func extractClaudeTextContent(content interface{}, role string) (text, thinking string) {
	switch c := content.(type) {
	case string:
		return c, ""
	case []interface{}:
		var texts, thinkingParts []string
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch str(block, "type") {
			case "text":
				if t := str(block, "text"); t != "" {
					texts = append(texts, t)
				}
			case "thinking":
				if t := str(block, "thinking"); t != "" {
					thinkingParts = append(thinkingParts, t)
				}
			case "tool_use", "tool_result":
				if role == "user" {
					continue
				}
				continue
			default:
				if role == "user" && str(block, "type") == "tool_result" {
					continue
				}
			}
		}
		return strings.Join(texts, "\n"), strings.Join(thinkingParts, "\n\n")
	}
	return "", ""
}

func parseClaudeTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func fileModTime(path string) time.Time {
	if info, err := os.Stat(path); err == nil {
		return info.ModTime().UTC()
	}
	return time.Now().UTC()
}

var _ SessionFileParser = (*ClaudeCodeParser)(nil)
