package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodexCLIParser_ListParsesRolloutFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026", "01", "01", "rollout-2026-01-01T00-00-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl")

	writeFile(t, path, `
{"type":"session_meta","timestamp":"2026-01-01T00:00:00Z","payload":{"cwd":"/home/lars/work"}}
{"type":"response_item","timestamp":"2026-01-01T00:00:01Z","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"<environment_context>cwd=/home/lars/work</environment_context>"}]}}
{"type":"response_item","timestamp":"2026-01-01T00:00:02Z","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"fix the bug"}]}}
{"type":"response_item","timestamp":"2026-01-01T00:00:03Z","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"fixed"}]}}
`)

	p := &CodexCLIParser{SessionsDir: dir}
	summaries, err := p.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	require.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", s.ID)
	require.Equal(t, "/home/lars/work", s.Directory)
	require.Equal(t, "fix the bug", s.FirstPrompt)
	require.Equal(t, "fix the bug", s.LastPrompt)
	require.Equal(t, 2, s.MessageCount)
}

func TestCodexCLIParser_DetailSkipsEnvironmentContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026", "01", "01", "rollout-2026-01-01T00-00-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl")

	writeFile(t, path, `
{"type":"session_meta","timestamp":"2026-01-01T00:00:00Z","payload":{"cwd":"/home/lars/work"}}
{"type":"response_item","timestamp":"2026-01-01T00:00:01Z","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"<environment_context>cwd=/home/lars/work</environment_context>"}]}}
{"type":"response_item","timestamp":"2026-01-01T00:00:02Z","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"fix the bug"}]}}
`)

	p := &CodexCLIParser{SessionsDir: dir}
	detail, err := p.Detail(context.Background(), "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", 0)
	require.NoError(t, err)
	require.NotNil(t, detail)
	require.Len(t, detail.Messages, 1)
	require.Equal(t, "fix the bug", detail.Messages[0].Content)
}
