package attach

import (
	"context"
	"fmt"
	"sort"

	"github.com/kandev/relay/internal/attach/discovery"
)

// Scanner aggregates every registered discovery.SessionFileParser behind one
// uniform List/Detail surface, keyed by RunnerType.
type Scanner struct {
	parsers map[RunnerType]discovery.SessionFileParser
}

// NewScanner registers the four concrete backends against their real
// on-disk locations.
func NewScanner() *Scanner {
	return NewScannerWithParsers(
		discovery.NewClaudeCodeParser(),
		discovery.NewCodexCLIParser(),
		discovery.NewCodexSessionsParser(),
		discovery.NewPiParser(),
	)
}

// NewScannerWithParsers builds a Scanner from an explicit parser set, for
// tests that substitute parsers rooted at a temp directory.
func NewScannerWithParsers(parsers ...discovery.SessionFileParser) *Scanner {
	s := &Scanner{parsers: make(map[RunnerType]discovery.SessionFileParser, len(parsers))}
	for _, p := range parsers {
		s.parsers[p.RunnerType()] = p
	}
	return s
}

// List returns external sessions across every backend (or just runnerType,
// if non-empty), newest first, capped at limit.
func (s *Scanner) List(ctx context.Context, runnerType RunnerType, directory string, limit int) ([]ExternalSessionSummary, error) {
	var targets []discovery.SessionFileParser
	if runnerType != "" {
		p, ok := s.parsers[runnerType]
		if !ok {
			return nil, fmt.Errorf("attach: unknown runner type %q", runnerType)
		}
		targets = []discovery.SessionFileParser{p}
	} else {
		for _, p := range s.parsers {
			targets = append(targets, p)
		}
	}

	var all []ExternalSessionSummary
	for _, p := range targets {
		summaries, err := p.List(ctx, directory, 0)
		if err != nil {
			return nil, fmt.Errorf("attach: scanning %s: %w", p.RunnerType(), err)
		}
		all = append(all, summaries...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LastActivity.After(all[j].LastActivity) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Detail loads one external session's full history from its backend.
// Returns (nil, nil) if no parser knows about id.
func (s *Scanner) Detail(ctx context.Context, runnerType RunnerType, id string, limit int) (*ExternalSessionDetail, error) {
	if runnerType != "" {
		p, ok := s.parsers[runnerType]
		if !ok {
			return nil, fmt.Errorf("attach: unknown runner type %q", runnerType)
		}
		return p.Detail(ctx, id, limit)
	}
	for _, p := range s.parsers {
		detail, err := p.Detail(ctx, id, limit)
		if err != nil {
			return nil, fmt.Errorf("attach: loading detail from %s: %w", p.RunnerType(), err)
		}
		if detail != nil {
			return detail, nil
		}
	}
	return nil, nil
}

// Parser returns the parser registered for runnerType, if any, for callers
// that already know the session's runner type and want that backend's
// parser directly.
func (s *Scanner) Parser(runnerType RunnerType) (discovery.SessionFileParser, bool) {
	p, ok := s.parsers[runnerType]
	return p, ok
}
