package events

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// ansiNormalizer strips ANSI SGR/cursor sequences the way a terminal
// emulator would, rather than via a hand-rolled regex, grounded on a
// vt10x-based StatusTracker: feed raw bytes through a virtual terminal and
// read the plain-text cell rows back. This correctly handles
// adversarial escape sequences (cursor repositioning, screen clears) that a
// regex-based SGR stripper would mis-parse, which matters for raw-pty CLI
// passthrough output where the child renders its own TUI.
//
// Structured-protocol runners (ACP, stream-json) never feed this path: their
// output arrives as plain text blocks with no terminal to emulate.
type ansiNormalizer struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

const (
	normalizerCols = 200
	normalizerRows = 1
)

func newANSINormalizer() *ansiNormalizer {
	return &ansiNormalizer{
		term: vt10x.New(vt10x.WithSize(normalizerCols, normalizerRows)),
		cols: normalizerCols,
		rows: normalizerRows,
	}
}

// Normalize strips ANSI escape sequences from raw and collapses whitespace,
// suitable for the duplicate-detection ring in Runtime.SeenRecently. Each
// call resets the virtual terminal first so multi-line raw chunks don't leak
// cursor position across calls.
func (n *ansiNormalizer) Normalize(raw string) string {
	if !strings.ContainsRune(raw, '\x1b') {
		return collapseWhitespace(raw)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, _ = n.term.Write([]byte("\x1b[2J\x1b[H"))
	_, _ = n.term.Write([]byte(raw))

	var b strings.Builder
	for row := 0; row < n.rows; row++ {
		for col := 0; col < n.cols; col++ {
			g := n.term.Cell(col, row)
			if g.Char == 0 {
				continue
			}
			b.WriteRune(g.Char)
		}
	}
	return collapseWhitespace(b.String())
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
