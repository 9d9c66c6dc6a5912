package discovery

import (
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kandev/relay/internal/attach"
)

// processNameFor returns the CLI binary name used to recognize a running
// agent process for runnerType, before the caller checks for its session id
// as a substring of the full command line.
func processNameFor(runnerType attach.RunnerType) string {
	switch runnerType {
	case attach.RunnerClaudeCode:
		return "claude"
	case attach.RunnerCodexCLI, attach.RunnerCodexSessions:
		return "codex"
	case attach.RunnerPi:
		return "pi"
	default:
		return ""
	}
}

// isRunning reports whether sessionID appears in the command line of any
// live process matching runnerType's binary name.
func isRunning(runnerType attach.RunnerType, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return runningSessionSet(runnerType, []string{sessionID})[sessionID]
}

// runningSessionSet does one process-table scan and checks every id in
// candidateIDs against it, mirroring the original source's pattern of
// computing a `running_sessions` set once per List call rather than
// re-scanning per file. A scan failure (permission denied, /proc
// unavailable, …) yields an empty set rather than an error: an unknown
// liveness state is treated as not running.
func runningSessionSet(runnerType attach.RunnerType, candidateIDs []string) map[string]bool {
	result := make(map[string]bool, len(candidateIDs))

	procs, err := process.Processes()
	if err != nil {
		return result
	}
	binary := processNameFor(runnerType)

	var cmdlines []string
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" || !strings.Contains(cmdline, binary) {
			continue
		}
		cmdlines = append(cmdlines, cmdline)
	}

	for _, id := range candidateIDs {
		if id == "" {
			continue
		}
		for _, cmdline := range cmdlines {
			if strings.Contains(cmdline, id) {
				result[id] = true
				break
			}
		}
	}
	return result
}
