package remote

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

var jobIDPattern = regexp.MustCompile(`^[0-9]+(_[0-9]+)?$`)

// Terminal Slurm states that count as success or failure
var (
	successStates = map[string]bool{"COMPLETED": true}
	failedStates  = map[string]bool{
		"FAILED": true, "CANCELLED": true, "TIMEOUT": true, "OUT_OF_MEMORY": true,
		"NODE_FAIL": true, "PREEMPTED": true, "BOOT_FAIL": true, "DEADLINE": true,
		"REVOKED": true,
	}
)

// submitCommand builds the sbatch invocation for a remote script path.
func submitCommand(scriptPath string) string {
	return fmt.Sprintf("cd %s && sbatch --parsable %s",
		shellescape.Quote(path.Dir(scriptPath)), shellescape.Quote(path.Base(scriptPath)))
}

// ParseJobID extracts the job ID from sbatch output, with or without --parsable
func ParseJobID(output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "Submitted batch job ")
		id := strings.SplitN(line, ";", 2)[0]
		if jobIDPattern.MatchString(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not parse job ID from sbatch output: %q", output)
}

// QueryJobStates returns the Slurm state of every allocation belonging to jobID
// (one per array task). An empty result means the job is not in accounting yet.
func QueryJobStates(ctx context.Context, r Remote, jobID string) ([]string, error) {
	out, err := r.RemoteCommand(ctx, fmt.Sprintf("sacct -j %s -X -n -P -o State", shellescape.Quote(jobID)))
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	return ParseStates(out), nil
}

// ParseStates normalises sacct State output ("CANCELLED by 123" -> "CANCELLED")
func ParseStates(output string) []string {
	var states []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		states = append(states, strings.TrimSuffix(strings.ToUpper(fields[0]), "+"))
	}
	return states
}

func IsTerminal(state string) bool {
	return successStates[state] || failedStates[state]
}

func IsFailed(state string) bool {
	return failedStates[state]
}
