package render

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sourceplane/eapm/internal/model"
)

// RunViewer provides human-readable views of stored dispatches
type RunViewer struct {
	runs []*model.DispatchContext
}

func NewRunViewer(runs []*model.DispatchContext) *RunViewer {
	return &RunViewer{runs: runs}
}

// Table lists runs newest first, one per line
func (rv *RunViewer) Table() string {
	if len(rv.runs) == 0 {
		return "No dispatches recorded"
	}

	runs := make([]*model.DispatchContext, len(rv.runs))
	copy(runs, rv.runs)
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tCLUSTER\tREMOTE\tPROGRAM\tJOBS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.RunID, r.Status, r.Cluster, r.Remote.Name, valueOr(r.Program, "-"),
			len(r.JobIDs), formatTime(r.CreatedAt))
	}
	w.Flush()
	return sb.String()
}

// Tree shows a single run grouped by local and remote side
func (rv *RunViewer) Tree() string {
	if len(rv.runs) == 0 {
		return "No dispatches recorded"
	}

	var sb strings.Builder
	for i, r := range rv.runs {
		isLastRun := i == len(rv.runs)-1

		runPrefix := "├─ "
		connector := "│  "
		if isLastRun {
			runPrefix = "└─ "
			connector = "   "
		}
		sb.WriteString(fmt.Sprintf("%s%s [%s]\n", runPrefix, r.RunID, r.Status))

		lines := []string{
			fmt.Sprintf("cluster: %s (remote %s)", r.Cluster, r.Remote.Name),
			fmt.Sprintf("local: %s", r.LocalDir),
		}
		if r.RemoteDir != "" {
			remote := r.RemoteDir
			if r.UploadedFolder {
				remote += " (whole folder)"
			}
			lines = append(lines, "remote: "+remote)
		}
		if len(r.JobIDs) > 0 {
			lines = append(lines, "jobs: "+strings.Join(r.JobIDs, ", "))
		}

		for j, line := range lines {
			linePrefix := "├─ "
			if j == len(lines)-1 {
				linePrefix = "└─ "
			}
			sb.WriteString(connector + linePrefix + line + "\n")
		}
	}
	return sb.String()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
