package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"blockci/internal/core"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
)

func stateStyle(s core.State) lipgloss.Style {
	switch s {
	case core.StateSucceeded:
		return okStyle
	case core.StateFailed:
		return failStyle
	case core.StateCancelled:
		return warnStyle
	default:
		return mutedStyle
	}
}

func stateBadge(s core.State) string {
	return stateStyle(s).Width(10).Render(string(s))
}

// printReport writes the terminal summary of a run.
func printReport(w io.Writer, r *core.Report) {
	if !r.Triggered {
		fmt.Fprintf(w, "%s %s on %q matched no trigger\n",
			mutedStyle.Render("skipped"), r.Event.Kind, r.Event.Branch)
		return
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("run %s", r.RunID)))
	for _, jr := range r.Jobs {
		fmt.Fprintf(w, "%s %s\n", stateBadge(jr.State), jr.Job.DisplayName())
		if jr.Job.Matrix == nil && len(jr.Instances) == 1 {
			printSteps(w, jr.Instances[0].Snapshot(), "  ")
			continue
		}
		for _, inst := range jr.Instances {
			snap := inst.Snapshot()
			fmt.Fprintf(w, "  %s %s\n", stateBadge(snap.State), snap.ID)
			printSteps(w, snap, "    ")
		}
	}

	counts := r.Counts()
	parts := make([]string, 0, 5)
	for _, s := range []core.State{core.StateSucceeded, core.StateFailed, core.StateCancelled, core.StateSkipped} {
		if n := counts[s]; n > 0 {
			parts = append(parts, stateStyle(s).Render(fmt.Sprintf("%d %s", n, s)))
		}
	}
	verdict := okStyle.Render("SUCCESS")
	if !r.Success() {
		verdict = failStyle.Render("FAILURE")
	}
	fmt.Fprintf(w, "\n%s  %s  %s\n", verdict, strings.Join(parts, ", "),
		mutedStyle.Render(r.Finished.Sub(r.Started).Round(time.Millisecond).String()))
}

func printSteps(w io.Writer, snap core.InstanceSnapshot, indent string) {
	for _, st := range snap.Steps {
		line := fmt.Sprintf("%s%s %s", indent, stateBadge(st.State), st.Name)
		if st.Error != "" {
			line += " " + failStyle.Render(st.Error)
		}
		fmt.Fprintln(w, line)
	}
	if snap.Error != "" && snap.State != core.StateSkipped {
		fmt.Fprintf(w, "%s%s\n", indent, mutedStyle.Render(snap.Error))
	}
}

// printPlan writes the topological job order with each job's instances.
func printPlan(w io.Writer, g *core.Graph) {
	for i, j := range g.Order() {
		header := fmt.Sprintf("%d. %s", i+1, j.DisplayName())
		if len(j.Needs) > 0 {
			header += mutedStyle.Render(" needs " + strings.Join(j.Needs, ", "))
		}
		fmt.Fprintln(w, titleStyle.Render(header))
		for _, inst := range core.ExpandJob(j) {
			fmt.Fprintf(w, "   %s %s\n", inst.ID(), mutedStyle.Render("on "+j.RunsOn.String()))
		}
		if j.Matrix != nil {
			fmt.Fprintf(w, "   %s\n", mutedStyle.Render(fmt.Sprintf("fail-fast=%t max-parallel=%d", j.Matrix.FailFast, j.Matrix.MaxParallel)))
		}
		if down := g.Downstream(j.ID); len(down) > 0 {
			fmt.Fprintf(w, "   %s\n", mutedStyle.Render("failure skips "+strings.Join(down, ", ")))
		}
	}
}
