package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(12)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// statusBadge renders a step or run status with its color.
func statusBadge(status string) string {
	switch status {
	case string(workflow.StepPassed), string(workflow.RunCompleted):
		return passStyle.Render("✓ " + status)
	case string(workflow.StepSkipped), string(workflow.RunRunning):
		return warnStyle.Render("• " + status)
	case string(workflow.StepFailed):
		return failStyle.Render("✗ " + status)
	default:
		return dimStyle.Render(status)
	}
}

// results returns every spec result of an attempt in evaluation order.
func results(a workflow.StepAttempt) []workflow.SpecResult {
	out := make([]workflow.SpecResult, 0, len(a.PreResults)+len(a.PostResults)+len(a.InvariantResults))
	out = append(out, a.InvariantResults...)
	out = append(out, a.PreResults...)
	return append(out, a.PostResults...)
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

// renderAttemptLine is the one-line progress report printed after each
// attempt.
func renderAttemptLine(a workflow.StepAttempt) string {
	line := fmt.Sprintf("%s %s %s %s",
		statusBadge(string(a.Status)),
		a.StepID,
		dimStyle.Render(fmt.Sprintf("attempt %d", a.Attempt)),
		dimStyle.Render(a.Duration().Round(time.Millisecond).String()),
	)
	if failed := workflow.FailedRuleIDs(results(a)); len(failed) > 0 {
		line += " " + failStyle.Render(strings.Join(failed, ","))
	}
	return line
}

// renderRun writes a run summary with one line per attempt.
func renderRun(w io.Writer, run *workflow.RunRecord) {
	var b strings.Builder
	b.WriteString(headerStyle.Render("specflow run "+run.RunID) + "\n\n")
	b.WriteString(field("manifest", run.ManifestName) + "\n")
	b.WriteString(field("status", statusBadge(string(run.Status))) + "\n")
	b.WriteString(field("started", run.StartedAt.Format(time.RFC3339)) + "\n")
	if !run.FinishedAt.IsZero() {
		b.WriteString(field("duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()) + "\n")
	}
	for _, k := range []string{"input_folder", "output_folder", "model"} {
		if v := run.Metadata[k]; v != "" {
			b.WriteString(field(strings.TrimSuffix(k, "_folder"), v) + "\n")
		}
	}

	if len(run.Steps) > 0 {
		b.WriteString("\n")
		for _, a := range run.Steps {
			b.WriteString(fmt.Sprintf("%3d  %s\n", a.Seq, renderAttemptLine(a)))
			for _, r := range results(a) {
				if r.Passed {
					continue
				}
				b.WriteString(dimStyle.Render(fmt.Sprintf("       %s: %s", r.RuleID, r.Message)) + "\n")
				if r.SuggestedFix != "" {
					b.WriteString(dimStyle.Render("         fix: "+r.SuggestedFix) + "\n")
				}
			}
		}
	}

	if run.Error != "" {
		b.WriteString("\n" + field("error", failStyle.Render(string(run.ErrorKind))) + "\n")
		b.WriteString(run.Error + "\n")
	}
	for _, pe := range run.PersistenceErrors {
		b.WriteString(warnStyle.Render("persistence: ") + pe + "\n")
	}

	fmt.Fprintln(w, containerStyle.Render(strings.TrimRight(b.String(), "\n")))
}

// renderRunList writes one line per run, newest first.
func renderRunList(w io.Writer, runs []*workflow.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs recorded"))
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-20s %s  %s\n",
			r.RunID,
			r.ManifestName,
			statusBadge(string(r.Status)),
			dimStyle.Render(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
		)
	}
}

// renderGraph writes a validated workflow and its warnings.
func renderGraph(w io.Writer, path string, g *workflow.Graph, warnings []string) {
	var b strings.Builder
	b.WriteString(headerStyle.Render("manifest "+g.Name) + "\n\n")
	b.WriteString(field("file", path) + "\n")
	if g.Version != "" {
		b.WriteString(field("version", g.Version) + "\n")
	}
	b.WriteString(field("entry", g.Entry) + "\n")
	b.WriteString(field("budgets", fmt.Sprintf("%d attempts/step, %d steps total",
		g.Budgets.MaxAttemptsPerStep, g.Budgets.MaxTotalSteps)) + "\n\n")

	for _, id := range g.StepIDs() {
		s := g.Steps[id]
		b.WriteString(fmt.Sprintf("%s %s %s\n", passStyle.Render(id), dimStyle.Render("→"), s.AgentID))
		b.WriteString(dimStyle.Render(fmt.Sprintf("   pre %v  post %v  invariant %v  max_attempts %d",
			s.PreSpecs, s.PostSpecs, s.InvariantSpecs, g.MaxAttempts(s))) + "\n")
	}
	b.WriteString("\n")
	for _, e := range g.Edges {
		b.WriteString(fmt.Sprintf("%s %s %s\n", e.From, dimStyle.Render("--"+string(e.Condition)+"->"), e.To))
	}
	for _, warning := range warnings {
		b.WriteString(warnStyle.Render("warning: ") + warning + "\n")
	}
	fmt.Fprintln(w, containerStyle.Render(strings.TrimRight(b.String(), "\n")))
}
