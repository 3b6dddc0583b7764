package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/report"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
)

// GenerateMarkdown renders the sweep summary written to summary.md.
func GenerateMarkdown(m *Manifest, rep report.Report) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, m.SweepID)
	writeOverview(&sb, m)
	writeStatusCounts(&sb, m.Summary)
	writeRuns(&sb, m.Runs)
	writeComparison(&sb, rep)
	writeSystem(&sb, m.System)
	writeLabels(&sb, m.Labels)

	return sb.String()
}

func writeTitle(sb *strings.Builder, sweepID string) {
	fmt.Fprintf(sb, "# Sweep: %s\n\n", sweepID)
}

func writeOverview(sb *strings.Builder, m *Manifest) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if m.Backend != "" {
		fmt.Fprintf(sb, "| Backend | %s |\n", m.Backend)
	}

	if m.Bucket != "" {
		fmt.Fprintf(sb, "| Bucket | `%s` |\n", m.Bucket)
	}

	if m.Image != "" {
		fmt.Fprintf(sb, "| Image | `%s` |\n", m.Image)
	}

	if !m.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Started | %s |\n", m.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if !m.FinishedAt.IsZero() && !m.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Duration | %s |\n", formatDuration(m.FinishedAt.Sub(m.StartedAt)))
	}

	sb.WriteByte('\n')
}

func writeStatusCounts(sb *strings.Builder, s Summary) {
	sb.WriteString("## Results\n\n")
	sb.WriteString("| Total | Succeeded | Failed | Not Submitted |\n")
	sb.WriteString("|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d |\n\n", s.Total, s.Succeeded, s.Failed, s.NotSubmitted)

	if len(s.Stages) == 0 {
		return
	}

	sb.WriteString("| Failed In | Runs |\n")
	sb.WriteString("|---|---|\n")

	for _, stage := range slices.Sorted(maps.Keys(s.Stages)) {
		fmt.Fprintf(sb, "| %s | %d |\n", stage, s.Stages[stage])
	}

	sb.WriteByte('\n')
}

func writeRuns(sb *strings.Builder, runs []ManifestRun) {
	if len(runs) == 0 {
		return
	}

	sb.WriteString("## Runs\n\n")
	sb.WriteString("| Run | Nodes | State | Status | Wall Time | Reason |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")

	for _, r := range runs {
		wall := "-"
		if r.WallTimeSeconds != nil {
			wall = formatDuration(time.Duration(*r.WallTimeSeconds * float64(time.Second)))
		}

		reason := r.Reason
		if reason == "" {
			reason = "-"
		}

		fmt.Fprintf(sb, "| `%s` | %d | %s | %s | %s | %s |\n",
			r.RunKey, r.Nodes, r.State, r.Status, wall, escapeCell(reason))
	}

	sb.WriteByte('\n')
}

func writeComparison(sb *strings.Builder, rep report.Report) {
	if len(rep.Comparison) == 0 || len(rep.Functionals) == 0 {
		return
	}

	fmt.Fprintf(sb, "## Functional Comparison (%d node(s))\n\n", rep.ComparisonNodes)

	sb.WriteString("| Device | K-Points |")

	for _, f := range rep.Functionals {
		fmt.Fprintf(sb, " %s |", f)
	}

	sb.WriteString("\n|---|---|")
	sb.WriteString(strings.Repeat("---|", len(rep.Functionals)))
	sb.WriteByte('\n')

	for _, row := range rep.Comparison {
		fmt.Fprintf(sb, "| %s | %s |", row.Device, row.KPoints)

		for _, f := range rep.Functionals {
			if v, ok := row.WallTimes[f]; ok {
				fmt.Fprintf(sb, " %.2fh |", v/3600)
			} else {
				sb.WriteString(" - |")
			}
		}

		sb.WriteByte('\n')
	}

	sb.WriteByte('\n')
}

func writeSystem(sb *strings.Builder, sys *sysinfo.SystemInfo) {
	if sys == nil {
		return
	}

	sb.WriteString("## Orchestrator Host\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalBytes > 0 {
		fmt.Fprintf(sb, "| Memory | %s |\n", sys.MemoryHuman())
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	sb.WriteByte('\n')
}

func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	sb.WriteString("## Labels\n\n")
	sb.WriteString("| Label | Value |\n")
	sb.WriteString("|---|---|\n")

	for _, k := range slices.Sorted(maps.Keys(labels)) {
		fmt.Fprintf(sb, "| %s | %s |\n", k, labels[k])
	}

	sb.WriteByte('\n')
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
