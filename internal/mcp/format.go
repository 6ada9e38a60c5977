package mcp

import (
	"fmt"
	"strings"
)

// maxListedIDs caps the ids printed per change kind.
const maxListedIDs = 25

// FormatRunReport formats a finished run as markdown.
func FormatRunReport(r RunOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Sync %s\n\n", r.Status)
	fmt.Fprintf(&sb, "**Run:** `%s`", r.RunID)
	if r.JobID != "" {
		fmt.Fprintf(&sb, " (job `%s`)", r.JobID)
	}
	fmt.Fprintf(&sb, "\n**Duration:** %dms\n", r.DurationMS)
	if r.FullRebuild {
		fmt.Fprintf(&sb, "**Mode:** full rebuild (%.0f%% changed)\n", r.ChangedFraction*100)
	} else {
		fmt.Fprintf(&sb, "**Mode:** incremental (%.0f%% changed)\n", r.ChangedFraction*100)
	}
	sb.WriteString("\n| new | modified | deleted | unchanged | applied | failed |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %d | %d |\n\n",
		r.New, r.Modified, r.Deleted, r.Unchanged, r.Applied, len(r.FailedIDs))

	if len(r.FailedIDs) > 0 {
		sb.WriteString("**Failed:** ")
		sb.WriteString(joinIDs(r.FailedIDs))
		sb.WriteString("\n\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", r.Error)
	}
	if r.RolledBack {
		fmt.Fprintf(&sb, "The ledger was rolled back to backup `%s`.\n\n", r.Backup)
	}
	if r.Health != "" {
		fmt.Fprintf(&sb, "**Health:** %s\n", r.Health)
	}
	return sb.String()
}

// FormatDryRun formats a change set as markdown.
func FormatDryRun(d DryRunOutput) string {
	changed := len(d.New) + len(d.Modified) + len(d.Deleted)
	if changed == 0 && !d.FullRebuild {
		return fmt.Sprintf("Index is up to date (%d unchanged).", d.Unchanged)
	}

	var sb strings.Builder
	sb.WriteString("## Pending Changes\n\n")
	if d.FullRebuild {
		fmt.Fprintf(&sb, "A run would **rebuild the whole index** (%.0f%% changed).\n\n", d.ChangedFraction*100)
	}
	writeIDs(&sb, "New", d.New)
	writeIDs(&sb, "Modified", d.Modified)
	writeIDs(&sb, "Deleted", d.Deleted)
	fmt.Fprintf(&sb, "%d unchanged.\n", d.Unchanged)
	return sb.String()
}

// FormatHealth formats a health report as markdown.
func FormatHealth(h HealthOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Index %s\n\n", h.Status)
	sb.WriteString("| check | status | detail |\n|---|---|---|\n")
	for _, c := range h.Checks {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", c.Name, c.Status, c.Message)
	}
	for _, c := range h.Checks {
		if len(c.IDs) > 0 {
			fmt.Fprintf(&sb, "\n**%s:** %s\n", c.Name, joinIDs(c.IDs))
		}
	}
	return sb.String()
}

// FormatJobs formats scheduled jobs as markdown.
func FormatJobs(jobs []JobOutput) string {
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %d Scheduled Job", len(jobs))
	if len(jobs) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n| id | name | trigger | next run | runs | last |\n|---|---|---|---|---|---|\n")
	for _, j := range jobs {
		next := j.NextRun
		if j.Running {
			next = "running"
		}
		last := j.LastStatus
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %d | %s |\n", j.ID, j.Name, j.Trigger, next, j.Runs, last)
	}
	return sb.String()
}

func writeIDs(sb *strings.Builder, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(sb, "**%s (%d):** %s\n\n", label, len(ids), joinIDs(ids))
}

func joinIDs(ids []string) string {
	shown := ids
	if len(shown) > maxListedIDs {
		shown = shown[:maxListedIDs]
	}
	quoted := make([]string, len(shown))
	for i, id := range shown {
		quoted[i] = "`" + id + "`"
	}
	out := strings.Join(quoted, ", ")
	if len(ids) > len(shown) {
		out += fmt.Sprintf(" and %d more", len(ids)-len(shown))
	}
	return out
}
