package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []Entry) string {
	if len(entries) == 0 {
		return "No audit entries.\n"
	}

	var b strings.Builder

	b.WriteString(fmt.Sprintf("Audit: %d entries | %s–%s UTC\n",
		len(entries),
		formatDateRange(entries[0].Timestamp),
		formatTimeOnly(entries[len(entries)-1].Timestamp)))
	b.WriteString(separator + "\n")

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Verdict]++
		command := truncate(e.Command.Domain+"."+e.Command.Action, 24)
		targets := truncate(strings.Join(e.Command.Targets, ","), 30)
		confirmed := ""
		if e.Confirmed {
			confirmed = "  [confirmed]"
		}
		b.WriteString(fmt.Sprintf("%-10s %-8s %-22s %-25s %-30s%s\n",
			formatTimeOnly(e.Timestamp),
			strings.ToUpper(e.Verdict),
			string(e.Event),
			command,
			targets,
			confirmed))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(counts))
	return b.String()
}

// FormatJSON renders entries as indented JSON.
func FormatJSON(entries []Entry) (string, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit entries: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(counts map[string]int) string {
	parts := []string{}
	for _, verdict := range []string{VerdictAllow, VerdictConfirm, VerdictDeny, VerdictOK, VerdictError} {
		if counts[verdict] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[verdict], verdict))
		}
	}
	return fmt.Sprintf("Summary: %s\n", strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
