package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/getathos/athos-agent/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a query result as a text timeline.
func FormatTimeline(result *Result) string {
	if len(result.Entries) == 0 {
		return "No entries found.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Audit trail | %s–%s UTC\n",
		formatDate(result.Summary.FirstTimestamp), formatTime(result.Summary.LastTimestamp))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		mark := " "
		if !e.Delivered {
			mark = "!"
		}
		fmt.Fprintf(&b, "%-10s %s %-20s R%-3d %-30s %s\n",
			formatTime(e.Timestamp), mark, e.Action, e.RiskScore,
			truncate(e.Domain, 30), truncate(e.Category, 20))
	}

	b.WriteString(separator + "\n")
	s := result.Summary
	fmt.Fprintf(&b, "Summary: %d events, %d visited, %d blocked, %d downloads, %d interactions | undelivered: %d | max risk: %d\n",
		s.Total, s.Visited, s.Blocked, s.Downloads, s.Interactions, s.Undelivered, s.MaxRisk)
	return b.String()
}

// FormatJSON renders a query result as indented JSON.
func FormatJSON(result *Result) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit result: %w", err)
	}
	return string(data), nil
}

func formatDate(ts string) string {
	t, err := time.Parse(model.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTime(ts string) string {
	t, err := time.Parse(model.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
