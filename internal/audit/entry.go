// Package audit keeps a local, tamper-evident record of every audit event
// the agent assembled, whether or not the collector accepted it.
package audit

import "github.com/getathos/athos-agent/internal/model"

// Entry is one line in the hash-chained JSONL audit trail.
// All fields are scalars so json.Marshal output is deterministic and
// hashes are reproducible.
type Entry struct {
	Timestamp   string `json:"ts"`
	EventID     string `json:"event_id"`
	Action      string `json:"action"`
	EventType   string `json:"event_type"`
	Domain      string `json:"domain"`
	URL         string `json:"url"`
	TabFocused  bool   `json:"tab_focused"`
	TimeOnPage  int64  `json:"time_on_page"`
	RiskScore   int    `json:"risk_score"`
	BlockReason string `json:"block_reason,omitempty"`
	Category    string `json:"category,omitempty"`
	Delivered   bool   `json:"delivered"`
	PrevHash    string `json:"prev_hash"`
}

// EntryFor flattens an audit event. delivered records whether the
// collector acknowledged it.
func EntryFor(ev model.AuditEvent, delivered bool) Entry {
	e := Entry{
		Timestamp:  ev.Timestamp,
		EventID:    ev.EventID,
		Action:     string(ev.Action),
		EventType:  string(ev.EventType),
		Domain:     ev.Domain,
		URL:        ev.URL,
		TabFocused: ev.TabFocused,
		TimeOnPage: ev.TimeOnPage,
		RiskScore:  ev.RiskScore,
		Delivered:  delivered,
	}
	if ev.PolicyInfo != nil {
		e.BlockReason = ev.PolicyInfo.BlockReason
		e.Category = ev.PolicyInfo.Category
	}
	return e
}
