package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PolicyAction is the action a policy prescribes for a matching domain.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyBlock PolicyAction = "block"
)

// Policy is a domain-to-action rule fetched from the backend.
// A nil or empty GroupID means the rule applies to the whole tenant.
type Policy struct {
	ID       string       `json:"id,omitempty"`
	Domain   string       `json:"domain"`
	Action   PolicyAction `json:"action"`
	Category string       `json:"category,omitempty"`
	GroupID  *string      `json:"group_id"`
}

// UnmarshalJSON accepts id and group_id as either strings or numbers;
// backend rows carry integer keys.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type plain Policy
	var raw struct {
		plain
		ID      json.RawMessage `json:"id"`
		GroupID json.RawMessage `json:"group_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := keyString(raw.ID)
	if err != nil {
		return fmt.Errorf("policy id: %w", err)
	}
	group, err := keyString(raw.GroupID)
	if err != nil {
		return fmt.Errorf("policy group_id: %w", err)
	}

	*p = Policy(raw.plain)
	p.ID = id
	p.GroupID = nil
	if group != "" {
		p.GroupID = &group
	}
	return nil
}

// keyString renders a JSON string or number as a string; null is empty.
func keyString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Scoped reports whether the policy is bound to a group rather than global.
func (p Policy) Scoped() bool {
	return p.GroupID != nil && strings.TrimSpace(*p.GroupID) != ""
}

// Blocks reports whether the policy action is block. Comparison is case-insensitive.
func (p Policy) Blocks() bool {
	return strings.EqualFold(string(p.Action), string(PolicyBlock))
}

// Verdict classifies the outcome of evaluating a navigation.
type Verdict string

const (
	VerdictAllow             Verdict = "allow"
	VerdictBlockedPolicy     Verdict = "blocked_policy"
	VerdictBlockedRemoteList Verdict = "blocked_remote_list"
)

// Blocked reports whether the verdict denies the navigation.
func (v Verdict) Blocked() bool {
	return v == VerdictBlockedPolicy || v == VerdictBlockedRemoteList
}

// Decision is the result of a local navigation evaluation.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Policy   *Policy `json:"policy,omitempty"`
	Category string  `json:"category,omitempty"`
	Reason   string  `json:"reason"`
	Source   string  `json:"source,omitempty"`
}

// Allowed is the zero-risk decision returned when nothing matches.
func Allowed(reason string) Decision {
	return Decision{Verdict: VerdictAllow, Reason: reason}
}

// TabInfo describes a browser tab as reported by the host.
type TabInfo struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}
