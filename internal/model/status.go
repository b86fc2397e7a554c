package model

import "time"

// AgentStatus is a point-in-time summary of the running agent.
type AgentStatus struct {
	Authenticated      bool      `json:"authenticated"`
	Policies           int       `json:"policies"`
	ProhibitedDomains  int       `json:"prohibited_domains"`
	Tabs               int       `json:"tabs"`
	BlockedCount       int64     `json:"blocked_count"`
	ShimConnected      bool      `json:"shim_connected"`
	LastPolicyRefresh  time.Time `json:"last_policy_refresh,omitzero"`
	LastProhibitedSync time.Time `json:"last_prohibited_sync,omitzero"`
}
