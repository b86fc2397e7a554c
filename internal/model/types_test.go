package model

import (
	"encoding/json"
	"testing"
)

func TestMatchesDomain(t *testing.T) {
	tests := []struct {
		host, domain string
		want         bool
	}{
		{"gambling.com", "gambling.com", true},
		{"sub.gambling.com", "gambling.com", true},
		{"a.b.gambling.com", "gambling.com", true},
		{"SUB.Gambling.COM", "gambling.com", true},
		{"sub.gambling.com", "GAMBLING.com", true},
		{"notgambling.com", "gambling.com", false},
		{"gambling.com.evil.net", "gambling.com", false},
		{"gambling.com", "sub.gambling.com", false},
		{"", "gambling.com", false},
		{"gambling.com", "", false},
	}
	for _, tt := range tests {
		if got := MatchesDomain(tt.host, tt.domain); got != tt.want {
			t.Errorf("MatchesDomain(%q, %q) = %v, want %v", tt.host, tt.domain, got, tt.want)
		}
	}
}

func TestHostname(t *testing.T) {
	host, err := Hostname("https://Sub.Example.com:8443/path?q=1")
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}
	if host != "sub.example.com" {
		t.Errorf("expected sub.example.com, got %s", host)
	}

	if _, err := Hostname("https:///nohost"); err == nil {
		t.Error("expected error for url without host")
	}
}

func TestIsWebURL(t *testing.T) {
	for raw, want := range map[string]bool{
		"http://example.com":         true,
		"HTTPS://example.com":        true,
		"chrome://settings":          false,
		"chrome-extension://abc/x":   false,
		"file:///etc/passwd":         false,
		"about:blank":                false,
		"ftp://files.example.com/a":  false,
	} {
		if got := IsWebURL(raw); got != want {
			t.Errorf("IsWebURL(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPolicyScopeAndAction(t *testing.T) {
	group := "g1"
	blank := "  "
	if !(Policy{GroupID: &group}).Scoped() {
		t.Error("expected policy with group to be scoped")
	}
	if (Policy{GroupID: &blank}).Scoped() {
		t.Error("expected blank group to be global")
	}
	if (Policy{}).Scoped() {
		t.Error("expected nil group to be global")
	}
	if !(Policy{Action: "BLOCK"}).Blocks() {
		t.Error("expected case-insensitive block action")
	}
	if (Policy{Action: PolicyAllow}).Blocks() {
		t.Error("expected allow policy not to block")
	}
}

func TestPolicyDecodesNumericKeys(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		id      string
		group   string
		grouped bool
	}{
		{"string keys", `{"id":"p1","domain":"a.com","action":"block","group_id":"g1"}`, "p1", "g1", true},
		{"numeric keys", `{"id":7,"domain":"a.com","action":"block","group_id":12}`, "7", "12", true},
		{"null group", `{"id":8,"domain":"a.com","action":"block","group_id":null}`, "8", "", false},
		{"missing keys", `{"domain":"a.com","action":"block"}`, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Policy
			if err := json.Unmarshal([]byte(tt.in), &p); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if p.ID != tt.id || p.Domain != "a.com" || !p.Blocks() {
				t.Errorf("unexpected policy %+v", p)
			}
			if (p.GroupID != nil) != tt.grouped || (tt.grouped && *p.GroupID != tt.group) {
				t.Errorf("group_id = %v, want %q", p.GroupID, tt.group)
			}
		})
	}

	var p Policy
	if err := json.Unmarshal([]byte(`{"id":true,"domain":"a.com"}`), &p); err == nil {
		t.Error("expected boolean id to be rejected")
	}
}
