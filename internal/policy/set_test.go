package policy

import (
	"testing"

	"github.com/getathos/athos-agent/internal/model"
)

func group(id string) *string { return &id }

func TestLookupSuffixMatch(t *testing.T) {
	set := Compile([]model.Policy{{Domain: "gambling.com", Action: model.PolicyBlock}}, true)

	tests := []struct {
		host    string
		blocked bool
	}{
		{"gambling.com", true},
		{"sub.gambling.com", true},
		{"SUB.GAMBLING.COM", true},
		{"notgambling.com", false},
		{"gambling.com.evil.net", false},
		{"example.org", false},
	}
	for _, tt := range tests {
		d := set.Lookup(tt.host)
		if d.Verdict.Blocked() != tt.blocked {
			t.Errorf("Lookup(%q) blocked=%v, want %v", tt.host, d.Verdict.Blocked(), tt.blocked)
		}
	}
}

func TestLookupBlockCarriesPolicy(t *testing.T) {
	set := Compile([]model.Policy{{ID: "p1", Domain: "Casino.Example", Action: "BLOCK", Category: "gambling"}}, true)
	d := set.Lookup("www.casino.example")
	if d.Verdict != model.VerdictBlockedPolicy {
		t.Fatalf("expected blocked_policy, got %s", d.Verdict)
	}
	if d.Policy == nil || d.Policy.ID != "p1" {
		t.Fatalf("expected matched policy p1, got %+v", d.Policy)
	}
	if d.Category != "gambling" || d.Reason != "gambling" {
		t.Errorf("unexpected category/reason %q/%q", d.Category, d.Reason)
	}
	if d.Source != "global" {
		t.Errorf("expected global source, got %s", d.Source)
	}
}

func TestGroupPrecedence(t *testing.T) {
	policies := []model.Policy{
		{Domain: "social.com", Action: model.PolicyBlock},
		{Domain: "social.com", Action: model.PolicyAllow, GroupID: group("marketing")},
	}

	withPrecedence := Compile(policies, true)
	if d := withPrecedence.Lookup("social.com"); d.Verdict.Blocked() {
		t.Error("group allow should override global block when precedence is on")
	}

	without := Compile(policies, false)
	if d := without.Lookup("social.com"); !d.Verdict.Blocked() {
		t.Error("any block should win when precedence is off")
	}
}

func TestGroupBlockOverGlobalAllow(t *testing.T) {
	set := Compile([]model.Policy{
		{Domain: "video.com", Action: model.PolicyAllow},
		{Domain: "video.com", Action: model.PolicyBlock, GroupID: group("interns"), Category: "streaming"},
	}, true)
	d := set.Lookup("video.com")
	if !d.Verdict.Blocked() {
		t.Fatal("expected group block")
	}
	if d.Source != "group" {
		t.Errorf("expected group source, got %s", d.Source)
	}
}

func TestGlobalFallbackWithoutGroupMatch(t *testing.T) {
	set := Compile([]model.Policy{
		{Domain: "video.com", Action: model.PolicyBlock},
		{Domain: "other.com", Action: model.PolicyAllow, GroupID: group("g")},
	}, true)
	if d := set.Lookup("video.com"); !d.Verdict.Blocked() {
		t.Error("expected global block when no group rule matches")
	}
}

func TestMostSpecificBlockReported(t *testing.T) {
	set := Compile([]model.Policy{
		{ID: "broad", Domain: "example.com", Action: model.PolicyBlock},
		{ID: "narrow", Domain: "files.example.com", Action: model.PolicyBlock},
	}, true)
	d := set.Lookup("a.files.example.com")
	if d.Policy == nil || d.Policy.ID != "narrow" {
		t.Errorf("expected narrow policy, got %+v", d.Policy)
	}
}

func TestCompileDropsEmptyDomains(t *testing.T) {
	set := Compile([]model.Policy{{Domain: "  "}, {Domain: "a.com", Action: model.PolicyBlock}}, true)
	if set.Len() != 1 {
		t.Errorf("expected 1 policy, got %d", set.Len())
	}
}

func TestCompileDoesNotAliasInput(t *testing.T) {
	g := "g1"
	in := []model.Policy{{Domain: "a.com", Action: model.PolicyBlock, GroupID: &g}}
	set := Compile(in, true)
	in[0].Domain = "b.com"
	g = ""
	if d := set.Lookup("a.com"); !d.Verdict.Blocked() || d.Source != "group" {
		t.Errorf("compiled set changed with its input: %+v", d)
	}
}

func TestNilAndEmptySet(t *testing.T) {
	var s *Set
	if s.Lookup("a.com").Verdict != model.VerdictAllow {
		t.Error("nil set should allow")
	}
	if Compile(nil, true).Lookup("a.com").Verdict != model.VerdictAllow {
		t.Error("empty set should allow")
	}
}
