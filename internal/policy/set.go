// Package policy holds the cached domain policy set and keeps it in sync
// with the backend.
package policy

import (
	"github.com/getathos/athos-agent/internal/model"
)

// Set is an immutable, compiled policy list. A Set is never modified after
// Compile returns, so it can be read concurrently without locks.
type Set struct {
	policies        []model.Policy
	groupPrecedence bool
}

// Compile normalizes policies into a Set. Entries without a domain are
// dropped. The input slice is not retained.
func Compile(policies []model.Policy, groupPrecedence bool) *Set {
	out := make([]model.Policy, 0, len(policies))
	for _, p := range policies {
		p.Domain = model.NormalizeDomain(p.Domain)
		if p.Domain == "" {
			continue
		}
		if p.GroupID != nil {
			g := *p.GroupID
			p.GroupID = &g
		}
		out = append(out, p)
	}
	return &Set{policies: out, groupPrecedence: groupPrecedence}
}

// Len returns the number of policies in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

// Policies returns a copy of the compiled policies.
func (s *Set) Policies() []model.Policy {
	if s == nil {
		return nil
	}
	return append([]model.Policy(nil), s.policies...)
}

// Lookup evaluates host against the set.
//
// With group precedence on, group-scoped matches decide whenever any exist
// and global rules are consulted only otherwise. Within the deciding scope
// any Block wins. With precedence off, any matching Block blocks.
func (s *Set) Lookup(host string) model.Decision {
	if s == nil || len(s.policies) == 0 {
		return model.Allowed("no policies")
	}
	host = model.NormalizeDomain(host)
	if host == "" {
		return model.Allowed("empty host")
	}

	var scoped, global []*model.Policy
	for i := range s.policies {
		p := &s.policies[i]
		if !model.MatchesDomain(host, p.Domain) {
			continue
		}
		if p.Scoped() {
			scoped = append(scoped, p)
		} else {
			global = append(global, p)
		}
	}

	candidates := append(scoped, global...)
	if s.groupPrecedence && len(scoped) > 0 {
		candidates = scoped
	}
	if len(candidates) == 0 {
		return model.Allowed("no matching policy")
	}

	if p := mostSpecificBlock(candidates); p != nil {
		hit := *p
		reason := hit.Category
		if reason == "" {
			reason = "policy"
		}
		return model.Decision{
			Verdict:  model.VerdictBlockedPolicy,
			Policy:   &hit,
			Category: hit.Category,
			Reason:   reason,
			Source:   scopeName(&hit),
		}
	}

	hit := *mostSpecific(candidates)
	return model.Decision{
		Verdict:  model.VerdictAllow,
		Policy:   &hit,
		Category: hit.Category,
		Reason:   "allowed by policy",
		Source:   scopeName(&hit),
	}
}

func mostSpecificBlock(ps []*model.Policy) *model.Policy {
	var best *model.Policy
	for _, p := range ps {
		if p.Blocks() && (best == nil || len(p.Domain) > len(best.Domain)) {
			best = p
		}
	}
	return best
}

func mostSpecific(ps []*model.Policy) *model.Policy {
	best := ps[0]
	for _, p := range ps[1:] {
		if len(p.Domain) > len(best.Domain) {
			best = p
		}
	}
	return best
}

func scopeName(p *model.Policy) string {
	if p.Scoped() {
		return "group"
	}
	return "global"
}
