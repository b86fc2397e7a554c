// Package prohibited holds the categorized prohibited-domain list: the
// remote list synced from the backend merged with a local override file.
package prohibited

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getathos/athos-agent/internal/model"
)

// Override is the local override file. Domains match by host (exact or
// subdomain); URLs are glob patterns matched against the whole URL, where
// * matches any run of characters and ? matches exactly one.
//
//	domains:
//	  gambling: [casino.example, bets.example]
//	urls:
//	  payments: ["*/checkout", "https://*.paypal.com/v2/*"]
type Override struct {
	Domains map[string][]string `yaml:"domains"`
	URLs    map[string][]string `yaml:"urls"`
}

// LoadOverride reads an override file. A missing file yields an empty
// override.
func LoadOverride(path string) (Override, error) {
	if path == "" {
		return Override{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Override{}, nil
		}
		return Override{}, err
	}
	var o Override
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Override{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return o, nil
}

type entry struct {
	domain   string
	category string
}

type urlPattern struct {
	re       *regexp.Regexp
	raw      string
	category string
}

// List is an immutable compiled prohibited list.
type List struct {
	entries  []entry
	patterns []urlPattern
}

// Compile merges remote categories with the override. Domains are
// lowercased and a leading "www." is dropped. Invalid URL patterns are
// skipped.
func Compile(remote map[string][]string, override Override) *List {
	l := &List{}
	seen := make(map[entry]bool)
	add := func(lists map[string][]string) {
		for _, category := range sortedKeys(lists) {
			for _, d := range lists[category] {
				e := entry{domain: stripWWW(model.NormalizeDomain(d)), category: category}
				if e.domain == "" || seen[e] {
					continue
				}
				seen[e] = true
				l.entries = append(l.entries, e)
			}
		}
	}
	add(override.Domains)
	add(remote)

	for _, category := range sortedKeys(override.URLs) {
		for _, p := range override.URLs[category] {
			re, err := regexp.Compile("(?i)" + patternToRegex(p))
			if err != nil {
				continue
			}
			l.patterns = append(l.patterns, urlPattern{re: re, raw: p, category: category})
		}
	}
	return l
}

// Len returns the number of domain entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Match reports the category of the first entry matching host.
func (l *List) Match(host string) (string, bool) {
	if l == nil {
		return "", false
	}
	host = stripWWW(model.NormalizeDomain(host))
	if host == "" {
		return "", false
	}
	for _, e := range l.entries {
		if model.MatchesDomain(host, e.domain) {
			return e.category, true
		}
	}
	return "", false
}

// MatchURL checks the URL's host against the domain entries and then the
// full URL against the override patterns.
func (l *List) MatchURL(rawURL string) (string, bool) {
	if l == nil {
		return "", false
	}
	if host, err := model.Hostname(rawURL); err == nil {
		if c, ok := l.Match(host); ok {
			return c, true
		}
	}
	lower := strings.ToLower(rawURL)
	for _, p := range l.patterns {
		if p.re.MatchString(lower) {
			return p.category, true
		}
	}
	return "", false
}

// Categories returns the domain count per category.
func (l *List) Categories() map[string]int {
	out := make(map[string]int)
	if l == nil {
		return out
	}
	for _, e := range l.entries {
		out[e.category]++
	}
	return out
}

// patternToRegex converts a glob to a regex anchored at both ends.
func patternToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(strings.ToLower(pattern))
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\?`, ".")
	return "^" + escaped + "$"
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
