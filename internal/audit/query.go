package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/getathos/athos-agent/internal/model"
)

// Filter selects trail entries. Zero fields match everything.
type Filter struct {
	Domain string
	Action string
	From   time.Time
	To     time.Time
}

// Summary counts entries by outcome.
type Summary struct {
	Total          int    `json:"total"`
	Visited        int    `json:"visited"`
	Blocked        int    `json:"blocked"`
	Downloads      int    `json:"downloads"`
	Interactions   int    `json:"interactions"`
	Undelivered    int    `json:"undelivered"`
	MaxRisk        int    `json:"max_risk"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// Result holds the selected entries and their summary.
type Result struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Query reads the trail and returns entries matching filter.
func Query(path string, filter Filter) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &Result{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if !filter.matches(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		result.Summary.add(entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func (f Filter) matches(e Entry) bool {
	if f.Domain != "" && !model.MatchesDomain(e.Domain, f.Domain) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(model.TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

func (s *Summary) add(e Entry) {
	s.Total++
	switch model.Action(e.Action) {
	case model.ActionVisited:
		s.Visited++
	case model.ActionBlocked, model.ActionDownloadBlocked:
		s.Blocked++
	}
	if e.EventType == string(model.EventDownload) {
		s.Downloads++
	}
	if e.EventType == string(model.EventUserInteraction) {
		s.Interactions++
	}
	if !e.Delivered {
		s.Undelivered++
	}
	if e.RiskScore > s.MaxRisk {
		s.MaxRisk = e.RiskScore
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
