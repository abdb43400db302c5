package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Worker is the liveness record for one worker process (spec §3).
type Worker struct {
	ID            string    `db:"id" json:"id"`
	Capabilities  string    `db:"capabilities" json:"capabilities"`
	HeartbeatUTC  time.Time `db:"heartbeat_utc" json:"heartbeat_utc"`
	RegisteredUTC time.Time `db:"registered_utc" json:"registered_utc"`
}

// CapabilityPatterns decodes the Capabilities JSON array into a slice of
// dot-namespace glob patterns, e.g. ["sources.*", "reports.**"].
func (w *Worker) CapabilityPatterns() []string {
	var patterns []string
	if w.Capabilities == "" {
		return patterns
	}
	_ = json.Unmarshal([]byte(w.Capabilities), &patterns)
	return patterns
}

// EncodeCapabilities renders a pattern list back to the JSON form stored in
// the Capabilities column.
func EncodeCapabilities(patterns []string) string {
	b, err := json.Marshal(patterns)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// MatchesType reports whether any capability pattern matches the given task
// type under the glob rules of spec §4.4: a single "*" segment matches
// exactly one dot-separated segment; "**" matches any number of segments
// (including zero) at that position.
func (w *Worker) MatchesType(taskType string) bool {
	for _, pattern := range w.CapabilityPatterns() {
		if PatternMatches(pattern, taskType) {
			return true
		}
	}
	return false
}

// PatternMatches implements the glob rule used by both Worker.MatchesType
// and the Claimer's eligibility filter:
//   - "sources.*" matches "sources.youtube" but not "sources.youtube.shorts"
//   - "sources.**" matches "sources.youtube" and "sources.youtube.shorts"
func PatternMatches(pattern, taskType string) bool {
	if pattern == "" {
		return false
	}
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(taskType, ".")
	return matchSegs(pSegs, tSegs)
}

func matchSegs(pSegs, tSegs []string) bool {
	if len(pSegs) == 0 {
		return len(tSegs) == 0
	}
	head, rest := pSegs[0], pSegs[1:]
	if head == "**" {
		if len(rest) == 0 {
			return true // ** at tail consumes everything remaining
		}
		for i := 0; i <= len(tSegs); i++ {
			if matchSegs(rest, tSegs[i:]) {
				return true
			}
		}
		return false
	}
	if len(tSegs) == 0 {
		return false
	}
	if head != "*" && head != tSegs[0] {
		return false
	}
	return matchSegs(rest, tSegs[1:])
}
