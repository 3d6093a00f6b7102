package activity

import (
	"strings"
	"time"
)

// Status is the coarse activity level of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusFinished Status = "finished"
)

// Thresholds split session age into the three statuses.
type Thresholds struct {
	Active time.Duration
	Idle   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{Active: 120 * time.Second, Idle: 1800 * time.Second}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// StatusFromTimestamp classifies a session by the age of updatedAt relative to
// now. Missing or unparseable timestamps are finished; timestamps in the future
// count as active.
func StatusFromTimestamp(updatedAt string, now time.Time, th Thresholds) Status {
	ts, ok := parseTimestamp(updatedAt)
	if !ok {
		return StatusFinished
	}
	elapsed := now.Sub(ts)
	switch {
	case elapsed < th.Active:
		return StatusActive
	case elapsed < th.Idle:
		return StatusIdle
	default:
		return StatusFinished
	}
}

func parseTimestamp(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	value = strings.TrimSpace(strings.TrimSuffix(value, " UTC"))
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		// Layouts without a zone parse as UTC.
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
