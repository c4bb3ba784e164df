// Package attendance turns raw device taps into classified, deduplicated
// attendance records and feeds the live scan feed.
package attendance

import (
	"time"

	"school-attendance-platform/internal/types"
)

// LastRecord is the classifier's view of a student's most recent persisted
// tap today.
type LastRecord struct {
	EventType  types.EventType
	OccurredAt time.Time
}

// DefaultDuplicateWindow is the default interval within which consecutive
// taps by the same student collapse to DUPLICATE.
const DefaultDuplicateWindow = 5 * time.Minute

// Classify decides the direction of a tap given the student's previous tap.
// Pure function: no previous tap means IN; a tap inside the duplicate window
// is DUPLICATE; otherwise the direction flips, with UNKNOWN treated as
// non-directional (next tap is IN).
func Classify(prev *LastRecord, now time.Time, window time.Duration) types.EventType {
	if prev == nil {
		return types.EventTypeIn
	}
	if now.Sub(prev.OccurredAt) < window {
		return types.EventTypeDuplicate
	}
	switch prev.EventType {
	case types.EventTypeIn:
		return types.EventTypeOut
	default:
		// OUT or UNKNOWN
		return types.EventTypeIn
	}
}
