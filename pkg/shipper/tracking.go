package shipper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timestamp layouts seen in carrier tracking feeds. Layouts without a zone
// are read as UTC.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

// ParseEventTime parses a carrier event timestamp and returns it in UTC.
func ParseEventTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range eventTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event timestamp %q", value)
}

// SortEvents orders events oldest first. Events with equal timestamps keep
// their relative order.
func SortEvents(events []TrackingEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// LatestStatus returns the status of the newest event of an oldest-first
// slice, or StatusUnknown when there are no events.
func LatestStatus(events []TrackingEvent) TrackingStatus {
	if len(events) == 0 {
		return StatusUnknown
	}
	return events[len(events)-1].Status
}
