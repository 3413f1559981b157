package schedule

import "time"

// OccurrenceKey identifies one expected dose: the medication id plus the
// scheduled time truncated to the minute, rendered in UTC.
func OccurrenceKey(medicationID string, scheduledTime time.Time) string {
	return medicationID + "@" + NormalizeTime(scheduledTime).Format(time.RFC3339)
}

// NormalizeTime truncates t to the minute in UTC. Two occurrences are equal
// when their normalized times match.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
