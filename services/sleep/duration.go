package sleep

import "time"

// DurationMinutes returns (end - start) rounded to whole minutes. Halves round
// away from zero. The result depends only on the two instants, never on their
// locations.
func DurationMinutes(start, end time.Time) int {
	return int(end.Sub(start).Round(time.Minute) / time.Minute)
}
