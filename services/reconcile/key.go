package reconcile

import (
	"time"

	"nestsync/services/sleep"
)

// Key identifies "the same session" across two accounts' copies: start and
// end truncated to whole seconds plus the stored duration.
type Key struct {
	Start           int64
	End             int64
	DurationMinutes int
}

// KeyOf returns the key of a finished session. In-progress sessions have no
// key.
func KeyOf(s sleep.Session) (Key, bool) {
	if s.EndTime == nil {
		return Key{}, false
	}
	minutes := sleep.DurationMinutes(s.StartTime, *s.EndTime)
	if s.DurationMinutes != nil {
		minutes = *s.DurationMinutes
	}
	return Key{
		Start:           s.StartTime.Truncate(time.Second).Unix(),
		End:             s.EndTime.Truncate(time.Second).Unix(),
		DurationMinutes: minutes,
	}, true
}

func (k Key) String() string {
	return time.Unix(k.Start, 0).UTC().Format(time.RFC3339) + "/" +
		time.Unix(k.End, 0).UTC().Format(time.RFC3339)
}

// index maps each key to the first session carrying it.
func index(list []sleep.Session) map[Key]sleep.Session {
	out := make(map[Key]sleep.Session, len(list))
	for _, s := range list {
		k, ok := KeyOf(s)
		if !ok {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = s
		}
	}
	return out
}
