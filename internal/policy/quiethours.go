package policy

import (
	"time"
)

// Activity is the quiet-hours outcome.
type Activity int

const (
	Active Activity = iota
	Suppress
)

func (a Activity) String() string {
	if a == Suppress {
		return "suppress"
	}
	return "active"
}

// QuietHours is a daily window, in local hours, during which operators are
// not notified. Start > End wraps past midnight; Start == End is empty.
type QuietHours struct {
	Enabled  bool
	Start    int
	End      int
	Location *time.Location
}

// Evaluate reports whether operator notification is suppressed at now.
func (q QuietHours) Evaluate(now time.Time) Activity {
	if !q.Enabled {
		return Active
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	hour := now.In(loc).Hour()
	if q.contains(hour) {
		return Suppress
	}
	return Active
}

func (q QuietHours) contains(hour int) bool {
	if q.Start <= q.End {
		return q.Start <= hour && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}
