package tables

import "time"

// Stamp is the modification token of a table: Unix nanoseconds of its last
// successful mutation. Stamps of one table strictly increase.
type Stamp int64

func nextStamp(prev Stamp) Stamp {
	now := Stamp(time.Now().UnixNano())
	if now <= prev {
		return prev + 1
	}
	return now
}

// Time returns the stamp as a time.
func (s Stamp) Time() time.Time {
	return time.Unix(0, int64(s))
}
