package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Today returns the current UTC calendar day according to c. A nil clock
// falls back to real time.
func Today(c clockwork.Clock) time.Time {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return Day(c.Now())
}
