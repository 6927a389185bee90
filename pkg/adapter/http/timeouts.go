package http

import "time"

const (
	maxTick = time.Second
	minTick = 10 * time.Millisecond
)

// tickInterval is how often a worker wakes to sweep timeouts: at most a
// second, and often enough to honour the shortest configured timeout
// within half of it.
func tickInterval(keepalive, send time.Duration) time.Duration {
	tick := maxTick
	for _, d := range []time.Duration{keepalive, send} {
		if d > 0 && d/2 < tick {
			tick = d / 2
		}
	}
	return max(tick, minTick)
}

// expired reports which timer, if any, has fired for a connection in
// state s whose last progress was at last.
func expired(s State, last, now time.Time, keepalive, send time.Duration) (kind string, ok bool) {
	idle := now.Sub(last)
	switch {
	case s.idle() && keepalive > 0 && idle >= keepalive:
		return "keepalive", true
	case s.sending() && send > 0 && idle >= send:
		return "send", true
	}
	return "", false
}
