package worker

import "time"

// expJitter is exponential backoff with full jitter. attempt starts at 1 and
// rnd returns a value in [0,1).
func expJitter(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(float64(d) * rnd())
}
