package async

import "time"

// Strategy decides how long a failed job waits before its next attempt.
// A zero delay retries in place: the job stays executable.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles (by Factor) from Initial on each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// DefaultBackoff is 10s, 20s, 40s ... capped at one hour.
func DefaultBackoff() Exponential {
	return Exponential{Initial: 10 * time.Second, Factor: 2, Max: time.Hour}
}

// Delay returns the wait before attempt (1-based).
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(e.Initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if e.Max > 0 && d >= float64(e.Max) {
			return e.Max
		}
	}
	if e.Max > 0 && time.Duration(d) > e.Max {
		return e.Max
	}
	return time.Duration(d)
}

// Constant waits the same duration before every attempt.
type Constant time.Duration

// Delay returns the constant duration.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}
