package bot

import "time"

// backoffPolicy maps an attempt count to a delay. It is shared by the state
// store adapter and the notification scheduler: the scheduler persists
// next-attempt timestamps rather than sleeping in place, so the policy must
// be a pure attempt-to-delay function.
type backoffPolicy struct {
	// Initial is the delay after the first failed attempt
	Initial time.Duration

	// Max caps the computed delay
	Max time.Duration

	// Multiplier scales the delay per attempt. Values below 1 are
	// treated as 2.
	Multiplier float64
}

// Delay returns the wait before retrying after the given number of failed
// attempts. Attempt counts below 1 return zero.
func (p backoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max
		}
	}
	d := time.Duration(delay)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
