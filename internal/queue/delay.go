package queue

import "time"

// successesPerStep is how many consecutive successes earn one delay
// reduction.
const successesPerStep = 5

// delayPolicy adapts the mandatory post-call delay: sustained success
// steps it down toward the floor, a rate-limit failure pushes it to
// 1.5x base, any other failure resets it to base.
type delayPolicy struct {
	base    time.Duration
	min     time.Duration
	step    time.Duration
	current time.Duration

	consecutiveSuccesses int
}

func newDelayPolicy(base time.Duration) delayPolicy {
	return delayPolicy{
		base:    base,
		min:     base / 3,
		step:    base / 6,
		current: base,
	}
}

// onSuccess returns the delay to apply after a successful call.
func (d *delayPolicy) onSuccess() time.Duration {
	d.consecutiveSuccesses++
	if d.consecutiveSuccesses%successesPerStep == 0 {
		d.current -= d.step
		if d.current < d.min {
			d.current = d.min
		}
	}
	return d.current
}

// onFailure returns the delay to apply after a failed call.
func (d *delayPolicy) onFailure(rateLimited bool) time.Duration {
	d.consecutiveSuccesses = 0
	if rateLimited {
		d.current = d.base + d.base/2
	} else {
		d.current = d.base
	}
	return d.current
}

// reset rebases the policy on a new base delay.
func (d *delayPolicy) reset(base time.Duration) {
	*d = newDelayPolicy(base)
}
