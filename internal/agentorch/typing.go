package agentorch

import "time"

const maxTypingDelay = 180 * time.Second

// TypingDelay computes the pacing sleep for a reply of visibleChars
// characters, having already spent thinking computing it. The target rate
// is 200 characters per minute; the delay is clamped to never go negative
// and never exceed 180s.
func TypingDelay(visibleChars int, thinking time.Duration) time.Duration {
	target := time.Duration(float64(visibleChars) / 200 * 60 * float64(time.Second))
	delay := target - thinking
	if delay < 0 {
		delay = 0
	}
	if delay > maxTypingDelay {
		delay = maxTypingDelay
	}
	return delay
}
