// Package ratelimit throttles upload bandwidth and control-call rates.
package ratelimit

import "time"

// Bandwidth limits
const (
	// KiB is the unit of the configured upload limit.
	KiB = 1024

	// MinBurstBytes is the smallest token bucket the bandwidth limiter uses.
	// Reads larger than the burst are split into several waits.
	MinBurstBytes = 32 * KiB
)

// Control-call limits
//
// Initiate, complete and abort requests against the local gateway are cheap,
// but a burst of sessions started from a script should not hammer it.
const (
	// ControlCallsPerSec is the default sustained rate of control calls.
	ControlCallsPerSec = 20.0

	// ControlCallBurst is the number of control calls allowed back to back.
	ControlCallBurst = 40

	// WarnWaitThreshold is the wait above which a throttled caller is told about it.
	WarnWaitThreshold = 2 * time.Second

	// WarnInterval is the minimum time between two throttling warnings.
	WarnInterval = 10 * time.Second
)
