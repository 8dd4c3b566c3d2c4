// Package mono provides a monotonic nanosecond clock, used by nlog to stamp
// the time of the last buffered write so that wall-clock adjustments never
// perturb that interval accounting.
/*
 * adapted from aistore's cmn/mono
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since package init, strictly
// monotonic for the lifetime of the process.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }
