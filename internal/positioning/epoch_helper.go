//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"time"
)

// Clock is the engine's source of "now". Production code uses SystemClock;
// tests substitute a controllable clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// UnixMilli converts provided time to milliseconds since epoch
func UnixMilli(mytime time.Time) int64 {
	if mytime.IsZero() {
		return 0
	}

	return mytime.UnixNano() / 1e6
}

// FromUnixMilli converts milliseconds since epoch back to a time.Time.
// Zero maps to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.Unix(0, ms*int64(time.Millisecond))
}
