//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import "time"

// Status is the liveness of a tag.
type Status string

const (
	// Online means the tag was read within the aggregation window.
	Online Status = "Online"
	// Offline means the tag has history, but nothing recent.
	Offline Status = "Offline"
)

// Classify reports Online if latest lies within the trailing window ending
// at now, otherwise Offline.
func Classify(latest, now time.Time, window time.Duration) Status {
	if now.Sub(latest) <= window {
		return Online
	}
	return Offline
}
