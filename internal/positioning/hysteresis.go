//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"sort"
	"sync"
	"time"
)

// TagZoneState is the zone a tag currently belongs to.
type TagZoneState struct {
	TagID string `json:"tag_id"`
	// GatewayID is the gateway whose zone the tag is assigned to.
	GatewayID string `json:"zone"`
	// RSSI is the signal of the reading which caused the assignment.
	RSSI int `json:"rssi"`
	// AssignedAt is the observation time of that reading.
	AssignedAt time.Time `json:"observed_at"`
}

// ReassignReason tells why a reading won the tag's zone.
type ReassignReason string

const (
	// ReasonNew means the tag had no zone yet.
	ReasonNew ReassignReason = "new"
	// ReasonStronger means the reading beat the RSSI of the last assignment.
	ReasonStronger ReassignReason = "stronger"
	// ReasonStale means the last assignment is older than the staleness threshold.
	ReasonStale ReassignReason = "stale"
)

// Decision is the outcome of resolving one reading.
type Decision struct {
	Reassign bool
	Reason   ReassignReason
	// Previous is the state before the decision; nil if the tag was unknown.
	Previous *TagZoneState
	// Current is the state after the decision.
	Current TagZoneState
}

// ZoneResolver assigns each tag to a single gateway's zone.
//
// A tag only changes zone if the new reading is stronger than the one
// which made the last assignment, or if that assignment has gone stale.
// This keeps tags in the overlap of two gateways from flapping back and
// forth, while a tag whose gateway went silent is still re-evaluated.
type ZoneResolver struct {
	mu        sync.RWMutex
	states    map[string]TagZoneState
	staleness time.Duration
}

// NewZoneResolver creates a resolver with no tag state.
func NewZoneResolver(staleness time.Duration) *ZoneResolver {
	return &ZoneResolver{
		states:    make(map[string]TagZoneState),
		staleness: staleness,
	}
}

// SetStaleness changes the staleness threshold.
func (zr *ZoneResolver) SetStaleness(staleness time.Duration) {
	zr.mu.Lock()
	zr.staleness = staleness
	zr.mu.Unlock()
}

// Resolve applies the hysteresis rule to r. The read-modify-write of the
// tag's state is atomic.
func (zr *ZoneResolver) Resolve(r Reading) Decision {
	zr.mu.Lock()
	defer zr.mu.Unlock()

	prev, exists := zr.states[r.TagID]
	d := Decision{Current: prev}
	if exists {
		p := prev
		d.Previous = &p
	}

	switch {
	case !exists:
		d.Reason = ReasonNew
	case r.RSSI > prev.RSSI:
		d.Reason = ReasonStronger
	case r.ObservedAt.Sub(prev.AssignedAt) > zr.staleness:
		d.Reason = ReasonStale
	default:
		return d
	}

	d.Reassign = true
	d.Current = TagZoneState{
		TagID:      r.TagID,
		GatewayID:  r.GatewayID,
		RSSI:       r.RSSI,
		AssignedAt: r.ObservedAt,
	}
	zr.states[r.TagID] = d.Current
	return d
}

// State returns the current zone state of tagID.
func (zr *ZoneResolver) State(tagID string) (TagZoneState, bool) {
	zr.mu.RLock()
	defer zr.mu.RUnlock()

	s, ok := zr.states[tagID]
	return s, ok
}

// States returns every tag's zone state, most recently assigned first.
func (zr *ZoneResolver) States() []TagZoneState {
	zr.mu.RLock()
	res := make([]TagZoneState, 0, len(zr.states))
	for _, s := range zr.states {
		res = append(res, s)
	}
	zr.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if !res[i].AssignedAt.Equal(res[j].AssignedAt) {
			return res[i].AssignedAt.After(res[j].AssignedAt)
		}
		return res[i].TagID < res[j].TagID
	})
	return res
}

// Restore loads previously persisted states. Existing state for the same
// tag is kept if it is newer.
func (zr *ZoneResolver) Restore(states []TagZoneState) int {
	zr.mu.Lock()
	defer zr.mu.Unlock()

	var n int
	for _, s := range states {
		if s.TagID == "" || s.GatewayID == "" {
			continue
		}
		if cur, ok := zr.states[s.TagID]; ok && !s.AssignedAt.After(cur.AssignedAt) {
			continue
		}
		zr.states[s.TagID] = s
		n++
	}
	return n
}
