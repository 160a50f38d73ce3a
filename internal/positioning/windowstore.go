//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// GatewayAverage is the smoothed signal of one tag at one gateway.
type GatewayAverage struct {
	GatewayID string
	Average
}

// WindowStore keeps one MeasurementWindow per (tag, gateway) pair.
// It is the aggregator and the retention manager: readings go in through
// Record, smoothed values come out through Average, and Evict bounds the
// amount of history held.
type WindowStore struct {
	mu      sync.RWMutex
	windows map[string]map[string]*MeasurementWindow // tag -> gateway -> window
	seq     uint64

	// horizon hides readings older than it from reads
	// even before Evict physically removes them.
	horizon time.Duration
}

// NewWindowStore creates an empty store with the given retention horizon.
func NewWindowStore(horizon time.Duration) *WindowStore {
	return &WindowStore{
		windows: make(map[string]map[string]*MeasurementWindow),
		horizon: horizon,
	}
}

// SetHorizon changes the retention horizon used by reads.
func (ws *WindowStore) SetHorizon(horizon time.Duration) {
	ws.mu.Lock()
	ws.horizon = horizon
	ws.mu.Unlock()
}

// Record appends a reading to its (tag, gateway) window.
func (ws *WindowStore) Record(r Reading) {
	s := sample{
		rssi:       float64(r.RSSI),
		observedAt: r.ObservedAt,
		seq:        atomic.AddUint64(&ws.seq, 1),
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	gateways, found := ws.windows[r.TagID]
	if !found {
		gateways = make(map[string]*MeasurementWindow)
		ws.windows[r.TagID] = gateways
	}
	w, found := gateways[r.GatewayID]
	if !found {
		w = newMeasurementWindow()
		gateways[r.GatewayID] = w
	}
	// added while holding the store lock, so Evict cannot drop the
	// window between lookup and insert
	w.add(s)
}

// Average returns the mean RSSI and latest timestamp of the readings for
// (tagID, gatewayID) observed within the trailing window ending at now.
// ok is false if no reading falls inside.
func (ws *WindowStore) Average(tagID, gatewayID string, window time.Duration, now time.Time) (avg Average, ok bool) {
	ws.mu.RLock()
	w := ws.windows[tagID][gatewayID]
	since := ws.since(window, now)
	ws.mu.RUnlock()

	if w == nil {
		return Average{}, false
	}
	return w.average(since)
}

// GatewayAverages returns the averages of every gateway which observed
// tagID within the trailing window, strongest first (ties by gateway id).
func (ws *WindowStore) GatewayAverages(tagID string, window time.Duration, now time.Time) []GatewayAverage {
	ws.mu.RLock()
	gateways := ws.windows[tagID]
	windows := make(map[string]*MeasurementWindow, len(gateways))
	for id, w := range gateways {
		windows[id] = w
	}
	since := ws.since(window, now)
	ws.mu.RUnlock()

	res := make([]GatewayAverage, 0, len(windows))
	for id, w := range windows {
		if avg, ok := w.average(since); ok {
			res = append(res, GatewayAverage{GatewayID: id, Average: avg})
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].RSSI != res[j].RSSI {
			return res[i].RSSI > res[j].RSSI
		}
		return res[i].GatewayID < res[j].GatewayID
	})
	return res
}

// LastObserved returns the newest reading timestamp of tagID across all
// gateways, limited to the retention horizon. ok is false for tags with no
// retained history.
func (ws *WindowStore) LastObserved(tagID string, now time.Time) (last time.Time, ok bool) {
	ws.mu.RLock()
	gateways := ws.windows[tagID]
	windows := make([]*MeasurementWindow, 0, len(gateways))
	for _, w := range gateways {
		windows = append(windows, w)
	}
	since := now.Add(-ws.horizon)
	ws.mu.RUnlock()

	for _, w := range windows {
		if t, found := w.latest(since); found && t.After(last) {
			last, ok = t, true
		}
	}
	return last, ok
}

// Tags returns the ids of all tags with retained history, sorted.
func (ws *WindowStore) Tags() []string {
	ws.mu.RLock()
	tags := make([]string, 0, len(ws.windows))
	for tag := range ws.windows {
		tags = append(tags, tag)
	}
	ws.mu.RUnlock()

	sort.Strings(tags)
	return tags
}

// Len returns the total number of readings held across all windows.
func (ws *WindowStore) Len() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var n int
	for _, gateways := range ws.windows {
		for _, w := range gateways {
			n += w.Len()
		}
	}
	return n
}

// Evict removes every reading observed before now - horizon and drops
// windows and tags left empty. It returns the number of readings removed.
func (ws *WindowStore) Evict(horizon time.Duration, now time.Time) int {
	cutoff := now.Add(-horizon)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	// developer note: Go allows us to remove from a map while iterating
	var removed int
	for tag, gateways := range ws.windows {
		for gw, w := range gateways {
			n, remaining := w.evictBefore(cutoff)
			removed += n
			if remaining == 0 {
				delete(gateways, gw)
			}
		}
		if len(gateways) == 0 {
			delete(ws.windows, tag)
		}
	}
	return removed
}

// since must be called with the lock held.
func (ws *WindowStore) since(window time.Duration, now time.Time) time.Time {
	if ws.horizon > 0 && window > ws.horizon {
		window = ws.horizon
	}
	return now.Add(-window)
}
