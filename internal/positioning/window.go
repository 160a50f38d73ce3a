//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// sample is a Reading's RSSI plus its position in the window's order.
type sample struct {
	rssi       float64
	observedAt time.Time
	seq        uint64
}

func (s sample) before(o sample) bool {
	if s.observedAt.Equal(o.observedAt) {
		return s.seq < o.seq
	}
	return s.observedAt.Before(o.observedAt)
}

// MeasurementWindow holds the recent readings of one tag at one gateway,
// ordered by observation time. Readings with identical timestamps are kept
// as distinct entries, ordered by arrival.
//
// Reads copy the entries they need under the read lock, so a concurrent
// eviction never removes a value an in-flight computation is using.
type MeasurementWindow struct {
	samples []sample
	mutex   sync.RWMutex
}

// Average is the smoothed signal of a window.
type Average struct {
	RSSI   float64
	Latest time.Time
	Count  int
}

func newMeasurementWindow() *MeasurementWindow {
	return &MeasurementWindow{}
}

// add inserts a reading, keeping the window ordered. Late readings are
// placed by their timestamp rather than appended.
func (w *MeasurementWindow) add(s sample) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	n := len(w.samples)
	if n == 0 || w.samples[n-1].before(s) {
		w.samples = append(w.samples, s)
		return
	}

	i := sort.Search(n, func(i int) bool { return s.before(w.samples[i]) })
	w.samples = append(w.samples, sample{})
	copy(w.samples[i+1:], w.samples[i:])
	w.samples[i] = s
}

// average computes the mean RSSI of readings observed at or after since.
// ok is false when no reading falls inside.
func (w *MeasurementWindow) average(since time.Time) (avg Average, ok bool) {
	w.mutex.RLock()
	i := w.firstAtOrAfter(since)
	values := make([]float64, 0, len(w.samples)-i)
	for _, s := range w.samples[i:] {
		values = append(values, s.rssi)
	}
	if len(values) > 0 {
		avg.Latest = w.samples[len(w.samples)-1].observedAt
	}
	w.mutex.RUnlock()

	if len(values) == 0 {
		return Average{}, false
	}

	avg.RSSI = stat.Mean(values, nil)
	avg.Count = len(values)
	return avg, true
}

// latest returns the newest timestamp observed at or after since.
func (w *MeasurementWindow) latest(since time.Time) (time.Time, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	n := len(w.samples)
	if n == 0 || w.samples[n-1].observedAt.Before(since) {
		return time.Time{}, false
	}
	return w.samples[n-1].observedAt, true
}

// evictBefore removes every reading observed strictly before cutoff and
// returns how many were removed along with the remaining length.
func (w *MeasurementWindow) evictBefore(cutoff time.Time) (removed, remaining int) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	i := w.firstAtOrAfter(cutoff)
	if i == 0 {
		return 0, len(w.samples)
	}

	// copy into a fresh slice so the evicted prefix can be collected
	kept := make([]sample, len(w.samples)-i)
	copy(kept, w.samples[i:])
	w.samples = kept
	return i, len(kept)
}

// Len returns the number of readings currently held.
func (w *MeasurementWindow) Len() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return len(w.samples)
}

// firstAtOrAfter must be called with the lock held.
func (w *MeasurementWindow) firstAtOrAfter(t time.Time) int {
	return sort.Search(len(w.samples), func(i int) bool {
		return !w.samples[i].observedAt.Before(t)
	})
}
