//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
)

func getTestingLogger() logger.LoggingClient {
	if testing.Verbose() {
		return logger.NewClientStdOut("test", false, "DEBUG")
	}

	return logger.NewMockClient()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// memStore is an in-memory LatestStateStore and HistoryStore.
type memStore struct {
	mu      sync.Mutex
	states  map[string]TagZoneState
	history []Reading
	upserts int
	err     error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]TagZoneState)}
}

func (s *memStore) UpsertZoneState(_ context.Context, state TagZoneState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.states[state.TagID] = state
	s.upserts++
	return nil
}

func (s *memStore) LoadZoneStates(_ context.Context) ([]TagZoneState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	res := make([]TagZoneState, 0, len(s.states))
	for _, st := range s.states {
		res = append(res, st)
	}
	return res, nil
}

func (s *memStore) AppendReading(_ context.Context, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.history = append(s.history, r)
	return nil
}

func (s *memStore) EvictBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	kept := s.history[:0]
	for _, r := range s.history {
		if !r.ObservedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	n := len(s.history) - len(kept)
	s.history = kept
	return n, nil
}

func (s *memStore) counts() (history, upserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history), s.upserts
}

// recordingObserver keeps every notification.
type recordingObserver struct {
	mu        sync.Mutex
	reports   []error
	decisions []Decision
	results   []PersistResult
	evicted   int
}

func (o *recordingObserver) ReportProcessed(_ string, _ int, err error) {
	o.mu.Lock()
	o.reports = append(o.reports, err)
	o.mu.Unlock()
}

func (o *recordingObserver) ZoneReassigned(d Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func (o *recordingObserver) Persisted(res PersistResult) {
	o.mu.Lock()
	o.results = append(o.results, res)
	o.mu.Unlock()
}

func (o *recordingObserver) Evicted(n int) {
	o.mu.Lock()
	o.evicted += n
	o.mu.Unlock()
}

func (o *recordingObserver) persistResults() []PersistResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PersistResult(nil), o.results...)
}

// report builds a GatewayReport from alternating mac/rssi pairs.
func report(gw string, seconds float64, pairs ...interface{}) GatewayReport {
	r := GatewayReport{GatewayID: gw, ObservedAt: at(seconds)}
	for i := 0; i < len(pairs); i += 2 {
		mac := pairs[i].(string)
		rssi := pairs[i+1].(int)
		r.Devices = append(r.Devices, DeviceReport{MAC: &mac, RSSI: &rssi})
	}
	return r
}
