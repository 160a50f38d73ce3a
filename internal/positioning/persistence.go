//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrPersistQueueFull is reported when a write is dropped because the
	// persistence queue is at capacity.
	ErrPersistQueueFull = errors.New("persistence queue is full")
	// ErrPersisterClosed is reported for writes submitted after Close.
	ErrPersisterClosed = errors.New("persistence is closed")
)

// LatestStateStore keeps the current zone state of every tag.
type LatestStateStore interface {
	// UpsertZoneState creates or replaces the state of state.TagID.
	UpsertZoneState(ctx context.Context, state TagZoneState) error
	// LoadZoneStates returns every stored state.
	LoadZoneStates(ctx context.Context) ([]TagZoneState, error)
}

// HistoryStore is a log of every accepted reading.
// Readings older than the retention horizon are removed by EvictBefore.
type HistoryStore interface {
	AppendReading(ctx context.Context, r Reading) error
	// EvictBefore removes the readings observed before cutoff
	// and returns how many were removed.
	EvictBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PersistOp names the kind of write a PersistResult is about.
type PersistOp string

const (
	OpAppendReading   PersistOp = "append_reading"
	OpUpsertZoneState PersistOp = "upsert_zone_state"
	OpEvictHistory    PersistOp = "evict_history"
)

// PersistResult is the outcome of one asynchronous write.
type PersistResult struct {
	Op       PersistOp
	TagID    string
	Attempts int
	Err      error
}

// Observer is notified about the engine's work. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ReportProcessed(gatewayID string, readings int, err error)
	ZoneReassigned(d Decision)
	Persisted(res PersistResult)
	Evicted(n int)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) ReportProcessed(string, int, error) {}
func (NopObserver) ZoneReassigned(Decision)            {}
func (NopObserver) Persisted(PersistResult)            {}
func (NopObserver) Evicted(int)                        {}

// PersistConfig tunes the asynchronous writer.
type PersistConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Retries is the number of extra attempts after a failed write.
	Retries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

type persistJob struct {
	op    PersistOp
	tagID string
	write func(ctx context.Context) error
}

// persister runs store writes off the ingestion path. Writes are applied in
// submission order by a single worker, so the last upsert for a tag wins.
type persister struct {
	cfg      PersistConfig
	observer Observer
	jobs     chan persistJob
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPersister(cfg PersistConfig, observer Observer) *persister {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	p := &persister{
		cfg:      cfg,
		observer: observer,
		jobs:     make(chan persistJob, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue submits a write without blocking. A write which cannot be queued
// is reported to the observer as failed.
func (p *persister) enqueue(job persistJob) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.observer.Persisted(PersistResult{Op: job.op, TagID: job.tagID, Err: ErrPersisterClosed})
		return
	}

	select {
	case p.jobs <- job:
	default:
		p.observer.Persisted(PersistResult{Op: job.op, TagID: job.tagID, Err: ErrPersistQueueFull})
	}
}

func (p *persister) run() {
	defer close(p.done)
	for job := range p.jobs {
		p.observer.Persisted(p.execute(job))
	}
}

func (p *persister) execute(job persistJob) PersistResult {
	res := PersistResult{Op: job.op, TagID: job.tagID}
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 && p.cfg.Backoff > 0 {
			time.Sleep(time.Duration(attempt) * p.cfg.Backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		res.Err = job.write(ctx)
		cancel()
		res.Attempts = attempt + 1

		if res.Err == nil {
			return res
		}
	}
	res.Err = errors.Wrapf(res.Err, "%s failed after %d attempts", job.op, res.Attempts)
	return res
}

// close stops accepting writes and waits until the queued ones are done.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	<-p.done
}

// HistoryReader is implemented by history stores which can be queried.
type HistoryReader interface {
	// RecentReadings returns up to limit of the newest readings of tagID,
	// newest first.
	RecentReadings(ctx context.Context, tagID string, limit int) ([]Reading, error)
}
