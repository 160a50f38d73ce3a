//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersisterQueueFull(t *testing.T) {
	observer := &recordingObserver{}
	p := newPersister(PersistConfig{QueueSize: 1, WriteTimeout: time.Minute}, observer)

	release := make(chan struct{})
	blocking := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// the worker holds at most one job and the queue one more
	for i := 0; i < 3; i++ {
		p.enqueue(persistJob{op: OpUpsertZoneState, tagID: "tag", write: blocking})
	}

	close(release)
	p.close()

	var full, ok int
	for _, res := range observer.persistResults() {
		switch {
		case res.Err == nil:
			ok++
		case errors.Is(res.Err, ErrPersistQueueFull):
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 1)
	assert.Equal(t, 3, full+ok)
}

func TestPersisterRetriesUntilSuccess(t *testing.T) {
	observer := &recordingObserver{}
	p := newPersister(PersistConfig{QueueSize: 4, Retries: 3, Backoff: time.Millisecond}, observer)

	var calls int
	p.enqueue(persistJob{op: OpAppendReading, tagID: "tag", write: func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	}})
	p.close()

	results := observer.persistResults()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestPersisterWriteTimeout(t *testing.T) {
	observer := &recordingObserver{}
	p := newPersister(PersistConfig{QueueSize: 1, WriteTimeout: 10 * time.Millisecond}, observer)

	p.enqueue(persistJob{op: OpUpsertZoneState, tagID: "tag", write: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	p.close()

	results := observer.persistResults()
	require.Len(t, results, 1)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(results[0].Err))
}

func TestPersisterClosed(t *testing.T) {
	observer := &recordingObserver{}
	p := newPersister(PersistConfig{QueueSize: 1}, observer)
	p.close()
	p.close()

	p.enqueue(persistJob{op: OpAppendReading, tagID: "tag", write: func(context.Context) error { return nil }})
	results := observer.persistResults()
	require.Len(t, results, 1)
	assert.Equal(t, ErrPersisterClosed, results[0].Err)
}
