//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package redisstore keeps zone states and reading history in Redis.
//
// Zone states live in a single hash keyed by tag id. The history of each
// tag is a sorted set of readings scored by their observation time in
// Unix milliseconds; a set of tag ids lets eviction find every history.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const (
	zoneStateKey     = "ble:zone_state"
	historyKeyPrefix = "ble:history:"
	historyTagsKey   = "ble:history_tags"

	maxIdle     = 8
	idleTimeout = 4 * time.Minute
)

// evictScript trims one tag's history and drops the tag from
// historyTagsKey once its history is empty.
//
//	KEYS[1] history key, KEYS[2] historyTagsKey
//	ARGV[1] exclusive max score, ARGV[2] tag id
var evictScript = redis.NewScript(2, `
local n = redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return n
`)

// Store implements positioning.LatestStateStore, positioning.HistoryStore
// and positioning.HistoryReader.
type Store struct {
	lc   logger.LoggingClient
	pool *redis.Pool
}

// Open creates a connection pool for the Redis server at address
// and checks the server answers.
func Open(ctx context.Context, lc logger.LoggingClient, address string) (*Store, error) {
	pool := &redis.Pool{
		// Maximum number of idle connections in the pool.
		MaxIdle:     maxIdle,
		IdleTimeout: idleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", address)
		},
	}

	c, err := pool.GetContext(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", address)
	}
	defer c.Close()

	s, err := redis.String(redis.DoContext(c, ctx, "PING"))
	if err != nil {
		_ = pool.Close()
		return nil, errors.Wrapf(err, "failed to ping Redis at %s", address)
	}

	lc.Info("Connected to Redis.", "address", address, "reply", s)
	return &Store{lc: lc, pool: pool}, nil
}

// Close releases the pooled connections.
func (s *Store) Close() error {
	return errors.Wrap(s.pool.Close(), "failed to close Redis pool")
}

func (s *Store) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get Redis connection")
	}
	defer c.Close()
	return redis.DoContext(c, ctx, cmd, args...)
}

// UpsertZoneState creates or replaces the zone state of state.TagID.
func (s *Store) UpsertZoneState(ctx context.Context, state positioning.TagZoneState) error {
	data, err := encodeZoneState(state)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, "HSET", zoneStateKey, state.TagID, data)
	return errors.Wrapf(err, "failed to upsert zone state of %s", state.TagID)
}

// LoadZoneStates returns every stored zone state, most recent first.
func (s *Store) LoadZoneStates(ctx context.Context) ([]positioning.TagZoneState, error) {
	raw, err := redis.StringMap(s.do(ctx, "HGETALL", zoneStateKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load zone states")
	}

	states := make([]positioning.TagZoneState, 0, len(raw))
	for tag, data := range raw {
		state, err := decodeZoneState(data)
		if err != nil {
			s.lc.Warn("Skipping undecodable zone state.", "tag", tag, "error", err.Error())
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		if !states[i].AssignedAt.Equal(states[j].AssignedAt) {
			return states[i].AssignedAt.After(states[j].AssignedAt)
		}
		return states[i].TagID < states[j].TagID
	})
	return states, nil
}

// AppendReading adds r to the history of its tag.
func (s *Store) AppendReading(ctx context.Context, r positioning.Reading) error {
	data, err := encodeReading(uuid.NewString(), r)
	if err != nil {
		return err
	}

	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get Redis connection")
	}
	defer c.Close()

	_ = c.Send("MULTI")
	_ = c.Send("ZADD", historyKeyPrefix+r.TagID, positioning.UnixMilli(r.ObservedAt), data)
	_ = c.Send("SADD", historyTagsKey, r.TagID)
	_, err = redis.DoContext(c, ctx, "EXEC")
	return errors.Wrapf(err, "failed to append reading of %s", r.TagID)
}

// EvictBefore removes the readings observed before cutoff from every
// tag's history.
func (s *Store) EvictBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tags, err := redis.Strings(s.do(ctx, "SMEMBERS", historyTagsKey))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list reading histories")
	}

	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get Redis connection")
	}
	defer c.Close()

	maxScore := fmt.Sprintf("(%d", positioning.UnixMilli(cutoff))
	total := 0
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return total, errors.Wrap(err, "eviction interrupted")
		}
		n, err := redis.Int(evictScript.Do(c, historyKeyPrefix+tag, historyTagsKey, maxScore, tag))
		if err != nil {
			return total, errors.Wrapf(err, "failed to evict readings of %s", tag)
		}
		total += n
	}
	return total, nil
}

// RecentReadings returns up to limit of the newest readings of tagID.
func (s *Store) RecentReadings(ctx context.Context, tagID string, limit int) ([]positioning.Reading, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := redis.Strings(s.do(ctx, "ZREVRANGE", historyKeyPrefix+tagID, 0, limit-1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query readings of %s", tagID)
	}

	readings := make([]positioning.Reading, 0, len(raw))
	for _, data := range raw {
		r, err := decodeReading(data)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// storedZoneState is the stored form of a positioning.TagZoneState.
type storedZoneState struct {
	TagID      string `json:"tag_id"`
	Zone       string `json:"zone"`
	RSSI       int    `json:"rssi"`
	ObservedAt int64  `json:"observed_at"`
}

func encodeZoneState(state positioning.TagZoneState) ([]byte, error) {
	data, err := json.Marshal(storedZoneState{
		TagID:      state.TagID,
		Zone:       state.GatewayID,
		RSSI:       state.RSSI,
		ObservedAt: positioning.UnixMilli(state.AssignedAt),
	})
	return data, errors.Wrap(err, "failed to encode zone state")
}

func decodeZoneState(data string) (positioning.TagZoneState, error) {
	var st storedZoneState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return positioning.TagZoneState{}, errors.Wrap(err, "failed to decode zone state")
	}
	return positioning.TagZoneState{
		TagID:      st.TagID,
		GatewayID:  st.Zone,
		RSSI:       st.RSSI,
		AssignedAt: positioning.FromUnixMilli(st.ObservedAt),
	}, nil
}

// storedReading is the stored form of a positioning.Reading.
// ID keeps identical readings distinct within the sorted set.
type storedReading struct {
	ID         string `json:"id"`
	TagID      string `json:"tag_id"`
	GatewayID  string `json:"gateway_id"`
	RSSI       int    `json:"rssi"`
	ObservedAt int64  `json:"observed_at"`
}

func encodeReading(id string, r positioning.Reading) ([]byte, error) {
	data, err := json.Marshal(storedReading{
		ID:         id,
		TagID:      r.TagID,
		GatewayID:  r.GatewayID,
		RSSI:       r.RSSI,
		ObservedAt: positioning.UnixMilli(r.ObservedAt),
	})
	return data, errors.Wrap(err, "failed to encode reading")
}

func decodeReading(data string) (positioning.Reading, error) {
	var sr storedReading
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		return positioning.Reading{}, errors.Wrap(err, "failed to decode reading")
	}
	return positioning.Reading{
		TagID:      sr.TagID,
		GatewayID:  sr.GatewayID,
		RSSI:       sr.RSSI,
		ObservedAt: positioning.FromUnixMilli(sr.ObservedAt),
	}, nil
}
