//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

var epoch = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

func TestZoneStateEncoding(t *testing.T) {
	in := positioning.TagZoneState{TagID: "AA:BB", GatewayID: "gw1", RSSI: -61, AssignedAt: epoch}

	data, err := encodeZoneState(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag_id":"AA:BB","zone":"gw1","rssi":-61,"observed_at":1614600000000}`, string(data))

	out, err := decodeZoneState(string(data))
	require.NoError(t, err)
	assert.Equal(t, in.TagID, out.TagID)
	assert.Equal(t, in.GatewayID, out.GatewayID)
	assert.Equal(t, in.RSSI, out.RSSI)
	assert.True(t, in.AssignedAt.Equal(out.AssignedAt))

	_, err = decodeZoneState("{")
	assert.Error(t, err)
}

func TestReadingEncoding(t *testing.T) {
	in := positioning.Reading{TagID: "AA:BB", GatewayID: "gw1", RSSI: 0, ObservedAt: epoch}
	data, err := encodeReading("r1", in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","tag_id":"AA:BB","gateway_id":"gw1","rssi":0,"observed_at":1614600000000}`, string(data))

	// identical readings stay distinct members of the history set
	other, err := encodeReading("r2", in)
	require.NoError(t, err)
	assert.NotEqual(t, string(data), string(other))

	out, err := decodeReading(string(other))
	require.NoError(t, err)
	assert.Equal(t, in.TagID, out.TagID)
	assert.True(t, in.ObservedAt.Equal(out.ObservedAt))

	_, err = decodeReading("[]")
	assert.Error(t, err)
}

// TestRedisStore needs a disposable Redis server, for example:
//
//	docker run --rm -p 6379:6379 redis
//	REDIS_TEST_ADDRESS=localhost:6379 go test ./internal/store/redisstore
func TestRedisStore(t *testing.T) {
	address := os.Getenv("REDIS_TEST_ADDRESS")
	if address == "" {
		t.Skip("REDIS_TEST_ADDRESS is not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, logger.NewMockClient(), address)
	require.NoError(t, err)
	defer s.Close()

	tag := "TEST:" + time.Now().Format(time.RFC3339Nano)
	defer func() {
		_, _ = s.do(ctx, "HDEL", zoneStateKey, tag)
		_, _ = s.do(ctx, "DEL", historyKeyPrefix+tag)
		_, _ = s.do(ctx, "SREM", historyTagsKey, tag)
	}()

	require.NoError(t, s.UpsertZoneState(ctx, positioning.TagZoneState{TagID: tag, GatewayID: "gw1", RSSI: -60, AssignedAt: epoch}))
	require.NoError(t, s.UpsertZoneState(ctx, positioning.TagZoneState{TagID: tag, GatewayID: "gw2", RSSI: -50, AssignedAt: epoch}))

	states, err := s.LoadZoneStates(ctx)
	require.NoError(t, err)
	var found bool
	for _, st := range states {
		if st.TagID == tag {
			found = true
			assert.Equal(t, "gw2", st.GatewayID)
		}
	}
	assert.True(t, found)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendReading(ctx, positioning.Reading{
			TagID: tag, GatewayID: "gw1", RSSI: -60 - i, ObservedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}
	readings, err := s.RecentReadings(ctx, tag, 2)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, -62, readings[0].RSSI)
	assert.Equal(t, -61, readings[1].RSSI)

	// duplicates are kept
	require.NoError(t, s.AppendReading(ctx, positioning.Reading{TagID: tag, GatewayID: "gw1", RSSI: -60, ObservedAt: epoch}))
	readings, err = s.RecentReadings(ctx, tag, 10)
	require.NoError(t, err)
	assert.Len(t, readings, 4)

	n, err := s.EvictBefore(ctx, epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, n >= 3, "evicted %d", n)
	readings, err = s.RecentReadings(ctx, tag, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, -62, readings[0].RSSI)

	_, err = s.EvictBefore(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	readings, err = s.RecentReadings(ctx, tag, 10)
	require.NoError(t, err)
	assert.Empty(t, readings)

	member, err := redis.Bool(s.do(ctx, "SISMEMBER", historyTagsKey, tag))
	require.NoError(t, err)
	assert.False(t, member, "emptied histories are forgotten")
}
