//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package mqttsub

import (
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestOnMessage(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

	var got []positioning.GatewayReport
	s := New(logger.NewMockClient(), Config{Topic: "+/ble_tags"}, fixedClock(now), func(r positioning.GatewayReport) {
		got = append(got, r)
	})

	s.onMessage(nil, fakeMessage{
		topic:   "esp32_x3y0/ble_tags",
		payload: []byte(`{"devices":[{"mac":"aa:bb","rssi":-67}]}`),
	})
	s.onMessage(nil, fakeMessage{topic: "esp32_x3y0/ble_tags", payload: []byte(`not json`)})

	require.Len(t, got, 1)
	assert.Equal(t, "esp32_x3y0", got[0].GatewayID)
	assert.Equal(t, now, got[0].ObservedAt)

	readings, err := got[0].Readings()
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "AA:BB", readings[0].TagID)
	assert.Equal(t, -67, readings[0].RSSI)
}

func TestStartRequiresBroker(t *testing.T) {
	s := New(logger.NewMockClient(), Config{}, positioning.SystemClock{}, func(positioning.GatewayReport) {})
	assert.Error(t, s.Start())
	s.Stop()
}
