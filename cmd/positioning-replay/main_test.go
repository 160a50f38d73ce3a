//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

func TestReplay_Triangle(t *testing.T) {
	s, err := loadScenario("testdata/triangle.yaml")
	require.NoError(t, err)

	res, err := replay(logger.NewMockClient(), s, options{})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Reports)
	assert.Equal(t, 1, res.Rejected)
	assert.True(t, defaultStart.Add(2*time.Second).Equal(res.EvaluatedAt))

	// arrived at gw-a, then moved to gw-b on the stronger reading
	assert.Equal(t, 1, res.EventCounts[positioning.ArrivedType])
	assert.Equal(t, 1, res.EventCounts[positioning.MovedType])

	require.Len(t, res.Zones, 1)
	assert.Equal(t, "AA:BB", res.Zones[0].TagID)
	assert.Equal(t, "gw-b", res.Zones[0].GatewayID)

	require.Len(t, res.Positions, 1)
	p := res.Positions[0]
	assert.Equal(t, 3, p.ActiveGateways)
	require.NotNil(t, p.Coordinates)
}

func TestReplay_Overrides(t *testing.T) {
	s, err := loadScenario("testdata/triangle.yaml")
	require.NoError(t, err)

	res, err := replay(logger.NewMockClient(), s, options{mode: string(positioning.ZoneMode)})
	require.NoError(t, err)
	assert.Len(t, res.Zones, 1)
	assert.Empty(t, res.Positions)

	_, err = replay(logger.NewMockClient(), s, options{mode: "everywhere"})
	assert.Error(t, err)
}

func TestDecodeScenario_Invalid(t *testing.T) {
	_, err := decodeScenario(strings.NewReader("reports: []\n"))
	assert.Error(t, err, "no reports")

	_, err = decodeScenario(strings.NewReader("reprots:\n  - at: 1\n"))
	assert.Error(t, err, "unknown field")

	s, err := decodeScenario(strings.NewReader(`
settings:
  triple_selection: sideways
reports:
  - {at: 1, gateway: gw-a, devices: []}
`))
	require.NoError(t, err)
	_, err = replay(logger.NewMockClient(), s, options{})
	assert.Error(t, err)
}

func TestDecodeScenario_SortsReports(t *testing.T) {
	s, err := decodeScenario(strings.NewReader(`
reports:
  - {at: 3, gateway: gw-b}
  - {at: 1, gateway: gw-a}
`))
	require.NoError(t, err)
	assert.Equal(t, "gw-a", s.Reports[0].Gateway)
	assert.True(t, defaultStart.Add(3*time.Second).Equal(s.evaluationTime()))
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer

	opts, err := parseFlags([]string{"-s", "x.yaml", "-n", "2.5", "-o", "json"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "x.yaml", opts.scenario)
	assert.Equal(t, 2.5, opts.pathLoss)
	assert.Equal(t, "json", opts.outputFormat)

	_, err = parseFlags(nil, &stderr)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-s", "x.yaml", "-o", "xml"}, &stderr)
	assert.Error(t, err)
}

func TestRun_Output(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--scenario", "testdata/triangle.yaml"}, &out))
	assert.Contains(t, out.String(), "Replayed 5 report(s), 1 rejected")
	assert.Contains(t, out.String(), "AA:BB")

	out.Reset()
	require.NoError(t, run([]string{"--scenario", "testdata/triangle.yaml", "--output", "json"}, &out))

	var res struct {
		Reports int                        `json:"reports"`
		Zones   []positioning.TagZoneState `json:"zones"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 5, res.Reports)
	assert.Len(t, res.Zones, 1)
}

func TestReplay_EventLog(t *testing.T) {
	s, err := loadScenario("testdata/triangle.yaml")
	require.NoError(t, err)

	res, err := replay(logger.NewMockClient(), s, options{})
	require.NoError(t, err)
	assert.Empty(t, res.Events, "only kept with --events")

	res, err = replay(logger.NewMockClient(), s, options{events: true})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, positioning.ArrivedType, res.Events[0].Type)
	assert.Equal(t, positioning.MovedType, res.Events[1].Type)
	assert.Equal(t, "AA:BB", res.Events[1].Event.Tag())

	var out bytes.Buffer
	require.NoError(t, run([]string{"-s", "testdata/triangle.yaml", "--events"}, &out))
	assert.Contains(t, out.String(), "EVENT")
	assert.Contains(t, out.String(), "gw-a -> gw-b")
	assert.Contains(t, out.String(), "2021-01-01T00:00:00Z")

	out.Reset()
	require.NoError(t, run([]string{"-s", "testdata/triangle.yaml"}, &out))
	assert.NotContains(t, out.String(), "gw-a -> gw-b")

	out.Reset()
	require.NoError(t, run([]string{"-s", "testdata/triangle.yaml", "-e", "-o", "json"}, &out))
	var decoded struct {
		Events []struct {
			Type  string `json:"type"`
			Event struct {
				TagID   string `json:"tag_id"`
				NewZone string `json:"new_zone"`
			} `json:"event"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, "Moved", decoded.Events[1].Type)
	assert.Equal(t, "gw-b", decoded.Events[1].Event.NewZone)
}
