//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

var defaultStart = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario is a recorded or hand-written sequence of gateway reports.
//
//	settings:
//	  path_loss_exponent: 2.0
//	gateways:
//	  esp32_x0y0: {reference_rssi: -57, x: 0, y: 0}
//	reports:
//	  - at: 0.5
//	    gateway: esp32_x0y0
//	    devices:
//	      - {mac: "aa:bb:cc:dd:ee:ff", rssi: -60}
type Scenario struct {
	Settings ScenarioSettings           `yaml:"settings"`
	Gateways map[string]ScenarioGateway `yaml:"gateways"`
	// Start is the wall time of offset 0.
	Start time.Time `yaml:"start"`
	// EvaluateAt is the offset in seconds at which results are computed.
	// It defaults to the offset of the last report.
	EvaluateAt *float64         `yaml:"evaluate_at"`
	Reports    []ScenarioReport `yaml:"reports"`
}

// ScenarioSettings override the service defaults.
type ScenarioSettings struct {
	PositioningMode          string   `yaml:"positioning_mode"`
	PathLossExponent         *float64 `yaml:"path_loss_exponent"`
	DefaultReferenceRSSI     *float64 `yaml:"default_reference_rssi"`
	AggregationWindowSeconds *uint    `yaml:"aggregation_window_seconds"`
	RetentionHorizonSeconds  *uint    `yaml:"retention_horizon_seconds"`
	ZoneStalenessSeconds     *uint    `yaml:"zone_staleness_seconds"`
	TripleSelection          string   `yaml:"triple_selection"`
}

type ScenarioGateway struct {
	ReferenceRSSI float64  `yaml:"reference_rssi"`
	X             *float64 `yaml:"x"`
	Y             *float64 `yaml:"y"`
}

type ScenarioReport struct {
	// At is the offset from Start in seconds.
	At      float64          `yaml:"at"`
	Gateway string           `yaml:"gateway"`
	Devices []ScenarioDevice `yaml:"devices"`
}

type ScenarioDevice struct {
	MAC  *string `yaml:"mac"`
	RSSI *int    `yaml:"rssi"`
}

func loadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open scenario")
	}
	defer f.Close()

	return decodeScenario(f)
}

func decodeScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "failed to decode scenario")
	}
	if len(s.Reports) == 0 {
		return nil, errors.New("scenario has no reports")
	}
	if s.Start.IsZero() {
		s.Start = defaultStart
	}

	sort.SliceStable(s.Reports, func(i, j int) bool { return s.Reports[i].At < s.Reports[j].At })
	return &s, nil
}

// apply overrides the defaults in as with the scenario's settings.
func (ss ScenarioSettings) apply(as *positioning.ApplicationSettings) error {
	if ss.PositioningMode != "" {
		as.PositioningMode = positioning.Mode(ss.PositioningMode)
	}
	if ss.PathLossExponent != nil {
		as.PathLossExponent = *ss.PathLossExponent
	}
	if ss.DefaultReferenceRSSI != nil {
		as.DefaultReferenceRSSI = *ss.DefaultReferenceRSSI
	}
	if ss.AggregationWindowSeconds != nil {
		as.AggregationWindowSeconds = *ss.AggregationWindowSeconds
	}
	if ss.RetentionHorizonSeconds != nil {
		as.RetentionHorizonSeconds = *ss.RetentionHorizonSeconds
	}
	if ss.ZoneStalenessSeconds != nil {
		as.ZoneStalenessSeconds = *ss.ZoneStalenessSeconds
	}
	if ss.TripleSelection != "" {
		sel, err := positioning.ParseTripleSelection(ss.TripleSelection)
		if err != nil {
			return err
		}
		as.TripleSelection = sel
	}
	return nil
}

func (s *Scenario) profiles() (map[string]positioning.GatewayProfile, error) {
	cc := positioning.ConsulConfig{Gateways: make(map[string]positioning.GatewayConfig, len(s.Gateways))}
	for id, gw := range s.Gateways {
		cc.Gateways[id] = positioning.GatewayConfig{ReferenceRSSI: gw.ReferenceRSSI, X: gw.X, Y: gw.Y}
	}
	return cc.Profiles()
}

func (s *Scenario) at(offset float64) time.Time {
	return s.Start.Add(time.Duration(offset * float64(time.Second)))
}

func (s *Scenario) evaluationTime() time.Time {
	if s.EvaluateAt != nil {
		return s.at(*s.EvaluateAt)
	}
	return s.at(s.Reports[len(s.Reports)-1].At)
}

func (sr ScenarioReport) gatewayReport(observedAt time.Time) positioning.GatewayReport {
	report := positioning.GatewayReport{GatewayID: sr.Gateway, ObservedAt: observedAt}
	for _, d := range sr.Devices {
		report.Devices = append(report.Devices, positioning.DeviceReport{MAC: d.MAC, RSSI: d.RSSI})
	}
	return report
}
