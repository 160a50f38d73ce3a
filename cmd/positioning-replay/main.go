//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// positioning-replay feeds a scenario of gateway reports through the
// positioning engine with a simulated clock, then prints the resulting
// zones and position estimates. It is used to tune PathLossExponent and
// the gateway reference RSSI values offline.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"edgexfoundry/app-ble-positioning/internal/positioning"
	"edgexfoundry/app-ble-positioning/internal/publish"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	scenario     string
	gatewayFile  string
	pathLoss     float64
	mode         string
	outputFormat string
	logLevel     string
	events       bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("positioning-replay", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.scenario, "scenario", "s", "", "path to the YAML scenario (required)")
	flagSet.StringVarP(&opts.gatewayFile, "gateways", "g", "", "TOML calibration file; replaces the scenario's gateways")
	flagSet.Float64VarP(&opts.pathLoss, "path-loss-exponent", "n", 0, "override the path loss exponent")
	flagSet.StringVar(&opts.mode, "mode", "", "override the positioning mode (zone, position, both)")
	flagSet.StringVarP(&opts.outputFormat, "output", "o", "text", "output format (text, json)")
	flagSet.StringVar(&opts.logLevel, "log-level", "ERROR", "engine log level")
	flagSet.BoolVarP(&opts.events, "events", "e", false, "include the zone event log")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if opts.scenario == "" {
		return opts, errors.New("--scenario is required")
	}
	if opts.outputFormat != "text" && opts.outputFormat != "json" {
		return opts, errors.Errorf("unknown output format %q", opts.outputFormat)
	}
	return opts, nil
}

// simClock is moved forward by the replay.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Result is what a replay prints. Events is only filled with --events.
type Result struct {
	EvaluatedAt time.Time                      `json:"evaluated_at"`
	Reports     int                            `json:"reports"`
	Rejected    int                            `json:"rejected"`
	EventCounts map[positioning.EventType]int  `json:"event_counts"`
	Zones       []positioning.TagZoneState     `json:"zones"`
	Positions   []positioning.PositionEstimate `json:"positions"`
	Events      []publish.Envelope             `json:"events,omitempty"`
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	scenario, err := loadScenario(opts.scenario)
	if err != nil {
		return err
	}

	lc := logger.NewClientStdOut("positioning-replay", false, opts.logLevel)
	res, err := replay(lc, scenario, opts)
	if err != nil {
		return err
	}

	if opts.outputFormat == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return writeText(stdout, res)
}

func replay(lc logger.LoggingClient, s *Scenario, opts options) (*Result, error) {
	settings := positioning.NewApplicationSettings()
	if err := s.Settings.apply(&settings); err != nil {
		return nil, err
	}
	if opts.pathLoss != 0 {
		settings.PathLossExponent = opts.pathLoss
	}
	if opts.mode != "" {
		settings.PositioningMode = positioning.Mode(opts.mode)
	}

	var profiles map[string]positioning.GatewayProfile
	var err error
	if opts.gatewayFile != "" {
		profiles, err = positioning.LoadGatewayFile(opts.gatewayFile)
	} else {
		profiles, err = s.profiles()
	}
	if err != nil {
		return nil, err
	}

	clock := &simClock{now: s.Start}
	engine, err := positioning.NewEngine(lc, positioning.EngineConfig{
		Settings:    settings,
		Calibration: positioning.NewCalibration(settings.DefaultReferenceRSSI, profiles),
		Clock:       clock,
	})
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	res := &Result{EventCounts: make(map[positioning.EventType]int)}
	for i, sr := range s.Reports {
		observedAt := s.at(sr.At)
		clock.set(observedAt)

		events, err := engine.ProcessReport(sr.gatewayReport(observedAt))
		res.Reports++
		if err != nil {
			lc.Warn("Rejected report.", "index", i, "gateway", sr.Gateway, "error", err.Error())
			res.Rejected++
			continue
		}
		for _, e := range events {
			res.EventCounts[e.OfType()]++
			if opts.events {
				res.Events = append(res.Events, publish.NewEnvelope(e))
			}
		}
	}

	res.EvaluatedAt = s.evaluationTime()
	clock.set(res.EvaluatedAt)
	engine.Evict()

	res.Zones = engine.ListZoneStates()
	res.Positions = engine.ListPositionEstimates()
	return res, nil
}

func writeText(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Replayed %d report(s), %d rejected, evaluated at %s.\n\n",
		res.Reports, res.Rejected, res.EvaluatedAt.Format(time.RFC3339Nano))

	fmt.Fprintln(tw, "TAG\tZONE\tRSSI\tASSIGNED")
	for _, z := range res.Zones {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", z.TagID, z.GatewayID, z.RSSI, z.AssignedAt.Format(time.RFC3339Nano))
	}

	fmt.Fprintln(tw, "\nTAG\tSTATUS\tGATEWAYS\tPOSITION")
	for _, p := range res.Positions {
		pos := p.Reason
		if p.Coordinates != nil {
			pos = p.Coordinates.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.TagID, p.Status, p.ActiveGateways, pos)
	}

	if len(res.Events) > 0 {
		fmt.Fprintln(tw, "\nOBSERVED\tEVENT\tTAG\tZONE\tRSSI\tREASON")
		for _, env := range res.Events {
			fmt.Fprintln(tw, eventRow(env.Event))
		}
	}

	return tw.Flush()
}

func eventRow(e positioning.Event) string {
	var base positioning.BaseEvent
	var zone string
	switch ev := e.(type) {
	case positioning.ArrivedEvent:
		base, zone = ev.BaseEvent, ev.Zone
	case positioning.MovedEvent:
		base, zone = ev.BaseEvent, ev.OldZone+" -> "+ev.NewZone
	case positioning.RefreshedEvent:
		base, zone = ev.BaseEvent, ev.Zone
	}

	observed := positioning.FromUnixMilli(base.Timestamp).UTC().Format(time.RFC3339Nano)
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%s", observed, e.OfType(), e.Tag(), zone, base.RSSI, base.Reason)
}
