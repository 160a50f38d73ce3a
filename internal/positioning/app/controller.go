//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edgexfoundry/app-functions-sdk-go/appcontext"
	"github.com/edgexfoundry/go-mod-core-contracts/models"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/positioning"
	"edgexfoundry/app-ble-positioning/internal/publish"
)

const (
	resourceTagReport = "BLETagReport"
	resourceZoneEvent = "ZoneEvent"

	publishTimeout = 10 * time.Second
	eventChSz      = 100
)

// processEdgeXEvent handles EdgeX events after they are filtered by the
// SDK pipeline. Each BLETagReport reading holds one gateway scan; the
// event's Device is the gateway. Decoded reports go to the taskLoop.
func (app *PositioningApp) processEdgeXEvent(edgexCtx *appcontext.Context, params ...interface{}) (bool, interface{}) {
	if len(params) != 1 {
		return false, errors.Errorf("expected a single parameter, but got %d", len(params))
	}

	event, ok := params[0].(models.Event)
	if !ok {
		return false, errors.Errorf("expected an EdgeX Event, but got %T", params[0])
	}

	if len(event.Readings) < 1 {
		return false, errors.New("event contains no Readings")
	}

	if edgexCtx != nil {
		app.edgexCtxMu.Lock()
		app.edgexCtx = edgexCtx
		app.edgexCtxMu.Unlock()
	}

	for i := range event.Readings {
		reading := &event.Readings[i]
		if reading.Name != resourceTagReport {
			// this should never happen because it is pre-filtered by the SDK pipeline
			app.lc.Error("Unknown reading name.", "reading", reading.Name)
			continue
		}

		report, err := positioning.DecodeReport(event.Device, []byte(reading.Value), observedAt(event, reading))
		if err != nil {
			app.lc.Error("Failed to decode gateway report.",
				"error", err.Error(), "gateway", event.Device)
			continue
		}

		app.enqueueReport(report)
	}

	return false, nil
}

// observedAt is the reading's origin, falling back to the event's origin
// and then to the time of receipt. EdgeX origins are Unix nanoseconds.
func observedAt(event models.Event, reading *models.Reading) time.Time {
	switch {
	case reading.Origin > 0:
		return time.Unix(0, reading.Origin)
	case event.Origin > 0:
		return time.Unix(0, event.Origin)
	default:
		return time.Now()
	}
}

// enqueueReport passes a report to the taskLoop. It waits while the
// loop is busy, but drops the report once the loop has stopped.
func (app *PositioningApp) enqueueReport(report positioning.GatewayReport) {
	select {
	case <-app.loopDone:
		app.dropReport(report)
		return
	default:
	}

	select {
	case app.reports <- report:
		app.lc.Trace("New gateway report.", "gateway", report.GatewayID, "devices", len(report.Devices))
	case <-app.loopDone:
		app.dropReport(report)
	}
}

func (app *PositioningApp) dropReport(report positioning.GatewayReport) {
	app.lc.Warn("Task loop has stopped; dropping gateway report.", "gateway", report.GatewayID)
	if app.metrics != nil {
		app.metrics.ReportDropped()
	}
}

// taskLoop is our main event loop for async processes
// that can't be modeled within the SDK's pipeline event loop.
//
// It serializes ingestion of the reports from every transport,
// runs the eviction timer, and applies calibration changes.
func (app *PositioningApp) taskLoop(ctx context.Context) {
	defer close(app.loopDone)

	evictionTicker := time.NewTicker(app.settings.EvictionInterval())
	defer evictionTicker.Stop()

	eventCh := make(chan []positioning.Event, eventChSz)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.lc.Info("Starting event processor.")
		for events := range eventCh {
			app.publishEvents(events)
		}
		app.lc.Info("Event processor stopped.")
	}()

	app.lc.Info("Starting task loop.")
	for {
		select {
		case <-ctx.Done():
			app.lc.Info("Stopping task loop.")
			close(eventCh)
			wg.Wait()
			app.lc.Info("Task loop stopped.")
			return

		case report := <-app.reports:
			events, err := app.engine.ProcessReport(report)
			if err != nil {
				app.lc.Error("Dropped gateway report.", "gateway", report.GatewayID, "error", err.Error())
				continue
			}
			if len(events) > 0 {
				eventCh <- events
			}

		case t := <-evictionTicker.C:
			app.lc.Trace("Running eviction.", "time", fmt.Sprintf("%v", t))
			app.engine.Evict()

		case rawConfig := <-app.confUpdateCh:
			app.applyCalibrationUpdate(rawConfig)

		case err := <-app.configErrs:
			app.lc.Error("Configuration watch failed.", "error", err.Error())
		}
	}
}

// applyCalibrationUpdate re-reads the gateway table after the
// configuration provider reported a change.
func (app *PositioningApp) applyCalibrationUpdate(rawConfig interface{}) {
	if _, ok := rawConfig.(*positioning.ConsulConfig); !ok {
		app.lc.Warn("Unable to decode configuration from consul.", "raw", fmt.Sprintf("%#v", rawConfig))
		return
	}

	profiles, err := app.consulProfiles()
	if err != nil {
		app.lc.Error("Invalid gateway calibration in consul.", "error", err.Error())
		return
	}
	if len(profiles) == 0 {
		app.lc.Warn("Ignoring empty gateway calibration from consul.")
		return
	}

	app.lc.Debug("New gateway calibration.", "gateways", fmt.Sprintf("%+v", profiles))
	app.engine.UpdateCalibration(profiles)
}

// publishEvents fans zone events out to websocket clients, the configured
// publishers, and EdgeX core-data.
func (app *PositioningApp) publishEvents(events []positioning.Event) {
	app.hub.Broadcast(events)

	for _, p := range app.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.Publish(ctx, events)
		cancel()
		app.lgr.WarnIfErr(err, "Failed to publish zone events.")
	}

	if err := app.pushEventsToCoreData(events); err != nil {
		app.lc.Error("Failed to push zone events to core-data.", "error", err.Error())
	}
}

// pushEventsToCoreData sends each zone event as a reading named
// ZoneEvent<Type>. It does nothing until the pipeline has seen an event,
// since only a pipeline context can reach core-data.
func (app *PositioningApp) pushEventsToCoreData(events []positioning.Event) error {
	app.edgexCtxMu.RLock()
	edgexCtx := app.edgexCtx
	app.edgexCtxMu.RUnlock()

	if edgexCtx == nil {
		app.lc.Debug("No EdgeX context yet; zone events not sent to core-data.", "count", len(events))
		return nil
	}

	var errs []error
	for _, event := range events {
		payload, err := json.Marshal(publish.NewEnvelope(event).Event)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "error marshalling event"))
			continue
		}

		resourceName := resourceZoneEvent + string(event.OfType())
		app.lc.Debug("Sending zone event.", "type", resourceName, "payload", string(payload))

		// These events are generated by the app-service itself,
		// so serviceKey is used as the device name.
		if _, err := edgexCtx.PushToCoreData(serviceKey, resourceName, string(payload)); err != nil {
			errs = append(errs, errors.Wrapf(err, "unable to push %s to core-data", resourceName))
		}
	}

	if errs != nil {
		return multiErr(errs)
	}
	return nil
}

type multiErr []error

func (me multiErr) Error() string {
	s := fmt.Sprintf("%d error(s):", len(me))
	for _, err := range me {
		s += " " + err.Error() + ";"
	}
	return s
}
