//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgexfoundry/app-ble-positioning/internal/positioning"
	"edgexfoundry/app-ble-positioning/internal/publish"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []positioning.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, events []positioning.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []positioning.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]positioning.Event(nil), f.events...)
}

func tagReportEvent(device string, payloads ...string) models.Event {
	event := models.Event{Device: device, Origin: epoch.UnixNano()}
	for _, p := range payloads {
		event.Readings = append(event.Readings, models.Reading{
			Name:   resourceTagReport,
			Device: device,
			Value:  p,
		})
	}
	return event
}

func TestProcessEdgeXEvent(t *testing.T) {
	app, _ := makeTestApp()

	event := tagReportEvent("gw-a",
		`{"devices":[{"mac":"aa:bb","rssi":-60}]}`,
		`{"devices":[{"mac":"cc:dd","rssi":-70},{"mac":"ee:ff","rssi":-80}]}`)
	event.Readings[1].Origin = epoch.Add(time.Second).UnixNano()

	cont, res := app.processEdgeXEvent(nil, event)
	assert.False(t, cont)
	assert.Nil(t, res)

	require.Len(t, app.reports, 2)
	first := <-app.reports
	assert.Equal(t, "gw-a", first.GatewayID)
	assert.Len(t, first.Devices, 1)
	assert.True(t, epoch.Equal(first.ObservedAt), "falls back to the event origin")

	second := <-app.reports
	assert.Len(t, second.Devices, 2)
	assert.True(t, epoch.Add(time.Second).Equal(second.ObservedAt), "uses the reading origin")
}

func TestProcessEdgeXEvent_Invalid(t *testing.T) {
	app, _ := makeTestApp()

	_, res := app.processEdgeXEvent(nil)
	assert.Error(t, res.(error))

	_, res = app.processEdgeXEvent(nil, "not an event")
	assert.Error(t, res.(error))

	_, res = app.processEdgeXEvent(nil, models.Event{Device: "gw-a"})
	assert.Error(t, res.(error))

	// undecodable payloads and unexpected readings are skipped
	event := tagReportEvent("gw-a", `{"devices":`, `{"devices":[]}`)
	event.Readings = append(event.Readings, models.Reading{Name: "Other", Value: `{"devices":[]}`})
	_, res = app.processEdgeXEvent(nil, event)
	assert.Nil(t, res)
	assert.Len(t, app.reports, 1)
}

func TestObservedAt(t *testing.T) {
	reading := &models.Reading{}
	event := models.Event{}

	before := time.Now()
	assert.False(t, observedAt(event, reading).Before(before), "defaults to now")

	event.Origin = epoch.UnixNano()
	assert.True(t, epoch.Equal(observedAt(event, reading)))

	reading.Origin = epoch.Add(time.Minute).UnixNano()
	assert.True(t, epoch.Add(time.Minute).Equal(observedAt(event, reading)))
}

func TestTaskLoop(t *testing.T) {
	app, clock := makeEngineApp(t, positioning.BothModes)
	pub := &fakePublisher{err: errors.New("broker down")}
	app.publishers = append(app.publishers, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.taskLoop(ctx)
		close(done)
	}()

	app.enqueueReport(mustReport(t, "gw-a", epoch, `{"devices":[{"mac":"aa:bb","rssi":-70}]}`))
	clock.Set(epoch.Add(time.Second))
	app.enqueueReport(mustReport(t, "gw-b", epoch.Add(time.Second), `{"devices":[{"mac":"aa:bb","rssi":-60}]}`))
	// malformed reports are dropped without stopping the loop
	app.enqueueReport(positioning.GatewayReport{GatewayID: "gw-c"})
	// a weaker reading doesn't reassign the zone
	app.enqueueReport(mustReport(t, "gw-c", epoch.Add(time.Second), `{"devices":[{"mac":"aa:bb","rssi":-75}]}`))

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task loop did not stop")
	}

	events := pub.published()
	assert.Equal(t, positioning.ArrivedType, events[0].OfType())
	moved, ok := events[1].(positioning.MovedEvent)
	require.True(t, ok, "expected MovedEvent, got %T", events[1])
	assert.Equal(t, "gw-a", moved.OldZone)
	assert.Equal(t, "gw-b", moved.NewZone)

	state, ok := app.engine.ZoneState("aa:bb")
	require.True(t, ok)
	assert.Equal(t, "gw-b", state.GatewayID)
}

func TestEnqueueReportAfterTaskLoopStops(t *testing.T) {
	app, _ := makeEngineApp(t, positioning.BothModes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	app.taskLoop(ctx)

	report := mustReport(t, "gw-a", epoch, `{"devices":[{"mac":"aa:bb","rssi":-70}]}`)
	for len(app.reports) < cap(app.reports) {
		app.reports <- report
	}

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			app.enqueueReport(report)
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueueReport blocked after the task loop stopped")
	}
	assert.Len(t, app.reports, cap(app.reports))
}

func TestEnqueueReportWaitsForBusyTaskLoop(t *testing.T) {
	app, _ := makeEngineApp(t, positioning.BothModes)

	report := mustReport(t, "gw-a", epoch, `{"devices":[{"mac":"aa:bb","rssi":-70}]}`)
	for len(app.reports) < cap(app.reports) {
		app.reports <- report
	}

	returned := make(chan struct{})
	go func() {
		app.enqueueReport(report)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("enqueueReport dropped a report while the task loop was running")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.taskLoop(ctx)
		close(done)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueueReport did not resume")
	}
	cancel()
	<-done
}

func TestApplyCalibrationUpdate(t *testing.T) {
	app, _ := makeEngineApp(t, positioning.BothModes)
	cc := NewMockConfigClient()
	app.configClient = cc

	// wrong type is ignored
	app.applyCalibrationUpdate("garbage")
	assert.Len(t, app.engine.Calibration().Profiles(), 3)

	// an empty table would leave every gateway uncalibrated
	app.applyCalibrationUpdate(&positioning.ConsulConfig{})
	assert.Len(t, app.engine.Calibration().Profiles(), 3)

	cc.config.Gateways = map[string]positioning.GatewayConfig{
		"gw-z": {ReferenceRSSI: -48, X: floatPtr(5), Y: floatPtr(5)},
	}
	app.applyCalibrationUpdate(&positioning.ConsulConfig{})

	profiles := app.engine.Calibration().Profiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, "gw-z", profiles[0].GatewayID)
	assert.Equal(t, -48.0, profiles[0].ReferenceRSSI)
}

func TestPushEventsToCoreData_NoContext(t *testing.T) {
	app, _ := makeTestApp()
	assert.NoError(t, app.pushEventsToCoreData([]positioning.Event{arrival("AA:BB", "gw-a")}))
}

func TestMultiErr(t *testing.T) {
	err := multiErr{errors.New("a"), errors.New("b")}
	assert.Equal(t, "2 error(s): a; b;", err.Error())
}

var _ publish.Publisher = (*fakePublisher)(nil)
