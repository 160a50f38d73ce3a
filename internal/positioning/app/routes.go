//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const (
	apiBase = "/api/v1"

	zonesRoute     = apiBase + "/zones"
	zoneRoute      = apiBase + "/zones/{tag}"
	positionsRoute = apiBase + "/positions"
	positionRoute  = apiBase + "/positions/{tag}"
	historyRoute   = apiBase + "/history/{tag}"
	gatewaysRoute  = apiBase + "/gateways"
	streamRoute    = apiBase + "/stream"
	metricsRoute   = "/metrics"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (app *PositioningApp) addRoutes() error {
	jsonRoutes := []struct {
		path string
		f    http.HandlerFunc
	}{
		{zonesRoute, app.getZones},
		{zoneRoute, app.getZone},
		{positionsRoute, app.getPositions},
		{positionRoute, app.getPosition},
		{historyRoute, app.getHistory},
		{gatewaysRoute, app.getGateways},
	}

	for _, r := range jsonRoutes {
		if err := app.addRoute(r.path, http.MethodGet,
			app.metrics.WrapHandler(r.path, compressed(r.f))); err != nil {
			return err
		}
	}

	if err := app.addRoute(
		streamRoute, http.MethodGet, app.hub.ServeWS); err != nil {
		return err
	}
	if err := app.addRoute(
		metricsRoute, http.MethodGet, app.metrics.Handler().ServeHTTP); err != nil {
		return err
	}

	return nil
}

func (app *PositioningApp) addRoute(path, method string, f http.HandlerFunc) error {
	if err := app.edgexSdk.AddRoute(path, f, method); err != nil {
		return errors.Wrapf(err, "failed to add route, path=%s, method=%s", path, method)
	}
	return nil
}

// compressed gzips responses for clients which accept it.
func compressed(f http.HandlerFunc) http.HandlerFunc {
	return handlers.CompressHandler(f).ServeHTTP
}

// Routes
func (app *PositioningApp) getZones(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, app.engine.ListZoneStates())
}

func (app *PositioningApp) getZone(w http.ResponseWriter, req *http.Request) {
	tag := mux.Vars(req)["tag"]
	state, ok := app.engine.ZoneState(tag)
	if !ok {
		app.writeError(w, http.StatusNotFound, fmt.Sprintf("No zone for tag %q.", tag))
		return
	}
	app.writeJSON(w, state)
}

func (app *PositioningApp) getPositions(w http.ResponseWriter, _ *http.Request) {
	if !app.positionModeEnabled() {
		app.writeError(w, http.StatusNotFound, "Position mode is disabled.")
		return
	}

	estimates := app.engine.ListPositionEstimates()
	if estimates == nil {
		estimates = []positioning.PositionEstimate{}
	}
	app.writeJSON(w, estimates)
}

func (app *PositioningApp) getPosition(w http.ResponseWriter, req *http.Request) {
	if !app.positionModeEnabled() {
		app.writeError(w, http.StatusNotFound, "Position mode is disabled.")
		return
	}

	tag := mux.Vars(req)["tag"]
	est, ok := app.engine.PositionEstimate(tag)
	if !ok {
		app.writeError(w, http.StatusNotFound, fmt.Sprintf("No recent readings of tag %q.", tag))
		return
	}
	app.writeJSON(w, est)
}

func (app *PositioningApp) getHistory(w http.ResponseWriter, req *http.Request) {
	if app.history == nil {
		app.writeError(w, http.StatusNotFound, "Reading history is not persisted.")
		return
	}

	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			app.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q.", raw))
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	tag := positioning.NormalizeTagID(mux.Vars(req)["tag"])
	readings, err := app.history.RecentReadings(req.Context(), tag, limit)
	if err != nil {
		app.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read history: %v", err))
		return
	}
	if readings == nil {
		readings = []positioning.Reading{}
	}
	app.writeJSON(w, readings)
}

func (app *PositioningApp) getGateways(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, app.engine.Calibration().Profiles())
}

func (app *PositioningApp) positionModeEnabled() bool {
	return app.engine.Settings().PositioningMode != positioning.ZoneMode
}

func (app *PositioningApp) writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		app.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to marshal response: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		app.lc.Error("Error writing response.", "error", err.Error())
	}
}

func (app *PositioningApp) writeError(w http.ResponseWriter, status int, msg string) {
	if status >= http.StatusInternalServerError {
		app.lc.Error(msg)
	} else {
		app.lc.Debug(msg)
	}
	http.Error(w, msg, status)
}
