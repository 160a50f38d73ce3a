//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
)

const (
	// ReasonInsufficientGateways is set on estimates without coordinates
	// because fewer than three located gateways heard the tag recently.
	ReasonInsufficientGateways = "insufficient_gateways"
	// ReasonDegenerateGeometry is set on estimates without coordinates
	// because the selected gateways are (nearly) collinear.
	ReasonDegenerateGeometry = "degenerate_geometry"

	tagLockStripes = 64

	historyEvictStep = time.Second
)

// GatewayDistance is one gateway's contribution to a PositionEstimate.
type GatewayDistance struct {
	GatewayID string    `json:"gateway_id"`
	MeanRSSI  float64   `json:"mean_rssi"`
	Meters    float64   `json:"meters"`
	Latest    time.Time `json:"latest"`
	Located   bool      `json:"located"`
}

// PositionEstimate is the computed location and liveness of a tag.
// It is derived on demand and never stored.
type PositionEstimate struct {
	TagID  string `json:"tag_id"`
	Status Status `json:"status"`
	// ActiveGateways is the number of gateways which heard the tag
	// within the aggregation window.
	ActiveGateways int `json:"active_gateways"`
	// Coordinates is nil when the geometry does not allow a fix.
	Coordinates *Point `json:"coordinates,omitempty"`
	// Reason explains absent Coordinates.
	Reason   string            `json:"reason,omitempty"`
	LastSeen time.Time         `json:"last_seen"`
	AsOf     time.Time         `json:"as_of"`
	Gateways []GatewayDistance `json:"gateways,omitempty"`
}

// EngineConfig holds everything needed to build an Engine.
// Only Settings is required.
type EngineConfig struct {
	Settings ApplicationSettings
	// Calibration defaults to an empty table using Settings.DefaultReferenceRSSI.
	Calibration *Calibration
	// LatestState and History are optional. When both are nil, nothing
	// is persisted and no writer goroutine is started.
	LatestState LatestStateStore
	History     HistoryStore
	Observer    Observer
	Clock       Clock
	// PersistBackoff is the base delay between write retries.
	PersistBackoff time.Duration
}

// Engine turns gateway reports into zone assignments and position
// estimates. It is safe for concurrent use.
type Engine struct {
	lc logger.LoggingClient

	settingsMu sync.RWMutex
	settings   ApplicationSettings

	calibration *Calibration
	windows     *WindowStore
	zones       *ZoneResolver

	latestState LatestStateStore
	history     HistoryStore
	persister   *persister

	// historyMu guards historyCutoff, the last cutoff sent to EvictBefore
	historyMu     sync.Mutex
	historyCutoff time.Time

	observer Observer
	clock    Clock

	// tagLocks serialize record+resolve of readings for the same tag
	tagLocks [tagLockStripes]sync.Mutex
	reports  uint64
}

// NewEngine validates the settings and creates an Engine.
// Callers must Close it to flush pending writes.
func NewEngine(lc logger.LoggingClient, cfg EngineConfig) (*Engine, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Calibration == nil {
		cfg.Calibration = NewCalibration(cfg.Settings.DefaultReferenceRSSI, nil)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	e := &Engine{
		lc:          lc,
		settings:    cfg.Settings,
		calibration: cfg.Calibration,
		windows:     NewWindowStore(cfg.Settings.RetentionHorizon()),
		zones:       NewZoneResolver(cfg.Settings.ZoneStaleness()),
		latestState: cfg.LatestState,
		history:     cfg.History,
		observer:    cfg.Observer,
		clock:       cfg.Clock,
	}

	if e.latestState != nil || e.history != nil {
		e.persister = newPersister(PersistConfig{
			QueueSize:    int(cfg.Settings.PersistQueueSize),
			WriteTimeout: cfg.Settings.PersistWriteTimeout(),
			Retries:      int(cfg.Settings.PersistRetries),
			Backoff:      cfg.PersistBackoff,
		}, cfg.Observer)
	}
	return e, nil
}

// Close waits for queued writes to finish. The engine must not be used
// for ingestion afterwards.
func (e *Engine) Close() {
	if e.persister != nil {
		e.persister.close()
	}
}

// Settings returns the settings currently in effect.
func (e *Engine) Settings() ApplicationSettings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings applies new tuning values. Persistence and transport
// settings only take effect on restart.
func (e *Engine) UpdateSettings(as ApplicationSettings) error {
	if err := as.Validate(); err != nil {
		return err
	}

	e.settingsMu.Lock()
	e.settings = as
	e.settingsMu.Unlock()

	e.windows.SetHorizon(as.RetentionHorizon())
	e.zones.SetStaleness(as.ZoneStaleness())
	e.calibration.SetDefaultReference(as.DefaultReferenceRSSI)
	return nil
}

// Calibration returns the gateway calibration used by the engine.
func (e *Engine) Calibration() *Calibration {
	return e.calibration
}

// UpdateCalibration replaces the gateway calibration table.
func (e *Engine) UpdateCalibration(profiles map[string]GatewayProfile) {
	e.calibration.Replace(profiles)
	e.lc.Info("Gateway calibration updated.", "gateways", len(profiles))
}

// RestoreZoneStates loads the zone assignments persisted by a previous run.
func (e *Engine) RestoreZoneStates(ctx context.Context) (int, error) {
	if e.latestState == nil {
		return 0, nil
	}

	states, err := e.latestState.LoadZoneStates(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load zone states")
	}
	return e.zones.Restore(states), nil
}

// ProcessReport ingests one gateway report and returns the zone events
// it caused. A malformed report is rejected as a whole with
// ErrMalformedReport and leaves the engine untouched.
func (e *Engine) ProcessReport(report GatewayReport) ([]Event, error) {
	readings, err := report.Readings()
	if err != nil {
		e.observer.ReportProcessed(report.GatewayID, 0, err)
		return nil, err
	}

	settings := e.Settings()
	var events []Event

	for _, r := range readings {
		e.logDistance(r, settings)

		if event := e.ingest(r, settings); event != nil {
			events = append(events, event)
		}
	}

	if atomic.AddUint64(&e.reports, 1)%uint64(settings.EvictionEveryReports) == 0 {
		e.Evict()
	}

	e.observer.ReportProcessed(report.GatewayID, len(readings), nil)
	return events, nil
}

func (e *Engine) ingest(r Reading, settings ApplicationSettings) Event {
	lock := e.tagLock(r.TagID)
	lock.Lock()
	defer lock.Unlock()

	e.windows.Record(r)

	if settings.PositioningMode.position() && e.history != nil {
		e.persister.enqueue(persistJob{
			op:    OpAppendReading,
			tagID: r.TagID,
			write: func(ctx context.Context) error { return e.history.AppendReading(ctx, r) },
		})
	}

	if !settings.PositioningMode.zone() {
		return nil
	}

	d := e.zones.Resolve(r)
	if !d.Reassign {
		return nil
	}
	e.observer.ZoneReassigned(d)

	if e.latestState != nil {
		state := d.Current
		e.persister.enqueue(persistJob{
			op:    OpUpsertZoneState,
			tagID: state.TagID,
			write: func(ctx context.Context) error { return e.latestState.UpsertZoneState(ctx, state) },
		})
	}
	return NewZoneEvent(d)
}

func (e *Engine) tagLock(tagID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tagID))
	return &e.tagLocks[h.Sum32()%tagLockStripes]
}

func (e *Engine) logDistance(r Reading, settings ApplicationSettings) {
	profile, calibrated := e.calibration.Profile(r.GatewayID)
	if !calibrated && e.calibration.markUncalibrated(r.GatewayID) {
		e.lc.Warn("Gateway has no calibration; using the default reference RSSI.",
			"gateway", r.GatewayID, "referenceRSSI", profile.ReferenceRSSI)
	}

	e.lc.Debug("Tag read.",
		"tag", r.TagID,
		"gateway", r.GatewayID,
		"rssi", r.RSSI,
		"meters", Distance(r.RSSI, profile, settings.PathLossExponent))
}

// Evict removes readings older than the retention horizon and returns
// how many were removed from memory. Persisted history is trimmed to the
// same horizon by a queued write.
func (e *Engine) Evict() int {
	horizon := e.Settings().RetentionHorizon()
	now := e.clock.Now()

	n := e.windows.Evict(horizon, now)
	if n > 0 {
		e.lc.Debug("Evicted expired readings.", "count", n)
	}
	e.observer.Evicted(n)

	e.evictHistory(now.Add(-horizon))
	return n
}

// evictHistory queues the removal of history older than cutoff.
// Cutoffs less than historyEvictStep after the previous one are skipped,
// so eviction after every report doesn't issue a delete per report.
func (e *Engine) evictHistory(cutoff time.Time) {
	if e.history == nil {
		return
	}

	e.historyMu.Lock()
	if !e.historyCutoff.IsZero() && cutoff.Sub(e.historyCutoff) < historyEvictStep {
		e.historyMu.Unlock()
		return
	}
	e.historyCutoff = cutoff
	e.historyMu.Unlock()

	e.persister.enqueue(persistJob{
		op: OpEvictHistory,
		write: func(ctx context.Context) error {
			n, err := e.history.EvictBefore(ctx, cutoff)
			if err == nil && n > 0 {
				e.lc.Debug("Evicted expired history.", "count", n, "cutoff", cutoff.Format(time.RFC3339Nano))
			}
			return err
		},
	})
}

// ListZoneStates returns the zone of every known tag,
// most recently assigned first.
func (e *Engine) ListZoneStates() []TagZoneState {
	return e.zones.States()
}

// ZoneState returns the zone of a single tag.
func (e *Engine) ZoneState(tagID string) (TagZoneState, bool) {
	return e.zones.State(NormalizeTagID(tagID))
}

// ListPositionEstimates computes an estimate for every tag with readings
// inside the retention horizon, sorted by tag id. It returns nil when
// position mode is disabled.
func (e *Engine) ListPositionEstimates() []PositionEstimate {
	settings := e.Settings()
	if !settings.PositioningMode.position() {
		return nil
	}

	now := e.clock.Now()
	coords := e.calibration.Coordinates()

	tags := e.windows.Tags()
	res := make([]PositionEstimate, 0, len(tags))
	for _, tag := range tags {
		if est, ok := e.estimate(tag, settings, coords, now); ok {
			res = append(res, est)
		}
	}
	return res
}

// PositionEstimate computes the estimate of a single tag. ok is false if
// position mode is disabled or the tag has no readings.
func (e *Engine) PositionEstimate(tagID string) (est PositionEstimate, ok bool) {
	settings := e.Settings()
	if !settings.PositioningMode.position() {
		return PositionEstimate{}, false
	}
	return e.estimate(NormalizeTagID(tagID), settings, e.calibration.Coordinates(), e.clock.Now())
}

func (e *Engine) estimate(tagID string, settings ApplicationSettings, coords map[string]Point, now time.Time) (PositionEstimate, bool) {
	last, ok := e.windows.LastObserved(tagID, now)
	if !ok {
		return PositionEstimate{}, false
	}

	window := settings.AggregationWindow()
	est := PositionEstimate{
		TagID:    tagID,
		Status:   Classify(last, now, window),
		LastSeen: last,
		AsOf:     now,
	}

	averages := e.windows.GatewayAverages(tagID, window, now)
	est.ActiveGateways = len(averages)

	var located int
	ranges := make([]GatewayRange, 0, len(averages))
	for _, avg := range averages {
		profile, _ := e.calibration.Profile(avg.GatewayID)
		meters := MeanDistance(avg.RSSI, profile, settings.PathLossExponent)
		_, hasCoords := coords[avg.GatewayID]
		if hasCoords {
			located++
		}

		ranges = append(ranges, GatewayRange{GatewayID: avg.GatewayID, Meters: meters})
		est.Gateways = append(est.Gateways, GatewayDistance{
			GatewayID: avg.GatewayID,
			MeanRSSI:  avg.RSSI,
			Meters:    meters,
			Latest:    avg.Latest,
			Located:   hasCoords,
		})
	}

	if located < 3 {
		est.Reason = ReasonInsufficientGateways
		return est, true
	}

	p, solved := Solve(ranges, coords, settings.TripleSelection)
	if !solved {
		est.Reason = ReasonDegenerateGeometry
		return est, true
	}
	est.Coordinates = &p
	return est, true
}

// Tags returns the ids of all tags with retained readings.
func (e *Engine) Tags() []string {
	return e.windows.Tags()
}
