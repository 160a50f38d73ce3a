//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	// GatewaysConfigKey is the name of the calibration table, both in the
	// calibration file and in the configuration provider.
	GatewaysConfigKey = "Gateways"

	referenceRSSIKey = "ReferenceRSSI"
	xKey             = "X"
	yKey             = "Y"
)

// Point is a 2D coordinate in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// String returns the point formatted with 2 decimals.
func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// GatewayProfile is the static calibration of a single gateway.
type GatewayProfile struct {
	// GatewayID is the name the gateway publishes under.
	GatewayID string `json:"gateway_id"`
	// ReferenceRSSI is the signal strength measured at 1 meter (dBm).
	ReferenceRSSI float64 `json:"reference_rssi"`
	// Coordinates is where the gateway is mounted. A gateway without
	// coordinates still takes part in zone resolution, but never in
	// multilateration.
	Coordinates *Point `json:"coordinates,omitempty"`
}

// Calibration holds the gateway profiles known to the engine.
// It is safe for concurrent use; Replace swaps the whole table at once.
type Calibration struct {
	mu            sync.RWMutex
	profiles      map[string]GatewayProfile
	defaultRefDbm float64
	// uncalibrated remembers gateways that have already been reported as
	// falling back to the default reference, so the caller logs them once.
	uncalibrated map[string]struct{}
}

// NewCalibration creates a Calibration with the given profiles.
// Gateways missing from profiles resolve to defaultReferenceRSSI.
func NewCalibration(defaultReferenceRSSI float64, profiles map[string]GatewayProfile) *Calibration {
	c := &Calibration{defaultRefDbm: defaultReferenceRSSI}
	c.Replace(profiles)
	return c
}

// Replace swaps the current set of profiles.
func (c *Calibration) Replace(profiles map[string]GatewayProfile) {
	copied := make(map[string]GatewayProfile, len(profiles))
	for id, p := range profiles {
		if id == "" {
			continue
		}
		p.GatewayID = id
		copied[id] = p
	}

	c.mu.Lock()
	c.profiles = copied
	c.uncalibrated = make(map[string]struct{})
	c.mu.Unlock()
}

// SetDefaultReference changes the reference RSSI used for unknown gateways.
func (c *Calibration) SetDefaultReference(dbm float64) {
	c.mu.Lock()
	c.defaultRefDbm = dbm
	c.mu.Unlock()
}

// Profile returns the profile for gatewayID. Unknown gateways get a profile
// with the default reference RSSI and no coordinates; ok is false for them.
func (c *Calibration) Profile(gatewayID string) (profile GatewayProfile, ok bool) {
	c.mu.RLock()
	profile, ok = c.profiles[gatewayID]
	def := c.defaultRefDbm
	c.mu.RUnlock()

	if !ok {
		profile = GatewayProfile{GatewayID: gatewayID, ReferenceRSSI: def}
	}
	return profile, ok
}

// markUncalibrated returns true the first time it sees gatewayID.
func (c *Calibration) markUncalibrated(gatewayID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.uncalibrated[gatewayID]; seen {
		return false
	}
	c.uncalibrated[gatewayID] = struct{}{}
	return true
}

// Coordinates returns the coordinates of every gateway that has them.
func (c *Calibration) Coordinates() map[string]Point {
	c.mu.RLock()
	defer c.mu.RUnlock()

	coords := make(map[string]Point, len(c.profiles))
	for id, p := range c.profiles {
		if p.Coordinates != nil {
			coords[id] = *p.Coordinates
		}
	}
	return coords
}

// Profiles returns all configured profiles sorted by gateway id.
func (c *Calibration) Profiles() []GatewayProfile {
	c.mu.RLock()
	res := make([]GatewayProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		res = append(res, p)
	}
	c.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].GatewayID < res[j].GatewayID })
	return res
}

// LoadGatewayFile reads the Gateways table of a TOML calibration file.
//
//	[Gateways.esp32_x0y0]
//	ReferenceRSSI = -57.0
//	X = 0.0
//	Y = 0.0
func LoadGatewayFile(path string) (map[string]GatewayProfile, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load gateway calibration file %s", path)
	}
	return ParseGatewayTree(tree)
}

// ParseGatewayTree extracts gateway profiles from a TOML tree which has a
// Gateways table at its root.
func ParseGatewayTree(tree *toml.Tree) (map[string]GatewayProfile, error) {
	if !tree.Has(GatewaysConfigKey) {
		return nil, errors.Errorf("missing %s table", GatewaysConfigKey)
	}
	gateways, ok := tree.Get(GatewaysConfigKey).(*toml.Tree)
	if !ok {
		return nil, errors.Errorf("%s must be a table", GatewaysConfigKey)
	}

	profiles := make(map[string]GatewayProfile, len(gateways.Keys()))
	for _, id := range gateways.Keys() {
		gw, ok := gateways.Get(id).(*toml.Tree)
		if !ok {
			return nil, errors.Errorf("gateway %s must be a table", id)
		}

		p := GatewayProfile{GatewayID: id}
		ref, err := treeFloat(gw, referenceRSSIKey)
		if err != nil {
			return nil, errors.Wrapf(err, "gateway %s", id)
		}
		p.ReferenceRSSI = ref

		hasX, hasY := gw.Has(xKey), gw.Has(yKey)
		if hasX != hasY {
			return nil, errors.Errorf("gateway %s: coordinates need both %s and %s", id, xKey, yKey)
		}
		if hasX {
			x, err := treeFloat(gw, xKey)
			if err != nil {
				return nil, errors.Wrapf(err, "gateway %s", id)
			}
			y, err := treeFloat(gw, yKey)
			if err != nil {
				return nil, errors.Wrapf(err, "gateway %s", id)
			}
			p.Coordinates = &Point{X: x, Y: y}
		}

		profiles[id] = p
	}
	return profiles, nil
}

func treeFloat(tree *toml.Tree, key string) (float64, error) {
	switch v := tree.Get(key).(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, errors.Errorf("missing %s", key)
	default:
		return 0, errors.Errorf("%s must be a number, got %T", key, v)
	}
}
