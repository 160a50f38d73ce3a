//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedReport is returned for reports which cannot be turned into
// Readings. The whole report is dropped when this is returned.
var ErrMalformedReport = errors.New("malformed gateway report")

// Reading is a single RSSI observation of a tag by a gateway.
type Reading struct {
	TagID      string    `json:"tag_id"`
	GatewayID  string    `json:"gateway_id"`
	RSSI       int       `json:"rssi"`
	ObservedAt time.Time `json:"observed_at"`
}

// DeviceReport is one entry of a gateway's scan.
// Fields are pointers so that missing values can be told apart from zero.
type DeviceReport struct {
	MAC  *string `json:"mac"`
	RSSI *int    `json:"rssi"`
}

// GatewayReport is a single scan cycle published by a gateway.
type GatewayReport struct {
	// GatewayID is not part of the payload;
	// the transport derives it from the message routing key.
	GatewayID  string         `json:"-"`
	Devices    []DeviceReport `json:"devices"`
	ObservedAt time.Time      `json:"-"`
}

// DecodeReport decodes a JSON gateway payload. observedAt is the time the
// transport received the message; gateways do not timestamp their scans.
func DecodeReport(gatewayID string, payload []byte, observedAt time.Time) (GatewayReport, error) {
	report := GatewayReport{GatewayID: gatewayID, ObservedAt: observedAt}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(&report); err != nil {
		return GatewayReport{}, errors.Wrapf(ErrMalformedReport, "undecodable payload: %v", err)
	}
	return report, nil
}

// Readings validates every device entry and converts them into Readings.
// A single bad entry invalidates the whole report, so callers never apply
// part of a report.
func (r GatewayReport) Readings() ([]Reading, error) {
	gatewayID := strings.TrimSpace(r.GatewayID)
	if gatewayID == "" {
		return nil, errors.Wrap(ErrMalformedReport, "missing gateway id")
	}
	if r.ObservedAt.IsZero() {
		return nil, errors.Wrap(ErrMalformedReport, "missing observation time")
	}

	readings := make([]Reading, 0, len(r.Devices))
	for i, d := range r.Devices {
		if d.MAC == nil || strings.TrimSpace(*d.MAC) == "" {
			return nil, errors.Wrapf(ErrMalformedReport, "device %d: missing mac", i)
		}
		if d.RSSI == nil {
			return nil, errors.Wrapf(ErrMalformedReport, "device %d (%s): missing rssi", i, *d.MAC)
		}

		readings = append(readings, Reading{
			TagID:      NormalizeTagID(*d.MAC),
			GatewayID:  gatewayID,
			RSSI:       *d.RSSI,
			ObservedAt: r.ObservedAt,
		})
	}
	return readings, nil
}

// NormalizeTagID returns the canonical form of a tag's MAC address, so the
// same tag reported by differently configured gateways maps to one window.
func NormalizeTagID(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// GatewayFromTopic extracts the gateway id from an MQTT topic of the form
// "<gateway>/ble_tags".
func GatewayFromTopic(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[:i]
	}
	return topic
}
