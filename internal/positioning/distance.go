//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

const (
	// FaultDistanceMeters is reported for a reading of exactly 0 dBm, which
	// gateways emit when the radio failed to measure the packet.
	FaultDistanceMeters = 10.0

	// rssiFaultSentinel is never a physically valid BLE reading.
	rssiFaultSentinel = 0

	distancePrecision = 2
)

// Distance converts an RSSI reading into meters using the log-distance
// path-loss model:
//
//	meters = 10 ^ ((referenceRSSI - rssi) / (10 * n))
//
// where referenceRSSI is the gateway's signal strength at 1 meter and n is
// the environment's path-loss exponent (2.0 in open air, 5+ indoors).
// The result is rounded to 2 decimals.
func Distance(rssi int, gw GatewayProfile, n float64) float64 {
	return MeanDistance(float64(rssi), gw, n)
}

// MeanDistance is Distance for a smoothed, non-integral RSSI.
func MeanDistance(rssi float64, gw GatewayProfile, n float64) float64 {
	if rssi == rssiFaultSentinel || n <= 0 {
		return FaultDistanceMeters
	}

	exp := (gw.ReferenceRSSI - rssi) / (10 * n)
	return scalar.Round(math.Pow(10, exp), distancePrecision)
}
