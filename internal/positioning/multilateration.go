//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

const (
	// minGateways is the number of reference points needed for a 2D fix.
	minGateways = 3
	// degenerateDeterminant is the threshold under which the three
	// reference points are considered (nearly) collinear.
	degenerateDeterminant = 1e-4

	coordinatePrecision = 2
)

// TripleSelection controls which three gateways are used when more than
// three are available.
type TripleSelection string

const (
	// SelectOrdered uses the first three gateways in input order.
	SelectOrdered TripleSelection = "ordered"
	// SelectWidest uses the three gateways spanning the largest triangle.
	SelectWidest TripleSelection = "widest"
)

// ParseTripleSelection validates a TripleSelection name.
func ParseTripleSelection(s string) (TripleSelection, error) {
	switch sel := TripleSelection(s); sel {
	case SelectOrdered, SelectWidest:
		return sel, nil
	case "":
		return SelectOrdered, nil
	default:
		return "", errors.Errorf("unknown triple selection %q", s)
	}
}

// GatewayRange is an estimated distance from a tag to a gateway.
type GatewayRange struct {
	GatewayID string
	Meters    float64
}

type anchor struct {
	p Point
	r float64
}

// Solve estimates a 2D position from gateway ranges. Only gateways which
// also have coordinates are considered, and at least three are needed.
//
// The three circle equations are linearized by subtracting them pairwise,
// giving
//
//	A*x + B*y = C
//	D*x + E*y = F
//
// which is solved with Cramer's rule. ok is false if there are not enough
// gateways or if the chosen three are (nearly) collinear; both cases mean
// "no estimate", never an error.
func Solve(ranges []GatewayRange, coords map[string]Point, sel TripleSelection) (p Point, ok bool) {
	anchors := make([]anchor, 0, len(ranges))
	for _, rg := range ranges {
		if c, found := coords[rg.GatewayID]; found {
			anchors = append(anchors, anchor{p: c, r: rg.Meters})
		}
	}
	if len(anchors) < minGateways {
		return Point{}, false
	}

	a, b, c := anchors[0], anchors[1], anchors[2]
	if sel == SelectWidest {
		a, b, c = widestTriple(anchors)
	}
	return trilaterate(a, b, c)
}

func trilaterate(a1, a2, a3 anchor) (Point, bool) {
	x1, y1, r1 := a1.p.X, a1.p.Y, a1.r
	x2, y2, r2 := a2.p.X, a2.p.Y, a2.r
	x3, y3, r3 := a3.p.X, a3.p.Y, a3.r

	A := 2 * (x2 - x1)
	B := 2 * (y2 - y1)
	C := r1*r1 - r2*r2 - x1*x1 + x2*x2 - y1*y1 + y2*y2
	D := 2 * (x3 - x2)
	E := 2 * (y3 - y2)
	F := r2*r2 - r3*r3 - x2*x2 + x3*x3 - y2*y2 + y3*y3

	denominator := mat.Det(mat.NewDense(2, 2, []float64{
		A, B,
		D, E,
	}))
	if math.Abs(denominator) < degenerateDeterminant {
		return Point{}, false
	}

	x := mat.Det(mat.NewDense(2, 2, []float64{
		C, B,
		F, E,
	})) / denominator
	y := mat.Det(mat.NewDense(2, 2, []float64{
		A, C,
		D, F,
	})) / denominator

	return Point{
		X: scalar.Round(x, coordinatePrecision),
		Y: scalar.Round(y, coordinatePrecision),
	}, true
}

// widestTriple returns the three anchors spanning the largest triangle,
// keeping input order among equally sized ones.
func widestTriple(anchors []anchor) (anchor, anchor, anchor) {
	best := [3]int{0, 1, 2}
	bestArea := -1.0
	for i := 0; i < len(anchors); i++ {
		for j := i + 1; j < len(anchors); j++ {
			for k := j + 1; k < len(anchors); k++ {
				area := triangleArea(anchors[i].p, anchors[j].p, anchors[k].p)
				if area > bestArea {
					bestArea = area
					best = [3]int{i, j, k}
				}
			}
		}
	}
	return anchors[best[0]], anchors[best[1]], anchors[best[2]]
}

func triangleArea(a, b, c Point) float64 {
	return math.Abs((b.X-a.X)*(c.Y-a.Y)-(c.X-a.X)*(b.Y-a.Y)) / 2
}
