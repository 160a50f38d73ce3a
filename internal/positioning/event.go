//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"github.com/google/uuid"
)

// EventType is an enum of the different types of zone events.
type EventType string

const (
	// note: these values are also used as the EdgeX and Kafka event names

	// ArrivedType is generated the first time a tag is assigned to a zone.
	ArrivedType EventType = "Arrived"
	// MovedType is generated when a tag is reassigned to a different zone.
	MovedType EventType = "Moved"
	// RefreshedType is generated when a tag's zone assignment is renewed
	// by a reading from the same gateway.
	RefreshedType EventType = "Refreshed"
)

// BaseEvent holds the values common to every zone event.
type BaseEvent struct {
	// ID uniquely identifies the event, so consumers can drop duplicates.
	ID    string `json:"id"`
	TagID string `json:"tag_id"`
	RSSI  int    `json:"rssi"`
	// Timestamp is the observation time of the reading which caused this
	// event, in milliseconds since the Unix Epoch.
	Timestamp int64 `json:"timestamp"`
	// Reason tells which hysteresis rule caused the reassignment.
	Reason ReassignReason `json:"reason"`
}

// ArrivedEvent is generated when a tag gets its first zone.
type ArrivedEvent struct {
	BaseEvent
	Zone string `json:"zone"`
}

// MovedEvent is generated when a tag moves from one zone to another.
type MovedEvent struct {
	BaseEvent
	OldZone string `json:"old_zone"`
	NewZone string `json:"new_zone"`
}

// RefreshedEvent is generated when a tag stays in its zone but the
// assignment is renewed.
type RefreshedEvent struct {
	BaseEvent
	Zone string `json:"zone"`
}

// Event maps event structs to their EventType.
type Event interface {
	OfType() EventType
	// Tag returns the id of the tag the event is about.
	Tag() string
}

func (a ArrivedEvent) OfType() EventType   { return ArrivedType }
func (m MovedEvent) OfType() EventType     { return MovedType }
func (r RefreshedEvent) OfType() EventType { return RefreshedType }

func (b BaseEvent) Tag() string { return b.TagID }

// NewZoneEvent returns the event describing a reassignment,
// or nil if d did not reassign the tag.
func NewZoneEvent(d Decision) Event {
	if !d.Reassign {
		return nil
	}

	base := BaseEvent{
		ID:        uuid.New().String(),
		TagID:     d.Current.TagID,
		RSSI:      d.Current.RSSI,
		Timestamp: UnixMilli(d.Current.AssignedAt),
		Reason:    d.Reason,
	}

	switch {
	case d.Previous == nil:
		return ArrivedEvent{BaseEvent: base, Zone: d.Current.GatewayID}
	case d.Previous.GatewayID != d.Current.GatewayID:
		return MovedEvent{BaseEvent: base, OldZone: d.Previous.GatewayID, NewZone: d.Current.GatewayID}
	default:
		return RefreshedEvent{BaseEvent: base, Zone: d.Current.GatewayID}
	}
}
