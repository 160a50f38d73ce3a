//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package publish delivers zone events to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const eventTypeHeader = "event-type"

// Envelope is the wire form of a zone event.
type Envelope struct {
	Type  positioning.EventType `json:"type"`
	Event positioning.Event     `json:"event"`
}

// NewEnvelope wraps e with its type.
func NewEnvelope(e positioning.Event) Envelope {
	return Envelope{Type: e.OfType(), Event: e}
}

// Publisher delivers zone events.
type Publisher interface {
	Publish(ctx context.Context, events []positioning.Event) error
	Close() error
}

// messageWriter is the part of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every zone event as one Kafka message keyed by
// tag id, so that all events of a tag land in the same partition in order.
type KafkaPublisher struct {
	lc     logger.LoggingClient
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
// Connections are made lazily on the first Publish.
func NewKafkaPublisher(lc logger.LoggingClient, brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("missing Kafka brokers")
	}
	if topic == "" {
		return nil, errors.New("missing Kafka topic")
	}

	return &KafkaPublisher{
		lc:    lc,
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

// Publish writes events synchronously.
func (kp *KafkaPublisher) Publish(ctx context.Context, events []positioning.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msg, err := encodeMessage(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := kp.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "failed to write %d zone event(s) to %s", len(msgs), kp.topic)
	}
	kp.lc.Debug("Published zone events.", "topic", kp.topic, "count", len(msgs))
	return nil
}

// Close flushes pending messages and closes the connections.
func (kp *KafkaPublisher) Close() error {
	return errors.Wrap(kp.writer.Close(), "failed to close Kafka writer")
}

func encodeMessage(e positioning.Event) (kafka.Message, error) {
	payload, err := json.Marshal(NewEnvelope(e))
	if err != nil {
		return kafka.Message{}, errors.Wrapf(err, "failed to marshal %s event", e.OfType())
	}

	return kafka.Message{
		Key:   []byte(e.Tag()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: eventTypeHeader, Value: []byte(e.OfType())},
		},
	}, nil
}
