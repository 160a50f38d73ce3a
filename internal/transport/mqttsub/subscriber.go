//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package mqttsub receives gateway reports from an MQTT broker.
//
// Gateways publish one JSON scan per cycle to "<gateway id>/ble_tags".
package mqttsub

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const (
	connectTimeout      = 10 * time.Second
	subscribeTimeout    = 10 * time.Second
	disconnectQuiesceMs = 250
	qosAtMostOnce       = 0
)

// Config is the broker connection of a Subscriber.
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
}

// Subscriber decodes every message on Config.Topic into a
// positioning.GatewayReport and passes it to its handler.
type Subscriber struct {
	lc     logger.LoggingClient
	cfg    Config
	clock  positioning.Clock
	handle func(positioning.GatewayReport)
	client mqtt.Client
}

// New creates a Subscriber. Reports are stamped with clock's time of receipt.
func New(lc logger.LoggingClient, cfg Config, clock positioning.Clock, handle func(positioning.GatewayReport)) *Subscriber {
	return &Subscriber{lc: lc, cfg: cfg, clock: clock, handle: handle}
}

// Start connects to the broker. The subscription is (re)made on every
// connect, so it survives automatic reconnects.
func (s *Subscriber) Start() error {
	if s.cfg.BrokerURL == "" {
		return errors.New("missing MQTT broker URL")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(s.subscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.lc.Warn("Lost connection to MQTT broker.", "broker", s.cfg.BrokerURL, "error", err.Error())
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.lc.Warn("MQTT broker not reachable yet; retrying in the background.", "broker", s.cfg.BrokerURL)
		return nil
	}
	return errors.Wrapf(token.Error(), "failed to connect to MQTT broker %s", s.cfg.BrokerURL)
}

func (s *Subscriber) subscribe(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, qosAtMostOnce, s.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		s.lc.Error("Timed out subscribing to MQTT topic.", "topic", s.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		s.lc.Error("Failed to subscribe to MQTT topic.", "topic", s.cfg.Topic, "error", err.Error())
		return
	}
	s.lc.Info("Subscribed to MQTT topic.", "broker", s.cfg.BrokerURL, "topic", s.cfg.Topic)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	gatewayID := positioning.GatewayFromTopic(msg.Topic())
	report, err := positioning.DecodeReport(gatewayID, msg.Payload(), s.clock.Now())
	if err != nil {
		s.lc.Error("Failed to decode gateway report.",
			"topic", msg.Topic(), "gateway", gatewayID, "error", err.Error())
		return
	}

	s.lc.Trace("New gateway report.", "gateway", gatewayID, "devices", len(report.Devices))
	s.handle(report)
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(disconnectQuiesceMs)
	s.lc.Info("Disconnected from MQTT broker.", "broker", s.cfg.BrokerURL)
}
