//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"fmt"

	"github.com/pelletier/go-toml"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

// MockConfigClient implements EdgeX's configuration.Client interface for use with unit tests.
// The test pre-defines the configuration returned by GetConfiguration, can spoof the
// error of the next call, and inspects whatever was written through it.
type MockConfigClient struct {
	// config is returned by GetConfiguration
	config *positioning.ConsulConfig
	// nextErr is returned by the next interface method call, then cleared.
	nextErr error

	// tree holds the data provided to PutConfigurationToml
	tree *toml.Tree
	// valueMap holds the ReferenceRSSI of every gateway written with
	// PutConfigurationToml, and any data provided to PutConfigurationValue.
	valueMap map[string][]byte
}

func NewMockConfigClient() *MockConfigClient {
	return &MockConfigClient{
		valueMap: make(map[string][]byte),
		config:   &positioning.ConsulConfig{},
	}
}

func (m *MockConfigClient) popErr() error {
	err := m.nextErr
	m.nextErr = nil
	return err
}

// Not currently needed, so not implemented
func (m *MockConfigClient) HasConfiguration() (bool, error) {
	panic("Not implemented.")
}

func (m *MockConfigClient) PutConfigurationToml(configuration *toml.Tree, overwrite bool) error {
	if err := m.popErr(); err != nil {
		return err
	}

	m.tree = configuration
	if configuration.Has(positioning.GatewaysConfigKey) {
		gateways, ok := configuration.Get(positioning.GatewaysConfigKey).(*toml.Tree)
		if !ok {
			panic("unable to convert config to toml.Tree")
		}
		for _, k := range gateways.Keys() {
			gw := gateways.Get(k).(*toml.Tree)
			m.valueMap[k] = []byte(fmt.Sprintf("%v", gw.Get("ReferenceRSSI")))
		}
	}
	return nil
}

// Not currently needed, so not implemented
func (m *MockConfigClient) PutConfiguration(configStruct interface{}, overwrite bool) error {
	panic("Not implemented.")
}

func (m *MockConfigClient) GetConfiguration(configStruct interface{}) (interface{}, error) {
	if err := m.popErr(); err != nil {
		return nil, err
	}
	return m.config, nil
}

// Not currently needed, so not implemented
func (m *MockConfigClient) WatchForChanges(updateChannel chan<- interface{}, errorChannel chan<- error, configuration interface{}, waitKey string) {
	panic("Not implemented.")
}

func (m *MockConfigClient) IsAlive() bool {
	return true
}

// Not currently needed, so not implemented
func (m *MockConfigClient) ConfigurationValueExists(name string) (bool, error) {
	panic("Not implemented.")
}

// Not currently needed, so not implemented
func (m *MockConfigClient) GetConfigurationValue(name string) ([]byte, error) {
	panic("Not implemented.")
}

func (m *MockConfigClient) PutConfigurationValue(name string, value []byte) error {
	if err := m.popErr(); err != nil {
		return err
	}
	m.valueMap[name] = value
	return nil
}
