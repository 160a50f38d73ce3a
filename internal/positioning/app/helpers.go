//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edgexfoundry/go-mod-bootstrap/bootstrap/flags"
	"github.com/edgexfoundry/go-mod-configuration/configuration"
	"github.com/edgexfoundry/go-mod-configuration/pkg/types"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const (
	baseConsulPath = "edgex/appservices/1.0/"
	defaultCPPort  = 8500
)

// bootstrapFlags is the subset of the SDK's command line flags
// needed to locate the configuration.
type bootstrapFlags = flags.Common

// getConfigClient returns a configuration client based on the command line args.
// It returns nil without error when no config provider URL was given,
// in which case the calibration comes from GatewayCalibrationFile only.
// Ideally, a future version of the EdgeX SDKs will give us something like this
// without parsing the args again, but for now, this will do.
func getConfigClient(f bootstrapFlags) (configuration.Client, error) {
	if f.ConfigProviderUrl() == "" {
		return nil, nil
	}

	cpUrl, err := url.Parse(f.ConfigProviderUrl())
	if err != nil {
		return nil, err
	}

	cpPort := defaultCPPort
	if port := cpUrl.Port(); port != "" {
		cpPort, err = strconv.Atoi(port)
		if err != nil {
			return nil, errors.Wrap(err, "bad config port")
		}
	}

	configClient, err := configuration.NewConfigurationClient(types.ServiceConfig{
		Host:     cpUrl.Hostname(),
		Port:     cpPort,
		BasePath: baseConsulPath,
		Type:     strings.Split(cpUrl.Scheme, ".")[0],
	})

	return configClient, errors.Wrap(err, "failed to get config client")
}

// loadCalibration returns the gateway table the engine starts with.
// The configuration provider wins over the calibration file, so edits made
// there survive restarts.
func (app *PositioningApp) loadCalibration() (map[string]positioning.GatewayProfile, error) {
	if app.configClient != nil {
		if err := app.bootstrapGatewayConfig(app.configFlags); err != nil {
			return nil, err
		}

		profiles, err := app.consulProfiles()
		if err != nil {
			return nil, err
		}
		if len(profiles) > 0 {
			return profiles, nil
		}
	}

	if app.settings.GatewayCalibrationFile == "" {
		app.lc.Warn("No gateway calibration; every gateway uses the default reference RSSI.")
		return map[string]positioning.GatewayProfile{}, nil
	}

	profiles, err := positioning.LoadGatewayFile(app.settings.GatewayCalibrationFile)
	if err != nil {
		return nil, err
	}
	app.lc.Info("Loaded gateway calibration file.",
		"file", app.settings.GatewayCalibrationFile, "gateways", len(profiles))
	return profiles, nil
}

// consulProfiles reads the gateway table from the configuration provider.
func (app *PositioningApp) consulProfiles() (map[string]positioning.GatewayProfile, error) {
	raw, err := app.configClient.GetConfiguration(&positioning.ConsulConfig{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gateway calibration from consul")
	}

	cc, ok := raw.(*positioning.ConsulConfig)
	if !ok {
		return nil, errors.Errorf("unexpected configuration type %T", raw)
	}
	return cc.Profiles()
}

// bootstrapGatewayConfig seeds the configuration provider with the Gateways
// table of the service's configuration file. Existing data is left alone
// unless the overwrite flag is set. An empty table still creates the
// Gateways folder, so later edits have somewhere to go.
func (app *PositioningApp) bootstrapGatewayConfig(f bootstrapFlags) error {
	if !f.OverwriteConfig() {
		raw, err := app.configClient.GetConfiguration(&positioning.ConsulConfig{})
		if err != nil {
			return errors.Wrap(err, "failed to get configuration from consul")
		}
		if cc, ok := raw.(*positioning.ConsulConfig); ok && cc.Gateways != nil {
			app.lc.Debug("Gateway calibration already exists in consul; skipping bootstrap.")
			return nil
		}
	}

	path := filepath.Join(f.ConfigDirectory(), f.Profile(), f.ConfigFileName())
	tree, err := toml.LoadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to load config file %s", path)
	}

	// validates the table before anything is written
	profiles, err := positioning.ParseGatewayTree(tree)
	if err != nil {
		return errors.Wrapf(err, "invalid gateway calibration in %s", path)
	}

	if len(profiles) == 0 {
		err := app.configClient.PutConfigurationValue(positioning.GatewaysConfigKey+"/", nil)
		return errors.Wrap(err, "failed to create empty gateway folder in consul")
	}

	gateways, err := toml.TreeFromMap(map[string]interface{}{
		positioning.GatewaysConfigKey: tree.Get(positioning.GatewaysConfigKey).(*toml.Tree).ToMap(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to build gateway configuration")
	}

	if err := app.configClient.PutConfigurationToml(gateways, f.OverwriteConfig()); err != nil {
		return errors.Wrap(err, "failed to write gateway calibration to consul")
	}
	app.lc.Info("Wrote gateway calibration to consul.", "gateways", len(profiles))
	return nil
}
