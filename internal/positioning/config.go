//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioning

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects which resolution strategies run on ingested readings.
type Mode string

const (
	ZoneMode     Mode = "zone"
	PositionMode Mode = "position"
	BothModes    Mode = "both"
)

func (m Mode) zone() bool     { return m == ZoneMode || m == BothModes }
func (m Mode) position() bool { return m == PositionMode || m == BothModes }

// PersistenceType selects the latest-state and history store.
type PersistenceType string

const (
	PersistNone   PersistenceType = "none"
	PersistSQLite PersistenceType = "sqlite"
	PersistRedis  PersistenceType = "redis"
)

var (
	// ErrUnexpectedConfigItems is returned when the settings contain keys
	// this service does not know about. The parsed settings are still usable.
	ErrUnexpectedConfigItems = errors.New("unexpected config items")
	// ErrInvalidSettings wraps every validation failure.
	ErrInvalidSettings = errors.New("invalid application settings")
)

// ApplicationSettings are the custom settings of this service, as they
// appear in the ApplicationSettings section of the service configuration.
type ApplicationSettings struct {
	PositioningMode Mode

	// PathLossExponent is the environment's attenuation factor n.
	PathLossExponent float64
	// DefaultReferenceRSSI is used for gateways without calibration.
	DefaultReferenceRSSI float64

	AggregationWindowSeconds uint
	RetentionHorizonSeconds  uint
	ZoneStalenessSeconds     uint

	// EvictionEveryReports runs eviction after every N ingested reports.
	EvictionEveryReports uint
	// EvictionIntervalSeconds runs eviction on a timer, so memory stays
	// bounded even when no reports arrive.
	EvictionIntervalSeconds uint

	TripleSelection TripleSelection

	GatewayCalibrationFile string

	PersistenceType            PersistenceType
	SQLitePath                 string
	RedisAddress               string
	PersistQueueSize           uint
	PersistWriteTimeoutSeconds uint
	PersistRetries             uint

	MQTTBrokerURL string
	MQTTTopic     string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string

	KafkaBrokers []string
	KafkaTopic   string
}

// NewApplicationSettings returns the default settings.
func NewApplicationSettings() ApplicationSettings {
	return ApplicationSettings{
		PositioningMode:            BothModes,
		PathLossExponent:           2.0,
		DefaultReferenceRSSI:       -59.0,
		AggregationWindowSeconds:   15,
		RetentionHorizonSeconds:    60,
		ZoneStalenessSeconds:       15,
		EvictionEveryReports:       1,
		EvictionIntervalSeconds:    10,
		TripleSelection:            SelectOrdered,
		PersistenceType:            PersistNone,
		SQLitePath:                 "data/positioning.db",
		RedisAddress:               "localhost:6379",
		PersistQueueSize:           1024,
		PersistWriteTimeoutSeconds: 5,
		PersistRetries:             2,
		MQTTTopic:                  "+/ble_tags",
		MQTTClientID:               "app-ble-positioning",
	}
}

func (as ApplicationSettings) AggregationWindow() time.Duration {
	return time.Duration(as.AggregationWindowSeconds) * time.Second
}

func (as ApplicationSettings) RetentionHorizon() time.Duration {
	return time.Duration(as.RetentionHorizonSeconds) * time.Second
}

func (as ApplicationSettings) ZoneStaleness() time.Duration {
	return time.Duration(as.ZoneStalenessSeconds) * time.Second
}

func (as ApplicationSettings) EvictionInterval() time.Duration {
	return time.Duration(as.EvictionIntervalSeconds) * time.Second
}

func (as ApplicationSettings) PersistWriteTimeout() time.Duration {
	return time.Duration(as.PersistWriteTimeoutSeconds) * time.Second
}

// Validate returns an error if the settings cannot run the engine.
func (as ApplicationSettings) Validate() error {
	var errs multiErr

	switch as.PositioningMode {
	case ZoneMode, PositionMode, BothModes:
	default:
		errs = append(errs, errors.Errorf("PositioningMode must be one of zone, position, both; got %q", as.PositioningMode))
	}
	if as.PathLossExponent <= 0 {
		errs = append(errs, errors.Errorf("PathLossExponent must be > 0; got %v", as.PathLossExponent))
	}
	if as.AggregationWindowSeconds == 0 {
		errs = append(errs, errors.New("AggregationWindowSeconds must be > 0"))
	}
	if as.RetentionHorizonSeconds < as.AggregationWindowSeconds {
		errs = append(errs, errors.Errorf("RetentionHorizonSeconds (%d) must be >= AggregationWindowSeconds (%d)",
			as.RetentionHorizonSeconds, as.AggregationWindowSeconds))
	}
	if as.ZoneStalenessSeconds == 0 {
		errs = append(errs, errors.New("ZoneStalenessSeconds must be > 0"))
	}
	if as.EvictionEveryReports == 0 {
		errs = append(errs, errors.New("EvictionEveryReports must be > 0"))
	}
	if as.EvictionIntervalSeconds == 0 {
		errs = append(errs, errors.New("EvictionIntervalSeconds must be > 0"))
	}
	if _, err := ParseTripleSelection(string(as.TripleSelection)); err != nil {
		errs = append(errs, err)
	}

	switch as.PersistenceType {
	case PersistNone:
	case PersistSQLite:
		if as.SQLitePath == "" {
			errs = append(errs, errors.New("SQLitePath is required for sqlite persistence"))
		}
	case PersistRedis:
		if as.RedisAddress == "" {
			errs = append(errs, errors.New("RedisAddress is required for redis persistence"))
		}
	default:
		errs = append(errs, errors.Errorf("PersistenceType must be one of none, sqlite, redis; got %q", as.PersistenceType))
	}
	if as.PersistenceType != PersistNone && as.PersistQueueSize == 0 {
		errs = append(errs, errors.New("PersistQueueSize must be > 0"))
	}
	if as.KafkaTopic != "" && len(as.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KafkaBrokers is required when KafkaTopic is set"))
	}

	if len(errs) > 0 {
		return errors.Wrap(ErrInvalidSettings, errs.Error())
	}
	return nil
}

// ParseApplicationSettings builds settings from the raw ApplicationSettings
// key/value map, starting from the defaults. Unknown keys are reported with
// ErrUnexpectedConfigItems, in which case the returned settings are still
// valid to use.
func ParseApplicationSettings(raw map[string]string) (ApplicationSettings, error) {
	as := NewApplicationSettings()
	var unexpected []string

	for key, value := range raw {
		value = strings.TrimSpace(value)
		var err error

		switch key {
		case "PositioningMode":
			as.PositioningMode = Mode(strings.ToLower(value))
		case "PathLossExponent":
			as.PathLossExponent, err = strconv.ParseFloat(value, 64)
		case "DefaultReferenceRSSI":
			as.DefaultReferenceRSSI, err = strconv.ParseFloat(value, 64)
		case "AggregationWindowSeconds":
			as.AggregationWindowSeconds, err = parseUint(value)
		case "RetentionHorizonSeconds":
			as.RetentionHorizonSeconds, err = parseUint(value)
		case "ZoneStalenessSeconds":
			as.ZoneStalenessSeconds, err = parseUint(value)
		case "EvictionEveryReports":
			as.EvictionEveryReports, err = parseUint(value)
		case "EvictionIntervalSeconds":
			as.EvictionIntervalSeconds, err = parseUint(value)
		case "TripleSelection":
			as.TripleSelection = TripleSelection(strings.ToLower(value))
		case "GatewayCalibrationFile":
			as.GatewayCalibrationFile = value
		case "PersistenceType":
			as.PersistenceType = PersistenceType(strings.ToLower(value))
		case "SQLitePath":
			as.SQLitePath = value
		case "RedisAddress":
			as.RedisAddress = value
		case "PersistQueueSize":
			as.PersistQueueSize, err = parseUint(value)
		case "PersistWriteTimeoutSeconds":
			as.PersistWriteTimeoutSeconds, err = parseUint(value)
		case "PersistRetries":
			as.PersistRetries, err = parseUint(value)
		case "MQTTBrokerURL":
			as.MQTTBrokerURL = value
		case "MQTTTopic":
			as.MQTTTopic = value
		case "MQTTClientID":
			as.MQTTClientID = value
		case "MQTTUsername":
			as.MQTTUsername = value
		case "MQTTPassword":
			as.MQTTPassword = value
		case "KafkaBrokers":
			as.KafkaBrokers = splitList(value)
		case "KafkaTopic":
			as.KafkaTopic = value
		default:
			unexpected = append(unexpected, key)
		}

		if err != nil {
			return as, errors.Wrapf(err, "invalid value for %s: %q", key, value)
		}
	}

	if err := as.Validate(); err != nil {
		return as, err
	}

	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return as, errors.Wrapf(ErrUnexpectedConfigItems, "[%s]", strings.Join(unexpected, ", "))
	}
	return as, nil
}

// GatewayConfig is the calibration of one gateway as stored in the
// configuration provider. X and Y are optional but must be set together.
type GatewayConfig struct {
	ReferenceRSSI float64
	X             *float64
	Y             *float64
}

// ConsulConfig is the part of the configuration this service reads from
// and watches in the configuration provider.
type ConsulConfig struct {
	Gateways map[string]GatewayConfig
}

// Profiles converts the stored calibration into GatewayProfiles.
func (cc ConsulConfig) Profiles() (map[string]GatewayProfile, error) {
	profiles := make(map[string]GatewayProfile, len(cc.Gateways))
	for id, gc := range cc.Gateways {
		if (gc.X == nil) != (gc.Y == nil) {
			return nil, errors.Errorf("gateway %s: coordinates need both X and Y", id)
		}
		p := GatewayProfile{GatewayID: id, ReferenceRSSI: gc.ReferenceRSSI}
		if gc.X != nil {
			p.Coordinates = &Point{X: *gc.X, Y: *gc.Y}
		}
		profiles[id] = p
	}
	return profiles, nil
}

func parseUint(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint(v), err
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}

// multiErr collects several errors into one.
type multiErr []error

func (me multiErr) Error() string {
	msgs := make([]string, len(me))
	for i, err := range me {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
