//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgexfoundry/app-functions-sdk-go/appcontext"
	"github.com/edgexfoundry/app-functions-sdk-go/appsdk"
	"github.com/edgexfoundry/app-functions-sdk-go/pkg/transforms"
	"github.com/edgexfoundry/go-mod-bootstrap/bootstrap/flags"
	"github.com/edgexfoundry/go-mod-configuration/configuration"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"

	"edgexfoundry/app-ble-positioning/internal/logutil"
	"edgexfoundry/app-ble-positioning/internal/metrics"
	"edgexfoundry/app-ble-positioning/internal/positioning"
	"edgexfoundry/app-ble-positioning/internal/publish"
	"edgexfoundry/app-ble-positioning/internal/store/redisstore"
	"edgexfoundry/app-ble-positioning/internal/store/sqlitestore"
	"edgexfoundry/app-ble-positioning/internal/transport/mqttsub"
)

const (
	serviceKey = "app-ble-positioning"

	storeOpenTimeout = 10 * time.Second
	restoreTimeout   = 30 * time.Second
	persistBackoff   = 200 * time.Millisecond

	reportsChSz = 100
)

type PositioningApp struct {
	edgexSdk *appsdk.AppFunctionsSDK
	lc       logger.LoggingClient
	lgr      logutil.LogWrap

	settings positioning.ApplicationSettings
	engine   *positioning.Engine
	metrics  *metrics.Collector
	hub      *Hub

	history    positioning.HistoryReader
	stores     []io.Closer
	publishers []publish.Publisher
	subscriber *mqttsub.Subscriber

	configClient configuration.Client
	configFlags  bootstrapFlags
	configErrs   chan error
	confUpdateCh chan interface{}
	reports      chan positioning.GatewayReport
	// loopDone is closed when the taskLoop returns; reports enqueued
	// afterwards are dropped.
	loopDone chan struct{}

	// edgexCtxMu guards edgexCtx, the most recent pipeline context,
	// which is needed to push zone events back into EdgeX.
	edgexCtxMu sync.RWMutex
	edgexCtx   *appcontext.Context
}

func NewPositioningApp() *PositioningApp {
	return &PositioningApp{
		reports:      make(chan positioning.GatewayReport, reportsChSz),
		loopDone:     make(chan struct{}),
		confUpdateCh: make(chan interface{}),
		configErrs:   make(chan error),
	}
}

// LoggingClient returns the SDK's logger; it is nil before Initialize.
func (app *PositioningApp) LoggingClient() logger.LoggingClient {
	return app.lc
}

// Initialize starts the EdgeX SDK, parses the configuration, and builds
// the engine together with its stores, publishers and routes.
func (app *PositioningApp) Initialize() (err error) {
	app.edgexSdk = &appsdk.AppFunctionsSDK{ServiceKey: serviceKey}
	if err := app.edgexSdk.Initialize(); err != nil {
		fmt.Printf("SDK initialization failed: %v\n", err)
		os.Exit(1)
	}

	app.lc = app.edgexSdk.LoggingClient
	app.lgr = logutil.LogWrap{LoggingClient: app.lc}
	app.lc.Info("Starting.")

	appSettings := app.edgexSdk.ApplicationSettings()
	if appSettings == nil {
		return errors.New("missing application settings")
	}

	app.settings, err = positioning.ParseApplicationSettings(appSettings)
	if errors.Is(err, positioning.ErrUnexpectedConfigItems) {
		// warn on unexpected config items, but do not exit
		app.lc.Warn(err.Error())
		err = nil
	} else if err != nil {
		return errors.Wrap(err, "config parse error")
	}

	sdkFlags := flags.New()
	sdkFlags.Parse(os.Args[1:])
	app.configFlags = sdkFlags
	if app.configClient, err = getConfigClient(sdkFlags); err != nil {
		return errors.Wrap(err, "failed to create config client")
	}

	profiles, err := app.loadCalibration()
	if err != nil {
		return err
	}

	app.metrics = metrics.NewCollector(app.lc)
	app.hub = NewHub(app.lc)

	if err := app.buildEngine(profiles); err != nil {
		return err
	}

	if app.settings.KafkaTopic != "" {
		kp, err := publish.NewKafkaPublisher(app.lc, app.settings.KafkaBrokers, app.settings.KafkaTopic)
		if err != nil {
			return err
		}
		app.publishers = append(app.publishers, kp)
		app.lc.Info("Publishing zone events to Kafka.", "topic", app.settings.KafkaTopic)
	}

	if app.settings.MQTTBrokerURL != "" {
		app.subscriber = mqttsub.New(app.lc, mqttsub.Config{
			BrokerURL: app.settings.MQTTBrokerURL,
			Topic:     app.settings.MQTTTopic,
			ClientID:  app.settings.MQTTClientID,
			Username:  app.settings.MQTTUsername,
			Password:  app.settings.MQTTPassword,
		}, positioning.SystemClock{}, app.enqueueReport)
	}

	return app.addRoutes()
}

// buildEngine opens the configured stores, creates the engine,
// and restores the zone states of the previous run.
func (app *PositioningApp) buildEngine(profiles map[string]positioning.GatewayProfile) error {
	cfg := positioning.EngineConfig{
		Settings:       app.settings,
		Calibration:    positioning.NewCalibration(app.settings.DefaultReferenceRSSI, profiles),
		Observer:       app.metrics,
		PersistBackoff: persistBackoff,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	defer cancel()

	switch app.settings.PersistenceType {
	case positioning.PersistSQLite:
		s, err := sqlitestore.Open(app.lc, app.settings.SQLitePath)
		if err != nil {
			return err
		}
		cfg.LatestState, cfg.History, app.history = s, s, s
		app.stores = append(app.stores, s)

	case positioning.PersistRedis:
		s, err := redisstore.Open(ctx, app.lc, app.settings.RedisAddress)
		if err != nil {
			return err
		}
		cfg.LatestState, cfg.History, app.history = s, s, s
		app.stores = append(app.stores, s)
	}

	engine, err := positioning.NewEngine(app.lc, cfg)
	if err != nil {
		return err
	}
	app.engine = engine

	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer restoreCancel()

	n, err := app.engine.RestoreZoneStates(restoreCtx)
	if !app.lgr.WarnIfErr(err, "Failed to restore zone states.") && n > 0 {
		app.lc.Info(fmt.Sprintf("Restored %d zone state(s).", n))
	}

	app.lc.Info("Engine ready.",
		"mode", string(app.settings.PositioningMode),
		"persistence", string(app.settings.PersistenceType),
		"gateways", len(profiles))
	return nil
}

func (app *PositioningApp) RunUntilCancelled() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.taskLoop(ctx)
		app.lc.Info("Task loop has exited.")
	}()

	if app.configClient != nil {
		go app.configClient.WatchForChanges(app.confUpdateCh, app.configErrs,
			&positioning.ConsulConfig{}, positioning.GatewaysConfigKey)
	}

	// We are doing this because of an issue with running app-functions-sdk inside
	// of docker-compose where something is hanging and not relinquishing control
	// back to our code.
	//
	// see: https://github.com/edgexfoundry/app-functions-sdk-go/issues/500
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		s := <-signals

		app.lc.Info(fmt.Sprintf("Received '%s' signal from OS.", s.String()))
		cancel() // signal the taskLoop to finish
	}()

	if app.subscriber != nil {
		if err := app.subscriber.Start(); err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}

	// Subscribe to events.
	if err := app.edgexSdk.SetFunctionsPipeline(
		transforms.NewFilter([]string{resourceTagReport}).FilterByValueDescriptor,
		app.processEdgeXEvent,
	); err != nil {
		return errors.New("failed to build pipeline")
	}
	if err := app.edgexSdk.MakeItRun(); err != nil {
		return errors.New("failed to run pipeline")
	}

	// stop new reports first, then let task loop complete
	if app.subscriber != nil {
		app.subscriber.Stop()
	}
	cancel()
	wg.Wait()
	app.shutdown()
	app.lc.Info("Exiting.")

	return nil
}

// shutdown flushes pending writes and releases every connection.
func (app *PositioningApp) shutdown() {
	app.hub.Close()
	app.engine.Close()

	for _, p := range app.publishers {
		app.lgr.CloseOrWarn(p, "publisher")
	}
	for _, s := range app.stores {
		app.lgr.CloseOrWarn(s, "store")
	}
}
