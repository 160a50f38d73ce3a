//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"edgexfoundry/app-ble-positioning/internal/logutil"
	positioningapp "edgexfoundry/app-ble-positioning/internal/positioning/app"
)

func main() {
	app := positioningapp.NewPositioningApp()
	if err := app.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	lgr := logutil.LogWrap{LoggingClient: app.LoggingClient()}
	lgr.ExitIfErr(app.RunUntilCancelled(), "Failed to run service.")
	os.Exit(0)
}
