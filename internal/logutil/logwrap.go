//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package logutil adds condition-checking helpers to an EdgeX LoggingClient.
package logutil

import (
	"io"
	"os"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
)

// exit is replaced in tests.
var exit = os.Exit

type LogWrap struct {
	logger.LoggingClient
}

type KeyValue struct {
	Key string
	Val interface{}
}

func flatten(params []KeyValue) []interface{} {
	parts := make([]interface{}, len(params)*2)
	for i := range params {
		parts[i*2] = params[i].Key
		parts[i*2+1] = params[i].Val
	}
	return parts
}

// ErrIf logs msg at error level if cond holds, and returns cond.
func (lgr LogWrap) ErrIf(cond bool, msg string, params ...KeyValue) bool {
	if !cond {
		return false
	}

	lgr.Error(msg, flatten(params)...)
	return true
}

// WarnIfErr logs msg and err at warn level if err is not nil,
// for errors which are reported but otherwise ignored.
func (lgr LogWrap) WarnIfErr(err error, msg string, params ...KeyValue) bool {
	if err == nil {
		return false
	}

	lgr.Warn(msg, flatten(append(params, KeyValue{"error", err.Error()}))...)
	return true
}

// CloseOrWarn closes c and logs a failure at warn level.
func (lgr LogWrap) CloseOrWarn(c io.Closer, what string) {
	lgr.WarnIfErr(c.Close(), "Failed to close "+what+".")
}

func (lgr LogWrap) ExitIf(cond bool, msg string, params ...KeyValue) {
	if lgr.ErrIf(cond, msg, params...) {
		exit(1)
	}
}

func (lgr LogWrap) ExitIfErr(err error, msg string, params ...KeyValue) {
	if err == nil {
		return
	}
	lgr.ExitIf(true, msg, append(params, KeyValue{"error", err.Error()})...)
}
