// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import "github.com/pathscope/pathscope/internal/logging"

// debug gates chatty db-layer logging.
var debug bool

// SetDebug toggles verbose db-layer logging.
func SetDebug(on bool) {
	debug = on
}

// dbLogf logs a db-layer diagnostic message when debug logging is enabled.
func dbLogf(format string, v ...interface{}) {
	if debug {
		logging.Debugf(format, v...)
	}
}
