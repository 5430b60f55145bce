// Copyright (c) 2017-2022 The Decred developers
// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleMndConf is a string containing the commented example config for mnd.
//
//go:embed sample-mnd.conf
var sampleMndConf string

// Mnd returns a string containing the commented example config for mnd.
func Mnd() string {
	return sampleMndConf
}
