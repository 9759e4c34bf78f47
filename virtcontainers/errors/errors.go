// Copyright (c) 2022 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//
package errors

import (
	"github.com/pkg/errors"
)

// Wrapf is the one alias this system actually calls (internal/vhostuser's
// send, to attach the failing request id to a socket write/read error).
var Wrapf = errors.Wrapf
