// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package offload

import "errors"

//nolint:revive
var (
	ErrUnsupportedProtocol         = errors.New("offload: protocol not supported")
	ErrConnectionNotFound          = errors.New("offload: connection not found")
	ErrMapEngineAlreadyInitialized = errors.New("offload: map engine is already initialized")
	ErrMapEngineNotInitialized     = errors.New("offload: map engine is not initialized")
	ErrLocalRedirectProhibited     = errors.New("offload: local redirect not allowed")
)
