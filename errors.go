// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnalloc

import "errors"

var (
	errRelayAddressInvalid         = errors.New("turnalloc: RelayAddress must be valid IP to use RelayAddressGeneratorStatic")
	errListeningAddressInvalid     = errors.New("turnalloc: Address must be set for RelayAddressGenerator")
	errMinPortNotZero              = errors.New("turnalloc: MinPort must be not 0")
	errMaxPortNotZero              = errors.New("turnalloc: MaxPort must be not 0")
	errMinPortAboveMaxPort         = errors.New("turnalloc: MinPort must not be above MaxPort")
	errMaxRetriesExceeded          = errors.New("turnalloc: max retries exceeded")
	errNilConn                     = errors.New("turnalloc: relay socket has an unexpected local address")
	errUnsupportedOffloadMechanism = errors.New("turnalloc: unsupported offload mechanism")
)
