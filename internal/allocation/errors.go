// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"errors"

	"github.com/pion/stun/v2"
	"github.com/pion/turnalloc/internal/proto"
)

var (
	ErrTCPConnectionTimeoutOrFailure = errors.New("failed to create tcp connection")
	ErrDupeTCPConnection             = errors.New("tcp connection already exists for peer address")
	ErrPermissionTableFull           = errors.New("permission table is full")
	ErrChannelMapFull                = errors.New("channel map is full")
	ErrTCPConnectionListFull         = errors.New("tcp connection list is full")
	ErrSameChannelDifferentPeer      = errors.New("you cannot use the same channel number with different peer")
	ErrSamePeerDifferentChannel      = errors.New("you cannot use the same peer with different channel number")
	ErrNoPermission                  = errors.New("no permission installed for peer")
	ErrAllocationInvalid             = errors.New("allocation is not valid")

	errAllocatePacketConnMustBeSet  = errors.New("AllocatePacketConn must be set")
	errAllocateListenerMustBeSet    = errors.New("AllocateListener must be set")
	errNilFiveTuple                 = errors.New("allocations must not be created with nil FivTuple")
	errNilFiveTupleSrcAddr          = errors.New("allocations must not be created with nil FiveTuple.SrcAddr")
	errNilFiveTupleDstAddr          = errors.New("allocations must not be created with nil FiveTuple.DstAddr")
	errLifetimeZero                 = errors.New("allocations must not be created with a lifetime of 0")
	errDupeFiveTuple                = errors.New("allocation attempt created with duplicate FiveTuple")
	errNoFamilies                   = errors.New("allocations must request at least one address family")
	errAllFamiliesFailed            = errors.New("failed to allocate a relay socket for any requested address family")
	errFailedToGenerateConnectionID = errors.New("failed to generate a unique connection id")
	errInvalidPeerAddress           = errors.New("invalid peer address")
	errNilTCPConnectionMap          = errors.New("allocation has no tcp connection map")
	errConnectionNotFound           = errors.New("no tcp connection with the given id")
	errConnectionClosed             = errors.New("tcp connection is already closed")
	errAllocationNotFound           = errors.New("no allocation for five tuple")
	errOffloadDisabled              = errors.New("no offload engine configured")
	errChannelNotBound              = errors.New("channel is not bound")
	errManagerClosed                = errors.New("allocation manager is closed")
	errAllocationDeleted            = errors.New("allocation was deleted while being created")
)

// ErrorCode translates an error returned by this package into the TURN error
// code the request handler should answer with.
func ErrorCode(err error) (stun.ErrorCode, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, ErrDupeTCPConnection):
		return stun.CodeConnAlreadyExists, true
	case errors.Is(err, ErrTCPConnectionTimeoutOrFailure):
		return stun.CodeConnTimeoutOrFailure, true
	case errors.Is(err, ErrPermissionTableFull),
		errors.Is(err, ErrChannelMapFull),
		errors.Is(err, ErrTCPConnectionListFull),
		errors.Is(err, errFailedToGenerateConnectionID):
		return stun.CodeInsufficientCapacity, true
	case errors.Is(err, ErrNoPermission):
		return stun.CodeForbidden, true
	case errors.Is(err, ErrSameChannelDifferentPeer),
		errors.Is(err, ErrSamePeerDifferentChannel),
		errors.Is(err, proto.ErrInvalidChannelNumber),
		errors.Is(err, errInvalidPeerAddress),
		errors.Is(err, errConnectionNotFound):
		return stun.CodeBadRequest, true
	case errors.Is(err, ErrAllocationInvalid),
		errors.Is(err, errAllocationNotFound),
		errors.Is(err, errAllocationDeleted):
		return stun.CodeAllocMismatch, true
	default:
		return stun.CodeServerError, true
	}
}
