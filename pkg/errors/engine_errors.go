// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"github.com/pingcap/errors"
)

// all synchronous work engine errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("SYNCWORK:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("SYNCWORK:ErrInvalidArgument"),
	)

	// concurrency quota related errors
	ErrInvalidConcurrencyLimit = errors.Normalize(
		"invalid concurrency limit %d, must be in [0, %d]",
		errors.RFCCodeText("SYNCWORK:ErrInvalidConcurrencyLimit"),
	)
	ErrQuotaClosed = errors.Normalize(
		"concurrency quota has been closed",
		errors.RFCCodeText("SYNCWORK:ErrQuotaClosed"),
	)
	ErrTicketReleased = errors.Normalize(
		"admission ticket %d has already been released",
		errors.RFCCodeText("SYNCWORK:ErrTicketReleased"),
	)

	// registry related errors
	ErrDuplicateContract = errors.Normalize(
		"contract %s is already bound to a worker",
		errors.RFCCodeText("SYNCWORK:ErrDuplicateContract"),
	)
	ErrRegistrySealed = errors.Normalize(
		"registry is sealed, contract %s can not be registered after bootstrap",
		errors.RFCCodeText("SYNCWORK:ErrRegistrySealed"),
	)
	ErrUnboundContract = errors.Normalize(
		"no worker is bound for contract %s",
		errors.RFCCodeText("SYNCWORK:ErrUnboundContract"),
	)

	// dispatcher related errors
	ErrInvalidRequest = errors.Normalize(
		"invalid request for contract %s: %s",
		errors.RFCCodeText("SYNCWORK:ErrInvalidRequest"),
	)
	ErrRequestTooLarge = errors.Normalize(
		"request body exceeds %d bytes",
		errors.RFCCodeText("SYNCWORK:ErrRequestTooLarge"),
	)
	ErrDispatcherClosed = errors.Normalize(
		"dispatcher has been closed",
		errors.RFCCodeText("SYNCWORK:ErrDispatcherClosed"),
	)
	ErrWorkItemNotFound = errors.Normalize(
		"work item is not found: %s",
		errors.RFCCodeText("SYNCWORK:ErrWorkItemNotFound"),
	)
	ErrWorkerPanic = errors.Normalize(
		"worker for contract %s panicked: %v",
		errors.RFCCodeText("SYNCWORK:ErrWorkerPanic"),
	)
	ErrDecodeRequest = errors.Normalize(
		"failed to decode request for contract %s",
		errors.RFCCodeText("SYNCWORK:ErrDecodeRequest"),
	)

	// executor related errors
	ErrExecutorNotReady = errors.Normalize(
		"executor is not ready",
		errors.RFCCodeText("SYNCWORK:ErrExecutorNotReady"),
	)
	ErrExecutorDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("SYNCWORK:ErrExecutorDecodeConfigFile"),
	)
	ErrExecutorConfigUnknownItem = errors.Normalize(
		"executor config contains unknown configuration options: %s",
		errors.RFCCodeText("SYNCWORK:ErrExecutorConfigUnknownItem"),
	)
	ErrInvalidCliParameter = errors.Normalize(
		"invalid cli parameters",
		errors.RFCCodeText("SYNCWORK:ErrInvalidCliParameter"),
	)

	// membership related errors
	ErrMembershipUnavailable = errors.Normalize(
		"cluster membership is unavailable",
		errors.RFCCodeText("SYNCWORK:ErrMembershipUnavailable"),
	)
	ErrEtcdAPIError = errors.Normalize(
		"etcd api returns error",
		errors.RFCCodeText("SYNCWORK:ErrEtcdAPIError"),
	)
	ErrDecodeEtcdValueFail = errors.Normalize(
		"failed to decode etcd value: %s",
		errors.RFCCodeText("SYNCWORK:ErrDecodeEtcdValueFail"),
	)
	ErrMemberSessionDone = errors.Normalize(
		"membership session of member %s is done",
		errors.RFCCodeText("SYNCWORK:ErrMemberSessionDone"),
	)

	// demo worker errors
	ErrTestDelayException = errors.Normalize(
		"test delay exception after %d ms",
		errors.RFCCodeText("SYNCWORK:ErrTestDelayException"),
	)
)
