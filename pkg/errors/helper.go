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
	"context"

	"github.com/pingcap/errors"
)

// Re-export helpers so callers only import this package.
var (
	New      = errors.New
	Errorf   = errors.Errorf
	Trace    = errors.Trace
	Cause    = errors.Cause
	Annotate = errors.Annotate
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// Is reports whether rfcError appears anywhere in the chain of err. Unlike
// `(*errors.Error).Equal`, it also matches errors generated by WrapError and
// errors combined by multierr.
func Is(err error, rfcError *errors.Error) bool {
	found := false
	walk(err, func(e *errors.Error) bool {
		found = e.RFCCode() == rfcError.RFCCode()
		return found
	})
	return found
}

// walk calls fn on every normalized error in the chain of err until fn
// returns true.
func walk(err error, fn func(e *errors.Error) bool) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && fn(e) {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if walk(inner, fn) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}

// IsContextCanceledError checks whether the cause of err is a context error.
func IsContextCanceledError(err error) bool {
	cause := errors.Cause(err)
	return cause == context.Canceled || cause == context.DeadlineExceeded
}

// RFCCode returns the RFC code of the first normalized error in the chain of
// err.
func RFCCode(err error) (code errors.RFCErrorCode, ok bool) {
	ok = walk(err, func(e *errors.Error) bool {
		code = e.RFCCode()
		return true
	})
	return code, ok
}
