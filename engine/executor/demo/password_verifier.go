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

package demo

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/syncflow/syncwork/engine/pkg/logutil"
	"github.com/syncflow/syncwork/engine/pkg/promutil"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var verifiedCounter = promutil.NewFactory4Contract(string(PasswordVerifierContract.ID())).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "demo",
		Name:      "verified_total",
		Help:      "number of verified passwords by result",
	}, []string{"result"})

// PasswordVerifierRequest asks whether Password matches PasswordHash.
type PasswordVerifierRequest struct {
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

// Validate implements registry.Validator.
func (r PasswordVerifierRequest) Validate() error {
	if r.PasswordHash == "" {
		return errors.New("password_hash is empty")
	}
	return nil
}

// PasswordVerifierResult is the outcome of a verification.
type PasswordVerifierResult struct {
	IsValid bool `json:"is_valid"`
}

// PasswordVerifier checks passwords against bcrypt hashes.
type PasswordVerifier struct {
	logger *zap.Logger
}

// NewPasswordVerifier creates a PasswordVerifier.
func NewPasswordVerifier() *PasswordVerifier {
	return &PasswordVerifier{
		logger: logutil.NewLogger4Contract(string(PasswordVerifierContract.ID())),
	}
}

// Work implements registry.Worker.
func (v *PasswordVerifier) Work(_ context.Context, req PasswordVerifierRequest) (PasswordVerifierResult, error) {
	err := bcrypt.CompareHashAndPassword([]byte(req.PasswordHash), []byte(req.Password))
	switch {
	case err == nil:
		verifiedCounter.WithLabelValues("match").Inc()
		return PasswordVerifierResult{IsValid: true}, nil
	case errors.Cause(err) == bcrypt.ErrMismatchedHashAndPassword:
		verifiedCounter.WithLabelValues("mismatch").Inc()
		return PasswordVerifierResult{IsValid: false}, nil
	default:
		verifiedCounter.WithLabelValues("error").Inc()
		v.logger.Warn("malformed password hash", zap.Error(err))
		return PasswordVerifierResult{}, errors.Trace(err)
	}
}
