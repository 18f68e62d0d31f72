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

package logutil

import (
	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel   = "info"
	defaultLogMaxDays = 7
	defaultLogMaxSize = 512 // MB

	constFieldFrameworkKey   = "framework"
	constFieldFrameworkValue = true

	// constFieldContractKey is used to recognize logs of the same contract
	constFieldContractKey = "contract"
	// constFieldItemKey is used to recognize logs of the same work item
	constFieldItemKey = "item_id"
	// constFieldClusterKey and constFieldServiceKey identify the executor
	constFieldClusterKey = "cluster_id"
	constFieldServiceKey = "service_id"
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// Adjust fills in the defaults of unset fields.
func (cfg *Config) Adjust() {
	if cfg.Level == "" {
		cfg.Level = defaultLogLevel
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultLogMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultLogMaxDays
	}
}

// InitLogger initializes the global pingcap/log logger from cfg.
func InitLogger(cfg *Config) error {
	_, err := initLogger(cfg)
	return err
}

func initLogger(cfg *Config) (restore func(), err error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("log level " + cfg.Level)
	}

	logger, props, err := log.InitLogger(&log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return log.ReplaceGlobals(logger, props), nil
}

// NewLogger4Framework return a new logger for the dispatcher and the executor
func NewLogger4Framework() *zap.Logger {
	return log.L().With(
		zap.Bool(constFieldFrameworkKey, constFieldFrameworkValue),
	)
}

// NewLogger4Executor return a new logger for an executor of the given cluster
func NewLogger4Executor(clusterID, serviceID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldClusterKey, clusterID),
		zap.String(constFieldServiceKey, serviceID),
	)
}

// NewLogger4Contract return a new logger for the worker bound to a contract
func NewLogger4Contract(contractID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldContractKey, contractID),
	)
}

// WithItem returns a logger annotated with a work item ID.
func WithItem(logger *zap.Logger, itemID string) *zap.Logger {
	return logger.With(zap.String(constFieldItemKey, itemID))
}
