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

package executor

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/syncflow/syncwork/engine/executor"
	"github.com/syncflow/syncwork/engine/pkg/cmd/util"
	"github.com/syncflow/syncwork/engine/pkg/logutil"
	"github.com/syncflow/syncwork/pkg/errors"
	"github.com/syncflow/syncwork/pkg/version"
	"go.uber.org/zap"
)

// options defines flags for the `executor` command.
type options struct {
	executorConfig         *executor.Config
	executorConfigFilePath string
	maxSyncWorkConcurrency int
}

// newOptions creates new options for the `executor` command.
func newOptions() *options {
	return &options{
		executorConfig: executor.GetDefaultExecutorConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.executorConfig.Name, "name", o.executorConfig.Name, "human readable name for executor")
	cmd.Flags().StringVar(&o.executorConfig.Addr, "addr", o.executorConfig.Addr, "Set the listening address for executor")
	cmd.Flags().StringVar(&o.executorConfig.AdvertiseAddr, "advertise-addr", o.executorConfig.AdvertiseAddr, "Set the advertise listening address for client communication")
	cmd.Flags().BoolVar(&o.executorConfig.LogHTTP, "log-http", o.executorConfig.LogHTTP, "log every HTTP API request")

	cmd.Flags().StringVar(&o.executorConfig.Join, "join", o.executorConfig.Join, "join to an existing cluster (usage: etcd endpoints, empty runs standalone)")
	cmd.Flags().StringVar(&o.executorConfig.ClusterID, "cluster-id", o.executorConfig.ClusterID, "id of the cluster to join")
	cmd.Flags().StringVar(&o.executorConfig.ServiceID, "service-id", o.executorConfig.ServiceID, "id of the service within the cluster")
	cmd.Flags().IntVar(&o.maxSyncWorkConcurrency, "max-sync-work-concurrency", 0, "maximum number of work items running at the same time, derived from the number of CPUs when not set")

	cmd.Flags().StringVar(&o.executorConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.executorConfig.LogConf.File, "log-file", o.executorConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.executorConfig.LogConf.Level, "log-level", o.executorConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
}

// run runs the executor cmd.
func (o *options) run(cmd *cobra.Command) error {
	err := logutil.InitLogger(&o.executorConfig.LogConf)
	if err != nil {
		return errors.Trace(err)
	}

	version.LogVersionInfo("SyncWork Executor")
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info("executor config", zap.Stringer("config", o.executorConfig))

	ctx, cancel := util.InitCmd()
	defer cancel()

	server := executor.NewServer(o.executorConfig)
	defer server.Stop()

	err = server.Run(ctx)
	if err != nil && !errors.IsContextCanceledError(err) {
		log.Error("run executor with error", zap.Error(err))
		return errors.Trace(err)
	}
	log.Info("executor exits successfully")

	return nil
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := executor.GetDefaultExecutorConfig()

	if len(o.executorConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.executorConfigFilePath); err != nil {
			return err
		}
		cfg.ConfigFile = o.executorConfigFilePath
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "name":
			cfg.Name = o.executorConfig.Name
		case "addr":
			cfg.Addr = o.executorConfig.Addr
		case "advertise-addr":
			cfg.AdvertiseAddr = o.executorConfig.AdvertiseAddr
		case "log-http":
			cfg.LogHTTP = o.executorConfig.LogHTTP
		case "join":
			cfg.Join = o.executorConfig.Join
		case "cluster-id":
			cfg.ClusterID = o.executorConfig.ClusterID
		case "service-id":
			cfg.ServiceID = o.executorConfig.ServiceID
		case "max-sync-work-concurrency":
			limit := o.maxSyncWorkConcurrency
			cfg.MaxSyncWorkConcurrency = &limit
		case "config":
			// do nothing
		case "log-file":
			cfg.LogConf.File = o.executorConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.executorConfig.LogConf.Level
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}

	o.executorConfig = cfg

	return nil
}

// NewCmdExecutor creates the `executor` command.
func NewCmdExecutor() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "executor",
		Short: "Start a synchronous work executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.complete(cmd)
			if err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}

// NewCmdVersion creates the `version` command.
func NewCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(version.GetRawInfo())
		},
	}
}
