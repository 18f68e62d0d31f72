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
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/engine/pkg/logutil"
	"github.com/syncflow/syncwork/engine/pkg/quota"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultAddr           = "127.0.0.1:8081"
	defaultClusterID      = "dev"
	defaultServiceID      = "HelloWorldApp"
	defaultSessionTTL     = 10 // seconds
	defaultResultTTL      = "10m"
	defaultSweepInterval  = "30s"
	defaultMetricInterval = "15s"
	defaultShutdownWait   = "30s"
	defaultRegisterWait   = "30s"

	loopbackHost = "127.0.0.1"
)

// Config is the configuration for an executor.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	Name          string `toml:"name" json:"name"`
	Addr          string `toml:"addr" json:"addr"`
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	LogHTTP       bool   `toml:"log-http" json:"log-http"`

	ConfigFile string `toml:"config-file" json:"config-file"`

	// Join is a comma separated list of etcd endpoints. An empty value runs
	// the executor standalone.
	Join      string `toml:"join" json:"join"`
	ClusterID string `toml:"cluster-id" json:"cluster-id"`
	ServiceID string `toml:"service-id" json:"service-id"`
	// SessionTTL in seconds of the membership lease.
	SessionTTL int `toml:"session-ttl" json:"session-ttl"`

	// MaxSyncWorkConcurrency bounds how many work items run at the same
	// time. When it is not set, Adjust derives NumCPU-2.
	MaxSyncWorkConcurrency *int `toml:"max-sync-work-concurrency,omitempty" json:"max-sync-work-concurrency,omitempty"`

	ResultTTLStr       string `toml:"result-ttl" json:"result-ttl"`
	SweepIntervalStr   string `toml:"sweep-interval" json:"sweep-interval"`
	MetricIntervalStr  string `toml:"metric-interval" json:"metric-interval"`
	ShutdownTimeoutStr string `toml:"shutdown-timeout" json:"shutdown-timeout"`
	RegisterTimeoutStr string `toml:"register-timeout" json:"register-timeout"`

	ResultTTL       time.Duration `toml:"-" json:"-"`
	SweepInterval   time.Duration `toml:"-" json:"-"`
	MetricInterval  time.Duration `toml:"-" json:"-"`
	ShutdownTimeout time.Duration `toml:"-" json:"-"`
	RegisterTimeout time.Duration `toml:"-" json:"-"`
}

// GetDefaultExecutorConfig returns a default executor config
func GetDefaultExecutorConfig() *Config {
	return &Config{
		LogConf: logutil.Config{
			Level: "info",
			File:  "",
		},
		Name:               "",
		Addr:               defaultAddr,
		AdvertiseAddr:      "",
		ClusterID:          defaultClusterID,
		ServiceID:          defaultServiceID,
		SessionTTL:         defaultSessionTTL,
		ResultTTLStr:       defaultResultTTL,
		SweepIntervalStr:   defaultSweepInterval,
		MetricIntervalStr:  defaultMetricInterval,
		ShutdownTimeoutStr: defaultShutdownWait,
		RegisterTimeoutStr: defaultRegisterWait,
	}
}

// SyncWorkConcurrency returns the concurrency limit, zero when it is not set
// and Adjust has not derived it yet.
func (c *Config) SyncWorkConcurrency() int {
	if c.MaxSyncWorkConcurrency == nil {
		return 0
	}
	return *c.MaxSyncWorkConcurrency
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("executor config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer

	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// Adjust validates the configuration and fills in derived items.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()

	if c.MaxSyncWorkConcurrency == nil {
		limit := quota.DefaultConcurrencyLimit()
		c.MaxSyncWorkConcurrency = &limit
	}
	if limit := *c.MaxSyncWorkConcurrency; limit < 0 || limit > quota.MaxConcurrencyLimit {
		return errors.ErrInvalidConcurrencyLimit.GenWithStackByArgs(limit, quota.MaxConcurrencyLimit)
	}

	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	c.AdvertiseAddr, err = loopbackIfUnspecified(c.AdvertiseAddr)
	if err != nil {
		return err
	}
	if c.Name == "" {
		c.Name = "executor-" + c.AdvertiseAddr
	}

	if c.ClusterID == "" || c.ServiceID == "" {
		return errors.ErrInvalidArgument.GenWithStackByArgs("cluster-id and service-id must not be empty")
	}
	if c.SessionTTL <= 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("session-ttl must be positive")
	}

	for _, item := range []struct {
		name  string
		value string
		field *time.Duration
	}{
		{"result-ttl", c.ResultTTLStr, &c.ResultTTL},
		{"sweep-interval", c.SweepIntervalStr, &c.SweepInterval},
		{"metric-interval", c.MetricIntervalStr, &c.MetricInterval},
		{"shutdown-timeout", c.ShutdownTimeoutStr, &c.ShutdownTimeout},
		{"register-timeout", c.RegisterTimeoutStr, &c.RegisterTimeout},
	} {
		d, err := time.ParseDuration(item.value)
		if err != nil {
			return errors.WrapError(errors.ErrInvalidArgument, err, item.name+" "+item.value)
		}
		if d <= 0 {
			return errors.ErrInvalidArgument.GenWithStackByArgs(item.name + " must be positive")
		}
		*item.field = d
	}
	return nil
}

// JoinEndpoints returns the etcd endpoints to join, nil when standalone.
func (c *Config) JoinEndpoints() []string {
	if strings.TrimSpace(c.Join) == "" {
		return nil
	}
	var endpoints []string
	for _, item := range strings.Split(c.Join, ",") {
		if item = strings.TrimSpace(item); item != "" {
			endpoints = append(endpoints, item)
		}
	}
	return endpoints
}

// loopbackIfUnspecified replaces an empty or unspecified host with the
// loopback address, so that the advertised address is always dialable.
func loopbackIfUnspecified(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.WrapError(errors.ErrInvalidArgument, err, "advertise-addr "+addr)
	}
	if host == "" {
		host = loopbackHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = loopbackHost
	}
	return net.JoinHostPort(host, port), nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrExecutorDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

func (c *Config) configFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrExecutorDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrExecutorConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
