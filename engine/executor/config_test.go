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
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syncflow/syncwork/engine/pkg/quota"
	"github.com/syncflow/syncwork/pkg/errors"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultExecutorConfig()
	require.NoError(t, cfg.Adjust())

	require.Equal(t, quota.DefaultConcurrencyLimit(), cfg.SyncWorkConcurrency())
	require.Equal(t, "127.0.0.1:8081", cfg.AdvertiseAddr)
	require.Equal(t, "executor-127.0.0.1:8081", cfg.Name)
	require.Equal(t, "dev", cfg.ClusterID)
	require.Equal(t, "HelloWorldApp", cfg.ServiceID)
	require.Equal(t, 10*time.Minute, cfg.ResultTTL)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.Equal(t, 15*time.Second, cfg.MetricInterval)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 30*time.Second, cfg.RegisterTimeout)
	require.Equal(t, "info", cfg.LogConf.Level)
	require.Nil(t, cfg.JoinEndpoints())
}

func TestConfigConcurrencyLimit(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{0, 1, 16, quota.MaxConcurrencyLimit} {
		limit := limit
		cfg := GetDefaultExecutorConfig()
		cfg.MaxSyncWorkConcurrency = &limit
		require.NoError(t, cfg.Adjust())
		require.Equal(t, limit, cfg.SyncWorkConcurrency())
	}

	// Only an absent value is derived, every negative value is rejected.
	for _, limit := range []int{-1, -2, -100, quota.MaxConcurrencyLimit + 1} {
		limit := limit
		cfg := GetDefaultExecutorConfig()
		cfg.MaxSyncWorkConcurrency = &limit
		err := cfg.Adjust()
		require.True(t, errors.Is(err, errors.ErrInvalidConcurrencyLimit), "limit %d: %v", limit, err)
	}
}

func TestConfigAdvertiseAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr      string
		advertise string
		expected  string
	}{
		{"0.0.0.0:9000", "", "127.0.0.1:9000"},
		{":9000", "", "127.0.0.1:9000"},
		{"[::]:9000", "", "127.0.0.1:9000"},
		{"0.0.0.0:9000", "10.0.0.1:9001", "10.0.0.1:9001"},
		{"127.0.0.1:0", "", "127.0.0.1:0"},
	}
	for _, tc := range cases {
		cfg := GetDefaultExecutorConfig()
		cfg.Addr = tc.addr
		cfg.AdvertiseAddr = tc.advertise
		require.NoError(t, cfg.Adjust())
		require.Equal(t, tc.expected, cfg.AdvertiseAddr, "addr %s", tc.addr)
	}

	cfg := GetDefaultExecutorConfig()
	cfg.AdvertiseAddr = "no-port"
	require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidArgument))
}

func TestConfigInvalidItems(t *testing.T) {
	t.Parallel()

	cases := []func(cfg *Config){
		func(cfg *Config) { cfg.ClusterID = "" },
		func(cfg *Config) { cfg.ServiceID = "" },
		func(cfg *Config) { cfg.SessionTTL = 0 },
		func(cfg *Config) { cfg.ResultTTLStr = "forever" },
		func(cfg *Config) { cfg.SweepIntervalStr = "0s" },
		func(cfg *Config) { cfg.ShutdownTimeoutStr = "-1s" },
	}
	for i, modify := range cases {
		cfg := GetDefaultExecutorConfig()
		modify(cfg)
		require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidArgument), "case %d", i)
	}
}

func TestConfigJoinEndpoints(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultExecutorConfig()
	cfg.Join = " 127.0.0.1:2379, ,127.0.0.1:2479 "
	require.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:2479"}, cfg.JoinEndpoints())

	cfg.Join = "  "
	require.Nil(t, cfg.JoinEndpoints())
}

func TestConfigFromFile(t *testing.T) {
	t.Parallel()

	cfgTpl := `
name = "executor-1"
addr = "0.0.0.0:%d"
join = "127.0.0.1:2379"
max-sync-work-concurrency = 4
result-ttl = "1m"
[log]
level = "debug"
`
	path := filepath.Join(t.TempDir(), "executor.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(cfgTpl, 9100)), 0o600))

	cfg := GetDefaultExecutorConfig()
	require.NoError(t, cfg.ConfigFromFile(path))
	require.NoError(t, cfg.Adjust())
	require.Equal(t, "executor-1", cfg.Name)
	require.Equal(t, "127.0.0.1:9100", cfg.AdvertiseAddr)
	require.Equal(t, 4, cfg.SyncWorkConcurrency())
	require.Equal(t, time.Minute, cfg.ResultTTL)
	require.Equal(t, "debug", cfg.LogConf.Level)
	require.Equal(t, []string{"127.0.0.1:2379"}, cfg.JoinEndpoints())

	str, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, str, `max-sync-work-concurrency = 4`)
	require.Contains(t, cfg.String(), `"name":"executor-1"`)

	err = cfg.ConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, errors.Is(err, errors.ErrExecutorDecodeConfigFile))
}

func TestConfigUnknownItem(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultExecutorConfig()
	err := cfg.configFromString(`
addr = "127.0.0.1:8081"
unknown-item = 1
`)
	require.True(t, errors.Is(err, errors.ErrExecutorConfigUnknownItem))
	require.Contains(t, err.Error(), "unknown-item")

	err = cfg.configFromString(`addr = `)
	require.True(t, errors.Is(err, errors.ErrExecutorDecodeConfigFile))
}
