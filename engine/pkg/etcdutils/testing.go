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

package etcdutils

import (
	"fmt"
	"net/url"
	"time"

	"github.com/phayes/freeport"
	"github.com/pingcap/errors"
	"go.etcd.io/etcd/server/v3/embed"
)

const embedEtcdStartTimeout = 60 * time.Second

// SetupEmbedEtcd starts a single node embed etcd server in dir and returns
// the client endpoints to connect to it.
func SetupEmbedEtcd(dir string) (endpoints []string, e *embed.Etcd, err error) {
	cfg := embed.NewConfig()
	cfg.Dir = dir

	ports, err := freeport.GetFreePorts(2)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	peerURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[0]))
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	clientURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[1]))
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err = embed.StartEtcd(cfg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(embedEtcdStartTimeout):
		e.Server.Stop() // trigger a shutdown
		e.Close()
		return nil, nil, errors.New("server took too long to start")
	}

	return []string{clientURL.String()}, e, nil
}
