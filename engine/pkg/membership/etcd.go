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

package membership

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	defaultSessionTTL      = 10 // seconds
	defaultDialTimeout     = 5 * time.Second
	defaultRegisterTimeout = 30 * time.Second
	deregisterTimeout      = 3 * time.Second
)

// EtcdOption configures an EtcdProvider.
type EtcdOption func(*EtcdProvider)

// WithSessionTTL sets the TTL in seconds of the lease that keeps a member
// alive.
func WithSessionTTL(ttl int) EtcdOption {
	return func(p *EtcdProvider) { p.sessionTTL = ttl }
}

// WithRegisterTimeout bounds how long Register retries transient errors.
func WithRegisterTimeout(timeout time.Duration) EtcdOption {
	return func(p *EtcdProvider) { p.registerTimeout = timeout }
}

// EtcdProvider implements Provider with etcd as backend storage. A member is
// a key under KeyPrefix attached to the lease of a concurrency.Session.
type EtcdProvider struct {
	cli       *clientv3.Client
	ownClient bool

	clusterID string
	serviceID string

	sessionTTL      int
	registerTimeout time.Duration
}

// NewEtcdProvider connects to the etcd endpoints and returns a Provider for
// the given cluster.
func NewEtcdProvider(endpoints []string, clusterID, serviceID string, opts ...EtcdOption) (*EtcdProvider, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
		Logger:      log.L().WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
	})
	if err != nil {
		return nil, errors.WrapError(errors.ErrMembershipUnavailable, err)
	}
	p := NewEtcdProviderWithClient(cli, clusterID, serviceID, opts...)
	p.ownClient = true
	return p, nil
}

// NewEtcdProviderWithClient is like NewEtcdProvider with an existing client.
// The client is not closed by Close.
func NewEtcdProviderWithClient(cli *clientv3.Client, clusterID, serviceID string, opts ...EtcdOption) *EtcdProvider {
	p := &EtcdProvider{
		cli:             cli,
		clusterID:       clusterID,
		serviceID:       serviceID,
		sessionTTL:      defaultSessionTTL,
		registerTimeout: defaultRegisterTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register implements Provider.Register. Transient etcd errors are retried
// with exponential backoff. The whole call, including a hanging etcd request,
// is bounded by the register timeout.
func (p *EtcdProvider) Register(ctx context.Context, info MemberInfo) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.registerTimeout)
	defer cancel()

	info.ClusterID, info.ServiceID = p.clusterID, p.serviceID
	value, err := json.Marshal(info)
	if err != nil {
		return nil, errors.Trace(err)
	}
	key := memberKey(info)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = p.registerTimeout

	var session *concurrency.Session
	op := func() error {
		s, err := p.createSession(ctx, key, string(value))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		session = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("register member failed, will retry",
			zap.String("key", key), zap.Duration("backoff", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, errors.WrapError(errors.ErrMembershipUnavailable, err)
	}

	log.Info("member registered",
		zap.String("key", key),
		zap.String("addr", info.Addr),
		zap.Int64("lease", int64(session.Lease())))
	return &etcdSession{cli: p.cli, session: session, key: key}, nil
}

func (p *EtcdProvider) createSession(ctx context.Context, key, value string) (*concurrency.Session, error) {
	// The lease is granted with ctx so that an unreachable cluster does not
	// block forever. The session keeps it alive after ctx is done.
	lease, err := p.cli.Grant(ctx, int64(p.sessionTTL))
	if err != nil {
		return nil, errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	session, err := concurrency.NewSession(p.cli,
		concurrency.WithLease(lease.ID), concurrency.WithTTL(p.sessionTTL))
	if err != nil {
		return nil, errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	if _, err := p.cli.Put(ctx, key, value, clientv3.WithLease(session.Lease())); err != nil {
		_ = session.Close()
		return nil, errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	return session, nil
}

// Members implements Provider.Members
func (p *EtcdProvider) Members(ctx context.Context) ([]MemberInfo, error) {
	resp, err := p.cli.Get(ctx, KeyPrefix(p.clusterID, p.serviceID), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	members := make([]MemberInfo, 0, resp.Count)
	for _, kv := range resp.Kvs {
		var info MemberInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, errors.WrapError(errors.ErrDecodeEtcdValueFail, err, string(kv.Value))
		}
		members = append(members, info)
	}
	sortMembers(members)
	return members, nil
}

// Close implements Provider.Close
func (p *EtcdProvider) Close() error {
	if !p.ownClient {
		return nil
	}
	return errors.Trace(p.cli.Close())
}

type etcdSession struct {
	cli     *clientv3.Client
	session *concurrency.Session
	key     string
}

func (s *etcdSession) Done() <-chan struct{} {
	return s.session.Done()
}

// Close deletes the member key and revokes the lease.
func (s *etcdSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()

	var deleteErr error
	if _, err := s.cli.Delete(ctx, s.key); err != nil {
		deleteErr = errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	if err := s.session.Close(); err != nil && deleteErr == nil {
		return errors.WrapError(errors.ErrEtcdAPIError, err)
	}
	return deleteErr
}
