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
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syncflow/syncwork/engine/executor/demo"
	"github.com/syncflow/syncwork/engine/executor/syncwork"
	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/deps"
	"github.com/syncflow/syncwork/engine/pkg/logutil"
	"github.com/syncflow/syncwork/engine/pkg/membership"
	"github.com/syncflow/syncwork/engine/pkg/quota"
	"github.com/syncflow/syncwork/pkg/errors"
	"github.com/syncflow/syncwork/pkg/version"
	"go.uber.org/atomic"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	httpConnectionTimeout = 10 * time.Second
	membersQueryTimeout   = 3 * time.Second
)

// Binder binds workers to contracts during bootstrap.
type Binder func(r *registry.Registry) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBinders replaces the default demo binder.
func WithBinders(binders ...Binder) ServerOption {
	return func(s *Server) { s.binders = binders }
}

// WithRequiredContracts sets the contracts that must be bound before the
// server becomes ready.
func WithRequiredContracts(ids ...registry.ContractID) ServerOption {
	return func(s *Server) { s.required = ids }
}

// WithMembershipProvider sets the membership provider instead of deriving
// one from the join config.
func WithMembershipProvider(p membership.Provider) ServerOption {
	return func(s *Server) { s.provider = p }
}

// Server is an executor server abstraction. It owns the concurrency quota,
// the worker registry and the dispatcher, and serves them over HTTP.
type Server struct {
	cfg      *Config
	binders  []Binder
	required []registry.ContractID
	logger   *zap.Logger

	deps       *deps.Deps
	quota      quota.ConcurrencyQuota
	registry   *registry.Registry
	dispatcher *syncwork.Dispatcher

	provider membership.Provider
	session  membership.Session
	info     membership.MemberInfo

	listener net.Listener
	httpSrv  *http.Server

	ready     atomic.Bool
	startTime time.Time
	stopOnce  sync.Once
}

// NewServer creates a new executor server instance. The concurrency limit is
// taken from cfg, or derived from the number of CPUs when it is not set.
func NewServer(cfg *Config, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		binders:  []Binder{demo.Bind},
		required: demo.Contracts(),
		logger:   logutil.NewLogger4Framework(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServerWithConcurrency is like NewServer with an explicit concurrency
// limit that overrides cfg.
func NewServerWithConcurrency(cfg *Config, limit int, opts ...ServerOption) *Server {
	cfg.MaxSyncWorkConcurrency = &limit
	return NewServer(cfg, opts...)
}

// serverParams are the components the server takes out of its container.
type serverParams struct {
	dig.In

	Quota      quota.ConcurrencyQuota
	Registry   *registry.Registry
	Dispatcher *syncwork.Dispatcher
	Provider   membership.Provider
}

func (s *Server) buildDeps() (*deps.Deps, error) {
	dp := deps.NewDeps()

	q, err := quota.NewConcurrencyQuota(s.cfg.SyncWorkConcurrency())
	if err != nil {
		return nil, err
	}
	if err := deps.ProvideValue(dp, q); err != nil {
		return nil, err
	}

	r := registry.NewRegistry()
	for _, bind := range s.binders {
		if err := bind(r); err != nil {
			return nil, err
		}
	}
	r.Seal()
	if err := r.Validate(s.required...); err != nil {
		return nil, err
	}
	if err := deps.ProvideValue(dp, r); err != nil {
		return nil, err
	}

	err = dp.Provide(func(q quota.ConcurrencyQuota, r *registry.Registry) *syncwork.Dispatcher {
		return syncwork.NewDispatcher(q, r,
			syncwork.WithLogger(logutil.NewLogger4Framework()),
			syncwork.WithResultTTL(s.cfg.ResultTTL),
			syncwork.WithSweepInterval(s.cfg.SweepInterval))
	})
	if err != nil {
		return nil, err
	}

	provider := s.provider
	if provider == nil {
		provider, err = s.newMembershipProvider()
		if err != nil {
			return nil, err
		}
	}
	if err := deps.ProvideValue(dp, provider); err != nil {
		return nil, err
	}
	return dp, nil
}

func (s *Server) newMembershipProvider() (membership.Provider, error) {
	endpoints := s.cfg.JoinEndpoints()
	if len(endpoints) == 0 {
		s.logger.Info("no cluster to join, running standalone")
		return membership.NewLocalProvider(), nil
	}
	p, err := membership.NewEtcdProvider(endpoints, s.cfg.ClusterID, s.cfg.ServiceID,
		membership.WithSessionTTL(s.cfg.SessionTTL),
		membership.WithRegisterTimeout(s.cfg.RegisterTimeout))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// bootstrap builds every component. Nothing is served until it succeeds.
func (s *Server) bootstrap() error {
	if err := s.cfg.Adjust(); err != nil {
		return err
	}
	s.logger = logutil.NewLogger4Executor(s.cfg.ClusterID, s.cfg.ServiceID)

	dp, err := s.buildDeps()
	if err != nil {
		return err
	}
	var params serverParams
	if err := dp.Fill(&params); err != nil {
		return err
	}
	s.deps = dp
	s.quota = params.Quota
	s.registry = params.Registry
	s.dispatcher = params.Dispatcher
	s.provider = params.Provider

	s.logger.Info("executor bootstrapped",
		zap.Int("max-sync-work-concurrency", s.quota.Limit()),
		zap.Any("contracts", s.registry.Contracts()))
	return nil
}

func (s *Server) listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Trace(err)
	}
	s.listener = listener

	// Advertise the real port when listening on a random one.
	host, port, err := net.SplitHostPort(s.cfg.AdvertiseAddr)
	if err == nil && port == "0" {
		realPort := strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
		s.cfg.AdvertiseAddr = net.JoinHostPort(host, realPort)
	}
	return nil
}

func (s *Server) selfRegister(ctx context.Context) error {
	contracts := s.registry.Contracts()
	ids := make([]string, 0, len(contracts))
	for _, id := range contracts {
		ids = append(ids, string(id))
	}
	s.info = membership.MemberInfo{
		ID:               uuid.NewString(),
		Name:             s.cfg.Name,
		ClusterID:        s.cfg.ClusterID,
		ServiceID:        s.cfg.ServiceID,
		Addr:             s.cfg.AdvertiseAddr,
		Version:          version.ReleaseSemver(),
		ConcurrencyLimit: s.quota.Limit(),
		Contracts:        ids,
		StartTime:        s.startTime,
	}

	session, err := s.provider.Register(ctx, s.info)
	if err != nil {
		return err
	}
	s.session = session
	s.logger.Info("register successful", zap.Any("info", s.info))
	return nil
}

// Run bootstraps the executor and serves until ctx is done or a background
// routine fails. Call Stop afterwards to release resources.
func (s *Server) Run(ctx context.Context) error {
	s.startTime = time.Now()
	if err := s.bootstrap(); err != nil {
		return err
	}
	if err := s.listen(); err != nil {
		return err
	}
	if err := s.selfRegister(ctx); err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)

	// Subscribe before serving so that no event is missed.
	receiver := s.dispatcher.EventReceiver()
	wg.Go(func() error {
		defer receiver.Close()
		return s.listenWorkEvents(ctx, receiver.C)
	})

	router := newRouter(NewOpenAPI(s), s.cfg.LogHTTP)
	s.httpSrv = &http.Server{
		Handler:      router,
		ReadTimeout:  httpConnectionTimeout,
		WriteTimeout: httpConnectionTimeout,
	}
	s.ready.Store(true)
	s.logger.Info("executor is ready", zap.String("addr", s.listener.Addr().String()))

	wg.Go(func() error {
		err := s.httpSrv.Serve(s.listener)
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server returned", zap.Error(err))
			return errors.Trace(err)
		}
		return nil
	})

	wg.Go(func() error {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpConnectionTimeout)
		defer cancel()
		return errors.Trace(s.httpSrv.Shutdown(shutdownCtx))
	})

	wg.Go(func() error {
		if err := s.dispatcher.Run(ctx); err != nil && !errors.IsContextCanceledError(err) {
			return err
		}
		return nil
	})

	wg.Go(func() error {
		return s.keepSession(ctx)
	})

	wg.Go(func() error {
		return s.collectMetricLoop(ctx, s.cfg.MetricInterval)
	})

	return wg.Wait()
}

// listenWorkEvents logs failed work items, at most one line per second.
func (s *Server) listenWorkEvents(ctx context.Context, eventCh <-chan syncwork.Event) error {
	rl := rate.NewLimiter(rate.Every(time.Second), 1 /*burst*/)
	suppressed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}
			if ev.State != syncwork.StateFailed {
				continue
			}
			if !rl.Allow() {
				suppressed++
				continue
			}
			s.logger.Warn("work item failed",
				zap.String("id", ev.ID),
				zap.String("contract", string(ev.Contract)),
				zap.Duration("run-duration", ev.RunDuration),
				zap.Int("suppressed", suppressed),
				zap.Error(ev.Err))
			suppressed = 0
		}
	}
}

// keepSession fails the server when its membership session is lost.
func (s *Server) keepSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.session.Done():
		s.ready.Store(false)
		s.logger.Error("membership session is done", zap.String("id", s.info.ID))
		return errors.ErrMemberSessionDone.GenWithStackByArgs(s.info.ID)
	}
}

func (s *Server) collectMetricLoop(ctx context.Context, tickInterval time.Duration) error {
	metricQueued := executorWorkItemGauge.WithLabelValues(syncwork.StateQueued.String())
	metricRunning := executorWorkItemGauge.WithLabelValues(syncwork.StateRunning.String())
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metricQueued.Set(float64(s.dispatcher.Queued()))
			metricRunning.Set(float64(s.dispatcher.Running()))
			executorConcurrencyLimitGauge.Set(float64(s.quota.Limit()))
			executorTicketsInUseGauge.Set(float64(s.quota.InUse()))

			queryCtx, cancel := context.WithTimeout(ctx, membersQueryTimeout)
			members, err := s.provider.Members(queryCtx)
			cancel()
			if err != nil {
				s.logger.Warn("failed to list cluster members", zap.Error(err))
				continue
			}
			executorMembersGauge.Set(float64(len(members)))
		}
	}
}

// Ready returns true once the executor is serving work.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Addr returns the address the HTTP API listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Dispatcher returns the dispatcher, nil before Run has bootstrapped.
func (s *Server) Dispatcher() *syncwork.Dispatcher {
	return s.dispatcher
}

// Stop deregisters the member and waits for running work to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.ready.Store(false)

		if s.httpSrv != nil {
			if err := s.httpSrv.Close(); err != nil {
				s.logger.Warn("close http server", zap.Error(err))
			}
		} else if s.listener != nil {
			_ = s.listener.Close()
		}

		// Clear the member record first so that callers stop routing work
		// here. If not deleted actively, it expires after the session TTL.
		if s.session != nil {
			if err := s.session.Close(); err != nil {
				s.logger.Warn("failed to deregister executor", zap.Error(err))
			}
		}
		if s.provider != nil {
			if err := s.provider.Close(); err != nil {
				s.logger.Warn("failed to close membership provider", zap.Error(err))
			}
		}

		if s.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.dispatcher.Close(ctx); err != nil {
				s.logger.Warn("running work did not finish before shutdown", zap.Error(err))
			}
		}
	})
}
