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
	"sync"
)

// LocalProvider keeps members in process memory. It serves a standalone
// executor that has no etcd to join.
type LocalProvider struct {
	mu      sync.Mutex
	members map[string]MemberInfo
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		members: make(map[string]MemberInfo),
	}
}

// Register implements Provider.Register
func (p *LocalProvider) Register(_ context.Context, info MemberInfo) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.members[info.ID] = info
	return &localSession{
		provider: p,
		id:       info.ID,
		done:     make(chan struct{}),
	}, nil
}

// Members implements Provider.Members
func (p *LocalProvider) Members(_ context.Context) ([]MemberInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	members := make([]MemberInfo, 0, len(p.members))
	for _, info := range p.members {
		members = append(members, info)
	}
	sortMembers(members)
	return members, nil
}

// Close implements Provider.Close
func (p *LocalProvider) Close() error {
	return nil
}

type localSession struct {
	provider  *LocalProvider
	id        string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *localSession) Done() <-chan struct{} {
	return s.done
}

func (s *localSession) Close() error {
	s.closeOnce.Do(func() {
		s.provider.mu.Lock()
		delete(s.provider.members, s.id)
		s.provider.mu.Unlock()
		close(s.done)
	})
	return nil
}
