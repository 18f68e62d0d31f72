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
	"fmt"
	"sort"
	"time"
)

// MemberInfo is the record an executor publishes while it is alive.
type MemberInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ClusterID        string    `json:"cluster-id"`
	ServiceID        string    `json:"service-id"`
	Addr             string    `json:"addr"`
	Version          string    `json:"version,omitempty"`
	ConcurrencyLimit int       `json:"concurrency-limit"`
	Contracts        []string  `json:"contracts"`
	StartTime        time.Time `json:"start-time"`
}

// Session is the liveness of one registered member. Done is closed when the
// member is no longer visible to others, either after Close or because the
// backing lease expired.
type Session interface {
	Done() <-chan struct{}
	Close() error
}

// Provider publishes members of a cluster and lists them.
type Provider interface {
	// Register publishes info and keeps it alive until the returned session
	// is closed.
	Register(ctx context.Context, info MemberInfo) (Session, error)
	// Members returns the members of the provider's cluster sorted by ID.
	Members(ctx context.Context) ([]MemberInfo, error)
	// Close releases the resources held by the provider.
	Close() error
}

// KeyPrefix returns the key prefix under which members of the given cluster
// are stored.
func KeyPrefix(clusterID, serviceID string) string {
	return fmt.Sprintf("/syncwork/%s/%s/members/", clusterID, serviceID)
}

func memberKey(info MemberInfo) string {
	return KeyPrefix(info.ClusterID, info.ServiceID) + info.ID
}

func sortMembers(members []MemberInfo) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
}
