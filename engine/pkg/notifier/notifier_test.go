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

package notifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierBasics(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 10
		numEvents    = 10000
		finEv        = math.MaxInt
	)
	var wg sync.WaitGroup

	for i := 0; i < numReceivers; i++ {
		r := n.NewReceiver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()

			var lastEv int
			for ev := range r.C {
				if ev == finEv {
					return
				}
				if lastEv != 0 {
					require.Equal(t, lastEv+1, ev)
				}
				lastEv = ev
			}
		}()
	}
	require.Equal(t, numReceivers, n.NumReceivers())

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}

	n.Notify(finEv)
	err := n.Flush(context.Background())
	require.NoError(t, err)

	wg.Wait()
	require.Equal(t, 0, n.NumReceivers())
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	const numReceivers = 1000
	var wg sync.WaitGroup

	for i := 0; i < numReceivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := n.NewReceiver()
			defer r.Close()

			_, ok := <-r.C
			require.False(t, ok)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	n.Close()

	wg.Wait()

	// Notify after close is a no-op.
	n.Notify(1)
}

func TestNotifierFlushCanceled(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	r := n.NewReceiver()
	defer r.Close()

	// Fill the receiver buffer so that the run loop gets stuck.
	for i := 0; i < defaultReceiverBufferSize+2; i++ {
		n.Notify(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.Flush(ctx)
	require.Error(t, err)
	require.Regexp(t, "context deadline exceeded", err.Error())
}
