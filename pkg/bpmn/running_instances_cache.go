// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"sync"

	"github.com/pbinitiative/zenflow/internal/appcontext"
)

type heldInstanceKey struct{}

type runningInstance struct {
	mu   sync.Mutex
	refs int
}

// RunningInstancesCache serializes the work on a process instance tree.
// Called instances share the lock of their root instance.
type RunningInstancesCache struct {
	mu               sync.Mutex
	processInstances map[int64]*runningInstance
}

func newRunningInstancesCache() *RunningInstancesCache {
	return &RunningInstancesCache{
		processInstances: map[int64]*runningInstance{},
	}
}

// lockInstance blocks until the tree of rootKey is free. The returned context marks the lock as held,
// locking the same root again with it does not block.
func (c *RunningInstancesCache) lockInstance(ctx context.Context, rootKey int64) (context.Context, func()) {
	if held, ok := ctx.Value(heldInstanceKey{}).(int64); ok && held == rootKey {
		return ctx, func() {}
	}

	c.mu.Lock()
	ins, ok := c.processInstances[rootKey]
	if !ok {
		ins = &runningInstance{}
		c.processInstances[rootKey] = ins
	}
	ins.refs++
	c.mu.Unlock()

	ins.mu.Lock()
	ctx = context.WithValue(ctx, heldInstanceKey{}, rootKey)
	ctx = appcontext.WithExecutionKey(ctx, rootKey)
	return ctx, func() {
		ins.mu.Unlock()
		c.mu.Lock()
		ins.refs--
		if ins.refs == 0 {
			delete(c.processInstances, rootKey)
		}
		c.mu.Unlock()
	}
}

func (c *RunningInstancesCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processInstances)
}

// detach returns a context for work that outlives the caller and must not inherit its instance lock.
func detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), heldInstanceKey{}, int64(0))
}
