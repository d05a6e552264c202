// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// workerSession is the demo pooled resource: an in-process worker handle
// that tracks its own liveness. A real deployment swaps in connections,
// transcoder handles, or whatever else needs bounded lifecycle management.
type workerSession struct {
	id      string
	created time.Time
	closed  atomic.Bool
}

func (s *workerSession) healthy() bool {
	return !s.closed.Load()
}

type workerFactory struct{}

func newWorkerFactory() *workerFactory {
	return &workerFactory{}
}

func (f *workerFactory) Create(_ context.Context) (*workerSession, error) {
	return &workerSession{
		id:      uuid.NewString(),
		created: time.Now(),
	}, nil
}

func (f *workerFactory) Destroy(_ context.Context, s *workerSession) error {
	s.closed.Store(true)
	return nil
}

func (f *workerFactory) Validate(_ context.Context, s *workerSession) bool {
	return s.healthy()
}
