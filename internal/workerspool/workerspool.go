// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks that may fail in parallel, with a limit on the number of tasks
// running at the same time.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Create it with New, start tasks with Go and collect the first error with Wait.
//
// A Pool can be reused after Wait returns.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Broadcast whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
	firstErr   error
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the limit of tasks running concurrently.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism sets the limit of tasks running concurrently. Values smaller than 1 are taken as 1.
//
// It should only be changed when no tasks are running.
func (p *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	p.maxParallelism = max(maxParallelism, 1)
	return p
}

// Go waits until there is a worker available and runs task in it.
//
// After a task fails, the following tasks are not started until Wait is called.
func (p *Pool) Go(task func() error) {
	p.mu.Lock()
	for p.firstErr == nil && p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	if p.firstErr != nil {
		p.mu.Unlock()
		return
	}
	p.numRunning++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		err := task()
		p.mu.Lock()
		if err != nil && p.firstErr == nil {
			p.firstErr = err
		}
		p.numRunning--
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// Wait for all started tasks to finish, and return the first error, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.firstErr
	p.firstErr = nil
	return err
}
