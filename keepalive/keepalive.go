// Package keepalive runs work that must finish even after the event that
// started it has been answered. Work started in a Scope gets a context that is
// never cancelled, and Scope.Wait blocks shutdown until all of it has settled.
package keepalive

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ramadanpath/offline/logger"
)

// ErrShuttingDown is returned for work submitted after Close
var ErrShuttingDown = errors.New("keepalive: scope is shutting down")

// Pending is the eventual result of work started in a Scope
type Pending struct {
	done chan struct{}
	err  error
}

// Done is closed once the work has settled
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the result. It is only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the work settles or ctx is done
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled returns a Pending that has already completed with err
func Settled(err error) *Pending {
	p := &Pending{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Scope tracks in-flight work
type Scope struct {
	mu      sync.RWMutex
	wg      sync.WaitGroup
	closing bool
	logger  logger.Logger
}

// New returns an open Scope
func New(log logger.Logger) *Scope {
	return &Scope{logger: log.With(map[string]interface{}{"component": "keepalive"})}
}

// Go runs fn on its own goroutine with a context detached from ctx's cancellation.
// A panic in fn is recovered, logged with its stack, and returned as the error.
func (s *Scope) Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Pending {
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		s.logger.Warn("dropping %s: shutting down", name)
		return Settled(ErrShuttingDown)
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	p := &Pending{done: make(chan struct{})}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer close(p.done)
		p.err = s.run(detached, name, fn)
	}()
	return p
}

// Run is Go without the goroutine: it executes fn on the caller's goroutine inside the scope
func (s *Scope) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()
	return s.run(context.WithoutCancel(ctx), name, fn)
}

func (s *Scope) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(errors.Newf("panic in %s: %v", name, r))
			s.logger.Error("recovered from panic in %s: %+v", name, err)
		}
	}()
	return fn(ctx)
}

// Close stops accepting work and waits for in-flight work to settle or ctx to end
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	return s.Wait(ctx)
}

// Wait blocks until in-flight work settles or ctx ends
func (s *Scope) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
