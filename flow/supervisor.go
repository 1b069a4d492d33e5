package flow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxRestarts caps abnormal-exit restarts per child before the
// supervisor gives up on it.
const maxRestarts = 5

// restartBaseDelay spaces restart attempts; the delay grows linearly
// with the restart count.
const restartBaseDelay = 100 * time.Millisecond

type child struct {
	id      string
	factory func() (*Actor, error)

	mu       sync.Mutex
	actor    *Actor
	stopping bool
}

func (c *child) current() *Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actor
}

func (c *child) markStopping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
}

func (c *child) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Supervisor owns actor lifecycles: it spawns children, restarts them
// on abnormal exit (panic or error return), and leaves clean exits
// alone. Registration bookkeeping lives in the Registry.
type Supervisor struct {
	reg *Registry
	log *zap.Logger

	mu       sync.Mutex
	children map[string]*child
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor bound to reg. logger may be nil.
func NewSupervisor(reg *Registry, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:      reg,
		log:      logger,
		children: make(map[string]*child),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartChild spawns an actor under supervision. factory builds the
// actor and is re-invoked on restart so each incarnation gets fresh
// channels. A duplicate id returns the existing handle with
// ErrAlreadyStarted.
func (s *Supervisor) StartChild(id string, factory func() (*Actor, error)) (*Actor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrEngineClosed
	}
	s.mu.Unlock()

	a, err := factory()
	if err != nil {
		return nil, err
	}
	existing, claimed := s.reg.Register(id, a)
	if !claimed {
		return existing, ErrAlreadyStarted
	}

	c := &child{id: id, factory: factory, actor: a}
	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(c)
	return a, nil
}

func (s *Supervisor) supervise(c *child) {
	defer s.wg.Done()
	defer func() {
		s.reg.Unregister(c.id)
		s.mu.Lock()
		delete(s.children, c.id)
		s.mu.Unlock()
	}()

	restarts := 0
	for {
		err := c.current().run(s.ctx)
		if err == nil || s.ctx.Err() != nil || c.isStopping() {
			return
		}

		restarts++
		if restarts > maxRestarts {
			s.log.Error("workflow actor exceeded restart budget",
				zap.String("workflow_id", c.id),
				zap.Int("restarts", restarts-1),
				zap.Error(err))
			return
		}
		s.log.Warn("workflow actor exited abnormally, restarting",
			zap.String("workflow_id", c.id),
			zap.Int("restart", restarts),
			zap.Error(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Duration(restarts) * restartBaseDelay):
		}

		next, ferr := c.factory()
		if ferr != nil {
			s.log.Error("actor rebuild failed, abandoning child",
				zap.String("workflow_id", c.id),
				zap.Error(ferr))
			return
		}
		c.mu.Lock()
		c.actor = next
		c.mu.Unlock()
		s.reg.replace(c.id, next)
	}
}

// StopChild gracefully terminates one child. The registration frees
// once the actor goroutine exits.
func (s *Supervisor) StopChild(id string) error {
	s.mu.Lock()
	c, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return ErrWorkflowNotFound
	}
	c.markStopping()
	a := c.current()
	a.Stop()
	<-a.Done()
	return nil
}

// Shutdown cancels every child and waits for their goroutines.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
