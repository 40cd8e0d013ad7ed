// Package supervisor owns the lifecycle of a protocol engine: start, stop
// and restart, with companion tasks that live and die with the engine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotStopped is returned by Start while the engine is running
	ErrNotStopped = errors.New("supervisor: engine not stopped")
	// ErrNotRunning is returned by Stop when there is nothing to stop
	ErrNotRunning = errors.New("supervisor: engine not running")
)

// Engine is a protocol engine. Run blocks until ctx is cancelled or the
// link fails and performs the protocol's stop sequence before returning.
// Reset clears stream state so Run can be called again.
type Engine interface {
	Name() string
	Run(ctx context.Context) error
	Reset()
}

// State of the supervised engine
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}

// Task runs alongside the engine and must return when ctx is done
type Task func(ctx context.Context) error

// Supervisor runs one engine at a time
type Supervisor struct {
	engine Engine
	tasks  []Task

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	runs   int

	// OnStateChange is called on every transition, outside the lock
	OnStateChange func(State)
}

// New supervises e
func New(e Engine) *Supervisor {
	return &Supervisor{engine: e}
}

// Attach adds a companion task, started with the engine on every Start.
// Tasks attached while running join on the next start.
func (s *Supervisor) Attach(t Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Runs counts how many times the engine has been started
func (s *Supervisor) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	cb := s.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Start launches the engine and its tasks. The engine is reset first when
// it has run before. ctx bounds the whole run; Stop ends it early.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrNotStopped
	}
	s.state = Starting
	reset := s.runs > 0
	s.runs++
	tasks := append([]Task(nil), s.tasks...)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	cb := s.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(Starting)
	}

	name := s.engine.Name()
	if reset {
		s.engine.Reset()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := s.engine.Run(gctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}

	go func() {
		err := g.Wait()
		cancel()
		if err != nil {
			log.Printf("[ERROR] Supervisor: %v", err)
		} else {
			log.Printf("[INFO] Supervisor: %s stopped", name)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.setState(Stopped)
		close(done)
	}()

	log.Printf("[INFO] Supervisor: %s started", name)
	s.mu.Lock()
	if s.state == Starting {
		s.state = Running
		s.mu.Unlock()
		if cb != nil {
			cb(Running)
		}
	} else {
		s.mu.Unlock()
	}
	return nil
}

// Stop cancels the engine and waits for its stop sequence to finish. It
// returns the error that ended the run, if any.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == Stopped || s.done == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = Stopping
	cancel, done := s.cancel, s.done
	cb := s.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(Stopping)
	}

	cancel()
	<-done
	return s.Err()
}

// Restart stops a running engine and starts it again under ctx
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Printf("[WARN] Supervisor: %v", err)
	}
	return s.Start(ctx)
}

// Done is closed when the current run ends. Nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that ended the last run
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
