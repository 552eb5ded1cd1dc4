// Package bringup runs the robot server's startup as an ordered list of
// fail-fast steps, then idles until the process is told to stop.
package bringup

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// IdlePeriod is the idle loop's sleep period.
const IdlePeriod = 100 * time.Millisecond

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
)

var (
	// ErrUnavailable marks a required external resource that is missing.
	ErrUnavailable = errors.New("required resource unavailable")
	// ErrArguments marks an argument parsing failure.
	ErrArguments = errors.New("argument error")
)

// Failure is a step error with a fixed reason. Its message is the reason,
// followed by the cause when there is one.
type Failure struct {
	Kind   error
	Reason string
	Cause  error
}

// Fail returns a Failure of kind with reason, wrapping cause (may be nil).
func Fail(kind error, reason string, cause error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Cause: cause}
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return f.Reason
	}
	return f.Reason + ": " + f.Cause.Error()
}

func (f *Failure) Unwrap() []error {
	if f.Cause == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Cause}
}

// Exiter runs exit callbacks in reverse order of registration and then ends
// the process.
type Exiter struct {
	exit func(code int)

	mu        sync.Mutex
	callbacks []callback
	once      sync.Once
}

type callback struct {
	name string
	fn   func()
}

// NewExiter returns an Exiter ending the process through exit, os.Exit when
// nil.
func NewExiter(exit func(code int)) *Exiter {
	if exit == nil {
		exit = os.Exit
	}
	return &Exiter{exit: exit}
}

// AddCallback registers fn to run on exit.
func (e *Exiter) AddCallback(name string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback{name: name, fn: fn})
}

// Exit runs the callbacks and ends the process with code. Only the first
// call has any effect.
func (e *Exiter) Exit(code int) {
	e.once.Do(func() {
		e.mu.Lock()
		cbs := append([]callback(nil), e.callbacks...)
		e.mu.Unlock()
		for i := len(cbs) - 1; i >= 0; i-- {
			monitoring.Logf("exit: %s", cbs[i].name)
			cbs[i].fn()
		}
		monitoring.Logf("exiting with code %d", code)
		e.exit(code)
	})
}

// Step is one bring-up stage.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sequencer runs steps in order and idles after the last one.
type Sequencer struct {
	exiter *Exiter
	steps  []Step

	// Clock drives the idle loop; timeutil.RealClock when nil.
	Clock timeutil.Clock

	idled atomic.Int64
}

func New(exiter *Exiter) *Sequencer {
	return &Sequencer{exiter: exiter}
}

// Add appends a step.
func (s *Sequencer) Add(name string, run func(ctx context.Context) error) {
	s.steps = append(s.steps, Step{Name: name, Run: run})
}

// Steps returns the step names in order.
func (s *Sequencer) Steps() []string {
	names := make([]string, len(s.steps))
	for i, st := range s.steps {
		names[i] = st.Name
	}
	return names
}

// Run executes the steps strictly in order. The first failure is logged as
// "<step> error: <reason>" and exits with ExitError; a failure caused by ctx
// being cancelled exits with ExitOK. After the last step Run idles. It only
// returns once the Exiter has been called, which in production does not
// return.
func (s *Sequencer) Run(ctx context.Context) error {
	for _, st := range s.steps {
		if err := st.Run(ctx); err != nil {
			monitoring.Logf("%s error: %v", st.Name, err)
			code := ExitError
			if ctx.Err() != nil {
				code = ExitOK
			}
			s.exiter.Exit(code)
			return err
		}
	}
	s.Idle(ctx)
	return nil
}

// Idle does nothing in IdlePeriod sleeps until ctx is cancelled, then exits
// with ExitOK.
func (s *Sequencer) Idle(ctx context.Context) {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(IdlePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("termination requested")
			s.exiter.Exit(ExitOK)
			return
		case <-ticker.C():
			s.idled.Add(1)
		}
	}
}

// IdlePeriods returns the number of idle periods completed.
func (s *Sequencer) IdlePeriods() int64 { return s.idled.Load() }
