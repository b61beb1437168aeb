package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
)

// Handler is the signature of a lambda entry point. The passed context
// carries the invocation deadline.
type Handler func(ctx context.Context, event any, lc *LambdaContext) error

// LambdaContext describes one invocation to the handler.
type LambdaContext struct {
	FunctionName   string
	MemoryLimitMB  int
	TimeoutSeconds int
	RequestID      string
	startTime      time.Time
}

// RemainingTime reports how long the handler may still run.
func (c *LambdaContext) RemainingTime() time.Duration {
	deadline := c.startTime.Add(time.Duration(c.TimeoutSeconds) * time.Second)
	if remaining := time.Until(deadline); remaining > 0 {
		return remaining
	}
	return 0
}

// LambdaFunction is an invocable unit with environment, a timeout, a memory
// limit and a concurrency gate.
type LambdaFunction struct {
	Name             string
	Handler          Handler
	Schedule         string // interval string; empty = event-driven only
	Environment      map[string]string
	TimeoutSeconds   int
	MemoryLimitMB    int
	ConcurrencyLimit int

	active atomic.Int64
	mu     sync.Mutex
	sm     *StateMachine
}

// NewLambdaFunction applies the dispatcher defaults (300 s timeout, 128 MB,
// concurrency 1) to a function definition.
func NewLambdaFunction(name string, handler Handler) *LambdaFunction {
	return &LambdaFunction{
		Name:             name,
		Handler:          handler,
		Environment:      map[string]string{},
		TimeoutSeconds:   300,
		MemoryLimitMB:    128,
		ConcurrencyLimit: 1,
		sm:               NewStateMachine(JobPending, jobTransitions()),
	}
}

// State returns the function's lifecycle state.
func (f *LambdaFunction) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sm.Current()
}

func (f *LambdaFunction) setState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The lifecycle machine restarts Pending -> Running on each invocation.
	if f.sm.Current() == JobCompleted || f.sm.Current() == JobFailed {
		f.sm = NewStateMachine(JobPending, jobTransitions())
	}
	if err := f.sm.Set(state); err != nil {
		logger.Debug("lambda: state transition rejected", "function", f.Name, "state", state)
	}
}

// Invoke runs the function once. An invocation beyond the concurrency limit
// is skipped with a ConcurrencyLimit error; a handler that outlives its
// timeout is cancelled and the function ends Failed with a Timeout error.
func (f *LambdaFunction) Invoke(ctx context.Context, event any) error {
	if f.active.Load() >= int64(f.ConcurrencyLimit) {
		logger.Warn("lambda: concurrency limit reached, skipping", "function", f.Name)
		return kerr.ConcurrencyLimit("concurrency limit reached for " + f.Name)
	}
	f.active.Add(1)
	defer f.active.Add(-1)

	f.setState(JobRunning)

	lc := &LambdaContext{
		FunctionName:   f.Name,
		MemoryLimitMB:  f.MemoryLimitMB,
		TimeoutSeconds: f.TimeoutSeconds,
		RequestID:      fmt.Sprintf("req_%d", time.Now().UnixNano()),
		startTime:      time.Now(),
	}

	timeout := time.Duration(f.TimeoutSeconds) * time.Second
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.Handler(invokeCtx, event, lc)
	}()

	select {
	case err := <-done:
		if err != nil {
			f.setState(JobFailed)
			logger.Error("lambda: handler failed", "function", f.Name, "error", err)
			return err
		}
		f.setState(JobCompleted)
		return nil
	case <-invokeCtx.Done():
		f.setState(JobFailed)
		if invokeCtx.Err() == context.DeadlineExceeded {
			logger.Error("lambda: timed out", "function", f.Name, "timeout_seconds", f.TimeoutSeconds)
			return kerr.Timeout(fmt.Sprintf("%s exceeded %ds", f.Name, f.TimeoutSeconds))
		}
		return invokeCtx.Err()
	}
}

// ActiveExecutions returns the number of in-flight invocations.
func (f *LambdaFunction) ActiveExecutions() int { return int(f.active.Load()) }

// LambdaManager schedules and invokes a set of lambda functions.
type LambdaManager struct {
	functions []*LambdaFunction
}

// NewLambdaManager creates a manager over functions.
func NewLambdaManager(functions ...*LambdaFunction) *LambdaManager {
	return &LambdaManager{functions: functions}
}

// InvokeEvent invokes every event-driven (unscheduled) function with event.
func (m *LambdaManager) InvokeEvent(ctx context.Context, event any) {
	for _, f := range m.functions {
		if f.Schedule != "" {
			continue
		}
		if err := f.Invoke(ctx, event); err != nil {
			logger.Error("lambda: event invocation failed", "function", f.Name, "error", err)
		}
	}
}

// Run invokes every scheduled function at its parsed interval until ctx is
// cancelled. Each tick is a cancellation point; gate-skipped invocations do
// not delay the next tick.
func (m *LambdaManager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, f := range m.functions {
		interval := ParseInterval(f.Schedule)
		if interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(f *LambdaFunction, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := f.Invoke(ctx, nil); err != nil {
						logger.Warn("lambda: scheduled invocation skipped or failed",
							"function", f.Name, "error", err)
					}
				}
			}
		}(f, interval)
	}
	wg.Wait()
}
