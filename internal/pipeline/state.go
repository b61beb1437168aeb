// Package pipeline implements the shared job, pipeline and lambda lifecycle
// used by the work dispatcher: validated state machines persisted through the
// MVCC store, interval-string scheduling and deadline-bounded invocation.
package pipeline

import (
	"time"

	"github.com/gddisney/Katamari/internal/mvcc"
	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
)

// Job states.
const (
	JobPending   = "Pending"
	JobRunning   = "Running"
	JobCompleted = "Completed"
	JobFailed    = "Failed"
)

// Pipeline states.
const (
	PipelineScheduled = "Scheduled"
	PipelineRunning   = "Running"
	PipelinePaused    = "Paused"
	PipelineCompleted = "Completed"
)

// StateMachine enforces a fixed transition graph.
type StateMachine struct {
	current     string
	transitions map[string][]string
}

// NewStateMachine creates a machine in the initial state.
func NewStateMachine(initial string, transitions map[string][]string) *StateMachine {
	return &StateMachine{current: initial, transitions: transitions}
}

// jobTransitions: Pending -> Running -> {Completed | Failed}.
func jobTransitions() map[string][]string {
	return map[string][]string{
		JobPending: {JobRunning},
		JobRunning: {JobCompleted, JobFailed},
	}
}

// pipelineTransitions: Scheduled -> Running -> {Paused <-> Running} -> Completed.
func pipelineTransitions() map[string][]string {
	return map[string][]string{
		PipelineScheduled: {PipelineRunning},
		PipelineRunning:   {PipelinePaused, PipelineCompleted},
		PipelinePaused:    {PipelineRunning},
	}
}

// Set transitions to state, rejecting moves outside the graph.
func (m *StateMachine) Set(state string) error {
	for _, allowed := range m.transitions[m.current] {
		if allowed == state {
			logger.Debug("state changed", "from", m.current, "to", state)
			m.current = state
			return nil
		}
	}
	return kerr.Transaction("invalid state transition " + m.current + " -> " + state)
}

// Current returns the current state.
func (m *StateMachine) Current() string { return m.current }

// Job is one unit of pipeline work whose state is persisted through MVCC.
type Job struct {
	PipelineID string
	Name       string
	Schedule   string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	store *mvcc.Store
	sm    *StateMachine
}

// NewJob creates a Pending job bound to a store.
func NewJob(store *mvcc.Store, pipelineID, name, schedule string) *Job {
	now := time.Now()
	return &Job{
		PipelineID: pipelineID,
		Name:       name,
		Schedule:   schedule,
		CreatedAt:  now,
		UpdatedAt:  now,
		store:      store,
		sm:         NewStateMachine(JobPending, jobTransitions()),
	}
}

// State returns the job's current state.
func (j *Job) State() string { return j.sm.Current() }

// SetState transitions the job.
func (j *Job) SetState(state string) error {
	if err := j.sm.Set(state); err != nil {
		return err
	}
	j.UpdatedAt = time.Now()
	return nil
}

// Save persists the job's current state under the given transaction.
func (j *Job) Save(txID string) {
	j.store.Put(j.Name, map[string]any{
		"pipeline_id": j.PipelineID,
		"name":        j.Name,
		"state":       j.sm.Current(),
		"schedule":    j.Schedule,
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}, txID)
}

// Pipeline is a named job sequence whose state is persisted through MVCC.
type Pipeline struct {
	Name      string
	Config    map[string]any
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time

	store *mvcc.Store
	sm    *StateMachine
}

// NewPipeline creates a Scheduled pipeline bound to a store.
func NewPipeline(store *mvcc.Store, name string, config map[string]any) *Pipeline {
	now := time.Now()
	return &Pipeline{
		Name:      name,
		Config:    config,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		store:     store,
		sm:        NewStateMachine(PipelineScheduled, pipelineTransitions()),
	}
}

// State returns the pipeline's current state.
func (p *Pipeline) State() string { return p.sm.Current() }

// SetState transitions the pipeline.
func (p *Pipeline) SetState(state string) error {
	if err := p.sm.Set(state); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Save persists the pipeline's current state under the given transaction.
func (p *Pipeline) Save(txID string) {
	p.store.Put(p.Name, map[string]any{
		"name":       p.Name,
		"config":     p.Config,
		"version":    p.Version,
		"state":      p.sm.Current(),
		"created_at": p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": p.UpdatedAt.Format(time.RFC3339Nano),
	}, txID)
}

// Jobs builds the job list declared in the pipeline config and persists each
// one inside a single transaction.
func (p *Pipeline) Jobs() []*Job {
	raw, _ := p.Config["jobs"].([]any)
	jobs := make([]*Job, 0, len(raw))

	txID := p.store.Begin()
	for _, item := range raw {
		conf, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := conf["name"].(string)
		schedule, _ := conf["schedule"].(string)
		job := NewJob(p.store, p.Name, name, schedule)
		job.Save(txID)
		jobs = append(jobs, job)
	}
	p.store.Commit(txID)
	return jobs
}
