// Package workflow is a small DAG task executor: a WorkflowDefinition names
// tasks and their dependencies; Execute runs them in topological waves,
// retrying transient failures and propagating cancellation.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/retry"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// Handler executes one task, reading predecessor outputs from input (the
// run's results map, keyed by task name) and returning this task's output.
type Handler func(ctx context.Context, runCtx *RunContext, input any) (any, error)

// TaskDefinition describes one node in the DAG.
type TaskDefinition struct {
	Name       string
	Handler    Handler
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// WorkflowDefinition is a named set of tasks and their dependency edges:
// dependencies[taskName] lists the tasks that must complete before
// taskName runs.
type WorkflowDefinition struct {
	Id           string
	Tasks        []TaskDefinition
	Dependencies map[string][]string
}

// RunContext is the live, mutable state of one workflow run. GetContext
// returns a snapshot with its own copies of the Results, Errors and Metadata
// maps, so callers can't add or remove the engine's entries; the values in
// those maps are shared with the engine, not copied.
type RunContext struct {
	RunId       string
	WorkflowId  string
	StartTime   time.Time
	Status      RunStatus
	CurrentTask string
	Results     map[string]any
	Errors      map[string]*attackscore.Error
	Metadata    map[string]any

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *RunContext) snapshot() *RunContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make(map[string]any, len(c.Results))
	for k, v := range c.Results {
		results[k] = v
	}
	errs := make(map[string]*attackscore.Error, len(c.Errors))
	for k, v := range c.Errors {
		errs[k] = v
	}
	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return &RunContext{
		RunId:       c.RunId,
		WorkflowId:  c.WorkflowId,
		StartTime:   c.StartTime,
		Status:      c.Status,
		CurrentTask: c.CurrentTask,
		Results:     results,
		Errors:      errs,
		Metadata:    meta,
	}
}

// Engine registers and executes WorkflowDefinitions.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*WorkflowDefinition
	runs      map[string]*RunContext
	nextRunId int
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{
		workflows: make(map[string]*WorkflowDefinition),
		runs:      make(map[string]*RunContext),
	}
}

// RegisterWorkflow validates def's DAG (no cycles, every dependency names a
// real task) and registers it under def.Id.
func (e *Engine) RegisterWorkflow(def WorkflowDefinition) error {
	if _, err := topoOrder(def); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Id] = &def
	return nil
}

// topoOrder computes Kahn's-algorithm topological waves: each element of
// the returned slice is a set of task names whose dependencies are all in
// earlier waves. Returns an error if the DAG has a cycle or a dangling
// dependency reference.
func topoOrder(def WorkflowDefinition) ([][]string, error) {
	taskNames := make(map[string]struct{}, len(def.Tasks))
	for _, t := range def.Tasks {
		taskNames[t.Name] = struct{}{}
	}
	for name, deps := range def.Dependencies {
		if _, ok := taskNames[name]; !ok {
			return nil, attackscore.Invalid("workflow %s: dependency entry for unknown task %q", def.Id, name)
		}
		for _, d := range deps {
			if _, ok := taskNames[d]; !ok {
				return nil, attackscore.Invalid("workflow %s: task %q depends on unknown task %q", def.Id, name, d)
			}
		}
	}

	remaining := make(map[string][]string, len(def.Tasks))
	for _, t := range def.Tasks {
		remaining[t.Name] = append([]string(nil), def.Dependencies[t.Name]...)
	}

	var waves [][]string
	done := make(map[string]struct{})
	for len(done) < len(def.Tasks) {
		var wave []string
		for name, deps := range remaining {
			if _, alreadyDone := done[name]; alreadyDone {
				continue
			}
			if allDone(deps, done) {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			return nil, attackscore.Invalid("workflow %s: dependency cycle detected", def.Id)
		}
		for _, name := range wave {
			done[name] = struct{}{}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

func allDone(deps []string, done map[string]struct{}) bool {
	for _, d := range deps {
		if _, ok := done[d]; !ok {
			return false
		}
	}
	return true
}

// WorkflowResult is Execute's return value.
type WorkflowResult struct {
	RunId   string
	Status  RunStatus
	Results map[string]any
	Errors  map[string]*attackscore.Error
}

// Execute runs workflowId's tasks to completion, wave by wave, retrying
// transient task errors and propagating cancellation.
func (e *Engine) Execute(ctx context.Context, workflowId string, input any) (WorkflowResult, error) {
	e.mu.Lock()
	def, ok := e.workflows[workflowId]
	e.mu.Unlock()
	if !ok {
		return WorkflowResult{}, attackscore.Invalid("unknown workflow %q", workflowId)
	}

	waves, err := topoOrder(*def)
	if err != nil {
		return WorkflowResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc := &RunContext{
		RunId:      e.allocateRunId(),
		WorkflowId: workflowId,
		StartTime:  time.Now(),
		Status:     StatusRunning,
		Results:    map[string]any{"__input": input},
		Errors:     make(map[string]*attackscore.Error),
		Metadata:   make(map[string]any),
		cancel:     cancel,
	}
	e.mu.Lock()
	e.runs[rc.RunId] = rc
	e.mu.Unlock()

	tasksByName := make(map[string]TaskDefinition, len(def.Tasks))
	for _, t := range def.Tasks {
		tasksByName[t.Name] = t
	}

	failed := false
	canceled := false

wave:
	for _, wave := range waves {
		if runCtx.Err() != nil {
			canceled = true
			break
		}

		var wg sync.WaitGroup
		results := make(chan struct {
			name string
			out  any
			err  error
		}, len(wave))

		for _, name := range wave {
			task := tasksByName[name]
			wg.Add(1)
			go func(task TaskDefinition) {
				defer wg.Done()
				out, err := e.runTask(runCtx, rc, task)
				results <- struct {
					name string
					out  any
					err  error
				}{task.Name, out, err}
			}(task)
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		for r := range results {
			rc.mu.Lock()
			if r.err != nil {
				if attackscore.KindOf(r.err) == attackscore.KindCancelled || runCtx.Err() != nil {
					canceled = true
				} else {
					failed = true
					rc.Errors[r.name] = toTypedError(r.err)
				}
			} else {
				rc.Results[r.name] = r.out
			}
			rc.mu.Unlock()
		}

		if failed {
			cancel()
			break wave
		}
		if canceled {
			break wave
		}
	}

	rc.mu.Lock()
	switch {
	case canceled:
		rc.Status = StatusCanceled
	case failed:
		rc.Status = StatusFailed
	default:
		rc.Status = StatusCompleted
	}
	status := rc.Status
	resultsCopy := make(map[string]any, len(rc.Results))
	for k, v := range rc.Results {
		resultsCopy[k] = v
	}
	errsCopy := make(map[string]*attackscore.Error, len(rc.Errors))
	for k, v := range rc.Errors {
		errsCopy[k] = v
	}
	rc.mu.Unlock()

	return WorkflowResult{
		RunId:   rc.RunId,
		Status:  status,
		Results: resultsCopy,
		Errors:  errsCopy,
	}, nil
}

// runTask invokes task.Handler with a per-task timeout, retrying transient
// failures up to task.Retries times with exponential backoff.
func (e *Engine) runTask(ctx context.Context, rc *RunContext, task TaskDefinition) (any, error) {
	rc.mu.Lock()
	rc.CurrentTask = task.Name
	input := rc.Results
	rc.mu.Unlock()

	var out any
	maxAttempts := task.Retries + 1
	retryDelay := task.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	err := retry.Do(ctx, maxAttempts, retryDelay, attackscore.IsTransient, func(attempt int) error {
		taskCtx := ctx
		var taskCancel context.CancelFunc
		if task.Timeout > 0 {
			taskCtx, taskCancel = context.WithTimeout(ctx, task.Timeout)
			defer taskCancel()
		}

		result, err := task.Handler(taskCtx, rc, input)
		if err != nil {
			if taskCtx.Err() == context.DeadlineExceeded {
				return attackscore.Transient(err, "task %s timed out", task.Name)
			}
			return err
		}
		out = result
		return nil
	})
	return out, err
}

func (e *Engine) allocateRunId() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRunId++
	return fmt.Sprintf("run-%d", e.nextRunId)
}

// GetContext returns a snapshot of a run's state (maps copied, values
// shared; see RunContext), or false if runId is unknown.
func (e *Engine) GetContext(runId string) (*RunContext, bool) {
	e.mu.Lock()
	rc, ok := e.runs[runId]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rc.snapshot(), true
}

// Cancel marks runId cancelled; its in-flight tasks receive the
// cancellation signal via their context.
func (e *Engine) Cancel(runId string) bool {
	e.mu.Lock()
	rc, ok := e.runs[runId]
	e.mu.Unlock()
	if !ok {
		return false
	}
	rc.mu.Lock()
	if rc.cancel != nil {
		rc.cancel()
	}
	rc.mu.Unlock()
	return true
}

// List returns the run IDs matching statusFilter, or every run if
// statusFilter is empty.
func (e *Engine) List(statusFilter RunStatus) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, rc := range e.runs {
		rc.mu.Lock()
		status := rc.Status
		rc.mu.Unlock()
		if statusFilter == "" || status == statusFilter {
			out = append(out, id)
		}
	}
	return out
}

func toTypedError(err error) *attackscore.Error {
	if e, ok := err.(*attackscore.Error); ok {
		return e
	}
	return attackscore.Internal(err, "task failed")
}
