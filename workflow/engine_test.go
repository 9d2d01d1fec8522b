package workflow

import (
	"context"
	"testing"
	"time"

	attackscore "github.com/mitreval/attackscore"
)

func echoHandler(name string) Handler {
	return func(ctx context.Context, rc *RunContext, input any) (any, error) {
		return name + "-done", nil
	}
}

func TestRegisterWorkflowRejectsCycle(t *testing.T) {
	e := New()
	err := e.RegisterWorkflow(WorkflowDefinition{
		Id: "cyclic",
		Tasks: []TaskDefinition{
			{Name: "a", Handler: echoHandler("a")},
			{Name: "b", Handler: echoHandler("b")},
		},
		Dependencies: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	})
	if err == nil {
		t.Fatal("expected cyclic DAG to be rejected")
	}
}

func TestRegisterWorkflowRejectsUnknownDependency(t *testing.T) {
	e := New()
	err := e.RegisterWorkflow(WorkflowDefinition{
		Id:    "dangling",
		Tasks: []TaskDefinition{{Name: "a", Handler: echoHandler("a")}},
		Dependencies: map[string][]string{
			"a": {"ghost"},
		},
	})
	if err == nil {
		t.Fatal("expected dangling dependency to be rejected")
	}
}

func TestExecuteRunsTasksInOrder(t *testing.T) {
	e := New()
	err := e.RegisterWorkflow(WorkflowDefinition{
		Id: "linear",
		Tasks: []TaskDefinition{
			{Name: "fetch", Handler: echoHandler("fetch")},
			{Name: "parse", Handler: echoHandler("parse")},
		},
		Dependencies: map[string][]string{"parse": {"fetch"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := e.Execute(context.Background(), "linear", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected completed status, got %s", result.Status)
	}
	if result.Results["fetch"] != "fetch-done" || result.Results["parse"] != "parse-done" {
		t.Errorf("unexpected results: %v", result.Results)
	}
}

func TestExecuteParallelWave(t *testing.T) {
	e := New()
	e.RegisterWorkflow(WorkflowDefinition{
		Id: "fan",
		Tasks: []TaskDefinition{
			{Name: "ingest", Handler: echoHandler("ingest")},
			{Name: "fetch", Handler: echoHandler("fetch")},
			{Name: "parse", Handler: echoHandler("parse")},
			{Name: "evaluate", Handler: echoHandler("evaluate")},
		},
		Dependencies: map[string][]string{
			"parse":    {"fetch"},
			"evaluate": {"parse", "ingest"},
		},
	})
	result, err := e.Execute(context.Background(), "fan", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
}

func TestExecuteFailsOnPermanentError(t *testing.T) {
	e := New()
	e.RegisterWorkflow(WorkflowDefinition{
		Id: "failing",
		Tasks: []TaskDefinition{
			{Name: "bad", Handler: func(ctx context.Context, rc *RunContext, input any) (any, error) {
				return nil, attackscore.Invalid("boom")
			}},
		},
	})
	result, err := e.Execute(context.Background(), "failing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", result.Status)
	}
}

func TestExecuteRetriesTransientError(t *testing.T) {
	attempts := 0
	e := New()
	e.RegisterWorkflow(WorkflowDefinition{
		Id: "retrying",
		Tasks: []TaskDefinition{
			{
				Name:       "flaky",
				RetryDelay: time.Millisecond,
				Retries:    3,
				Handler: func(ctx context.Context, rc *RunContext, input any) (any, error) {
					attempts++
					if attempts < 3 {
						return nil, attackscore.Transient(nil, "flaky failure")
					}
					return "ok", nil
				},
			},
		},
	})
	result, err := e.Execute(context.Background(), "retrying", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected eventual success, got %s (attempts=%d)", result.Status, attempts)
	}
}

func TestGetContextReturnsSnapshot(t *testing.T) {
	e := New()
	e.RegisterWorkflow(WorkflowDefinition{
		Id:    "single",
		Tasks: []TaskDefinition{{Name: "only", Handler: echoHandler("only")}},
	})
	result, _ := e.Execute(context.Background(), "single", nil)
	rc, ok := e.GetContext(result.RunId)
	if !ok {
		t.Fatal("expected context to be found")
	}
	rc.Results["only"] = "mutated"
	rc2, _ := e.GetContext(result.RunId)
	if rc2.Results["only"] == "mutated" {
		t.Errorf("expected GetContext to return an isolated copy")
	}
}

func TestCancelStopsRun(t *testing.T) {
	e := New()
	e.RegisterWorkflow(WorkflowDefinition{
		Id: "cancellable",
		Tasks: []TaskDefinition{
			{Name: "slow", Handler: func(ctx context.Context, rc *RunContext, input any) (any, error) {
				select {
				case <-time.After(time.Second):
					return "done", nil
				case <-ctx.Done():
					return nil, attackscore.Cancelled
				}
			}},
		},
	})

	done := make(chan WorkflowResult, 1)
	go func() {
		r, _ := e.Execute(context.Background(), "cancellable", nil)
		done <- r
	}()

	time.Sleep(20 * time.Millisecond)
	for _, id := range e.List("") {
		e.Cancel(id)
	}

	select {
	case r := <-done:
		if r.Status != StatusCanceled {
			t.Errorf("expected canceled status, got %s", r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not observe cancellation")
	}
}
