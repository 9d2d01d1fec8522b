package pipeline

import (
	"testing"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/eval"
	"github.com/mitreval/attackscore/internal/config"
	"github.com/mitreval/attackscore/workflow"
)

func TestAnalyzeInputFromRoundTrips(t *testing.T) {
	in := map[string]any{"__input": analyzeInput{Url: "https://example.com/doc.html"}}
	req, err := analyzeInputFrom(in)
	if err != nil {
		t.Fatal(err)
	}
	if req.Url != "https://example.com/doc.html" {
		t.Errorf("got %+v", req)
	}
}

func TestAnalyzeInputFromRejectsWrongShape(t *testing.T) {
	if _, err := analyzeInputFrom("not a map"); err == nil {
		t.Error("expected error for non-map input")
	}
	if _, err := analyzeInputFrom(map[string]any{}); err == nil {
		t.Error("expected error for missing __input key")
	}
}

func TestRunFailureUsesTaskError(t *testing.T) {
	result := workflow.WorkflowResult{
		RunId:  "run-1",
		Status: workflow.StatusFailed,
		Errors: map[string]*attackscore.Error{
			"evaluate": attackscore.Internal(nil, "boom"),
		},
	}
	err := runFailure(result)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunFailureWithoutTaskErrors(t *testing.T) {
	result := workflow.WorkflowResult{RunId: "run-2", Status: workflow.StatusCanceled}
	if err := runFailure(result); err == nil {
		t.Error("expected error describing the non-completed status")
	}
}

func TestEnsureInitializedSkipsUnchangedCatalog(t *testing.T) {
	p := &Pipeline{evaluator: eval.New(config.EvaluatorConfig{UseTfIdf: true}, nil)}
	catalog := &attackscore.TechniqueCatalog{ById: map[attackscore.TechniqueId]*attackscore.Technique{}}

	p.ensureInitialized(catalog)
	if p.Catalog() != catalog {
		t.Fatal("expected catalog to be set on first call")
	}

	other := &attackscore.TechniqueCatalog{ById: map[attackscore.TechniqueId]*attackscore.Technique{}}
	p.ensureInitialized(other)
	if p.Catalog() != other {
		t.Errorf("expected catalog to update on a distinct pointer")
	}
}
