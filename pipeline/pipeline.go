// Package pipeline wires Fetcher, StixParser, DocIngest, Evaluator, and
// Reporter together as workflow.Engine DAGs: a document-analysis run
// (Ingest parallel to Fetch→Parse, fanning in to Evaluate→Report) and a
// catalog-refresh run (Fetch→Parse).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/eval"
	"github.com/mitreval/attackscore/fetch"
	"github.com/mitreval/attackscore/ingest"
	"github.com/mitreval/attackscore/internal/config"
	"github.com/mitreval/attackscore/llm"
	"github.com/mitreval/attackscore/report"
	"github.com/mitreval/attackscore/stix"
	"github.com/mitreval/attackscore/workflow"
)

const (
	workflowAnalyze = "document-analysis"
	workflowRefresh = "catalog-refresh"
)

// analyzeInput is the __input payload for the document-analysis workflow:
// exactly one of Url or (FileName, FileBytes) is set.
type analyzeInput struct {
	Url       string
	FileName  string
	FileBytes []byte
}

// Pipeline owns every stage component and the workflow.Engine that
// orchestrates them.
type Pipeline struct {
	cfg config.Config
	log *slog.Logger

	fetcher   *fetch.Fetcher
	ingest    *ingest.DocIngest
	evaluator *eval.Evaluator
	reporter  *report.Reporter
	llm       *llm.Client
	engine    *workflow.Engine

	mu      sync.RWMutex
	catalog *attackscore.TechniqueCatalog

	taskCounts map[string]int
}

// New constructs a Pipeline from cfg and registers its two workflows. It
// does not fetch or parse anything; call Bootstrap or UpdateCatalog before
// the first AnalyzeUrl/AnalyzeFile call.
func New(cfg config.Config, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}

	llmClient := llm.New(cfg.LLM)

	p := &Pipeline{
		cfg:       cfg,
		log:       log,
		fetcher:   fetch.New(cfg.Fetcher, log),
		ingest:    ingest.New(ingest.Config(cfg.DocIngest), log),
		evaluator: eval.New(cfg.Evaluator, llmClient),
		reporter:  report.New(cfg.Reporter),
		llm:       llmClient,
		engine:    workflow.New(),
	}

	if err := p.fetcher.Initialize(); err != nil {
		return nil, err
	}

	analyzeDef := p.analyzeWorkflowDef()
	if err := p.engine.RegisterWorkflow(analyzeDef); err != nil {
		return nil, err
	}
	refreshDef := p.refreshWorkflowDef()
	if err := p.engine.RegisterWorkflow(refreshDef); err != nil {
		return nil, err
	}
	p.taskCounts = map[string]int{
		analyzeDef.Id: len(analyzeDef.Tasks),
		refreshDef.Id: len(refreshDef.Tasks),
	}

	return p, nil
}

// Bootstrap loads whatever catalog the fetcher already has cached (if any)
// without reaching out to the network, so the pipeline can serve analysis
// requests immediately after startup.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	if _, err := p.fetcher.LatestVersion(); err != nil {
		p.log.Warn("no cached catalog on startup, call UpdateCatalog before analyzing", "error", err)
		return nil
	}
	_, err := p.UpdateCatalog(ctx, false)
	return err
}

func (p *Pipeline) analyzeWorkflowDef() workflow.WorkflowDefinition {
	return workflow.WorkflowDefinition{
		Id: workflowAnalyze,
		Tasks: []workflow.TaskDefinition{
			{Name: "ingest", Handler: p.ingestTask, Timeout: p.cfg.DocIngest.Timeout, Retries: p.cfg.DocIngest.Retries, RetryDelay: time.Second},
			{Name: "fetch", Handler: p.fetchTask, Timeout: p.cfg.Fetcher.RequestTimeout, Retries: p.cfg.Fetcher.MaxRetries, RetryDelay: time.Second},
			{Name: "parse", Handler: p.parseTask},
			{Name: "evaluate", Handler: p.evaluateTask},
			{Name: "report", Handler: p.reportTask},
		},
		Dependencies: map[string][]string{
			"parse":    {"fetch"},
			"evaluate": {"ingest", "parse"},
			"report":   {"evaluate"},
		},
	}
}

func (p *Pipeline) refreshWorkflowDef() workflow.WorkflowDefinition {
	return workflow.WorkflowDefinition{
		Id: workflowRefresh,
		Tasks: []workflow.TaskDefinition{
			{Name: "fetch", Handler: p.fetchTask, Timeout: p.cfg.Fetcher.RequestTimeout, Retries: p.cfg.Fetcher.MaxRetries, RetryDelay: time.Second},
			{Name: "parse", Handler: p.parseTask},
		},
		Dependencies: map[string][]string{
			"parse": {"fetch"},
		},
	}
}

func (p *Pipeline) ingestTask(ctx context.Context, rc *workflow.RunContext, input any) (any, error) {
	req, err := analyzeInputFrom(input)
	if err != nil {
		return nil, err
	}
	if req.Url != "" {
		return p.ingest.ProcessUrl(ctx, req.Url)
	}
	return p.ingest.ProcessFile(req.FileBytes, req.FileName)
}

func (p *Pipeline) fetchTask(ctx context.Context, rc *workflow.RunContext, input any) (any, error) {
	forceUpdate := false
	if m, ok := input.(map[string]any); ok {
		if fu, ok := m["__input"].(bool); ok {
			forceUpdate = fu
		}
	}
	return p.fetcher.Fetch(ctx, forceUpdate)
}

func (p *Pipeline) parseTask(ctx context.Context, rc *workflow.RunContext, input any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, attackscore.Invalid("parse task: missing fetch result")
	}
	raw, ok := m["fetch"].(attackscore.RawFetchResult)
	if !ok {
		return nil, attackscore.Invalid("parse task: fetch did not produce a bundle")
	}
	catalog, err := stix.Parse(raw.Bytes, raw.Version, stix.Config(p.cfg.Parse))
	if err != nil {
		return nil, err
	}
	p.setCatalog(catalog)
	return catalog, nil
}

func (p *Pipeline) evaluateTask(ctx context.Context, rc *workflow.RunContext, input any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, attackscore.Invalid("evaluate task: missing predecessor results")
	}
	doc, ok := m["ingest"].(attackscore.Document)
	if !ok {
		return nil, attackscore.Invalid("evaluate task: ingest did not produce a document")
	}
	catalog, ok := m["parse"].(*attackscore.TechniqueCatalog)
	if !ok {
		return nil, attackscore.Invalid("evaluate task: parse did not produce a catalog")
	}
	p.ensureInitialized(catalog)
	result := p.evaluator.Evaluate(ctx, doc)
	return result, nil
}

func (p *Pipeline) reportTask(ctx context.Context, rc *workflow.RunContext, input any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, attackscore.Invalid("report task: missing predecessor results")
	}
	result, ok := m["evaluate"].(attackscore.EvalResult)
	if !ok {
		return nil, attackscore.Invalid("report task: evaluate did not produce a result")
	}
	catalog, _ := m["parse"].(*attackscore.TechniqueCatalog)
	req, _ := analyzeInputFrom(input)

	source := req.Url
	if source == "" {
		source = req.FileName
	}
	version := ""
	if catalog != nil {
		version = catalog.Version
	}

	rpt := p.reporter.Generate(rc.RunId, time.Now(), result, report.DocumentInfo{Source: source, CatalogVersion: version})
	return rpt, nil
}

func analyzeInputFrom(input any) (analyzeInput, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return analyzeInput{}, attackscore.Invalid("task input is not a result map")
	}
	req, ok := m["__input"].(analyzeInput)
	if !ok {
		return analyzeInput{}, attackscore.Invalid("task input missing analyze request")
	}
	return req, nil
}

// ensureInitialized (re)builds the evaluator's TF-IDF model only when the
// catalog actually changed, since corpus construction scans every
// technique's text.
func (p *Pipeline) ensureInitialized(catalog *attackscore.TechniqueCatalog) {
	p.mu.RLock()
	current := p.catalog
	p.mu.RUnlock()
	if current == catalog {
		return
	}
	p.evaluator.Initialize(catalog)
	p.setCatalog(catalog)
}

func (p *Pipeline) setCatalog(catalog *attackscore.TechniqueCatalog) {
	p.mu.Lock()
	p.catalog = catalog
	p.mu.Unlock()
}

// Catalog returns the most recently parsed catalog, or nil if none has
// been loaded yet.
func (p *Pipeline) Catalog() *attackscore.TechniqueCatalog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.catalog
}

// AnalyzeUrl runs the document-analysis workflow against a remote document.
func (p *Pipeline) AnalyzeUrl(ctx context.Context, url string) (attackscore.Report, error) {
	return p.runAnalyze(ctx, analyzeInput{Url: url})
}

// AnalyzeFile runs the document-analysis workflow against an in-memory
// file. name is used for format detection and reporting.
func (p *Pipeline) AnalyzeFile(ctx context.Context, name string, content []byte) (attackscore.Report, error) {
	return p.runAnalyze(ctx, analyzeInput{FileName: name, FileBytes: content})
}

func (p *Pipeline) runAnalyze(ctx context.Context, req analyzeInput) (attackscore.Report, error) {
	result, err := p.engine.Execute(ctx, workflowAnalyze, req)
	if err != nil {
		return attackscore.Report{}, err
	}
	if result.Status != workflow.StatusCompleted {
		return attackscore.Report{}, runFailure(result)
	}
	rpt, ok := result.Results["report"].(attackscore.Report)
	if !ok {
		return attackscore.Report{}, attackscore.Internal(nil, "workflow %s completed without a report", workflowAnalyze)
	}
	return rpt, nil
}

// UpdateCatalog runs the catalog-refresh workflow, re-fetching and
// re-parsing the MITRE ATT&CK bundle; the parse runs on every call, whether
// or not the bundle changed. Returns the resulting catalog version.
func (p *Pipeline) UpdateCatalog(ctx context.Context, forceUpdate bool) (string, error) {
	result, err := p.engine.Execute(ctx, workflowRefresh, forceUpdate)
	if err != nil {
		return "", err
	}
	if result.Status != workflow.StatusCompleted {
		return "", runFailure(result)
	}
	catalog, ok := result.Results["parse"].(*attackscore.TechniqueCatalog)
	if !ok {
		return "", attackscore.Internal(nil, "workflow %s completed without a catalog", workflowRefresh)
	}
	p.evaluator.Initialize(catalog)
	p.setCatalog(catalog)
	return catalog.Version, nil
}

// RunInfo is the external shape of a run's status: status, the task
// currently executing (if any), the fraction of the workflow's tasks
// completed so far, the produced report's id (once the report task has
// run), and one of the run's task errors (once the run has failed; when
// several tasks failed, which one is not defined).
type RunInfo struct {
	Status      workflow.RunStatus
	CurrentTask string
	Progress    float64
	ReportId    string
	Error       *attackscore.Error
}

// GetRun returns the current status of runId.
func (p *Pipeline) GetRun(runId string) (RunInfo, bool) {
	rc, ok := p.engine.GetContext(runId)
	if !ok {
		return RunInfo{}, false
	}

	completed := 0
	for name := range rc.Results {
		if name == "__input" {
			continue
		}
		completed++
	}
	var progress float64
	if total := p.taskCounts[rc.WorkflowId]; total > 0 {
		progress = float64(completed) / float64(total)
	}

	info := RunInfo{
		Status:      rc.Status,
		CurrentTask: rc.CurrentTask,
		Progress:    progress,
	}
	if rpt, ok := rc.Results["report"].(attackscore.Report); ok {
		info.ReportId = rpt.Id
	}
	for _, taskErr := range rc.Errors {
		info.Error = taskErr
		break
	}
	return info, true
}

// Cancel requests cancellation of an in-flight run.
func (p *Pipeline) Cancel(runId string) bool {
	return p.engine.Cancel(runId)
}

// ScheduleRefresh starts the fetcher's background update ticker. Each tick
// calls the fetcher's Fetch only; it does not re-parse the bundle or replace
// the pipeline's catalog, which UpdateCatalog does.
func (p *Pipeline) ScheduleRefresh(ctx context.Context) {
	p.fetcher.ScheduleUpdates(ctx)
}

// StopScheduledRefresh stops the background update ticker.
func (p *Pipeline) StopScheduledRefresh() {
	p.fetcher.StopScheduledUpdates()
}

func runFailure(result workflow.WorkflowResult) error {
	if len(result.Errors) == 0 {
		return attackscore.Internal(nil, "workflow run %s ended in status %s", result.RunId, result.Status)
	}
	for task, taskErr := range result.Errors {
		return attackscore.Internal(taskErr, "task %q failed in run %s", task, result.RunId)
	}
	return fmt.Errorf("run %s failed", result.RunId)
}
