// Package orchestrator drives end-to-end report generation: parse the
// template once, resolve a config for every placeholder, execute the
// queries with bounded concurrency, and assemble the final report. A
// single placeholder failing never aborts the task; only an unreachable
// data source is fatal.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillreport/quill/internal/assembler"
	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/engine"
	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/parser"
	"github.com/quillreport/quill/internal/progress"
	"github.com/quillreport/quill/internal/queries"
	"github.com/quillreport/quill/internal/resilience"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
)

// Request is one report-generation job.
type Request struct {
	TemplateID   string
	TemplateText string
	Source       source.DataSource
	ForceRefresh bool
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	store      store.Store
	matcher    *matcher.Matcher
	engine     *engine.Engine
	tracker    *progress.Tracker
	asm        *assembler.Assembler
	cfg        config.OrchestratorConfig
	matcherCfg config.MatcherConfig
}

// New creates an Orchestrator.
func New(st store.Store, m *matcher.Matcher, eng *engine.Engine, tr *progress.Tracker, asm *assembler.Assembler, cfg config.OrchestratorConfig, matcherCfg config.MatcherConfig) *Orchestrator {
	return &Orchestrator{
		store:      st,
		matcher:    m,
		engine:     eng,
		tracker:    tr,
		asm:        asm,
		cfg:        cfg,
		matcherCfg: matcherCfg,
	}
}

// Tracker exposes the progress tracker for status and stream consumers.
func (o *Orchestrator) Tracker() *progress.Tracker {
	return o.tracker
}

// StartGeneration registers a task and runs the pipeline in the background.
// The returned task is the initial pending snapshot; callers follow the
// task ID through the tracker. The run context is detached from the
// caller's: an HTTP request finishing does not cancel the task.
func (o *Orchestrator) StartGeneration(ctx context.Context, req Request) (*model.ResolutionTask, error) {
	task := &model.ResolutionTask{
		ID:           uuid.NewString(),
		TemplateID:   req.TemplateID,
		DataSourceID: req.Source.ID(),
		Status:       model.TaskPending,
	}

	runCtx, err := o.tracker.Begin(context.WithoutCancel(ctx), task)
	if err != nil {
		return nil, err
	}

	go o.run(runCtx, task.ID, req)

	snapshot := *task
	return &snapshot, nil
}

// plan is one placeholder's resolution state entering the execution phase.
type plan struct {
	token   model.PlaceholderToken
	cfg     *model.PlaceholderConfig
	value   *model.PlaceholderValue
	err     string
	errKind resilience.Kind
	elapsed time.Duration
}

func (p *plan) fail(kind resilience.Kind, msg string) {
	p.err = msg
	p.errKind = kind
}

func (o *Orchestrator) run(ctx context.Context, taskID string, req Request) {
	log := zap.L().With(zap.String("task_id", taskID), zap.String("template_id", req.TemplateID))
	log.Info("orchestrator: task started")

	fatal := func(err error) {
		log.Error("orchestrator: task failed", zap.Error(err))
		_ = o.tracker.Finish(ctx, taskID, model.TaskFailed, "", nil, err.Error())
		o.tracker.Release(taskID)
	}
	cancelled := func() {
		log.Info("orchestrator: task cancelled")
		_ = o.tracker.Finish(context.WithoutCancel(ctx), taskID, model.TaskCancelled, "", nil, "cancellation requested")
		o.tracker.Release(taskID)
	}

	// Initializing: the data source must be reachable before any work runs.
	if err := o.tracker.Transition(ctx, taskID, model.TaskInitializing, "checking data source"); err != nil {
		fatal(err)
		return
	}
	if err := req.Source.Ping(ctx); err != nil {
		fatal(resilience.Tag(resilience.KindUnreachable, err))
		return
	}
	schema, err := req.Source.Schema(ctx)
	if err != nil {
		fatal(err)
		return
	}

	// Analyzing: parse once, resolve a config per token.
	if err := o.tracker.Transition(ctx, taskID, model.TaskAnalyzing, "analyzing placeholders"); err != nil {
		fatal(err)
		return
	}
	tokens := parser.Parse(req.TemplateText)
	if len(tokens) == 0 {
		report := o.asm.Assemble(req.TemplateText, nil)
		_ = o.tracker.Finish(ctx, taskID, model.TaskCompleted, report.Content, &report.Quality, "")
		o.tracker.Release(taskID)
		return
	}

	plans := make([]*plan, len(tokens))
	for i, tok := range tokens {
		if ctx.Err() != nil {
			cancelled()
			return
		}
		p := &plan{token: tok}
		o.resolveConfig(ctx, req, schema, p)
		plans[i] = p
		o.tracker.Step(ctx, taskID, 10+30*float64(i+1)/float64(len(tokens)),
			fmt.Sprintf("analyzed %d/%d placeholders", i+1, len(tokens)), tok.RawText)
	}

	// Executing: waves by execution order, bounded workers within a wave.
	if ctx.Err() != nil {
		cancelled()
		return
	}
	if err := o.tracker.Transition(ctx, taskID, model.TaskExecuting, "executing queries"); err != nil {
		fatal(err)
		return
	}
	if err := o.execute(ctx, taskID, req, plans); err != nil {
		if resilience.IsCancelled(err) || ctx.Err() != nil {
			cancelled()
			return
		}
		fatal(err)
		return
	}
	if ctx.Err() != nil {
		cancelled()
		return
	}

	// Assembling: substitution is total, failures become markers.
	if err := o.tracker.Transition(ctx, taskID, model.TaskAssembling, "assembling report"); err != nil {
		fatal(err)
		return
	}

	resolutions := make([]assembler.Resolution, 0, len(plans))
	for _, p := range plans {
		r := assembler.Resolution{Token: p.token, Value: p.value, Err: p.err}
		if p.cfg != nil {
			r.Confidence = p.cfg.ConfidenceScore
		}
		resolutions = append(resolutions, r)
		o.tracker.RecordResult(taskID, p.result())
	}
	report := o.asm.Assemble(req.TemplateText, resolutions)
	o.tracker.Step(ctx, taskID, 99, "report assembled", "")

	// A task fails outright only when nothing resolved; partial success
	// completes with markers and a quality summary telling the truth.
	status := model.TaskCompleted
	errDetail := ""
	if report.Quality.TotalPlaceholders > 0 && report.Quality.ResolvedCount == 0 {
		status = model.TaskFailed
		errDetail = "no placeholder resolved"
	}
	if err := o.tracker.Finish(ctx, taskID, status, report.Content, &report.Quality, errDetail); err != nil {
		log.Error("orchestrator: finish task", zap.Error(err))
	}
	o.tracker.Release(taskID)
	log.Info("orchestrator: task finished",
		zap.String("status", string(status)),
		zap.Int("resolved", report.Quality.ResolvedCount),
		zap.Int("failed", report.Quality.FailedCount),
	)
}

// resolveConfig binds a token to a placeholder config, reusing a persisted
// one when the signature and schema fingerprint both still match.
func (o *Orchestrator) resolveConfig(ctx context.Context, req Request, schema model.SourceSchema, p *plan) {
	tok := p.token
	if tok.IsError() {
		p.fail(resilience.KindParse, tok.Diagnostic)
		return
	}

	sig := model.ConfigSignature(req.TemplateID, tok.Type, tok.Description)
	fingerprint := schema.Fingerprint()

	existing, err := o.store.GetConfigBySignature(ctx, req.TemplateID, sig)
	if err != nil {
		zap.L().Warn("orchestrator: config lookup failed", zap.String("signature", sig), zap.Error(err))
	}
	if existing != nil && existing.IsActive && existing.QueryValidated && existing.SchemaVersion == fingerprint {
		p.cfg = existing
		return
	}

	res := o.matcher.Match(ctx, tok, schema, matcher.Options{})
	if !res.Resolved(o.matcherCfg.ConfidenceThreshold) {
		p.fail(resilience.KindLowConfidence,
			fmt.Sprintf("no field match above confidence %.2f", o.matcherCfg.ConfidenceThreshold))
		return
	}

	query, err := queries.Generate(*res.BestMatch, tok.Type)
	if err != nil {
		p.fail(resilience.KindValidation, err.Error())
		return
	}
	validation := queries.Validate(ctx, query, req.Source, schema)
	if !validation.Valid {
		p.fail(resilience.KindValidation, strings.Join(validation.Diagnostics, "; "))
		return
	}

	now := time.Now().UTC()
	cfg := existing
	if cfg == nil {
		cfg = &model.PlaceholderConfig{
			ID:         uuid.NewString(),
			TemplateID: req.TemplateID,
			Signature:  sig,
			CreatedAt:  now,
		}
	}
	cfg.PlaceholderText = tok.RawText
	cfg.Type = tok.Type
	cfg.ContentType = string(tok.Type)
	cfg.AgentAnalyzed = res.AgentUsed
	cfg.TargetTable = res.BestMatch.Table
	cfg.TargetColumn = res.BestMatch.Column
	cfg.GeneratedQuery = query
	cfg.QueryValidated = true
	cfg.ConfidenceScore = res.Confidence
	cfg.SchemaVersion = fingerprint
	cfg.IsActive = true
	cfg.UpdatedAt = now

	if err := o.store.UpsertConfig(ctx, cfg); err != nil {
		zap.L().Warn("orchestrator: persist config failed", zap.String("placeholder", tok.RawText), zap.Error(err))
	}
	p.cfg = cfg
}

// execute runs the planned queries in waves of equal execution order. A
// non-nil return is fatal for the task; per-placeholder failures are
// recorded on the plans instead.
func (o *Orchestrator) execute(ctx context.Context, taskID string, req Request, plans []*plan) error {
	runnable := 0
	for _, p := range plans {
		if p.cfg != nil {
			runnable++
		}
	}
	if runnable == 0 {
		return nil
	}

	workers := o.cfg.MaxWorkers
	if workers <= 0 {
		workers = 5
	}
	stepTimeout := time.Duration(o.cfg.StepTimeoutMs) * time.Millisecond

	var done atomic.Int64
	for _, wave := range waves(plans) {
		// Cancellation is cooperative: checked between waves, never
		// mid-query.
		if ctx.Err() != nil {
			return resilience.Tag(resilience.KindCancelled, ctx.Err())
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, p := range wave {
			g.Go(func() error {
				start := time.Now()
				v, err := o.engine.Execute(gctx, p.cfg, req.Source, engine.Options{
					ForceRefresh: req.ForceRefresh,
					Timeout:      stepTimeout,
				})
				p.elapsed = time.Since(start)
				if err != nil {
					if resilience.IsFatal(err) {
						return err
					}
					p.fail(resilience.Classify(err), err.Error())
				} else {
					p.value = v
					if !v.Success {
						p.fail(resilience.KindPermanent, v.ErrorMessage)
					}
				}

				n := done.Add(1)
				o.tracker.Step(ctx, taskID, 40+50*float64(n)/float64(runnable),
					fmt.Sprintf("executed %d/%d queries", n, runnable), p.token.RawText)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// waves partitions runnable plans by ascending execution order. Plans that
// already failed resolution carry no config and are excluded.
func waves(plans []*plan) [][]*plan {
	byOrder := make(map[int][]*plan)
	var orders []int
	for _, p := range plans {
		if p.cfg == nil {
			continue
		}
		ord := p.cfg.ExecutionOrder
		if _, seen := byOrder[ord]; !seen {
			orders = append(orders, ord)
		}
		byOrder[ord] = append(byOrder[ord], p)
	}
	sort.Ints(orders)

	out := make([][]*plan, 0, len(orders))
	for _, ord := range orders {
		out = append(out, byOrder[ord])
	}
	return out
}

// result converts a finished plan into the per-placeholder record stored
// on the task.
func (p *plan) result() model.PlaceholderResult {
	r := model.PlaceholderResult{
		PlaceholderName: p.token.RawText,
		Type:            p.token.Type,
		DurationMs:      p.elapsed.Milliseconds(),
	}
	if p.cfg != nil {
		r.Confidence = p.cfg.ConfidenceScore
	}
	if p.err != "" {
		r.Error = p.err
		r.ErrorKind = string(p.errKind)
		return r
	}
	if p.value != nil && p.value.Success {
		r.Success = true
		r.Content = p.value.FormattedText
		r.FromCache = p.value.FromCache
		if r.DurationMs == 0 {
			r.DurationMs = p.value.ExecutionTimeMs
		}
	}
	return r
}
