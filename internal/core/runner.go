package core

import (
	"context"
	"fmt"
	"time"

	"blockci/internal/ctxlog"
	"blockci/internal/ledger"
	"blockci/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner ties together trigger evaluation, the graph, the scheduler and the
// executor, and records every finished step in log storage and the ledger.
type Runner struct {
	Executor    *Executor
	Concurrency int
	LogStorage  *storage.LogStorage
	Ledger      *ledger.Ledger
	Toggles     map[string]bool
	Workspace   string
}

// Option configures a Runner.
type Option func(*Runner)

func WithConcurrency(n int) Option                 { return func(r *Runner) { r.Concurrency = n } }
func WithLogStorage(ls *storage.LogStorage) Option { return func(r *Runner) { r.LogStorage = ls } }
func WithLedger(l *ledger.Ledger) Option           { return func(r *Runner) { r.Ledger = l } }
func WithToggles(t map[string]bool) Option         { return func(r *Runner) { r.Toggles = t } }
func WithWorkspace(dir string) Option              { return func(r *Runner) { r.Workspace = dir } }

// NewRunner creates a runner around exec.
func NewRunner(exec *Executor, opts ...Option) *Runner {
	r := &Runner{Executor: exec, Workspace: "."}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Prepare checks that every `uses` resolves and builds the job graph.
func (r *Runner) Prepare(p *Pipeline) (*Graph, error) {
	for _, job := range p.Jobs {
		for _, step := range job.Steps {
			if step.Uses == "" {
				continue
			}
			if r.Executor.Actions == nil {
				return nil, invalidf("job %q: no actions available for %q", job.ID, step.Uses)
			}
			if _, err := r.Executor.Actions.Resolve(step.Uses); err != nil {
				return nil, invalidf("job %q step %q: %v", job.ID, step.DisplayName(), err)
			}
		}
	}
	return BuildGraph(p.Jobs)
}

// Run evaluates the trigger and, on a match, executes the pipeline under a
// new run id. A mismatch yields an untriggered report and no error.
func (r *Runner) Run(ctx context.Context, p *Pipeline, ev Event) (*Report, error) {
	return r.Execute(ctx, NewRunID(), p, ev)
}

// Execute is Run with a caller-chosen run id.
func (r *Runner) Execute(ctx context.Context, runID string, p *Pipeline, ev Event) (*Report, error) {
	ctx, log := ctxlog.With(ctx, zap.String("run", runID))
	report := &Report{RunID: runID, Event: ev, Started: time.Now()}

	if !p.Triggered(ev) {
		log.Info("event does not match any trigger", zap.String("event", string(ev.Kind)), zap.String("branch", ev.Branch))
		report.Finished = time.Now()
		return report, nil
	}
	report.Triggered = true

	g, err := r.Prepare(p)
	if err != nil {
		return nil, err
	}

	rc := NewRunContext(runID, ev, r.Toggles, r.Workspace)
	exec := *r.Executor
	exec.OnStepFinished = r.recordStep(r.Executor.OnStepFinished)

	log.Info("run started", zap.String("pipeline", p.Name), zap.Int("jobs", len(p.Jobs)))
	report.Jobs = NewScheduler(&exec, r.Concurrency).Run(ctx, g, rc)
	report.Finished = time.Now()

	if r.Ledger != nil {
		if err := r.Ledger.Verify(); err != nil {
			log.Error("ledger verification failed", zap.Error(err))
		}
	}
	log.Info("run finished", zap.Bool("success", report.Success()), zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return report, nil
}

func (r *Runner) recordStep(next StepHook) StepHook {
	return func(ctx context.Context, rc *RunContext, inst *Instance, rec StepRecord) {
		log := ctxlog.FromContext(ctx).With(zap.String("step", rec.Name))
		if r.LogStorage != nil && rec.State != StateSkipped {
			if p, err := r.LogStorage.SaveLog(rc.ID, inst.ID(), rec.Index, rec.Name, rec.Log); err != nil {
				log.Warn("cannot save step log", zap.Error(err))
			} else {
				log.Debug("step log saved", zap.String("path", p))
			}
		}
		if r.Ledger != nil {
			_, err := r.Ledger.Append(ledger.Entry{
				RunID:    rc.ID,
				Job:      inst.Job.ID,
				Instance: inst.ID(),
				Step:     rec.Name,
				State:    string(rec.State),
				Output:   fmt.Sprintf("%s\n%v", rec.Log, rec.Outputs),
			})
			if err != nil {
				log.Warn("cannot append ledger record", zap.Error(err))
			}
		}
		if next != nil {
			next(ctx, rc, inst, rec)
		}
	}
}
