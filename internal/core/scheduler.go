package core

import (
	"context"
	"fmt"
	"math"
	"sync"

	"blockci/internal/ctxlog"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Scheduler decides when each job runs: a job starts once all of its needs
// terminated, and its instances fan out under the global concurrency quota
// and the job's max-parallel.
type Scheduler struct {
	Executor *Executor
	// Concurrency caps running instances across the run. Zero means unbounded.
	Concurrency int
}

// NewScheduler creates a scheduler over exec.
func NewScheduler(exec *Executor, concurrency int) *Scheduler {
	return &Scheduler{Executor: exec, Concurrency: concurrency}
}

// Run executes every job of g and returns their results in topological order.
func (s *Scheduler) Run(ctx context.Context, g *Graph, rc *RunContext) []*JobResult {
	limit := int64(math.MaxInt64)
	if s.Concurrency > 0 {
		limit = int64(s.Concurrency)
	}
	sem := semaphore.NewWeighted(limit)

	order := g.Order()
	done := make(map[string]chan struct{}, len(order))
	results := make(map[string]*JobResult, len(order))
	for _, job := range order {
		done[job.ID] = make(chan struct{})
		results[job.ID] = &JobResult{Job: job, State: StatePending}
	}

	var wg sync.WaitGroup
	for _, job := range order {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[job.ID])
			for _, need := range job.Needs {
				<-done[need]
			}
			s.runJob(ctx, sem, rc, job, results)
		}()
	}
	wg.Wait()

	out := make([]*JobResult, len(order))
	for i, job := range order {
		out[i] = results[job.ID]
	}
	return out
}

// runJob only reads results of jobs that already closed their done channel.
func (s *Scheduler) runJob(ctx context.Context, sem *semaphore.Weighted, rc *RunContext, job *Job, results map[string]*JobResult) {
	ctx, log := ctxlog.With(ctx, zap.String("job", job.ID))
	jr := results[job.ID]
	instances := ExpandJob(job)
	jr.Instances = instances

	var blocked string
	for _, need := range job.Needs {
		if results[need].State != StateSucceeded {
			blocked = need
			break
		}
	}

	if blocked != "" {
		log.Info("job skipped", zap.String("need", blocked), zap.String("need_state", string(results[blocked].State)))
		for _, inst := range instances {
			inst.finish(StateSkipped, fmt.Errorf("%w: %s", ErrUpstreamFailed, blocked))
		}
	} else {
		log.Info("job started", zap.Int("instances", len(instances)))
		s.runInstances(ctx, sem, rc, job, instances)
	}

	jr.State = aggregate(instances)
	if jr.State == StateSucceeded {
		jr.Outputs = mergeOutputs(instances)
	}
	rc.PublishJob(job.ID, jr.State, jr.Outputs)
	log.Info("job finished", zap.String("state", string(jr.State)))
}

func (s *Scheduler) runInstances(ctx context.Context, sem *semaphore.Weighted, rc *RunContext, job *Job, instances []*Instance) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var eg errgroup.Group
	if job.Matrix != nil && job.Matrix.MaxParallel > 0 {
		eg.SetLimit(job.Matrix.MaxParallel)
	}
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			if err := sem.Acquire(jobCtx, 1); err != nil {
				state, cause := cancelState(jobCtx)
				inst.finish(state, cause)
				return nil
			}
			defer sem.Release(1)
			if s.Executor.RunInstance(jobCtx, rc, inst) == StateFailed && job.FailFast() {
				cancel(ErrFailFast)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// aggregate folds instance states into the job result: any failure wins,
// then any cancellation, then all-skipped.
func aggregate(instances []*Instance) State {
	var failed, cancelled bool
	skipped := 0
	for _, inst := range instances {
		switch inst.State() {
		case StateFailed:
			failed = true
		case StateCancelled:
			cancelled = true
		case StateSkipped:
			skipped++
		}
	}
	switch {
	case failed:
		return StateFailed
	case cancelled:
		return StateCancelled
	case len(instances) > 0 && skipped == len(instances):
		return StateSkipped
	}
	return StateSucceeded
}

// mergeOutputs merges instance outputs in matrix order; later instances win.
func mergeOutputs(instances []*Instance) map[string]string {
	var out map[string]string
	for _, inst := range instances {
		for k, v := range inst.Outputs() {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}
