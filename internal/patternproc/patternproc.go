// Package patternproc implements the Pattern Processor: a split/
// aggregate adapter sitting atop the Task Distributor. It accepts an
// opaque pattern, fans it out into sub-jobs via a pluggable Splitter,
// submits each to TD, and folds their outputs back together via a
// pluggable Aggregator, failing the whole job and cancelling
// still-running siblings on the first sub-job error or on job-level
// timeout. Grounded in dag_engine.go's executeDAG coordinator/fan-out
// loop (ready-queue dispatch, a single coordinator goroutine collecting
// results, "critical task fails whole workflow" semantics), simplified
// from a full DAG down to a flat fan-out since the spec's contract has
// no inter-sub-job dependencies.
package patternproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/distributor"
)

// Pattern is the opaque higher-level job handed to Process. Contents
// beyond FnID/Input are never interpreted by the processor itself.
type Pattern struct {
	FnID  coretypes.FnID
	Input []byte
}

// SubJob is one unit of work a Splitter produces from a Pattern.
type SubJob struct {
	FnID  coretypes.FnID
	Input []byte
}

// Splitter fans a Pattern out into one or more SubJobs.
type Splitter interface {
	Split(Pattern) ([]SubJob, error)
}

// Aggregator folds completed sub-job outputs, in completion order,
// into the job's final aggregated value.
type Aggregator interface {
	Aggregate(outputs [][]byte) ([]byte, error)
}

// IdentitySplitter is the spec's default: one sub-job per pattern,
// input passed through unchanged.
type IdentitySplitter struct{}

func (IdentitySplitter) Split(p Pattern) ([]SubJob, error) {
	return []SubJob{{FnID: p.FnID, Input: p.Input}}, nil
}

// ChunkSplitter splits Input into fixed-size byte chunks, each
// dispatched as its own sub-job under the same FnID. A SPEC_FULL
// addition: the source's splitter is a documented placeholder with no
// real non-identity implementation to port, since original_source is
// unavailable for this spec (see DESIGN.md).
type ChunkSplitter struct {
	ChunkSize int
}

func (c ChunkSplitter) Split(p Pattern) ([]SubJob, error) {
	if c.ChunkSize <= 0 {
		return nil, fmt.Errorf("patternproc: chunk splitter: chunk_size must be positive")
	}
	if len(p.Input) == 0 {
		return []SubJob{{FnID: p.FnID, Input: nil}}, nil
	}
	var jobs []SubJob
	for off := 0; off < len(p.Input); off += c.ChunkSize {
		end := off + c.ChunkSize
		if end > len(p.Input) {
			end = len(p.Input)
		}
		jobs = append(jobs, SubJob{FnID: p.FnID, Input: p.Input[off:end]})
	}
	return jobs, nil
}

// ConcatAggregator is the spec's default: a JSON array of the sub-job
// outputs in completion order (list-concatenation, applied to opaque
// byte values rather than a typed list).
type ConcatAggregator struct{}

func (ConcatAggregator) Aggregate(outputs [][]byte) ([]byte, error) {
	return json.Marshal(outputs)
}

// JobHandle identifies a Process call, independent of the per-sub-job
// task handles TD mints underneath it.
type JobHandle = coretypes.TaskHandle

// JobStatus is a job's caller-visible state.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// JobResult is a job's terminal value or error.
type JobResult struct {
	Value []byte
	Err   error
}

// Job is what Process hands back: Handle always identifies the job,
// Wait blocks for its terminal JobResult.
type Job struct {
	Handle JobHandle
	ch     <-chan JobResult
}

func (j *Job) Wait(ctx context.Context) (JobResult, error) {
	select {
	case r, ok := <-j.ch:
		if !ok {
			return JobResult{}, corefail.ErrNotFound
		}
		return r, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// DefaultTimeout is the spec's opts.task_timeout default for a Pattern
// Processor job (distinct from a single sub-job's own TD timeout).
const DefaultTimeout = 30 * time.Second

// ProcessOptions configures one Process call.
type ProcessOptions struct {
	Splitter      Splitter                  // default IdentitySplitter{}
	Aggregator    Aggregator                // default ConcatAggregator{}
	Timeout       time.Duration             // default DefaultTimeout
	SubmitOptions distributor.SubmitOptions // forwarded to every sub-job's TD.Submit
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	if o.Splitter == nil {
		o.Splitter = IdentitySplitter{}
	}
	if o.Aggregator == nil {
		o.Aggregator = ConcatAggregator{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type jobRecord struct {
	status      JobStatus
	subHandles  []coretypes.TaskHandle
	completedAt time.Time
}

// Processor is PP: the split/aggregate adapter atop a Distributor.
type Processor struct {
	td *distributor.Distributor

	mu   sync.Mutex
	jobs map[JobHandle]*jobRecord

	gracePeriod time.Duration
	tracer      trace.Tracer

	started, completed, failed, timedOut, cancelled metric.Int64Counter
}

// Options configures a Processor.
type Options struct {
	Distributor *distributor.Distributor
	GracePeriod time.Duration // default 5s; mirrors distributor's status-query grace window
}

func New(opts Options, meter metric.Meter, tracer trace.Tracer) *Processor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	started, _ := meter.Int64Counter("taskcore_patternproc_jobs_started_total")
	completed, _ := meter.Int64Counter("taskcore_patternproc_jobs_completed_total")
	failed, _ := meter.Int64Counter("taskcore_patternproc_jobs_failed_total")
	timedOut, _ := meter.Int64Counter("taskcore_patternproc_jobs_timed_out_total")
	cancelled, _ := meter.Int64Counter("taskcore_patternproc_jobs_cancelled_total")

	return &Processor{
		td:          opts.Distributor,
		jobs:        make(map[JobHandle]*jobRecord),
		gracePeriod: opts.GracePeriod,
		tracer:      tracer,
		started:     started,
		completed:   completed,
		failed:      failed,
		timedOut:    timedOut,
		cancelled:   cancelled,
	}
}

// Process splits pattern, places every resulting sub-job on TD, and
// returns as soon as all placements succeed (spec §4.6: "returns
// immediately after successful placement of all sub-jobs"). If any
// sub-job fails to place, already-placed siblings are cancelled and
// Process itself returns an error — partial placement is never left
// outstanding.
func (p *Processor) Process(ctx context.Context, pattern Pattern, opts ProcessOptions) (*Job, error) {
	opts = opts.withDefaults()

	ctx, span := p.tracer.Start(ctx, "patternproc.process", trace.WithAttributes(attribute.String("fn", string(pattern.FnID))))
	defer span.End()

	subjobs, err := opts.Splitter.Split(pattern)
	if err != nil {
		return nil, fmt.Errorf("patternproc: split: %w", err)
	}
	if len(subjobs) == 0 {
		return nil, fmt.Errorf("patternproc: splitter produced no sub-jobs")
	}

	futures := make([]*distributor.Future, 0, len(subjobs))
	for _, sj := range subjobs {
		f, err := p.td.Submit(ctx, sj.FnID, sj.Input, opts.SubmitOptions)
		if err != nil {
			p.cancelFutures(futures)
			return nil, fmt.Errorf("patternproc: sub-job placement failed: %w", err)
		}
		futures = append(futures, f)
	}

	handle := coretypes.NewTaskHandle()
	subHandles := make([]coretypes.TaskHandle, len(futures))
	for i, f := range futures {
		subHandles[i] = f.Handle
	}

	rec := &jobRecord{status: JobRunning, subHandles: subHandles}
	p.mu.Lock()
	p.jobs[handle] = rec
	p.mu.Unlock()
	p.started.Add(ctx, 1, metric.WithAttributes(attribute.Int("subjobs", len(futures))))

	done := make(chan JobResult, 1)
	go p.run(handle, rec, futures, opts, done)

	return &Job{Handle: handle, ch: done}, nil
}

type subOutcome struct {
	index int
	value []byte
	err   error
}

func (p *Processor) run(handle JobHandle, rec *jobRecord, futures []*distributor.Future, opts ProcessOptions, done chan<- JobResult) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	results := make(chan subOutcome, len(futures))
	for i, f := range futures {
		go func(i int, f *distributor.Future) {
			r, err := f.Wait(ctx)
			if err != nil {
				results <- subOutcome{index: i, err: err}
				return
			}
			results <- subOutcome{index: i, value: r.Value, err: r.Err}
		}(i, f)
	}

	var order [][]byte
	for received := 0; received < len(futures); received++ {
		select {
		case o := <-results:
			if o.err != nil {
				if errors.Is(o.err, corefail.ErrTaskCancelled) {
					p.finish(handle, rec, futures, JobResult{Err: corefail.ErrTaskCancelled}, JobCancelled, done)
					return
				}
				p.finish(handle, rec, futures, JobResult{Err: fmt.Errorf("patternproc: sub-job failed: %w", o.err)}, JobFailed, done)
				p.failed.Add(context.Background(), 1)
				return
			}
			order = append(order, o.value)
		case <-ctx.Done():
			p.finish(handle, rec, futures, JobResult{Err: corefail.ErrTaskTimedOut}, JobTimedOut, done)
			p.timedOut.Add(context.Background(), 1)
			return
		}
	}

	agg, err := opts.Aggregator.Aggregate(order)
	if err != nil {
		p.finish(handle, rec, futures, JobResult{Err: fmt.Errorf("patternproc: aggregate: %w", err)}, JobFailed, done)
		p.failed.Add(context.Background(), 1)
		return
	}
	p.finish(handle, rec, futures, JobResult{Value: agg}, JobCompleted, done)
	p.completed.Add(context.Background(), 1)
}

// finish cancels any sub-jobs left running (discarding their partial
// results per spec), records the job's terminal status, and delivers
// result on done exactly once.
func (p *Processor) finish(handle JobHandle, rec *jobRecord, futures []*distributor.Future, result JobResult, status JobStatus, done chan<- JobResult) {
	p.cancelFutures(futures)

	p.mu.Lock()
	rec.status = status
	rec.completedAt = time.Now()
	p.mu.Unlock()

	done <- result

	time.AfterFunc(p.gracePeriod, func() {
		p.mu.Lock()
		delete(p.jobs, handle)
		p.mu.Unlock()
	})
}

func (p *Processor) cancelFutures(futures []*distributor.Future) {
	for _, f := range futures {
		if status, ok := p.td.Status(f.Handle); ok {
			switch status {
			case distributor.StatusCompleted, distributor.StatusFailed, distributor.StatusCancelled:
				continue
			}
		}
		_ = p.td.Cancel(context.Background(), f.Handle)
	}
}

// Status reports a job's current state without blocking.
func (p *Processor) Status(handle JobHandle) (JobStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.jobs[handle]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Cancel cancels every still-running sub-job of handle. The job
// terminates as Cancelled once its in-flight Wait goroutines observe
// the sub-job cancellations (surfaced as sub-job errors in run()).
func (p *Processor) Cancel(ctx context.Context, handle JobHandle) error {
	p.mu.Lock()
	rec, ok := p.jobs[handle]
	p.mu.Unlock()
	if !ok {
		return corefail.ErrNotFound
	}

	var firstErr error
	for _, h := range rec.subHandles {
		if err := p.td.Cancel(ctx, h); err != nil && firstErr == nil && err != corefail.ErrAlreadyTerminal {
			firstErr = err
		}
	}
	p.cancelled.Add(ctx, 1)
	return firstErr
}
