package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/mcptap/internal/identity"
	"github.com/ocx/mcptap/internal/sink"
)

// identityMetrics is the subset of metrics.Registry a worker needs to
// instrument Cache.Resolve calls.
type identityMetrics interface {
	ObserveIdentityResolveDuration(d time.Duration)
	IncIdentityResolveFailure()
}

// dispatchJob is the work a pool worker does off the ingestion
// goroutine for one decoded event: forward it to the configured sinks
// and resolve the emitting pid's identity. Both are I/O-bound and
// neither may block dispatcher.handle, so they move here instead of
// running inline.
type dispatchJob struct {
	fwd             sink.ForwardEvent
	pid             uint32
	resolveIdentity bool
}

// dropRecorder is the subset of emitter.Recorder a dropped job needs
// to count against.
type dropRecorder interface {
	IncDrop(reason string)
}

// workerPool is a fixed-size goroutine pool draining a bounded job
// queue, grounded directly on the teacher's WorkerGroup/Submit
// (cmd/probe/main.go): workerCount goroutines started once by Start, a
// queueDepth-sized channel (set by newWorkerPool) absorbing bursts, and
// a non-blocking Submit that drops the job and counts it rather than
// blocking the caller when the queue is saturated.
type workerPool struct {
	jobs       chan dispatchJob
	wg         sync.WaitGroup
	logger     *slog.Logger
	recorder   dropRecorder
	idMetrics  identityMetrics
	sinks      sink.Sink
	identities *identity.Cache
}

// newWorkerPool builds a pool with queueDepth of headroom; workers are
// started by Start. idMetrics may be nil to disable identity-resolve
// instrumentation.
func newWorkerPool(queueDepth int, logger *slog.Logger, rec dropRecorder, idMetrics identityMetrics, sinks sink.Sink, identities *identity.Cache) *workerPool {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &workerPool{
		jobs:       make(chan dispatchJob, queueDepth),
		logger:     logger,
		recorder:   rec,
		idMetrics:  idMetrics,
		sinks:      sinks,
		identities: identities,
	}
}

// Start launches workerCount fixed goroutines pulling off the job
// queue until ctx is cancelled.
func (p *workerPool) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(ctx, job)
		}
	}
}

func (p *workerPool) run(ctx context.Context, job dispatchJob) {
	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.sinks.Forward(jobCtx, job.fwd); err != nil {
		p.logger.Debug("dispatch: sink forward failed", "error", err)
	}

	if job.resolveIdentity && p.identities != nil {
		start := time.Now()
		id, err := p.identities.Resolve(jobCtx, job.pid)
		if p.idMetrics != nil {
			p.idMetrics.ObserveIdentityResolveDuration(time.Since(start))
		}
		if err != nil {
			p.logger.Debug("dispatch: identity resolve failed", "pid", job.pid, "error", err)
			if p.idMetrics != nil {
				p.idMetrics.IncIdentityResolveFailure()
			}
		} else {
			p.logger.Debug("dispatch: identity resolved", "pid", job.pid, "binary", id.BinaryPath, "container", id.ContainerID)
		}
	}
}

// Submit enqueues job without blocking the ingestion loop. A full
// queue drops the job and counts it, matching WorkerGroup.Submit's
// backpressure policy.
func (p *workerPool) Submit(job dispatchJob) {
	select {
	case p.jobs <- job:
	default:
		p.logger.Warn("worker pool queue full, dropping job", "pid", job.pid)
		if p.recorder != nil {
			p.recorder.IncDrop("worker_queue_full")
		}
	}
}

// Wait blocks until every worker goroutine has returned. Callers
// cancel the pool's context first; Wait then confirms the in-flight
// job (if any) on each worker has finished.
func (p *workerPool) Wait() {
	p.wg.Wait()
}
