package exporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/pkg/compress"
	"github.com/snapthumb/snapthumb/pkg/metrics"
)

var (
	// ErrPoolBusy is returned when the worker pool is at capacity
	ErrPoolBusy = errors.New("worker pool is busy, please retry later")
	// ErrPoolStopped is returned after Stop
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Job represents an export job
type Job struct {
	Data    []byte
	Options compress.Options
	Result  chan<- JobResult
}

// JobResult represents the outcome of an export job
type JobResult struct {
	Export *Export
	Err    error
}

// WorkerPool manages a pool of worker goroutines for export jobs
type WorkerPool struct {
	exporter *Exporter
	log      logrus.FieldLogger
	jobs     chan Job
	workers  int
	active   int32
	wg       sync.WaitGroup
	once     sync.Once

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a worker pool. queueSize <= 0 uses workers*2.
func NewWorkerPool(e *Exporter, workers, queueSize int, log logrus.FieldLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if log == nil {
		log = e.log
	}
	return &WorkerPool{
		exporter: e,
		log:      log,
		jobs:     make(chan Job, queueSize),
		workers:  workers,
	}
}

// Start starts the worker pool goroutines
func (p *WorkerPool) Start() {
	p.once.Do(func() {
		p.log.WithField("workers", p.workers).Info("Starting worker pool")
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// worker processes jobs from the job channel
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		atomic.AddInt32(&p.active, 1)
		p.updateMetrics()

		var result JobResult
		result.Export, result.Err = p.exporter.Export(job.Data, job.Options)

		atomic.AddInt32(&p.active, -1)
		p.updateMetrics()

		// Send result (non-blocking in case receiver is gone)
		select {
		case job.Result <- result:
		default:
			p.log.WithField("worker", id).Debug("Result dropped, submitter gone")
		}
	}
}

// Submit queues an export and waits for it. It returns ErrPoolBusy when the
// queue is full. When ctx ends first the export still runs to completion but
// its result is dropped.
func (p *WorkerPool) Submit(ctx context.Context, data []byte, opts compress.Options) (*Export, error) {
	p.Start()

	resultChan := make(chan JobResult, 1)
	job := Job{
		Data:    data,
		Options: opts,
		Result:  resultChan,
	}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}
	select {
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	case p.jobs <- job:
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		metrics.RecordPoolRejected()
		return nil, ErrPoolBusy
	}
	p.updateMetrics()

	select {
	case <-ctx.Done():
		metrics.RecordExportFailure("cancelled")
		return nil, ctx.Err()
	case result := <-resultChan:
		return result.Export, result.Err
	}
}

// SubmitWithRetry submits a job to the worker pool with retry on busy
func (p *WorkerPool) SubmitWithRetry(ctx context.Context, data []byte, opts compress.Options, maxRetries int) (*Export, error) {
	lastErr := ErrPoolBusy
	for i := 0; i < maxRetries; i++ {
		result, err := p.Submit(ctx, data, opts)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrPoolBusy) {
			return nil, err
		}
		lastErr = err

		// Linear backoff
		waitTime := time.Duration(i+1) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitTime):
		}
	}
	return nil, lastErr
}

// Stop rejects new jobs, finishes queued ones and waits for the workers.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.updateMetrics()
	p.log.Info("Worker pool stopped")
}

// Stats returns the number of running and queued jobs
func (p *WorkerPool) Stats() (active, queued int) {
	return int(atomic.LoadInt32(&p.active)), len(p.jobs)
}

// Exporter returns the exporter the workers run.
func (p *WorkerPool) Exporter() *Exporter {
	return p.exporter
}

func (p *WorkerPool) updateMetrics() {
	active, queued := p.Stats()
	metrics.UpdateWorkerPoolMetrics(queued, active)
}

// Analyze classifies an upload inline; it never queues.
func (p *WorkerPool) Analyze(data []byte) (compress.Analysis, string, error) {
	return p.exporter.Analyze(data)
}
