package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"filevora/config"
	"filevora/models"
	"filevora/tools"

	"github.com/charmbracelet/log"
)

// Task is one conversion: a tool applied to the uploads of a job.
type Task struct {
	Job    *models.Job
	Tool   *tools.Tool
	Files  []*models.UploadArtifact
	Params map[string]string
	UserID string
}

type Outcome struct {
	OutputPath string
	Duration   time.Duration
	Err        error
}

// Recorder persists conversion history.
type Recorder interface {
	RecordConversion(ctx context.Context, record models.ConversionRecord) error
}

type submission struct {
	task   Task
	result chan Outcome
}

// Pool runs conversions on a fixed set of workers so request handlers only
// ever wait.
type Pool struct {
	workers  int
	timeout  time.Duration
	tasks    chan submission
	done     chan struct{}
	once     sync.Once
	// Submit holds mu for reading while it enqueues; Run takes it for
	// writing before the final drain so nothing lands in the queue after it.
	mu       sync.RWMutex
	wg       sync.WaitGroup
	recorder Recorder
	logger   *log.Logger
	run      func(ctx context.Context, task Task) (string, error)
}

func NewPool(cfg *config.Config, recorder Recorder, logger *log.Logger) *Pool {
	workers := max(1, cfg.WorkerCount)
	return &Pool{
		workers:  workers,
		timeout:  cfg.ConversionTimeout,
		tasks:    make(chan submission, max(1, cfg.QueueSize)),
		done:     make(chan struct{}),
		recorder: recorder,
		logger:   logger,
		run: func(ctx context.Context, task Task) (string, error) {
			return task.Tool.Run(ctx, tools.Input{Job: task.Job, Files: task.Files, Params: task.Params})
		},
	}
}

var errShuttingDown = models.NewError(models.KindConversionFailure, "conversion service is shutting down")

// Submit queues task and returns a channel that receives exactly one
// Outcome. It blocks while the queue is full, until ctx ends.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Outcome, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.done:
		return nil, errShuttingDown
	default:
	}

	sub := submission{task: task, result: make(chan Outcome, 1)}
	select {
	case p.tasks <- sub:
		return sub.result, nil
	case <-p.done:
		return nil, errShuttingDown
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to queue conversion: %w", ctx.Err())
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight conversion has finished. Queued tasks that never started are
// answered with a shutdown error.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}
	p.logger.Info("Started conversion workers", "count", p.workers, "timeout", p.timeout)

	<-ctx.Done()
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case sub := <-p.tasks:
			sub.result <- Outcome{Err: errShuttingDown.WithJob(sub.task.Job.ID)}
		default:
			p.logger.Info("Conversion workers stopped")
			return
		}
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With("worker", workerID)
	logger.Debug("Starting")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Shutting down")
			return
		case sub := <-p.tasks:
			sub.result <- p.processJob(ctx, logger, sub.task)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, logger *log.Logger, task Task) (outcome Outcome) {
	logger = logger.With("job_id", task.Job.ID, "tool", task.Tool.Name)
	logger.Info("Processing conversion", "files", len(task.Files))

	// Conversions outlive both the request and a shutdown signal, bounded by
	// the conversion timeout.
	timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Conversion panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = Outcome{Err: models.NewError(models.KindConversionFailure, "conversion failed unexpectedly")}
		}
		outcome.Duration = time.Since(startTime)
		if outcome.Err != nil {
			outcome.Err = classify(timeoutCtx, outcome.Err, task.Job.ID)
			logger.Error("Conversion failed", "error", outcome.Err, "duration", outcome.Duration)
		} else {
			logger.Info("Conversion completed", "output", outcome.OutputPath, "duration", outcome.Duration)
		}
		p.record(ctx, logger, task, outcome, startTime)
	}()

	output, err := p.run(timeoutCtx, task)
	return Outcome{OutputPath: output, Err: err}
}

// classify makes sure every failure leaving the pool carries a kind.
func classify(ctx context.Context, err error, jobID string) error {
	var appErr *models.Error
	if errors.As(err, &appErr) {
		return appErr.WithJob(jobID)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.WrapError(models.KindConversionFailure, "conversion timed out", err).WithJob(jobID)
	}
	return models.WrapError(models.KindConversionFailure, "conversion failed", err).WithJob(jobID)
}

func (p *Pool) record(ctx context.Context, logger *log.Logger, task Task, outcome Outcome, started time.Time) {
	if p.recorder == nil {
		return
	}
	var size int64
	for _, f := range task.Files {
		size += f.Size
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := p.recorder.RecordConversion(recordCtx, models.ConversionRecord{
		JobID:     task.Job.ID,
		UserID:    task.UserID,
		Tool:      task.Tool.Name,
		FileSize:  size,
		FileCount: len(task.Files),
		Success:   outcome.Err == nil,
		Duration:  outcome.Duration,
		CreatedAt: started,
	})
	if err != nil {
		logger.Warn("Failed to record conversion history", "error", err)
	}
}
