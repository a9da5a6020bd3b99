package storage

import (
	"context"
	"sync"
	"time"

	"filevora/logging"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Sweeper runs Store.Sweep on a fixed interval. A panicking or failing cycle
// is logged and the schedule carries on.
type Sweeper struct {
	store  *Store
	cron   *cron.Cron
	job    cron.Job
	sweep  func(time.Time) SweepResult
	now    func() time.Time
	logger *log.Logger
	first  sync.WaitGroup
}

func NewSweeper(store *Store, interval time.Duration, logger *log.Logger) *Sweeper {
	s := &Sweeper{
		store:  store,
		sweep:  store.Sweep,
		now:    time.Now,
		logger: logger,
	}

	cronLogger := logging.CronLogger(logger)
	s.job = cron.NewChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	).Then(cron.FuncJob(s.runCycle))

	s.cron = cron.New(cron.WithLogger(cronLogger))
	s.cron.Schedule(cron.Every(interval), s.job)
	return s
}

// Start runs one cycle right away and then every interval.
func (s *Sweeper) Start() {
	s.logger.Info("Starting storage sweeper", "root", s.store.Root(), "retention", s.store.Retention())
	s.first.Add(1)
	go func() {
		defer s.first.Done()
		s.job.Run()
	}()
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once every running
// cycle, including the one Start kicked off, has finished.
func (s *Sweeper) Stop() context.Context {
	scheduled := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		<-scheduled.Done()
		s.first.Wait()
	}()
	return ctx
}

// RunOnce performs a single sweep synchronously.
func (s *Sweeper) RunOnce() SweepResult {
	return s.sweep(s.now())
}

func (s *Sweeper) runCycle() {
	start := time.Now()
	result := s.sweep(s.now())
	if result.Err != nil {
		s.logger.Error("Storage sweep failed", "error", result.Err)
		return
	}
	s.logger.Info("Storage sweep finished",
		"scanned", result.Scanned,
		"reaped", result.Reaped,
		"failed", result.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}
