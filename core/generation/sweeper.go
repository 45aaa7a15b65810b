package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tuneforge/core/provider"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Active     int `json:"active"`
	Scheduled  int `json:"scheduled"`
	Expired    int `json:"expired"`
	Reconciled int `json:"reconciled"`
	Tracks     int `json:"tracksQueued"`
	Stems      int `json:"stemsQueued"`
	Polling    int `json:"polling"` // loops running after the status sweep
}

// Sweeper is the server side safety net: it makes sure every unfinished task
// is polled, retries storage copies and rebuilds tracks for completed tasks
// that never got one.
type Sweeper struct {
	tasks     repository.GenerationRepository
	tracks    repository.TrackRepository
	stems     repository.StemRepository
	providers provider.Set
	scheduler *Scheduler
	bridge    *Bridge
	interval  time.Duration
	batch     int

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSweeper creates a sweeper running every interval once started.
func NewSweeper(
	tasks repository.GenerationRepository,
	tracks repository.TrackRepository,
	stems repository.StemRepository,
	providers provider.Set,
	scheduler *Scheduler,
	bridge *Bridge,
	interval time.Duration,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tasks:     tasks,
		tracks:    tracks,
		stems:     stems,
		providers: providers,
		scheduler: scheduler,
		bridge:    bridge,
		interval:  interval,
		batch:     100,
		stopChan:  make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	logger.Info("[Sweeper] started", logger.Duration("interval", s.interval))
}

// Stop ends the loop started by Start.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// RunOnce performs every sweep step. Errors are logged per step.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	if err := s.SweepStatuses(ctx, &report); err != nil {
		logger.Error("[Sweeper] status sweep failed", logger.ErrorField(err))
	}
	if err := s.Reconcile(ctx, &report); err != nil {
		logger.Error("[Sweeper] reconciliation failed", logger.ErrorField(err))
	}
	if err := s.SyncStorage(ctx, &report); err != nil {
		logger.Error("[Sweeper] storage sync failed", logger.ErrorField(err))
	}
	if report != (SweepReport{}) {
		logger.Info("[Sweeper] pass finished",
			logger.Int("active", report.Active),
			logger.Int("scheduled", report.Scheduled),
			logger.Int("expired", report.Expired),
			logger.Int("reconciled", report.Reconciled),
			logger.Int("tracksQueued", report.Tracks),
			logger.Int("stemsQueued", report.Stems),
			logger.Int("polling", report.Polling))
	}
	return report
}

// SweepStatuses makes sure every non-terminal task with a provider id is
// either being polled or, once past its budget, failed with a timeout.
func (s *Sweeper) SweepStatuses(ctx context.Context, report *SweepReport) error {
	active, err := s.tasks.ListActive(ctx)
	if err != nil {
		return err
	}
	report.Active += len(active)
	for _, task := range active {
		if s.scheduler.IsTracking(task.ID) {
			continue
		}
		if s.scheduler.Ensure(ctx, task) {
			report.Scheduled++
		} else {
			report.Expired++
		}
	}
	report.Polling = s.scheduler.Active()
	return nil
}

// PollActive asks the provider once about every unfinished task without
// starting polling loops.
func (s *Sweeper) PollActive(ctx context.Context, report *SweepReport) error {
	active, err := s.tasks.ListActive(ctx)
	if err != nil {
		return err
	}
	report.Active += len(active)
	for _, task := range active {
		p := newTaskPoller(task, s.scheduler.Timeout(), s.scheduler.deps)
		expired := !s.scheduler.deps.now().Before(p.Deadline())
		if p.Tick(ctx) && expired {
			report.Expired++
		}
	}
	return nil
}

// Reconcile re-runs the bridge for completed tasks that have no track. It
// never changes a task's status.
func (s *Sweeper) Reconcile(ctx context.Context, report *SweepReport) error {
	tasks, err := s.tasks.ListCompletedWithoutTrack(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.reconcileTask(ctx, task); err != nil {
			logger.Warn("[Sweeper] reconciliation failed", logger.TaskID(task.ID), logger.ErrorField(err))
			continue
		}
		report.Reconciled++
	}
	return nil
}

func (s *Sweeper) reconcileTask(ctx context.Context, task *model.GenerationTask) error {
	if task.ExternalID() == "" {
		return fmt.Errorf("task has no provider id")
	}
	p, err := s.providers.Get(task.Service)
	if err != nil {
		return err
	}

	var res *provider.StatusResult
	if task.Kind == model.KindStems {
		res, err = p.StemStatus(ctx, task.ExternalID())
	} else {
		res, err = p.Status(ctx, task.ExternalID())
	}
	if err != nil {
		return err
	}
	if res.State != model.StatusCompleted || res.Completion == nil {
		return fmt.Errorf("provider reports %q for a completed task", res.RawStatus)
	}
	_, err = s.bridge.OnGenerationComplete(ctx, task, res.Completion)
	return err
}

// SyncStorage queues storage copies for tracks and stems whose audio is still
// only at the provider.
func (s *Sweeper) SyncStorage(ctx context.Context, report *SweepReport) error {
	tracks, err := s.tracks.ListExternal(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if s.bridge.EnqueueTrackDownload(t) {
			report.Tracks++
		}
	}

	stems, err := s.stems.ListExternal(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, st := range stems {
		if s.bridge.EnqueueStemDownload(st) {
			report.Stems++
		}
	}
	return nil
}
