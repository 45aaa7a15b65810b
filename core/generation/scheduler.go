package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"tuneforge/core/provider"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"
)

// ErrNotCancellable is returned when cancelling a task that already finished.
var ErrNotCancellable = errors.New("task is not running")

// SchedulerOptions are the polling timings.
type SchedulerOptions struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// DefaultSchedulerOptions polls after 3s, then every 5s for at most 5 minutes.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		InitialDelay: 3 * time.Second,
		Interval:     5 * time.Second,
		Timeout:      5 * time.Minute,
	}
}

// Scheduler owns one polling goroutine per in-flight task.
type Scheduler struct {
	opts     SchedulerOptions
	deps     *pollDeps
	registry Registry

	mu      sync.Mutex
	running map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. registry and notifier may be nil.
func NewScheduler(
	tasks repository.GenerationRepository,
	providers provider.Set,
	completer Completer,
	registry Registry,
	notifier Notifier,
	opts SchedulerOptions,
) *Scheduler {
	def := DefaultSchedulerOptions()
	if opts.InitialDelay < 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts: opts,
		deps: &pollDeps{
			tasks:     tasks,
			providers: providers,
			completer: completer,
			notifier:  notifier,
			now:       time.Now,
		},
		registry: registry,
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Timeout is the polling budget per task.
func (s *Scheduler) Timeout() time.Duration { return s.opts.Timeout }

// Resume restarts polling for every task in the registry. Entries whose
// budget is already spent are expired without another status call, and
// entries for tasks that meanwhile finished are dropped.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	entries, err := s.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, entry := range entries {
		task, err := s.deps.tasks.GetByID(ctx, entry.TaskID)
		if err != nil {
			logger.Warn("[Scheduler] failed to load in-flight task", logger.TaskID(entry.TaskID), logger.ErrorField(err))
			continue
		}
		if task == nil || task.Status.IsTerminal() || task.ExternalID() == "" {
			_ = s.registry.Remove(ctx, entry.TaskID)
			continue
		}
		if s.Ensure(ctx, task) {
			resumed++
		}
	}
	logger.Info("[Scheduler] resumed in-flight tasks", logger.Int("resumed", resumed), logger.Int("entries", len(entries)))
	return resumed, nil
}

// Track starts polling a freshly dispatched task.
func (s *Scheduler) Track(task *model.GenerationTask) {
	s.Ensure(s.ctx, task)
}

// Ensure makes sure a non-terminal task is either polled or, when its budget
// is already spent, expired right away. It reports whether a loop is running.
func (s *Scheduler) Ensure(ctx context.Context, task *model.GenerationTask) bool {
	if task.Status.IsTerminal() {
		return false
	}
	snapshot := *task
	p := newTaskPoller(&snapshot, s.opts.Timeout, s.deps)

	if !s.deps.now().Before(p.Deadline()) {
		p.Tick(ctx)
		_ = s.registry.Remove(ctx, task.ID)
		return false
	}

	s.mu.Lock()
	if _, ok := s.running[task.ID]; ok {
		s.mu.Unlock()
		return true
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.registry.Add(ctx, inFlightEntry(task)); err != nil {
		logger.Warn("[Scheduler] failed to register in-flight task", logger.TaskID(task.ID), logger.ErrorField(err))
	}

	go s.run(loopCtx, p)
	return true
}

// IsTracking reports whether a polling loop is running for taskID.
func (s *Scheduler) IsTracking(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// Active is the number of running loops.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Cancel stops polling a task and marks it failed. The provider job itself is
// not cancelled.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	s.mu.Unlock()

	_ = s.registry.Remove(ctx, taskID)

	msg := "cancelled by user"
	err := s.deps.tasks.Transition(ctx, taskID, model.StatusFailed, repository.TransitionUpdate{
		ErrorMessage: &msg,
		FailureKind:  model.FailureCancelled,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return ErrNotCancellable
	}
	if err != nil {
		return err
	}
	logger.Info("[Scheduler] task cancelled", logger.TaskID(taskID))
	return nil
}

// Stop cancels every loop and waits for them. Registry entries are kept so
// polling resumes on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	logger.Info("[Scheduler] stopped")
}

func (s *Scheduler) run(ctx context.Context, p *TaskPoller) {
	taskID := p.task.ID
	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		if p.Done() {
			_ = s.registry.Remove(context.Background(), taskID)
		}
		s.wg.Done()
	}()

	timer := time.NewTimer(s.wait(p, s.opts.InitialDelay))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if p.Tick(ctx) {
			return
		}
		timer.Reset(s.wait(p, s.opts.Interval))
	}
}

// wait caps d so the loop wakes up when the budget runs out.
func (s *Scheduler) wait(p *TaskPoller, d time.Duration) time.Duration {
	left := p.Deadline().Sub(s.deps.now())
	if left < d {
		d = left
	}
	if d < 0 {
		d = 0
	}
	return d
}
