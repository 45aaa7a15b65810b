package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tuneforge/core/provider"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"
)

// Completer persists the result of a finished task.
type Completer interface {
	OnGenerationComplete(ctx context.Context, task *model.GenerationTask, completion provider.Completion) (*model.Track, error)
}

type pollDeps struct {
	tasks     repository.GenerationRepository
	providers provider.Set
	completer Completer
	notifier  Notifier
	now       func() time.Time
}

// TaskPoller drives one task through its lifecycle, one status call per Tick.
type TaskPoller struct {
	task     *model.GenerationTask
	state    model.GenerationStatus
	progress int
	deadline time.Time
	timeout  time.Duration
	done     bool
	deps     *pollDeps
}

func newTaskPoller(task *model.GenerationTask, timeout time.Duration, deps *pollDeps) *TaskPoller {
	return &TaskPoller{
		task:     task,
		state:    task.Status,
		progress: task.Progress,
		deadline: task.CreatedAt.Add(timeout),
		timeout:  timeout,
		deps:     deps,
	}
}

// Done reports whether the poller reached an end state.
func (p *TaskPoller) Done() bool { return p.done }

// State returns the last state the poller observed.
func (p *TaskPoller) State() model.GenerationStatus { return p.state }

// Deadline is when the polling budget runs out.
func (p *TaskPoller) Deadline() time.Time { return p.deadline }

// Tick performs at most one status call and reports whether polling is over.
// Transient errors leave the poller running.
func (p *TaskPoller) Tick(ctx context.Context) bool {
	if p.done {
		return true
	}
	if !p.deps.now().Before(p.deadline) {
		p.expire(ctx)
		return true
	}

	prov, err := p.deps.providers.Get(p.task.Service)
	if err != nil {
		p.fail(ctx, model.FailureProvider, err.Error())
		return true
	}

	var res *provider.StatusResult
	if p.task.Kind == model.KindStems {
		res, err = prov.StemStatus(ctx, p.task.ExternalID())
	} else {
		res, err = prov.Status(ctx, p.task.ExternalID())
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("[Poller] status check failed, will retry",
				logger.TaskID(p.task.ID),
				logger.ExternalTaskID(p.task.ExternalID()),
				logger.ErrorField(err))
		}
		return false
	}

	switch res.State {
	case model.StatusCompleted:
		p.complete(ctx, res)
	case model.StatusFailed:
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("generation failed (%s)", res.RawStatus)
		}
		p.fail(ctx, model.FailureProvider, msg)
	case model.StatusRunning:
		p.advance(ctx, res)
	}
	return p.done
}

func (p *TaskPoller) advance(ctx context.Context, res *provider.StatusResult) {
	progress := res.Progress()
	if p.state == model.StatusRunning && p.progress == progress {
		return
	}
	err := p.deps.tasks.Transition(ctx, p.task.ID, model.StatusRunning, repository.TransitionUpdate{Progress: &progress})
	if p.settledElsewhere(err) {
		return
	}
	if err != nil {
		logger.Warn("[Poller] failed to record progress", logger.TaskID(p.task.ID), logger.ErrorField(err))
		return
	}
	p.state, p.progress = model.StatusRunning, progress
	p.task.Status, p.task.Progress = p.state, p.progress
	p.deps.notifier.Notify(ctx, notification(model.EventProgress, p.task, fmt.Sprintf("Generating... %d%%", progress)))
}

func (p *TaskPoller) complete(ctx context.Context, res *provider.StatusResult) {
	progress := provider.ProgressComplete
	upd := repository.TransitionUpdate{Progress: &progress}
	if u := provider.ResultURL(res.Completion); u != "" {
		upd.ResultURL = &u
	}
	if len(res.Raw) > 0 {
		upd.Metadata = withMetadata(p.task.Metadata, "result", res.Raw)
	}

	err := p.deps.tasks.Transition(ctx, p.task.ID, model.StatusCompleted, upd)
	if p.settledElsewhere(err) {
		return
	}
	if err != nil {
		// not claimed; the next tick asks the provider again
		logger.Warn("[Poller] failed to record completion", logger.TaskID(p.task.ID), logger.ErrorField(err))
		return
	}
	p.done = true
	p.state, p.progress = model.StatusCompleted, progress
	p.task.Status, p.task.Progress, p.task.ResultURL = p.state, p.progress, upd.ResultURL

	logger.Info("[Poller] generation completed",
		logger.TaskID(p.task.ID),
		logger.ExternalTaskID(p.task.ExternalID()))

	n := notification(model.EventCompleted, p.task, "Your song is ready")
	if res.Completion == nil {
		logger.Error("[Poller] completed without payload", logger.TaskID(p.task.ID))
	} else if track, err := p.deps.completer.OnGenerationComplete(ctx, p.task, res.Completion); err != nil {
		logger.Error("[Poller] failed to persist result, left for reconciliation",
			logger.TaskID(p.task.ID),
			logger.ErrorField(err))
	} else if track != nil {
		n.TrackID = track.ID
	}
	p.deps.notifier.Notify(ctx, n)
}

func (p *TaskPoller) fail(ctx context.Context, kind model.FailureKind, msg string) {
	err := p.deps.tasks.Transition(ctx, p.task.ID, model.StatusFailed, repository.TransitionUpdate{
		ErrorMessage: &msg,
		FailureKind:  kind,
	})
	if p.settledElsewhere(err) {
		return
	}
	if err != nil {
		logger.Warn("[Poller] failed to record failure", logger.TaskID(p.task.ID), logger.ErrorField(err))
		if ctx.Err() != nil {
			return
		}
	}
	p.done = true
	p.state = model.StatusFailed
	p.task.Status = p.state
	p.task.ErrorMessage = &msg
	p.task.FailureKind = kind

	logger.Info("[Poller] generation failed",
		logger.TaskID(p.task.ID),
		logger.String("failureKind", string(kind)),
		logger.String("reason", msg))
	p.deps.notifier.Notify(ctx, notification(model.EventFailed, p.task, msg))
}

func (p *TaskPoller) expire(ctx context.Context) {
	p.fail(ctx, model.FailureTimeout, fmt.Sprintf("generation timed out after %s", p.timeout))
}

// settledElsewhere handles a transition lost to another writer or a deleted
// task. Either way this poller is finished.
func (p *TaskPoller) settledElsewhere(err error) bool {
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
		logger.Debug("[Poller] task already settled", logger.TaskID(p.task.ID))
		p.done = true
		return true
	}
	return false
}
