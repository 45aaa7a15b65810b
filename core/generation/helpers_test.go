package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tuneforge/core/provider"
	"tuneforge/db/dbtest"
	"tuneforge/model"
	"tuneforge/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type step struct {
	res *provider.StatusResult
	err error
}

// fakeProvider replays a scripted sequence of status answers; the last one repeats.
type fakeProvider struct {
	mu          sync.Mutex
	name        model.Service
	submitID    string
	submitErr   error
	submits     int
	steps       []step
	statusCalls int
}

func (f *fakeProvider) Name() model.Service { return f.name }

func (f *fakeProvider) Submit(context.Context, provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.submitID, f.submitErr
}

func (f *fakeProvider) Status(context.Context, string) (*provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.steps) == 0 {
		return nil, errors.New("no scripted status")
	}
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return s.res, s.err
}

func (f *fakeProvider) SubmitStems(context.Context, provider.StemRequest) (string, error) {
	return f.Submit(context.Background(), provider.SubmitRequest{})
}

func (f *fakeProvider) StemStatus(ctx context.Context, id string) (*provider.StatusResult, error) {
	return f.Status(ctx, id)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func running(partial bool) step {
	return step{res: &provider.StatusResult{State: model.StatusRunning, Partial: partial, RawStatus: "TEXT_SUCCESS"}}
}

func pending() step {
	return step{res: &provider.StatusResult{State: model.StatusPending, RawStatus: "PENDING"}}
}

func completed(c provider.Completion) step {
	return step{res: &provider.StatusResult{State: model.StatusCompleted, RawStatus: "SUCCESS", Completion: c, Raw: []byte(`{"ok":true}`)}}
}

func failed(msg string) step {
	return step{res: &provider.StatusResult{State: model.StatusFailed, RawStatus: "GENERATE_AUDIO_FAILED", Message: msg}}
}

func transient() step {
	return step{err: errors.New("connection reset")}
}

func twoClips(taskID string) provider.SunoCompletion {
	return provider.SunoCompletion{
		TaskID: taskID,
		Clips: []provider.SunoClip{
			{ID: "clip-a", AudioURL: "https://cdn.example.com/a.mp3", Title: "Morning"},
			{ID: "clip-b", StreamAudioURL: "https://cdn.example.com/b.mp3", Title: "Morning"},
		},
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

type fakeStore struct {
	mu   sync.Mutex
	puts map[string]string
	err  error
	dead map[string]bool // source urls that always fail
}

func (s *fakeStore) PutFromURL(_ context.Context, src, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.dead[src] {
		return 0, fmt.Errorf("GET %s: 404 Not Found", src)
	}
	if s.puts == nil {
		s.puts = map[string]string{}
	}
	s.puts[key] = src
	return 1024, nil
}

func (s *fakeStore) URL(key string) string { return "/media/" + key }

// countingCompleter counts bridge invocations.
type countingCompleter struct {
	mu    sync.Mutex
	next  Completer
	calls int
}

func (c *countingCompleter) OnGenerationComplete(ctx context.Context, task *model.GenerationTask, comp provider.Completion) (*model.Track, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.OnGenerationComplete(ctx, task, comp)
}

type env struct {
	tasks    repository.GenerationRepository
	tracks   repository.TrackRepository
	stems    repository.StemRepository
	suno     *fakeProvider
	notifier *recordingNotifier
	store    *fakeStore
	bridge   *Bridge
	clock    *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb := dbtest.Open(t)
	e := &env{
		tasks:    repository.NewGenerationRepository(gdb),
		tracks:   repository.NewTrackRepository(gdb),
		stems:    repository.NewStemRepository(gdb),
		suno:     &fakeProvider{name: model.ServiceSuno, submitID: "ext-1"},
		notifier: &recordingNotifier{},
		store:    &fakeStore{},
		clock:    newFakeClock(),
	}
	e.bridge = NewBridge(e.tasks, e.tracks, e.stems, e.store, nil, e.notifier, BridgeOptions{Workers: 2})
	return e
}

func (e *env) providers() provider.Set {
	return provider.NewSet(e.suno)
}

func (e *env) pollDeps(c Completer) *pollDeps {
	if c == nil {
		c = e.bridge
	}
	return &pollDeps{
		tasks:     e.tasks,
		providers: e.providers(),
		completer: c,
		notifier:  e.notifier,
		now:       e.clock.Now,
	}
}

func (e *env) createTask(t *testing.T, createdAt time.Time, status model.GenerationStatus) *model.GenerationTask {
	t.Helper()
	ext := fmt.Sprintf("ext-%s", uuid.NewString()[:8])
	task := &model.GenerationTask{
		ID:             uuid.NewString(),
		UserID:         7,
		Kind:           model.KindMusic,
		ExternalTaskID: &ext,
		Service:        model.ServiceSuno,
		Status:         status,
		Progress:       provider.ProgressPending,
		Prompt:         "an upbeat song about the morning commute",
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	require.NoError(t, e.tasks.Create(context.Background(), task))
	return task
}

func (e *env) reload(t *testing.T, id string) *model.GenerationTask {
	t.Helper()
	task, err := e.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
