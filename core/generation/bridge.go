package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tuneforge/core/agent"
	"tuneforge/core/provider"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"
	"tuneforge/storage"

	"gorm.io/datatypes"
)

type jobKind int

const (
	jobTrackAudio jobKind = iota
	jobStemAudio
	jobEnrich
)

type bridgeJob struct {
	kind   jobKind
	track  *model.Track
	stem   *model.Stem
	prompt string
}

// BridgeOptions configures the background worker pool.
type BridgeOptions struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds a single download or enrichment.
	JobTimeout time.Duration
}

// Bridge turns finished provider results into tracks and stems, then copies
// their audio into object storage in the background.
type Bridge struct {
	tasks    repository.GenerationRepository
	tracks   repository.TrackRepository
	stems    repository.StemRepository
	store    ObjectStore
	enricher Enricher
	notifier Notifier
	grouper  Grouper
	opts     BridgeOptions

	jobs     chan bridgeJob
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// NewBridge creates a bridge. store, enricher and notifier may be nil; without
// a store the audio stays at the provider.
func NewBridge(
	tasks repository.GenerationRepository,
	tracks repository.TrackRepository,
	stems repository.StemRepository,
	store ObjectStore,
	enricher Enricher,
	notifier Notifier,
	opts BridgeOptions,
) *Bridge {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Bridge{
		tasks:    tasks,
		tracks:   tracks,
		stems:    stems,
		store:    store,
		enricher: enricher,
		notifier: notifier,
		opts:     opts,
		jobs:     make(chan bridgeJob, opts.QueueSize),
	}
}

// SetGrouper makes the bridge group the takes of every saved generation.
func (b *Bridge) SetGrouper(g Grouper) {
	b.mu.Lock()
	b.grouper = g
	b.mu.Unlock()
}

// Start launches the worker pool.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	for i := 0; i < b.opts.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	logger.Info("[Bridge] workers started", logger.Int("workers", b.opts.Workers))
}

// Stop drains the queue and waits for the workers.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		close(b.jobs)
		b.mu.Unlock()
		b.wg.Wait()
		logger.Info("[Bridge] workers stopped")
	})
}

// OnGenerationComplete upserts one track per clip and returns the primary
// (first) one. Calling it again for the same task updates the same rows.
func (b *Bridge) OnGenerationComplete(ctx context.Context, task *model.GenerationTask, completion provider.Completion) (*model.Track, error) {
	if stems, ok := completion.(provider.StemsCompletion); ok {
		return b.onStemsComplete(ctx, task, stems)
	}

	clips := provider.Clips(completion)
	if len(clips) == 0 {
		return nil, fmt.Errorf("completion for task %s carries no clips", task.ID)
	}

	var primary *model.Track
	var created []*model.Track
	for _, clip := range clips {
		track := trackFromClip(task, clip)
		saved, isNew, err := b.tracks.UpsertGenerated(ctx, track)
		if err != nil {
			return nil, err
		}
		if primary == nil {
			primary = saved
		}
		if !saved.IsLocal() && saved.SourceURL != "" {
			b.enqueue(bridgeJob{kind: jobTrackAudio, track: saved})
		}
		if isNew {
			created = append(created, saved)
		}
	}

	if err := b.tasks.SetTrackID(ctx, task.ID, primary.ID); err != nil {
		return nil, err
	}
	task.TrackID = &primary.ID

	b.mu.RLock()
	grouper := b.grouper
	b.mu.RUnlock()
	if grouper != nil && len(clips) > 1 && primary.ProviderTaskID != nil {
		if err := grouper.GroupTask(ctx, task.UserID, *primary.ProviderTaskID); err != nil {
			logger.Warn("[Bridge] variant grouping failed", logger.TaskID(task.ID), logger.ErrorField(err))
		}
	}

	if b.enricher != nil && b.enricher.Enabled() {
		for _, t := range created {
			b.enqueue(bridgeJob{kind: jobEnrich, track: t, prompt: task.Prompt})
		}
	}

	logger.Info("[Bridge] tracks saved",
		logger.TaskID(task.ID),
		logger.TrackID(primary.ID),
		logger.Int("clips", len(clips)),
		logger.Int("created", len(created)))
	return primary, nil
}

func (b *Bridge) onStemsComplete(ctx context.Context, task *model.GenerationTask, completion provider.StemsCompletion) (*model.Track, error) {
	if task.SourceTrackID == nil {
		return nil, fmt.Errorf("stems task %s has no source track", task.ID)
	}
	trackID := *task.SourceTrackID
	variant := 1
	if task.SourceVariant != nil {
		variant = *task.SourceVariant
	}

	track, err := b.tracks.GetByID(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if track == nil {
		return nil, fmt.Errorf("source track %d of stems task %s is gone", trackID, task.ID)
	}

	for _, file := range completion.Stems {
		stem, err := b.stems.Upsert(ctx, &model.Stem{
			TrackID:       trackID,
			VariantNumber: variant,
			StemType:      file.Type,
			StemURL:       file.URL,
			SourceURL:     file.URL,
		})
		if err != nil {
			return nil, err
		}
		if stem.StorageKey == "" && stem.SourceURL != "" {
			b.enqueue(bridgeJob{kind: jobStemAudio, stem: stem})
		}
	}

	if err := b.tasks.SetTrackID(ctx, task.ID, trackID); err != nil {
		return nil, err
	}
	task.TrackID = &trackID

	logger.Info("[Bridge] stems saved",
		logger.TaskID(task.ID),
		logger.TrackID(trackID),
		logger.Int("stems", len(completion.Stems)))
	return track, nil
}

// EnqueueTrackDownload schedules copying a track's audio into storage.
func (b *Bridge) EnqueueTrackDownload(track *model.Track) bool {
	return b.enqueue(bridgeJob{kind: jobTrackAudio, track: track})
}

// EnqueueStemDownload schedules copying a stem into storage.
func (b *Bridge) EnqueueStemDownload(stem *model.Stem) bool {
	return b.enqueue(bridgeJob{kind: jobStemAudio, stem: stem})
}

// enqueue never blocks. A full queue drops the job; the storage sync sweep
// picks it up later.
func (b *Bridge) enqueue(job bridgeJob) bool {
	if b.store == nil && job.kind != jobEnrich {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.jobs <- job:
		return true
	default:
		logger.Warn("[Bridge] job queue full, dropping job", logger.Int("kind", int(job.kind)))
		return false
	}
}

func (b *Bridge) worker(id int) {
	defer b.wg.Done()
	for job := range b.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.JobTimeout)
		var err error
		switch job.kind {
		case jobTrackAudio:
			err = b.storeTrack(ctx, job.track)
		case jobStemAudio:
			err = b.storeStem(ctx, job.stem)
		case jobEnrich:
			err = b.enrich(ctx, job.track, job.prompt)
		}
		cancel()
		if err != nil {
			logger.Warn("[Bridge] background job failed",
				logger.Int("worker", id),
				logger.Int("kind", int(job.kind)),
				logger.ErrorField(err))
		}
	}
}

// storeTrack copies the track's remote audio into storage and points the
// track at the stored copy. On failure the remote url stays in place.
func (b *Bridge) storeTrack(ctx context.Context, track *model.Track) error {
	if track.IsLocal() || track.SourceURL == "" {
		return nil
	}
	key := storage.AudioKey(track.UserID, track.ID, storage.ExtFromURL(track.SourceURL, "mp3"))
	if _, err := b.store.PutFromURL(ctx, track.SourceURL, key); err != nil {
		if merr := b.tracks.MarkDownloadFailed(context.WithoutCancel(ctx), track.ID); merr != nil {
			logger.Warn("[Bridge] failed to record download failure", logger.TrackID(track.ID), logger.ErrorField(merr))
		}
		return fmt.Errorf("track %d: %w", track.ID, err)
	}
	url := b.store.URL(key)
	if err := b.tracks.MarkStored(ctx, track.ID, url, key); err != nil {
		return err
	}
	track.AudioURL, track.StorageKey = url, key

	logger.Info("[Bridge] track audio stored", logger.TrackID(track.ID), logger.String("key", key))
	b.notifier.Notify(ctx, model.Notification{
		Event:   model.EventTrackStored,
		UserID:  track.UserID,
		TrackID: track.ID,
		Message: "Track saved to your library",
		SentAt:  time.Now(),
	})
	return nil
}

func (b *Bridge) storeStem(ctx context.Context, stem *model.Stem) error {
	if stem.StorageKey != "" || stem.SourceURL == "" {
		return nil
	}
	key := storage.StemKey(stem.TrackID, stem.VariantNumber, string(stem.StemType), storage.ExtFromURL(stem.SourceURL, "mp3"))
	size, err := b.store.PutFromURL(ctx, stem.SourceURL, key)
	if err != nil {
		if merr := b.stems.MarkDownloadFailed(context.WithoutCancel(ctx), stem.ID); merr != nil {
			logger.Warn("[Bridge] failed to record download failure", logger.Int64("stemId", stem.ID), logger.ErrorField(merr))
		}
		return fmt.Errorf("stem %d: %w", stem.ID, err)
	}
	url := b.store.URL(key)
	if err := b.stems.MarkStored(ctx, stem.ID, url, key, size); err != nil {
		return err
	}
	stem.StemURL, stem.StorageKey, stem.FileSize = url, key, size
	return nil
}

func (b *Bridge) enrich(ctx context.Context, track *model.Track, prompt string) error {
	known := agent.Song{Title: track.Title, Tags: track.Tags, Lyrics: track.Lyrics}
	if known.Title == titleFromPrompt(prompt) {
		known.Title = ""
	}
	song, err := b.enricher.Enrich(ctx, agent.EnrichRequest{Prompt: prompt, Song: known})
	if err != nil {
		if errors.Is(err, agent.ErrNoProvider) {
			return nil
		}
		return fmt.Errorf("enrich track %d: %w", track.ID, err)
	}

	var title, tags, lyrics string
	if song.Title != "" && song.Title != track.Title {
		title = song.Title
	}
	if song.Tags != track.Tags {
		tags = song.Tags
	}
	if song.Lyrics != track.Lyrics {
		lyrics = song.Lyrics
	}
	return b.tracks.UpdateEnrichment(ctx, track.ID, title, tags, lyrics)
}

func trackFromClip(task *model.GenerationTask, clip provider.Clip) *model.Track {
	taskID := task.ID
	track := &model.Track{
		UserID:           task.UserID,
		GenerationTaskID: &taskID,
		ClipIndex:        clip.Index,
		ClipID:           clip.ClipID,
		Title:            clip.Title,
		AudioURL:         clip.AudioURL,
		SourceURL:        clip.AudioURL,
		CoverURL:         clip.CoverURL,
		Duration:         clip.Duration,
		Lyrics:           clip.Lyrics,
		Tags:             clip.Tags,
		State:            model.TrackStateNormal,
	}
	if clip.ProviderTaskID != "" {
		ptid := clip.ProviderTaskID
		track.ProviderTaskID = &ptid
	}
	if track.Title == "" {
		track.Title = titleFromPrompt(task.Prompt)
	}

	var meta datatypes.JSON
	meta = withMetadata(meta, "taskId", clip.ProviderTaskID)
	meta = withMetadata(meta, "service", task.Service)
	meta = withMetadata(meta, "clipId", clip.ClipID)
	track.Metadata = meta
	return track
}

// titleFromPrompt keeps the first 40 characters of the prompt.
func titleFromPrompt(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if prompt == "" {
		return "Untitled"
	}
	if utf8.RuneCountInString(prompt) <= 40 {
		return prompt
	}
	r := []rune(prompt)
	return strings.TrimSpace(string(r[:40])) + "..."
}
