package variant

import (
	"context"
	"errors"
	"testing"
	"time"

	"tuneforge/db/dbtest"
	"tuneforge/model"
	"tuneforge/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func addTrack(t *testing.T, repo repository.TrackRepository, userID int64, providerTask string, clip int, at time.Time) *model.Track {
	t.Helper()
	track := &model.Track{
		UserID:    userID,
		ClipIndex: clip,
		Title:     "take",
		AudioURL:  "https://cdn/x.mp3",
		CreatedAt: at,
	}
	if providerTask != "" {
		p := providerTask
		track.ProviderTaskID = &p
	}
	require.NoError(t, repo.Create(context.Background(), track))
	return track
}

func reload(t *testing.T, repo repository.TrackRepository, id int64) *model.Track {
	t.Helper()
	track, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, track)
	return track
}

func assertContiguousWithOneMaster(t *testing.T, tracks []*model.Track) {
	t.Helper()
	masters := 0
	for i, tr := range tracks {
		require.NotNil(t, tr.VariantNumber)
		assert.Equal(t, i+1, *tr.VariantNumber)
		require.NotNil(t, tr.VariantGroupID)
		assert.Equal(t, *tracks[0].VariantGroupID, *tr.VariantGroupID)
		if tr.IsMasterVariant {
			masters++
		}
	}
	assert.Equal(t, 1, masters)
}

func TestGroupTracksTwoTakes(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	a := addTrack(t, repo, 7, "abc123", 0, base)
	b := addTrack(t, repo, 7, "abc123", 1, base)

	res, err := NewGrouper(repo).GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 1, res.GroupsUpdated)
	assert.Equal(t, 2, res.TracksUpdated)
	assert.Empty(t, res.Failures)

	first, second := reload(t, repo, a.ID), reload(t, repo, b.ID)
	assert.Equal(t, 1, *first.VariantNumber)
	assert.Equal(t, 2, *second.VariantNumber)
	assert.True(t, first.IsMasterVariant)
	assert.False(t, second.IsMasterVariant)
	assert.Equal(t, *first.VariantGroupID, *second.VariantGroupID)
}

func TestGroupTracksSingleTakeIsNoop(t *testing.T) {
	repo := repository.NewTrackRepository(dbtest.Open(t))
	only := addTrack(t, repo, 7, "solo", 0, base)

	res, err := NewGrouper(repo).GroupTracks(context.Background(), 7, "solo")
	require.NoError(t, err)
	assert.Equal(t, 0, res.GroupsUpdated)
	assert.Equal(t, 0, res.TracksUpdated)
	assert.Nil(t, reload(t, repo, only.ID).VariantGroupID)
}

func TestGroupTracksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	addTrack(t, repo, 7, "abc123", 0, base)
	addTrack(t, repo, 7, "abc123", 1, base)
	g := NewGrouper(repo)

	_, err := g.GroupTracks(ctx, 7, "")
	require.NoError(t, err)
	res, err := g.GroupTracks(ctx, 7, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.GroupsUpdated)
	assert.Equal(t, 0, res.TracksUpdated)
	assert.Empty(t, res.Updates)
}

func TestGroupTracksAllTasksForUser(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	addTrack(t, repo, 7, "one", 0, base)
	addTrack(t, repo, 7, "one", 1, base)
	addTrack(t, repo, 7, "two", 0, base.Add(time.Minute))
	addTrack(t, repo, 7, "two", 1, base.Add(time.Minute))
	addTrack(t, repo, 7, "two", 2, base.Add(time.Minute))
	addTrack(t, repo, 8, "one", 0, base) // another user's take never joins the group
	addTrack(t, repo, 7, "", 0, base)    // uploads have no provider task

	res, err := NewGrouper(repo).GroupTracks(ctx, 7, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.GroupsUpdated)
	assert.Equal(t, 5, res.TracksUpdated)

	tracks, err := repo.ListForGrouping(ctx, 7)
	require.NoError(t, err)
	byTask := map[string][]*model.Track{}
	for _, tr := range tracks {
		if key := ProviderTaskID(tr); key != "" {
			byTask[key] = append(byTask[key], tr)
		}
	}
	require.Len(t, byTask["one"], 2)
	require.Len(t, byTask["two"], 3)
	assertContiguousWithOneMaster(t, byTask["one"])
	assertContiguousWithOneMaster(t, byTask["two"])
	assert.NotEqual(t, *byTask["one"][0].VariantGroupID, *byTask["two"][0].VariantGroupID)

	others, err := repo.ListForGrouping(ctx, 8)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Nil(t, others[0].VariantGroupID)
}

func TestGroupTracksKeepsExistingGroupAndMaster(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	a := addTrack(t, repo, 7, "abc123", 0, base)
	b := addTrack(t, repo, 7, "abc123", 1, base)
	require.NoError(t, repo.UpdateVariant(ctx, b.ID, "existing-group", 1, true))
	c := addTrack(t, repo, 7, "abc123", 2, base)

	res, err := NewGrouper(repo).GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TracksUpdated)

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		assert.Equal(t, "existing-group", *reload(t, repo, id).VariantGroupID)
	}
	assert.True(t, reload(t, repo, b.ID).IsMasterVariant)
	assert.False(t, reload(t, repo, a.ID).IsMasterVariant)
	assert.Equal(t, 2, *reload(t, repo, b.ID).VariantNumber)
}

func TestGroupTracksOrdersByCreationThenClip(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	late := addTrack(t, repo, 7, "abc123", 0, base.Add(time.Second))
	early := addTrack(t, repo, 7, "abc123", 1, base)

	_, err := NewGrouper(repo).GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 1, *reload(t, repo, early.ID).VariantNumber)
	assert.Equal(t, 2, *reload(t, repo, late.ID).VariantNumber)
	assert.True(t, reload(t, repo, early.ID).IsMasterVariant)
}

func TestGroupTracksFallsBackToMetadataTaskID(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	for i, meta := range []string{`{"taskId":"meta-1"}`, `{"task_id":"meta-1"}`} {
		tr := &model.Track{UserID: 7, ClipIndex: i, Title: "t", CreatedAt: base, Metadata: datatypes.JSON(meta)}
		require.NoError(t, repo.Create(ctx, tr))
	}

	res, err := NewGrouper(repo).GroupTracks(ctx, 7, "meta-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.TracksUpdated)
}

type failingTracks struct {
	repository.TrackRepository
	failID int64
}

func (f *failingTracks) UpdateVariant(ctx context.Context, id int64, groupID string, number int, isMaster bool) error {
	if id == f.failID {
		return errors.New("deadlock")
	}
	return f.TrackRepository.UpdateVariant(ctx, id, groupID, number, isMaster)
}

func TestGroupTracksCollectsFailuresAndContinues(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	a := addTrack(t, repo, 7, "abc123", 0, base)
	b := addTrack(t, repo, 7, "abc123", 1, base)
	c := addTrack(t, repo, 7, "abc123", 2, base)

	g := NewGrouper(&failingTracks{TrackRepository: repo, failID: b.ID})
	res, err := g.GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, res.TracksUpdated)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, b.ID, res.Failures[0].TrackID)
	assert.NotNil(t, reload(t, repo, a.ID).VariantGroupID)
	assert.NotNil(t, reload(t, repo, c.ID).VariantGroupID)

	assert.Error(t, g.GroupTask(ctx, 7, "abc123"))
}

func TestSetMaster(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	a := addTrack(t, repo, 7, "abc123", 0, base)
	b := addTrack(t, repo, 7, "abc123", 1, base)
	lone := addTrack(t, repo, 7, "solo", 0, base)
	g := NewGrouper(repo)
	require.NoError(t, g.GroupTask(ctx, 7, "abc123"))

	require.NoError(t, g.SetMaster(ctx, 7, b.ID))
	assert.False(t, reload(t, repo, a.ID).IsMasterVariant)
	assert.True(t, reload(t, repo, b.ID).IsMasterVariant)

	// a regroup keeps the chosen master
	res, err := g.GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TracksUpdated)

	assert.ErrorIs(t, g.SetMaster(ctx, 7, lone.ID), ErrNotGrouped)
	assert.ErrorIs(t, g.SetMaster(ctx, 8, a.ID), ErrTrackNotFound)
}

func TestRegroupAfterDeletingMaster(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTrackRepository(dbtest.Open(t))
	a := addTrack(t, repo, 7, "abc123", 0, base)
	b := addTrack(t, repo, 7, "abc123", 1, base)
	c := addTrack(t, repo, 7, "abc123", 2, base)
	g := NewGrouper(repo)

	_, err := g.GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)
	groupID := *reload(t, repo, a.ID).VariantGroupID
	require.True(t, reload(t, repo, a.ID).IsMasterVariant)

	require.NoError(t, repo.SoftDelete(ctx, 7, a.ID))
	_, err = g.GroupTracks(ctx, 7, "abc123")
	require.NoError(t, err)

	deleted := reload(t, repo, a.ID)
	assert.Nil(t, deleted.VariantGroupID)
	assert.Nil(t, deleted.VariantNumber)
	assert.False(t, deleted.IsMasterVariant)

	survivors := []*model.Track{reload(t, repo, b.ID), reload(t, repo, c.ID)}
	assertContiguousWithOneMaster(t, survivors)
	assert.Equal(t, groupID, *survivors[0].VariantGroupID)
	assert.True(t, survivors[0].IsMasterVariant)
}
