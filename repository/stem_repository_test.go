package repository

import (
	"context"
	"testing"

	"tuneforge/db/dbtest"
	"tuneforge/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStemUpsertIsUniquePerTrackVariantType(t *testing.T) {
	ctx := context.Background()
	repo := NewStemRepository(dbtest.Open(t))

	first, err := repo.Upsert(ctx, &model.Stem{TrackID: 1, VariantNumber: 1, StemType: model.StemVocals, StemURL: "https://cdn/v.mp3", SourceURL: "https://cdn/v.mp3"})
	require.NoError(t, err)
	second, err := repo.Upsert(ctx, &model.Stem{TrackID: 1, VariantNumber: 1, StemType: model.StemVocals, StemURL: "https://cdn/other.mp3"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://cdn/v.mp3", second.StemURL)

	_, err = repo.Upsert(ctx, &model.Stem{TrackID: 1, VariantNumber: 1, StemType: model.StemInstrumental, SourceURL: "https://cdn/i.mp3"})
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, &model.Stem{TrackID: 1, VariantNumber: 2, StemType: model.StemVocals, SourceURL: "https://cdn/v2.mp3"})
	require.NoError(t, err)

	stems, err := repo.ListByTrack(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stems, 3)

	external, err := repo.ListExternal(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, external, 3)

	require.NoError(t, repo.MarkStored(ctx, first.ID, "https://minio/s.mp3", "stems/1/1/vocals.mp3", 1024))
	external, err = repo.ListExternal(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, external, 2)
}

func TestStemDownloadFailuresAreCapped(t *testing.T) {
	ctx := context.Background()
	repo := NewStemRepository(dbtest.Open(t))

	dead, err := repo.Upsert(ctx, &model.Stem{TrackID: 2, VariantNumber: 1, StemType: model.StemVocals, SourceURL: "https://cdn/expired.mp3"})
	require.NoError(t, err)
	fresh, err := repo.Upsert(ctx, &model.Stem{TrackID: 2, VariantNumber: 1, StemType: model.StemDrums, SourceURL: "https://cdn/drums.mp3"})
	require.NoError(t, err)

	require.NoError(t, repo.MarkDownloadFailed(ctx, dead.ID))
	external, err := repo.ListExternal(ctx, 1)
	require.NoError(t, err)
	require.Len(t, external, 1)
	assert.Equal(t, fresh.ID, external[0].ID)

	for i := 1; i < MaxDownloadAttempts; i++ {
		require.NoError(t, repo.MarkDownloadFailed(ctx, dead.ID))
	}
	external, err = repo.ListExternal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, external, 1)
	assert.Equal(t, fresh.ID, external[0].ID)
}
