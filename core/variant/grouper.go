// Package variant groups the alternative takes a provider returns for one
// request into a numbered variant set with a single master.
package variant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"

	"github.com/google/uuid"
)

var (
	// ErrTrackNotFound is returned when the track does not exist for the user.
	ErrTrackNotFound = errors.New("track not found")
	// ErrNotGrouped is returned when setting the master of an ungrouped track.
	ErrNotGrouped = errors.New("track is not part of a variant group")
)

// Update describes one track change made by GroupTracks.
type Update struct {
	TrackID         int64  `json:"trackId"`
	VariantGroupID  string `json:"variantGroupId"`
	VariantNumber   int    `json:"variantNumber"`
	IsMasterVariant bool   `json:"isMasterVariant"`
}

// Failure is a track that could not be updated.
type Failure struct {
	TrackID int64  `json:"trackId"`
	Error   string `json:"error"`
}

// Result summarises a grouping run.
type Result struct {
	GroupsUpdated int       `json:"groupsUpdated"`
	TracksUpdated int       `json:"tracksUpdated"`
	Updates       []Update  `json:"updates"`
	Failures      []Failure `json:"failures,omitempty"`
}

// Grouper assigns variant groups.
type Grouper struct {
	tracks repository.TrackRepository
	newID  func() string
}

// NewGrouper creates a grouper.
func NewGrouper(tracks repository.TrackRepository) *Grouper {
	return &Grouper{tracks: tracks, newID: uuid.NewString}
}

// GroupTracks groups the user's tracks that share a provider task id. With an
// empty taskID every track of the user is considered. Running it again on
// unchanged data updates nothing.
func (g *Grouper) GroupTracks(ctx context.Context, userID int64, taskID string) (*Result, error) {
	tracks, err := g.tracks.ListForGrouping(ctx, userID)
	if err != nil {
		return nil, err
	}

	partitions := make(map[string][]*model.Track)
	var keys []string
	for _, t := range tracks {
		key := ProviderTaskID(t)
		if key == "" || (taskID != "" && key != taskID) {
			continue
		}
		if _, ok := partitions[key]; !ok {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], t)
	}

	result := &Result{Updates: []Update{}}
	for _, key := range keys {
		members := partitions[key]
		if len(members) < 2 {
			continue
		}
		if n := g.groupPartition(ctx, members, result); n > 0 {
			result.GroupsUpdated++
			logger.Info("[Variant] group updated",
				logger.UserID(userID),
				logger.String("providerTaskId", key),
				logger.Int("tracks", n))
		}
	}
	return result, nil
}

// GroupTask groups the takes of one provider task. It satisfies the bridge's
// post-save hook.
func (g *Grouper) GroupTask(ctx context.Context, userID int64, providerTaskID string) error {
	res, err := g.GroupTracks(ctx, userID, providerTaskID)
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d tracks could not be grouped", len(res.Failures))
	}
	return nil
}

func (g *Grouper) groupPartition(ctx context.Context, members []*model.Track, result *Result) int {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ClipIndex != b.ClipIndex {
			return a.ClipIndex < b.ClipIndex
		}
		return a.ID < b.ID
	})

	groupID := ""
	master := members[0].ID
	masterFound := false
	for _, t := range members {
		if groupID == "" && t.VariantGroupID != nil && *t.VariantGroupID != "" {
			groupID = *t.VariantGroupID
		}
		if !masterFound && t.IsMasterVariant {
			master = t.ID
			masterFound = true
		}
	}
	if groupID == "" {
		groupID = g.newID()
	}

	updated := 0
	for i, t := range members {
		number := i + 1
		isMaster := t.ID == master
		if t.VariantGroupID != nil && *t.VariantGroupID == groupID &&
			t.VariantNumber != nil && *t.VariantNumber == number &&
			t.IsMasterVariant == isMaster {
			continue
		}

		if err := g.tracks.UpdateVariant(ctx, t.ID, groupID, number, isMaster); err != nil {
			logger.Warn("[Variant] failed to update track", logger.TrackID(t.ID), logger.ErrorField(err))
			result.Failures = append(result.Failures, Failure{TrackID: t.ID, Error: err.Error()})
			continue
		}
		gid, n := groupID, number
		t.VariantGroupID, t.VariantNumber, t.IsMasterVariant = &gid, &n, isMaster

		result.TracksUpdated++
		result.Updates = append(result.Updates, Update{
			TrackID:         t.ID,
			VariantGroupID:  groupID,
			VariantNumber:   number,
			IsMasterVariant: isMaster,
		})
		updated++
	}
	return updated
}

// SetMaster makes trackID the master of its variant group.
func (g *Grouper) SetMaster(ctx context.Context, userID, trackID int64) error {
	track, err := g.tracks.GetByIDForUser(ctx, userID, trackID)
	if err != nil {
		return err
	}
	if track == nil {
		return ErrTrackNotFound
	}
	if track.VariantGroupID == nil || *track.VariantGroupID == "" {
		return ErrNotGrouped
	}
	if err := g.tracks.SetMaster(ctx, *track.VariantGroupID, trackID); err != nil {
		return err
	}
	logger.Info("[Variant] master reassigned",
		logger.UserID(userID),
		logger.TrackID(trackID),
		logger.String("variantGroupId", *track.VariantGroupID))
	return nil
}

// ProviderTaskID returns the provider task a track came from, preferring the
// column over the metadata keys taskId and task_id.
func ProviderTaskID(t *model.Track) string {
	if t.ProviderTaskID != nil && *t.ProviderTaskID != "" {
		return *t.ProviderTaskID
	}
	if len(t.Metadata) == 0 {
		return ""
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return ""
	}
	for _, key := range []string{"taskId", "task_id"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
