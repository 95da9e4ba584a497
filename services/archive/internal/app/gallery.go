package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"storyarchive/internal/util"
	"storyarchive/pkg/domain"
)

const presignConcurrency = 8

// ListStories returns published stories, newest first.
func (a *App) ListStories(ctx context.Context, filter domain.StoryFilter) ([]domain.Story, error) {
	filter.Tag = strings.TrimSpace(filter.Tag)
	filter.Language = strings.TrimSpace(filter.Language)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	stories, err := a.store.ListStories(filter)
	if err != nil {
		return nil, err
	}
	if err := a.resolveAll(ctx, stories); err != nil {
		return nil, err
	}
	return stories, nil
}

// MapPoints returns the stories that carry coordinates as map markers.
func (a *App) MapPoints(ctx context.Context, limit int) ([]domain.MapPoint, error) {
	stories, err := a.store.ListMappableStories(limit)
	if err != nil {
		return nil, err
	}
	points := make([]domain.MapPoint, 0, len(stories))
	for _, s := range stories {
		if !s.HasCoordinates() {
			continue
		}
		points = append(points, domain.MapPoint{
			ID:      s.ID,
			Title:   s.Title,
			Speaker: s.Speaker,
			Lat:     s.Location.Lat,
			Lng:     s.Location.Lng,
			Place:   s.Location.Name,
		})
	}
	return points, nil
}

// GetStory returns one story with its media links resolved.
func (a *App) GetStory(ctx context.Context, id string) (domain.Story, error) {
	story, ok, err := a.store.GetStory(id)
	if err != nil {
		return domain.Story{}, err
	}
	if !ok {
		return domain.Story{}, ErrStoryNotFound
	}
	if err := a.resolveStory(ctx, &story); err != nil {
		return domain.Story{}, err
	}
	return story, nil
}

func (a *App) resolveAll(ctx context.Context, stories []domain.Story) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(presignConcurrency)
	for i := range stories {
		s := &stories[i]
		g.Go(func() error {
			return a.resolveStory(gctx, s)
		})
	}
	return g.Wait()
}

func (a *App) resolveStory(ctx context.Context, s *domain.Story) error {
	if s.AudioKey != "" {
		u, err := a.objects.PresignGet(ctx, s.AudioKey, a.presignExpiry)
		if err != nil {
			return fmt.Errorf("presign audio for %s: %w", s.ID, err)
		}
		s.AudioURL = u
	}
	if s.PhotoKey != "" {
		u, err := a.objects.PresignGet(ctx, s.PhotoKey, a.presignExpiry)
		if err != nil {
			return fmt.Errorf("presign photo for %s: %w", s.ID, err)
		}
		s.PhotoURL = u
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return nil
}

// resolve is resolveStory for paths that already committed a write.
func (a *App) resolve(ctx context.Context, s domain.Story) domain.Story {
	if err := a.resolveStory(ctx, &s); err != nil {
		util.LoggerFromContext(ctx).Warn("resolve media links failed", "story_id", s.ID, "err", err)
	}
	return s
}
