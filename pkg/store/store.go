package store

import (
	"errors"

	"storyarchive/pkg/domain"
)

// ErrNotFound is returned by mutations that address a missing document.
var ErrNotFound = errors.New("store: document not found")

// Store defines persistence operations for stories and user profiles.
// A single call is atomic; there are no multi-document transactions.
type Store interface {
	// stories
	SaveStory(domain.Story) error
	GetStory(id string) (domain.Story, bool, error)
	ListStories(filter domain.StoryFilter) ([]domain.Story, error)
	ListMappableStories(limit int) ([]domain.Story, error)
	DeleteStory(id string) error

	// profiles
	SaveProfile(domain.UserProfile) error
	GetProfile(uid string) (domain.UserProfile, bool, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
