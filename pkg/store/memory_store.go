package store

import (
	"slices"
	"sort"
	"sync"

	"storyarchive/pkg/domain"
)

// MemoryStore keeps documents in-process for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	stories  map[string]domain.Story
	profiles map[string]domain.UserProfile

	// FailSaveStory, when set, is returned by SaveStory.
	FailSaveStory error
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stories:  make(map[string]domain.Story),
		profiles: make(map[string]domain.UserProfile),
	}
}

// SaveStory stores or replaces a story.
func (m *MemoryStore) SaveStory(s domain.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveStory != nil {
		return m.FailSaveStory
	}
	s.Tags = slices.Clone(nonNilTags(s.Tags))
	m.stories[s.ID] = s
	return nil
}

func (m *MemoryStore) GetStory(id string) (domain.Story, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[id]
	return s, ok, nil
}

// ListStories returns stories newest first.
func (m *MemoryStore) ListStories(filter domain.StoryFilter) ([]domain.Story, error) {
	m.mu.RLock()
	all := make([]domain.Story, 0, len(m.stories))
	for _, s := range m.stories {
		if filter.AuthorID != "" && s.AuthorID != filter.AuthorID {
			continue
		}
		if filter.Language != "" && s.Language != filter.Language {
			continue
		}
		if filter.Tag != "" && !slices.Contains(s.Tags, filter.Tag) {
			continue
		}
		all = append(all, s)
	}
	m.mu.RUnlock()
	sortNewestFirst(all)
	return page(all, filter.Offset, normalizeLimit(filter.Limit)), nil
}

func (m *MemoryStore) ListMappableStories(limit int) ([]domain.Story, error) {
	m.mu.RLock()
	all := make([]domain.Story, 0, len(m.stories))
	for _, s := range m.stories {
		if s.HasCoordinates() {
			all = append(all, s)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(all)
	return page(all, 0, normalizeLimit(limit)), nil
}

func (m *MemoryStore) DeleteStory(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stories[id]; !ok {
		return ErrNotFound
	}
	delete(m.stories, id)
	return nil
}

// SaveProfile stores a profile, keeping the original creation time.
func (m *MemoryStore) SaveProfile(p domain.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.profiles[p.UID]; ok && !prev.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}
	m.profiles[p.UID] = p
	return nil
}

func (m *MemoryStore) GetProfile(uid string) (domain.UserProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[uid]
	return p, ok, nil
}

func sortNewestFirst(stories []domain.Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		if stories[i].CreatedAt.Equal(stories[j].CreatedAt) {
			return stories[i].ID > stories[j].ID
		}
		return stories[i].CreatedAt.After(stories[j].CreatedAt)
	})
}

func page(stories []domain.Story, offset, limit int) []domain.Story {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(stories) {
		return []domain.Story{}
	}
	end := min(offset+limit, len(stories))
	return stories[offset:end]
}
