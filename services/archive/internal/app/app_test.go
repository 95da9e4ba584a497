package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"storyarchive/internal/wizard"
	"storyarchive/pkg/domain"
	"storyarchive/pkg/queue"
	"storyarchive/pkg/store"
)

type memObjects struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	types     map[string]string
	failPut   error
	failDel   error
	deleted   []string
	presigned int
}

func newMemObjects() *memObjects {
	return &memObjects{blobs: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, ct string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.blobs[key] = data
	m.types[key] = ct
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presigned++
	return "https://blobs.test/" + key + "?sig=x", nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel != nil {
		return m.failDel
	}
	delete(m.blobs, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok
}

type fakeCleanup struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeCleanup) Enqueue(_ context.Context, key, reason string) (queue.CleanupJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return queue.CleanupJob{ID: "job-1", BlobKey: key, Reason: reason}, nil
}

var author = domain.Identity{UID: "user-1", Email: "ada@example.com", DisplayName: "Ada"}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *memObjects, *fakeCleanup) {
	t.Helper()
	st := store.NewMemoryStore()
	objs := newMemObjects()
	cleanup := &fakeCleanup{}
	a, err := New(Config{Store: st, Objects: objs, Cleanup: cleanup})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, objs, cleanup
}

func submission(audioKey string) wizard.Submission {
	return wizard.Submission{
		Speaker:    wizard.Speaker{Name: "Grandma Lu", Age: "82"},
		AudioKey:   audioKey,
		Transcript: "We picked apricots every summer.",
		Category:   wizard.CategorySelection{Group: wizard.GroupOrganization, Key: "org-history", Label: "Its history"},
		Details: wizard.Details{
			Title:    "Apricot summers",
			Tags:     []string{"orchards", "family"},
			Location: &domain.Location{Name: "Cupertino", Lat: 37.32, Lng: -122.03},
			Language: "English",
			Date:     domain.YearDate(1990),
			Summary:  "Summers in the orchards.",
		},
	}
}

func TestUploadAudioKeyedByAuthor(t *testing.T) {
	a, _, objs, _ := newTestApp(t)
	key, err := a.UploadAudio(context.Background(), author, "clip-1-abcd1234.wav", "audio/wav", []byte("RIFF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "audio/user-1/clip-1-abcd1234.wav" {
		t.Fatalf("key = %q", key)
	}
	if !objs.has(key) {
		t.Fatalf("blob %q not stored", key)
	}
	if _, err := a.UploadAudio(context.Background(), author, "x.wav", "audio/wav", nil); !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("expected ErrInvalidUpload, got %v", err)
	}
	key, err = a.UploadAudio(context.Background(), author, "../../etc/passwd", "audio/webm", []byte{1})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(key, "audio/user-1/") || strings.Contains(key, "..") {
		t.Fatalf("unsafe key %q", key)
	}
}

func TestPublishWritesStoryWithPhoto(t *testing.T) {
	a, st, objs, _ := newTestApp(t)
	sub := submission("audio/user-1/clip.wav")
	sub.Photo = &wizard.Photo{Name: "me.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

	story, err := a.Publish(context.Background(), author, sub)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if story.PhotoKey != "photos/user-1/"+story.ID+".png" {
		t.Fatalf("photo key = %q", story.PhotoKey)
	}
	if !objs.has(story.PhotoKey) {
		t.Fatal("photo not uploaded")
	}
	if story.AudioURL == "" || story.PhotoURL == "" {
		t.Fatalf("urls not resolved: %+v", story)
	}
	saved, ok, _ := st.GetStory(story.ID)
	if !ok {
		t.Fatal("story not saved")
	}
	if saved.AuthorID != "user-1" || saved.AuthorName != "Ada" || saved.CategoryLabel != "Its history" {
		t.Fatalf("unexpected story: %+v", saved)
	}
	if saved.Kind != domain.DateYear || *saved.Year != 1990 || saved.StartYear != nil {
		t.Fatalf("unexpected date: %+v", saved.DateSpec)
	}
}

func TestPublishFailureRemovesPhoto(t *testing.T) {
	a, st, objs, _ := newTestApp(t)
	st.FailSaveStory = errors.New("db down")
	sub := submission("audio/user-1/clip.wav")
	sub.Photo = &wizard.Photo{Name: "me.jpg", MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}}

	if _, err := a.Publish(context.Background(), author, sub); err == nil {
		t.Fatal("expected publish error")
	}
	if len(objs.deleted) != 1 || !strings.HasPrefix(objs.deleted[0], "photos/user-1/") {
		t.Fatalf("photo not compensated: %v", objs.deleted)
	}
	if len(objs.blobs) != 0 {
		t.Fatalf("blobs left behind: %v", objs.blobs)
	}
}

func TestDiscardQueuesOnDeleteFailure(t *testing.T) {
	a, _, objs, cleanup := newTestApp(t)
	objs.failDel = errors.New("minio unavailable")
	a.DiscardBlob(context.Background(), "audio/user-1/old.wav")
	if len(cleanup.keys) != 1 || cleanup.keys[0] != "audio/user-1/old.wav" {
		t.Fatalf("cleanup keys = %v", cleanup.keys)
	}
	a.DiscardBlob(context.Background(), "")
	if len(cleanup.keys) != 1 {
		t.Fatal("empty key must be ignored")
	}
}

func TestHandleCleanupDeletesBlob(t *testing.T) {
	a, _, objs, _ := newTestApp(t)
	objs.blobs["audio/user-1/x.wav"] = []byte{1}
	if err := a.HandleCleanup(context.Background(), queue.CleanupJob{BlobKey: "audio/user-1/x.wav"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if objs.has("audio/user-1/x.wav") {
		t.Fatal("blob still present")
	}
}

func TestDeleteStoryAuthorOnly(t *testing.T) {
	a, st, objs, _ := newTestApp(t)
	objs.blobs["audio/user-1/clip.wav"] = []byte{1}
	story, err := a.Publish(context.Background(), author, submission("audio/user-1/clip.wav"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	other := domain.Identity{UID: "user-2"}
	if err := a.DeleteStory(context.Background(), other, story.ID); !errors.Is(err, ErrStoryForbidden) {
		t.Fatalf("expected ErrStoryForbidden, got %v", err)
	}
	if err := a.DeleteStory(context.Background(), author, story.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.GetStory(story.ID); ok {
		t.Fatal("story still present")
	}
	if objs.has("audio/user-1/clip.wav") {
		t.Fatal("audio blob still present")
	}
	if err := a.DeleteStory(context.Background(), author, story.ID); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestGalleryListAndMap(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, title := range []string{"First", "Second", "Equator"} {
		a.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		sub := submission("audio/user-1/" + title + ".wav")
		sub.Details.Title = title
		if title == "Equator" {
			sub.Details.Location = &domain.Location{Name: "Null Island"}
		}
		if _, err := a.Publish(context.Background(), author, sub); err != nil {
			t.Fatalf("publish %s: %v", title, err)
		}
	}

	stories, err := a.ListStories(context.Background(), domain.StoryFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stories) != 3 || stories[0].Title != "Equator" || stories[2].Title != "First" {
		t.Fatalf("unexpected order: %v", titles(stories))
	}
	for _, s := range stories {
		if s.AudioURL == "" {
			t.Fatalf("audio url missing for %s", s.Title)
		}
	}

	points, err := a.MapPoints(context.Background(), 0)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("points = %+v", points)
	}
	if points[0].Place != "Null Island" || points[0].Lat != 0 || points[0].Lng != 0 {
		t.Fatalf("zero coordinates dropped from map: %+v", points[0])
	}
	if points[1].Place != "Cupertino" || points[1].Speaker != "Grandma Lu" {
		t.Fatalf("unexpected point: %+v", points[1])
	}

	if _, err := a.GetStory(context.Background(), "missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func titles(stories []domain.Story) []string {
	out := make([]string, 0, len(stories))
	for _, s := range stories {
		out = append(out, s.Title)
	}
	return out
}

func TestProfileMirrorsIdentity(t *testing.T) {
	a, st, _, _ := newTestApp(t)
	p, err := a.Profile(context.Background(), author)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.UID != "user-1" || p.Email != "ada@example.com" || p.CreatedAt.IsZero() {
		t.Fatalf("unexpected profile: %+v", p)
	}

	renamed := author
	renamed.DisplayName = "Ada L."
	if _, err := a.Profile(context.Background(), renamed); err != nil {
		t.Fatalf("profile: %v", err)
	}
	saved, _, _ := st.GetProfile("user-1")
	if saved.DisplayName != "Ada L." || !saved.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("mirror not refreshed: %+v", saved)
	}

	pos := "50% 20%"
	p, err = a.UpdateProfile(context.Background(), renamed, ProfileUpdate{PhotoPosition: &pos})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.PhotoPosition != "50% 20%" {
		t.Fatalf("photoPosition = %q", p.PhotoPosition)
	}
	bad := "url(javascript:alert(1))"
	if _, err := a.UpdateProfile(context.Background(), renamed, ProfileUpdate{PhotoPosition: &bad}); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestUploadProfilePhotoReplacesOld(t *testing.T) {
	a, _, objs, _ := newTestApp(t)
	first, err := a.UploadProfilePhoto(context.Background(), author, "a.png", "image/png", strings.NewReader("png1"), 4)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(first.PhotoKey, "profiles/user-1/") || !strings.HasPrefix(first.PhotoURL, "https://blobs.test/") {
		t.Fatalf("unexpected profile: %+v", first)
	}
	second, err := a.UploadProfilePhoto(context.Background(), author, "b.jpg", "image/jpeg", strings.NewReader("jpg2"), 4)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if objs.has(first.PhotoKey) || !objs.has(second.PhotoKey) {
		t.Fatalf("old photo kept or new photo missing: %v", objs.blobs)
	}
	if _, err := a.UploadProfilePhoto(context.Background(), author, "a.txt", "text/plain", strings.NewReader("x"), 1); !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("expected ErrInvalidUpload, got %v", err)
	}
}
