package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"storyarchive/internal/util"
	"storyarchive/internal/wizard"
	"storyarchive/pkg/domain"
	"storyarchive/pkg/queue"
	"storyarchive/pkg/storage"
	"storyarchive/pkg/store"
)

const defaultPresignExpiry = 15 * time.Minute

// CleanupQueue takes blobs whose inline delete failed.
type CleanupQueue interface {
	Enqueue(ctx context.Context, blobKey, reason string) (queue.CleanupJob, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	// Cleanup is optional; without it failed compensating deletes are only logged.
	Cleanup       CleanupQueue
	PresignExpiry time.Duration
	Now           func() time.Time
}

// App is the archive store: story and profile documents plus their blobs.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	cleanup       CleanupQueue
	presignExpiry time.Duration
	now           func() time.Time
}

var _ wizard.Archive = (*App)(nil)

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		cleanup:       cfg.Cleanup,
		presignExpiry: cfg.PresignExpiry,
		now:           cfg.Now,
	}, nil
}

// UploadAudio stores a finished clip under audio/<uid>/ and returns its key.
func (a *App) UploadAudio(ctx context.Context, author domain.Identity, name, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: audio is empty", ErrInvalidUpload)
	}
	key := blobKey("audio", author.UID, clipName(name, mimeType))
	if mimeType == "" {
		mimeType = storage.ContentTypeFor(key)
	}
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return key, nil
}

// DiscardBlob deletes a blob no document references. When the delete
// fails the key goes to the cleanup queue.
func (a *App) DiscardBlob(ctx context.Context, key string) {
	a.discard(ctx, key, "orphaned")
}

func (a *App) discard(ctx context.Context, key, reason string) {
	if key == "" {
		return
	}
	err := a.objects.Delete(ctx, key)
	if err == nil {
		return
	}
	logger := util.LoggerFromContext(ctx)
	if a.cleanup == nil {
		logger.Error("blob delete failed", "key", key, "reason", reason, "err", err)
		return
	}
	job, qerr := a.cleanup.Enqueue(ctx, key, reason)
	if qerr != nil {
		logger.Error("blob delete failed and could not be queued", "key", key, "reason", reason, "err", err, "queue_err", qerr)
		return
	}
	logger.Warn("blob delete failed, queued for cleanup", "key", key, "job_id", job.ID, "err", err)
}

// Publish uploads the speaker photo, if any, and writes the story document.
// A failed document write removes the photo it just uploaded.
func (a *App) Publish(ctx context.Context, author domain.Identity, sub wizard.Submission) (domain.Story, error) {
	if sub.AudioKey == "" {
		return domain.Story{}, fmt.Errorf("%w: audio key missing", ErrInvalidField)
	}
	id := util.NewID()
	story := domain.Story{
		ID:            id,
		Title:         sub.Details.Title,
		Speaker:       sub.Speaker.Name,
		Age:           sub.Speaker.Age,
		Pronouns:      sub.Speaker.Pronouns,
		AudioKey:      sub.AudioKey,
		Tags:          append([]string{}, sub.Details.Tags...),
		Language:      sub.Details.Language,
		Summary:       sub.Details.Summary,
		Transcription: sub.Transcript,
		CreatedAt:     a.now().UTC(),
		AuthorID:      author.UID,
		AuthorName:    authorName(author),
		DateSpec:      sub.Details.Date,
		CategoryGroup: sub.Category.Group,
		CategoryKey:   sub.Category.Key,
		CategoryLabel: sub.Category.Label,
	}
	if sub.Details.Location != nil {
		story.Location = *sub.Details.Location
	}
	if sub.Photo != nil {
		key := blobKey("photos", author.UID, id+photoExt(sub.Photo.Name, sub.Photo.MimeType))
		data := sub.Photo.Data
		if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), sub.Photo.MimeType); err != nil {
			return domain.Story{}, fmt.Errorf("save photo: %w", err)
		}
		story.PhotoKey = key
	}
	if err := a.store.SaveStory(story); err != nil {
		a.discard(ctx, story.PhotoKey, "story write failed")
		return domain.Story{}, fmt.Errorf("save story: %w", err)
	}
	util.LoggerFromContext(ctx).Info("story published", "story_id", id, "author_id", author.UID)
	return a.resolve(ctx, story), nil
}

// DeleteStory removes a story and its blobs. Only the author may delete.
func (a *App) DeleteStory(ctx context.Context, caller domain.Identity, id string) error {
	story, ok, err := a.store.GetStory(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoryNotFound
	}
	if story.AuthorID != caller.UID {
		return ErrStoryForbidden
	}
	if err := a.store.DeleteStory(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrStoryNotFound
		}
		return err
	}
	a.discard(ctx, story.AudioKey, "story deleted")
	a.discard(ctx, story.PhotoKey, "story deleted")
	return nil
}

// HandleCleanup is the cleanup queue worker.
func (a *App) HandleCleanup(ctx context.Context, job queue.CleanupJob) error {
	if err := a.objects.Delete(ctx, job.BlobKey); err != nil {
		return fmt.Errorf("delete blob %s: %w", job.BlobKey, err)
	}
	return nil
}

// putUpload stores a streamed upload; callers bound the reader.
func (a *App) putUpload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if size == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	return a.objects.Put(ctx, key, r, size, contentType)
}

func authorName(id domain.Identity) string {
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		return name
	}
	return id.Email
}

func blobKey(prefix, uid, name string) string {
	return path.Join(prefix, sanitizeFilename(uid), name)
}

func clipName(name, mimeType string) string {
	name = sanitizeFilename(filepath.Base(name))
	if strings.Trim(name, ".") == "" {
		return util.NewAssetName("clip", extOr(storage.ExtensionFor(mimeType), ".bin"))
	}
	return name
}

func photoExt(name, mimeType string) string {
	if ext := storage.ExtensionFor(mimeType); ext != "" {
		return ext
	}
	return extOr(strings.ToLower(filepath.Ext(name)), ".bin")
}

func extOr(ext, fallback string) string {
	if ext == "" {
		return fallback
	}
	return ext
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
