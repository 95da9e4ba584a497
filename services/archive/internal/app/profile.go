package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"storyarchive/internal/util"
	"storyarchive/pkg/domain"
)

const maxPhotoPositionLen = 64

// ProfileUpdate carries the editable profile fields. Nil leaves a field as is.
type ProfileUpdate struct {
	PhotoPosition *string `json:"photoPosition"`
}

// Profile returns the caller's profile, mirroring the identity claims into it.
func (a *App) Profile(ctx context.Context, id domain.Identity) (domain.UserProfile, error) {
	p, err := a.syncProfile(id)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return a.resolveProfile(ctx, p), nil
}

func (a *App) UpdateProfile(ctx context.Context, id domain.Identity, upd ProfileUpdate) (domain.UserProfile, error) {
	p, err := a.syncProfile(id)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if upd.PhotoPosition != nil {
		pos := strings.TrimSpace(*upd.PhotoPosition)
		if !validPhotoPosition(pos) {
			return domain.UserProfile{}, fmt.Errorf("%w: photoPosition", ErrInvalidField)
		}
		p.PhotoPosition = pos
	}
	p.UpdatedAt = a.now().UTC()
	if err := a.store.SaveProfile(p); err != nil {
		return domain.UserProfile{}, fmt.Errorf("save profile: %w", err)
	}
	return a.resolveProfile(ctx, p), nil
}

// UploadProfilePhoto stores a new profile photo and replaces the old one.
func (a *App) UploadProfilePhoto(ctx context.Context, id domain.Identity, name, contentType string, r io.Reader, size int64) (domain.UserProfile, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return domain.UserProfile{}, fmt.Errorf("%w: photo must be an image", ErrInvalidUpload)
	}
	key := blobKey("profiles", id.UID, util.NewID()+photoExt(name, contentType))

	var p domain.UserProfile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.putUpload(gctx, key, r, size, contentType)
	})
	g.Go(func() error {
		var err error
		p, err = a.syncProfile(id)
		return err
	})
	if err := g.Wait(); err != nil {
		a.discard(ctx, key, "profile photo upload failed")
		return domain.UserProfile{}, fmt.Errorf("upload profile photo: %w", err)
	}

	old := p.PhotoKey
	p.PhotoKey = key
	p.UpdatedAt = a.now().UTC()
	if err := a.store.SaveProfile(p); err != nil {
		a.discard(ctx, key, "profile write failed")
		return domain.UserProfile{}, fmt.Errorf("save profile: %w", err)
	}
	a.discard(ctx, old, "profile photo replaced")
	return a.resolveProfile(ctx, p), nil
}

// syncProfile loads the profile, creating it or refreshing the mirrored
// identity fields when they drifted.
func (a *App) syncProfile(id domain.Identity) (domain.UserProfile, error) {
	p, ok, err := a.store.GetProfile(id.UID)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("load profile: %w", err)
	}
	now := a.now().UTC()
	if !ok {
		p = domain.UserProfile{UID: id.UID, CreatedAt: now}
	} else if p.Email == id.Email && p.DisplayName == id.DisplayName && p.PhotoURL == id.PhotoURL {
		return p, nil
	}
	p.Email = id.Email
	p.DisplayName = id.DisplayName
	p.PhotoURL = id.PhotoURL
	p.UpdatedAt = now
	if err := a.store.SaveProfile(p); err != nil {
		return domain.UserProfile{}, fmt.Errorf("save profile: %w", err)
	}
	return p, nil
}

// resolveProfile prefers the uploaded photo over the identity provider's.
func (a *App) resolveProfile(ctx context.Context, p domain.UserProfile) domain.UserProfile {
	if p.PhotoKey == "" {
		return p
	}
	u, err := a.objects.PresignGet(ctx, p.PhotoKey, a.presignExpiry)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("presign profile photo failed", "uid", p.UID, "err", err)
		return p
	}
	p.PhotoURL = u
	return p
}

// validPhotoPosition accepts CSS object-position values such as
// "center" or "50% 20%".
func validPhotoPosition(pos string) bool {
	if pos == "" {
		return true
	}
	if len(pos) > maxPhotoPositionLen {
		return false
	}
	for _, r := range pos {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '%', r == ' ', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}
