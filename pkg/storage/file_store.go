package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("storage: media signature invalid")
	ErrSignatureExpired = errors.New("storage: media link expired")
)

// FileStore saves blobs to disk under a base directory and hands out
// HMAC-signed links served by the archive's /media/ route.
type FileStore struct {
	basePath  string
	publicURL string
	secret    []byte
	now       func() time.Time
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath, publicURL, secret string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("storage signing secret is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    []byte(secret),
		now:       time.Now,
	}, nil
}

// Put writes the blob atomically via a temp file and rename.
func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit file: %w", err)
	}
	return nil
}

// PresignGet returns a /media/ link valid until now+expiry.
func (f *FileStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	exp := f.now().Add(expiry).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", f.sign(key, exp))
	return f.publicURL + "/media/" + key + "?" + q.Encode(), nil
}

// Delete removes a blob. Missing blobs are ignored.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Open verifies a signed link and opens the blob for reading.
func (f *FileStore) Open(key, exp, sig string) (io.ReadCloser, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return nil, "", ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(f.sign(key, expUnix))) {
		return nil, "", ErrSignatureInvalid
	}
	if f.now().Unix() > expUnix {
		return nil, "", ErrSignatureExpired
	}
	target, err := f.path(key)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, "", err
	}
	return file, ContentTypeFor(target), nil
}

var mediaTypes = map[string]string{
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ContentTypeFor guesses a media type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ExtensionFor returns the preferred extension for a media type, or "".
func ExtensionFor(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	switch base {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "image/jpeg":
		return ".jpg"
	}
	for ext, ct := range mediaTypes {
		if ct == base {
			return ext
		}
	}
	return ""
}

func (f *FileStore) path(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

func (f *FileStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
