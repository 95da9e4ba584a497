package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewAssetName returns a collision-resistant file name for generated media:
// a nanosecond timestamp followed by a short random suffix.
func NewAssetName(prefix, ext string) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%d-%s%s", prefix, time.Now().UnixNano(), suffix, ext)
}
