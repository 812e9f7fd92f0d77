// Package media keeps generated images and audio out of the session store.
// Messages reference blobs by an opaque ref returned from Put.
package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("media not found")
	ErrInvalidRef = errors.New("invalid media ref")
)

type Store interface {
	Put(ctx context.Context, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, string, error)
}

// Presigner is implemented by stores that can hand out direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"audio/wav":  ".wav",
	"audio/mpeg": ".mp3",
	"text/html":  ".html",
}

func extensionFor(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if ext, ok := extensions[base]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func contentTypeFor(ref string) string {
	ext := strings.ToLower(path.Ext(ref))
	for ct, e := range extensions {
		if e == ext {
			return ct
		}
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// newRef builds a date-partitioned ref such as "2026/10/17/<uuid>.png".
func newRef(now time.Time, contentType string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%s%s", now.Year(), now.Month(), now.Day(), uuid.NewString(), extensionFor(contentType))
}

func validRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") || path.Clean(ref) != ref {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	for _, seg := range strings.Split(ref, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
	}
	return nil
}
