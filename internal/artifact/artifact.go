// Package artifact publishes generated media bytes and hands back a URL the
// player can fetch them from.
//
// Two backends are provided: [FileStore] writes into a local directory and
// [MinioStore] uploads to an S3-compatible bucket and returns presigned GET
// URLs.
package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Store publishes a named object and returns its fetch URL.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ObjectName builds the object key for a turn artifact, e.g.
// "turns/<turnID>/video.mp4".
func ObjectName(turnID, modality, ext string) string {
	return path.Join("turns", turnID, modality+ext)
}

// ContentType maps an object name's extension to a MIME type.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// validName rejects keys that would escape the store root.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact: empty object name")
	}
	clean := path.Clean(name)
	if clean != name || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("artifact: invalid object name %q", name)
	}
	return nil
}
