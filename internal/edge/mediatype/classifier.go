// Package mediatype classifies MIME content types into the media kinds the
// gateway is willing to cache and serve.
package mediatype

import (
	"strings"
)

// Exact-match sets. Substring matching would allow a poisoned value like
// "text/html; image/png" through, so the MIME value is normalized first and
// then compared whole.
var imageTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/avif":    true,
	"image/svg+xml": true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/x-icon":  true,
	"image/heic":    true,
	"image/heif":    true,
	"image/jxl":     true,
}

var videoTypes = map[string]bool{
	"video/mp4":        true,
	"video/webm":       true,
	"video/ogg":        true,
	"video/quicktime":  true,
	"video/x-matroska": true,
	"video/x-m4v":      true,
	"video/mp2t":       true,
}

var audioTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/ogg":   true,
	"audio/wav":   true,
	"audio/webm":  true,
	"audio/x-m4a": true,
	"audio/mp4":   true,
	"audio/aac":   true,
	"audio/flac":  true,
}

var hlsTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Normalize strips parameters from a Content-Type header value and lowercases
// the remaining MIME type: "Image/PNG; charset=binary" -> "image/png".
func Normalize(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// IsImage reports whether the content type is a supported image format.
func IsImage(contentType string) bool {
	return imageTypes[Normalize(contentType)]
}

// IsVideo reports whether the content type is a supported video format.
func IsVideo(contentType string) bool {
	return videoTypes[Normalize(contentType)]
}

// IsAudio reports whether the content type is a supported audio format.
func IsAudio(contentType string) bool {
	return audioTypes[Normalize(contentType)]
}

// IsHLS reports whether the content type is an HLS manifest.
func IsHLS(contentType string) bool {
	return hlsTypes[Normalize(contentType)]
}

// IsMedia reports whether the content type is any supported media kind.
// A cached object whose stored type fails this check is poisoned.
func IsMedia(contentType string) bool {
	normalized := Normalize(contentType)
	return imageTypes[normalized] || videoTypes[normalized] ||
		audioTypes[normalized] || hlsTypes[normalized]
}
