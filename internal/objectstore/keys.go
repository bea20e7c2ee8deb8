package objectstore

import (
	"path"
	"strings"
)

// Raw uploads live under videos/<id>/<filename>; processed output lives under
// <id>/ with the DASH manifest at <id>/manifest.mpd.

// RawKey builds the upload-bucket key for a raw video file.
func RawKey(videoID, filename string) string {
	return path.Join("videos", videoID, filename)
}

// ManifestKey builds the output-bucket key for a video's DASH manifest.
func ManifestKey(videoID string) string {
	return path.Join(videoID, "manifest.mpd")
}

// SegmentKey builds the output-bucket key for one DASH segment.
func SegmentKey(videoID, segment string) string {
	return path.Join(videoID, segment)
}

// OutputPrefix is the output-bucket prefix holding every processed object for
// a video.
func OutputPrefix(videoID string) string {
	return videoID + "/"
}

// ContentTypeFor maps a DASH artifact key to its MIME type.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mpd":
		return "application/dash+xml"
	case ".m4s", ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

// CacheControlFor returns the cache policy for a DASH artifact. Manifests are
// republished on every transcode so they get a short TTL; everything else in
// the output bucket is immutable once written.
func CacheControlFor(key string) string {
	if strings.ToLower(path.Ext(key)) == ".mpd" {
		return "max-age=300"
	}
	return "max-age=31536000, immutable"
}
