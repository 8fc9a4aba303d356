// Package media provides centralized media type detection
// for the player, distinguishing between video, image and text slots.
package media

import (
	"mime"
	"path"
	"path/filepath"
	"strings"
)

// Type represents the kind of content a slot carries.
type Type int

const (
	Unknown Type = iota
	Video
	Image
	Text
)

func (t Type) String() string {
	switch t {
	case Video:
		return "video"
	case Image:
		return "image"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// Video file extensions.
var videoExts = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".ts":   true,
	".m4v":  true,
	".hevc": true,
	".flv":  true,
	".wmv":  true,
}

// Image file extensions.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
	".tiff": true,
	".svg":  true,
}

// Detect returns the media type for a given file path or URL based on extension.
func Detect(p string) Type {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(filepath.Ext(p))
	if videoExts[ext] {
		return Video
	}
	if imageExts[ext] {
		return Image
	}
	return Unknown
}

// ParseType maps the server's slot type string onto a Type. When the
// server leaves the type empty the content URL's extension decides.
// Anything else is rendered as a text card.
func ParseType(kind, contentURL string) Type {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "image":
		return Image
	case "video":
		return Video
	case "":
		if t := Detect(contentURL); t != Unknown {
			return t
		}
		if contentURL == "" {
			return Text
		}
		return Image
	default:
		return Text
	}
}

// Extension picks a file extension for materialized content, preferring the
// URL's own extension and falling back to the response content-type.
func Extension(contentURL, contentType string) string {
	u := contentURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if ext := strings.ToLower(path.Ext(u)); videoExts[ext] || imageExts[ext] {
		return ext
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ".bin"
}

// DefaultImageDuration is how long (in seconds) a slot is displayed when the
// server does not supply a duration, and how long a failed slot dwells
// before the scheduler advances.
const DefaultImageDuration = 10
