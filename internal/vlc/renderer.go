// Package vlc renders the current slot fullscreen.
// On RPi5 (linux/arm64) it uses CGO with libVLC for DRM/KMS rendering.
// On other platforms it runs VLC as a subprocess per item.
// A headless backend draws nothing and is used off-device and in tests.
package vlc

import (
	"fmt"
	"strings"
	"sync"

	"screen-player/internal/media"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// PlaceholderText is shown while there is nothing to play.
const PlaceholderText = "No content available"

// Backend is the platform-specific playback implementation.
//
// IMPORTANT: Show must return promptly. Backends must NOT hold a mutex
// while blocking on the media.
type Backend interface {
	Init(screenW, screenH int) error
	// Show replaces whatever is on screen with path. The returned channel
	// is closed when the media ends on its own, after carrying the error if
	// playback failed. It may be nil.
	Show(path string, kind media.Type, overlay string) (<-chan error, error)
	// SetOverlay changes the marquee text of the item on screen.
	SetOverlay(text string)
	Stop()
	Release()
}

// Options configure a Renderer.
type Options struct {
	// Kind is "vlc" or "headless".
	Kind         string
	Fs           afero.Fs
	Dir          string
	ScreenWidth  int
	ScreenHeight int
	Logger       logrus.FieldLogger
}

// Renderer owns one Backend and the on-screen overlay.
type Renderer struct {
	mu          sync.Mutex
	backend     Backend
	placeholder string
	caption     string
	debug       string
	log         logrus.FieldLogger
}

// New initializes the backend and writes the placeholder frame.
func New(opts Options) (*Renderer, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.ScreenWidth <= 0 || opts.ScreenHeight <= 0 {
		opts.ScreenWidth, opts.ScreenHeight = 1920, 1080
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "renderer")

	placeholder, err := WritePlaceholder(opts.Fs, opts.Dir, opts.ScreenWidth, opts.ScreenHeight)
	if err != nil {
		return nil, err
	}

	var b Backend
	switch opts.Kind {
	case "headless":
		b = newHeadlessBackend()
	case "", "vlc":
		b = newVLCBackend(log)
	default:
		return nil, fmt.Errorf("unknown renderer %q", opts.Kind)
	}
	if err := b.Init(opts.ScreenWidth, opts.ScreenHeight); err != nil {
		return nil, err
	}

	log.Infof("%s renderer ready (%dx%d)", orDefault(opts.Kind, "vlc"), opts.ScreenWidth, opts.ScreenHeight)
	return &Renderer{backend: b, placeholder: placeholder, log: log}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Play shows a fetched image or video.
func (r *Renderer) Play(path string, kind media.Type) (<-chan error, error) {
	r.mu.Lock()
	r.caption = ""
	overlay := r.overlayLocked()
	r.mu.Unlock()

	done, err := r.backend.Show(path, kind, overlay)
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", path, err)
	}
	r.log.Debugf("showing %s %s", kind, path)
	return done, nil
}

// ShowText displays a text slot as a caption over the blank frame.
func (r *Renderer) ShowText(title, body string) error {
	caption := strings.TrimSpace(title)
	if body = strings.TrimSpace(body); body != "" {
		if caption != "" {
			caption += " - "
		}
		caption += body
	}
	return r.showFrame(caption)
}

// ShowPlaceholder displays the empty-playlist frame.
func (r *Renderer) ShowPlaceholder() error {
	return r.showFrame(PlaceholderText)
}

func (r *Renderer) showFrame(caption string) error {
	r.mu.Lock()
	r.caption = caption
	overlay := r.overlayLocked()
	r.mu.Unlock()

	if _, err := r.backend.Show(r.placeholder, media.Image, overlay); err != nil {
		return fmt.Errorf("show frame: %w", err)
	}
	return nil
}

// SetDebug sets the diagnostics line; an empty string hides it.
func (r *Renderer) SetDebug(text string) {
	r.mu.Lock()
	if r.debug == text {
		r.mu.Unlock()
		return
	}
	r.debug = text
	overlay := r.overlayLocked()
	r.mu.Unlock()

	r.backend.SetOverlay(overlay)
}

func (r *Renderer) overlayLocked() string {
	parts := make([]string, 0, 2)
	if r.caption != "" {
		parts = append(parts, r.caption)
	}
	if r.debug != "" {
		parts = append(parts, r.debug)
	}
	return strings.Join(parts, "  |  ")
}

// Release stops playback and frees the backend.
func (r *Renderer) Release() {
	r.backend.Stop()
	r.backend.Release()
	r.log.Info("released")
}
