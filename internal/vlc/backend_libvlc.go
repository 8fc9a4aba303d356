//go:build linux && arm64

// Production backend: CGO bindings to libVLC on the Raspberry Pi 5.
// One Player renders every item; MediaPlayerEndReached signals the end of
// a video and MediaPlayerEncounteredError a decode or output failure.
package vlc

import (
	"errors"
	"fmt"
	"sync"

	"screen-player/internal/media"

	libvlc "github.com/adrg/libvlc-go/v3"
	"github.com/sirupsen/logrus"
)

type libvlcBackend struct {
	mu      sync.Mutex
	player  *libvlc.Player
	events  *libvlc.EventManager
	endID   libvlc.EventID
	errID   libvlc.EventID
	playing bool
	log     logrus.FieldLogger

	// endMu is separate from mu: libVLC may deliver events while a
	// player call made under mu is still waiting on its input thread.
	endMu sync.Mutex
	done  chan error
}

func newVLCBackend(log logrus.FieldLogger) Backend {
	return &libvlcBackend{log: log}
}

func (b *libvlcBackend) Init(screenW, screenH int) error {
	flags := []string{
		// --- Display (DRM/KMS, no desktop) ---
		"--no-xlib",
		"--no-osd",
		"--no-dbus",
		"--no-video-title-show",

		// --- Audio ---
		"--aout=alsa",

		// --- Buffering ---
		"--file-caching=5000",
		"--clock-jitter=0",
		"--clock-synchro=0",

		// --- Quality Preservation ---
		"--no-drop-late-frames",
		"--no-skip-frames",
		"--avcodec-skiploopfilter=0",
		"--deinterlace=0",

		// Stills stay up until the next item replaces them.
		"--image-duration=-1",

		"--quiet",
	}
	if err := libvlc.Init(flags...); err != nil {
		return fmt.Errorf("libvlc init failed: %w", err)
	}

	player, err := libvlc.NewPlayer()
	if err != nil {
		libvlc.Release()
		return fmt.Errorf("player creation failed: %w", err)
	}
	player.SetFullScreen(true)

	events, err := player.EventManager()
	if err != nil {
		player.Release()
		libvlc.Release()
		return fmt.Errorf("event manager: %w", err)
	}
	endID, err := events.Attach(libvlc.MediaPlayerEndReached, b.onEnd, nil)
	if err != nil {
		player.Release()
		libvlc.Release()
		return fmt.Errorf("attach end event: %w", err)
	}
	errID, err := events.Attach(libvlc.MediaPlayerEncounteredError, b.onError, nil)
	if err != nil {
		events.Detach(endID)
		player.Release()
		libvlc.Release()
		return fmt.Errorf("attach error event: %w", err)
	}

	b.player, b.events = player, events
	b.endID, b.errID = endID, errID
	b.log.Infof("libVLC player initialized (%dx%d)", screenW, screenH)
	return nil
}

// onEnd and onError run on a libVLC thread; they must not call back into
// the player.
func (b *libvlcBackend) onEnd(libvlc.Event, interface{}) {
	b.finish(nil)
}

func (b *libvlcBackend) onError(libvlc.Event, interface{}) {
	b.finish(errors.New("libvlc encountered an error"))
}

func (b *libvlcBackend) finish(err error) {
	b.endMu.Lock()
	defer b.endMu.Unlock()
	if b.done == nil {
		return
	}
	if err != nil {
		b.done <- err
	}
	close(b.done)
	b.done = nil
}

func (b *libvlcBackend) setDone(ch chan error) {
	b.endMu.Lock()
	b.done = ch
	b.endMu.Unlock()
}

func (b *libvlcBackend) Show(path string, kind media.Type, overlay string) (<-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The previous item's channel is orphaned and never closes.
	b.setDone(nil)
	if _, err := b.player.LoadMediaFromPath(path); err != nil {
		return nil, fmt.Errorf("load media: %w", err)
	}
	done := make(chan error, 1)
	b.setDone(done)
	if err := b.player.Play(); err != nil {
		b.setDone(nil)
		return nil, fmt.Errorf("play failed: %w", err)
	}
	b.playing = true
	b.applyOverlay(overlay)

	if kind != media.Video {
		return nil, nil
	}
	return done, nil
}

func (b *libvlcBackend) SetOverlay(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.player != nil {
		b.applyOverlay(text)
	}
}

func (b *libvlcBackend) applyOverlay(text string) {
	m := b.player.Marquee()
	if text == "" {
		m.Enable(false)
		return
	}
	m.SetText(text)
	m.Enable(true)
}

func (b *libvlcBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playing {
		b.player.Stop()
		b.playing = false
	}
	b.setDone(nil)
}

func (b *libvlcBackend) Release() {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		b.events.Detach(b.endID, b.errID)
		b.events = nil
	}
	if b.player != nil {
		b.player.Release()
		b.player = nil
	}
	libvlc.Release()
	b.log.Debug("libVLC released")
}
