package vlc

import (
	"sync"

	"screen-player/internal/media"
)

// shown is one item handed to a backend.
type shown struct {
	Path    string
	Kind    media.Type
	Overlay string
}

// headlessBackend draws nothing. Videos never report their end, so the
// scheduler falls back to the slot duration.
type headlessBackend struct {
	mu      sync.Mutex
	history []shown
	current *shown
}

func newHeadlessBackend() *headlessBackend {
	return &headlessBackend{}
}

func (b *headlessBackend) Init(int, int) error { return nil }

func (b *headlessBackend) Show(path string, kind media.Type, overlay string) (<-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := shown{Path: path, Kind: kind, Overlay: overlay}
	b.history = append(b.history, s)
	b.current = &s
	return nil, nil
}

func (b *headlessBackend) SetOverlay(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.Overlay = text
	}
}

func (b *headlessBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
}

func (b *headlessBackend) Release() {}

func (b *headlessBackend) last() (shown, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return shown{}, false
	}
	return *b.current, true
}
