package scheduler

import "screen-player/internal/playlist"

// Phase is the coarse playback state.
type Phase int

const (
	// Empty means there is nothing to play and the placeholder is shown.
	Empty Phase = iota
	// Playing means a slot is current.
	Playing
)

func (p Phase) String() string {
	if p == Playing {
		return "playing"
	}
	return "empty"
}

// State is the playlist cursor. It holds no timers and does no I/O, so
// every transition can be checked in isolation.
type State struct {
	playlist playlist.Playlist
	index    int
}

// Replace installs a new playlist and rewinds to its first slot.
func (s *State) Replace(pl playlist.Playlist) {
	s.playlist = pl
	s.index = 0
}

// Advance moves to the next slot, wrapping against the current playlist
// length, and returns the new index. It is a no-op when empty.
func (s *State) Advance() int {
	if len(s.playlist) == 0 {
		s.index = 0
		return 0
	}
	s.index = (s.index + 1) % len(s.playlist)
	return s.index
}

// Phase reports Empty or Playing.
func (s *State) Phase() Phase {
	if len(s.playlist) == 0 {
		return Empty
	}
	return Playing
}

// Current returns the current slot.
func (s *State) Current() (playlist.Slot, bool) {
	if len(s.playlist) == 0 {
		return playlist.Slot{}, false
	}
	return s.playlist[s.index], true
}

// Index is the position of the current slot.
func (s *State) Index() int { return s.index }

// Len is the length of the current playlist.
func (s *State) Len() int { return len(s.playlist) }
