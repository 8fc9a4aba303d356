// Package scheduler owns playback order. A single goroutine runs the loop;
// playlist updates, fetch results, dwell timers and end-of-video signals
// all arrive on channels, so the cursor is never touched concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"screen-player/internal/fault"
	"screen-player/internal/fetch"
	"screen-player/internal/media"
	"screen-player/internal/playlist"
	"screen-player/internal/store"

	"github.com/sirupsen/logrus"
)

// Resolver turns a content URL into a local file.
type Resolver interface {
	Resolve(ctx context.Context, url string) (fetch.Playable, error)
}

// Renderer puts things on screen. Play returns a channel that is closed
// when the item finishes on its own (end of video), carrying an error
// first if playback failed. It may be nil for items that never finish.
type Renderer interface {
	Play(path string, kind media.Type) (<-chan error, error)
	ShowText(title, body string) error
	ShowPlaceholder() error
}

// Reporter receives faults.
type Reporter interface {
	Report(kind fault.Kind, message string) bool
}

// Status is a snapshot of what the scheduler is doing.
type Status struct {
	Phase        Phase
	PlaylistSize int
	// CurrentSlot is the index of the current slot, 0 when empty.
	CurrentSlot int
	SlotNumber  int
	ContentURL  string
	Path        string
	Stale       bool
}

// Options configure a Scheduler.
type Options struct {
	Resolver Resolver
	Renderer Renderer
	Reporter Reporter
	Logger   logrus.FieldLogger
	// After replaces time.After (tests).
	After func(time.Duration) <-chan time.Time
	// OnChange is called from the loop after every transition.
	OnChange func(Status)
	// DefaultDuration is the dwell for slots without a duration.
	DefaultDuration time.Duration
	// MaxVideoDuration cuts off a video that never reports its end. The
	// slot duration is used instead when it is longer.
	MaxVideoDuration time.Duration
	// Now replaces time.Now (tests).
	Now func() time.Time
}

const (
	// DefaultMaxVideoDuration applies when Options leave it zero.
	DefaultMaxVideoDuration = 15 * time.Minute
	// minVideoRuntime: a video ending sooner than this did not really play.
	minVideoRuntime = time.Second
)

type resolveResult struct {
	gen      uint64
	playable fetch.Playable
	err      error
}

// Scheduler plays a playlist in order, forever.
type Scheduler struct {
	resolver Resolver
	renderer Renderer
	reporter Reporter
	after    func(time.Duration) <-chan time.Time
	onChange func(Status)
	dwellDef time.Duration
	maxVideo time.Duration
	now      func() time.Time
	log      logrus.FieldLogger

	mu      sync.Mutex
	pending *playlist.Playlist
	latest  *playlist.Playlist // last handed to Update
	wake    chan struct{}

	results chan resolveResult
	status  atomic.Pointer[Status]
}

// New creates a Scheduler. Call Run to start it.
func New(opts Options) *Scheduler {
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = media.DefaultImageDuration * time.Second
	}
	if opts.MaxVideoDuration <= 0 {
		opts.MaxVideoDuration = DefaultMaxVideoDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		resolver: opts.Resolver,
		renderer: opts.Renderer,
		reporter: opts.Reporter,
		after:    opts.After,
		onChange: opts.OnChange,
		dwellDef: opts.DefaultDuration,
		maxVideo: opts.MaxVideoDuration,
		now:      opts.Now,
		log:      opts.Logger.WithField("component", "scheduler"),
		wake:     make(chan struct{}, 1),
		results:  make(chan resolveResult, 1),
	}
	s.status.Store(&Status{})
	return s
}

// Update hands the loop a replacement playlist. It never blocks; when
// several updates arrive before the loop wakes, the newest wins.
func (s *Scheduler) Update(pl playlist.Playlist) {
	s.mu.Lock()
	s.pending, s.latest = &pl, &pl
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Sync is Update for playlists pulled on (re)connect: an unchanged playlist
// is left playing where it is. It reports whether an update was made.
func (s *Scheduler) Sync(pl playlist.Playlist) bool {
	s.mu.Lock()
	same := s.latest != nil && s.latest.Equal(pl)
	s.mu.Unlock()
	if same {
		return false
	}
	s.Update(pl)
	return true
}

func (s *Scheduler) takePending() (playlist.Playlist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, false
	}
	pl := *s.pending
	s.pending = nil
	return pl, true
}

// Status returns the latest snapshot. Safe from any goroutine.
func (s *Scheduler) Status() Status {
	return *s.status.Load()
}

// loop holds the state only Run's goroutine touches.
type loop struct {
	*Scheduler
	ctx   context.Context
	state State
	gen   uint64
	timer <-chan time.Time
	ended <-chan error

	// watchdog is set while timer guards a video rather than timing a dwell.
	watchdog   bool
	videoStart time.Time
}

// Run drives playback until ctx is cancelled. It starts in the Empty
// state and waits for the first Update.
func (s *Scheduler) Run(ctx context.Context) error {
	l := &loop{Scheduler: s, ctx: ctx}
	l.begin()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.wake:
			if pl, ok := l.takePending(); ok {
				l.log.Infof("playlist replaced: %d slots", pl.Len())
				l.state.Replace(pl)
				l.begin()
			}

		case r := <-s.results:
			if r.gen != l.gen {
				l.log.Debug("discarding superseded fetch result")
				continue
			}
			l.resolved(r)

		case <-l.timer:
			if l.watchdog {
				slot, _ := l.state.Current()
				l.reporter.Report(fault.Playback, fmt.Sprintf("slot %d: video did not finish", slot.SlotNumber))
			}
			l.next()

		case err := <-l.ended:
			l.videoEnded(err)
		}
	}
}

func (l *loop) next() {
	l.state.Advance()
	l.begin()
}

// begin starts the current slot. Anything still pending for the previous
// slot is orphaned by bumping the generation.
func (l *loop) begin() {
	l.gen++
	l.timer, l.ended, l.watchdog = nil, nil, false

	slot, ok := l.state.Current()
	if !ok {
		if err := l.renderer.ShowPlaceholder(); err != nil {
			l.log.Warnf("placeholder: %v", err)
		}
		l.publish(Status{Phase: Empty})
		return
	}

	st := Status{
		Phase:        Playing,
		PlaylistSize: l.state.Len(),
		CurrentSlot:  l.state.Index(),
		SlotNumber:   slot.SlotNumber,
		ContentURL:   slot.ContentURL,
	}

	if !slot.NeedsContent() {
		if err := l.renderer.ShowText(slot.Title, slot.Description); err != nil {
			l.reporter.Report(fault.Playback, fmt.Sprintf("slot %d: %v", slot.SlotNumber, err))
		}
		l.timer = l.after(l.dwell(slot))
		l.publish(st)
		return
	}

	l.publish(st)
	go l.resolve(l.gen, slot.ContentURL)
}

// resolve runs off the loop. A superseded fetch still completes (and
// still lands in the cache); only its result is ignored.
func (l *loop) resolve(gen uint64, url string) {
	p, err := l.resolver.Resolve(l.ctx, url)
	select {
	case l.results <- resolveResult{gen: gen, playable: p, err: err}:
	case <-l.ctx.Done():
	}
}

func (l *loop) resolved(r resolveResult) {
	slot, _ := l.state.Current()
	st := *l.status.Load()

	if r.err != nil {
		kind := fault.Network
		if errors.Is(r.err, fetch.ErrContentUnavailable) {
			kind = fault.ContentUnavailable
		}
		l.reporter.Report(kind, fmt.Sprintf("slot %d: %v", slot.SlotNumber, r.err))
		l.timer = l.after(l.dwell(slot))
		return
	}

	p := r.playable
	if p.Stale {
		l.reporter.Report(fault.Network, fmt.Sprintf("slot %d served from cache: %v", slot.SlotNumber, p.FetchErr))
	}
	if p.CacheErr != nil && !errors.Is(p.CacheErr, store.ErrTooLarge) {
		l.reporter.Report(fault.Storage, p.CacheErr.Error())
	}

	done, err := l.renderer.Play(p.Path, slot.Type)
	if err != nil {
		l.reporter.Report(fault.Playback, fmt.Sprintf("slot %d: %v", slot.SlotNumber, err))
		l.timer = l.after(l.dwell(slot))
		return
	}

	st.Path, st.Stale = p.Path, p.Stale
	l.publish(st)

	if slot.Type == media.Video && done != nil {
		l.ended = done
		l.watchdog = true
		l.videoStart = l.now()
		l.timer = l.after(max(l.maxVideo, l.dwell(slot)))
		return
	}
	l.timer = l.after(l.dwell(slot))
}

// videoEnded handles the renderer's end signal. A failed or instant end is
// a playback fault and the slot dwells like any other broken item.
func (l *loop) videoEnded(err error) {
	slot, _ := l.state.Current()
	l.ended, l.watchdog = nil, false

	if err == nil {
		ran := l.now().Sub(l.videoStart)
		if ran >= minVideoRuntime {
			l.next()
			return
		}
		err = fmt.Errorf("video ended after %s", ran)
	}

	l.reporter.Report(fault.Playback, fmt.Sprintf("slot %d: %v", slot.SlotNumber, err))
	l.timer = l.after(l.dwell(slot))
}

// dwell is how long slot stays up when nothing else ends it.
func (l *loop) dwell(slot playlist.Slot) time.Duration {
	if slot.DurationSeconds > 0 {
		return slot.Duration()
	}
	return l.dwellDef
}

func (l *loop) publish(st Status) {
	l.status.Store(&st)
	if l.onChange != nil {
		l.onChange(st)
	}
}
