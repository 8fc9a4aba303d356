// Package player wires the content store, fetcher, scheduler, session and
// fault reporter into one running screen.
package player

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"screen-player/internal/api"
	"screen-player/internal/config"
	"screen-player/internal/fault"
	"screen-player/internal/fetch"
	"screen-player/internal/logging"
	"screen-player/internal/playlist"
	"screen-player/internal/protocol"
	"screen-player/internal/scheduler"
	"screen-player/internal/session"
	"screen-player/internal/store"
	"screen-player/internal/system"
	"screen-player/internal/vlc"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrRestart is returned by Run when the player must be rebuilt from
// scratch: a restart command or an identity change on disk.
var ErrRestart = errors.New("restart requested")

const (
	defaultHousekeeping = time.Hour
	// mediaMaxAge is how long an unused materialized file survives.
	mediaMaxAge = 24 * time.Hour
)

// Display is what the player draws on.
type Display interface {
	scheduler.Renderer
	SetDebug(text string)
	Release()
}

// Options configure a Player.
type Options struct {
	Config *config.Config
	// ConfigPath enables hot reload of the identity when set.
	ConfigPath string
	Fs         afero.Fs
	Version    string
	Logger     logrus.FieldLogger

	// Display overrides the configured renderer (tests).
	Display Display
	Prober  *system.Prober
	// Housekeeping is the media cleanup and health refresh interval.
	Housekeeping time.Duration
}

// Player is one initialized screen. Build a new one after ErrRestart.
type Player struct {
	cfg        *config.Config
	configPath string
	fs         afero.Fs
	version    string
	log        logrus.FieldLogger

	bootID  string
	startAt time.Time

	store    *store.ContentStore // nil when the cache could not be opened
	fetcher  *fetch.Fetcher
	api      *api.Client
	reporter *fault.Reporter
	sched    *scheduler.Scheduler
	session  *session.Manager
	display  Display
	prober   *system.Prober

	housekeeping time.Duration
	health       atomic.Pointer[system.HealthStatus]
	debug        atomic.Bool

	mu     sync.Mutex
	runCtx context.Context

	restartOnce sync.Once
	restartCh   chan struct{}
}

// New builds every component from the config.
func New(opts Options) (*Player, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("player: nil config")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Prober == nil {
		opts.Prober = &system.Prober{Fs: opts.Fs, Log: logging.Component(opts.Logger, "system")}
	}
	if opts.Housekeeping <= 0 {
		opts.Housekeeping = defaultHousekeeping
	}

	p := &Player{
		cfg:          cfg,
		configPath:   opts.ConfigPath,
		fs:           opts.Fs,
		version:      opts.Version,
		log:          logging.Component(opts.Logger, "player"),
		bootID:       uuid.NewString(),
		startAt:      time.Now(),
		prober:       opts.Prober,
		housekeeping: opts.Housekeeping,
		restartCh:    make(chan struct{}),
	}
	p.health.Store(&system.HealthStatus{})

	if err := system.EnsureDir(p.fs, cfg.MediaDir); err != nil {
		return nil, fmt.Errorf("media dir %s: %w", cfg.MediaDir, err)
	}

	p.api = api.NewClient(api.Options{
		BaseURL:   cfg.ServerURL,
		ScreenID:  cfg.ScreenID,
		PlayerKey: cfg.PlayerKey,
		Timeout:   cfg.Network.FetchTimeout,
		Logger:    opts.Logger,
	})

	p.session = session.New(session.Options{
		ServerURL:         cfg.ServerURL,
		SocketPath:        cfg.SocketPath,
		ScreenID:          cfg.ScreenID,
		PlayerKey:         cfg.PlayerKey,
		ReconnectDelay:    cfg.Network.ReconnectDelay,
		HeartbeatInterval: cfg.Network.HeartbeatInterval,
		HandshakeTimeout:  cfg.Network.HandshakeTimeout,
		Handler:           p,
		Heartbeat:         p.heartbeat,
		Logger:            opts.Logger,
	})

	p.reporter = fault.New(fault.Options{
		Threshold: cfg.Fault.Threshold,
		ScreenID:  cfg.ScreenID,
		BootID:    p.bootID,
		Sender:    p.api,
		Online:    p.session.Online,
		Logger:    opts.Logger,
	})

	// Playback goes on without a cache; every fetch then needs the network.
	var cache fetch.Cache
	st, err := store.Open(cfg.Cache.Dir, store.Options{
		MaxBytes:      cfg.Cache.MaxBytes,
		LowWaterRatio: cfg.Cache.LowWaterRatio,
		Logger:        opts.Logger,
	})
	if err != nil {
		p.reporter.Report(fault.Storage, fmt.Sprintf("content store unavailable: %v", err))
	} else {
		p.store = st
		cache = st
	}

	p.fetcher = fetch.New(fetch.Options{
		Cache:    cache,
		Fs:       p.fs,
		MediaDir: cfg.MediaDir,
		Timeout:  cfg.Network.FetchTimeout,
		Logger:   opts.Logger,
	})

	p.display = opts.Display
	if p.display == nil {
		r, err := vlc.New(vlc.Options{
			Kind:         cfg.Player.Renderer,
			Fs:           p.fs,
			Dir:          cfg.MediaDir,
			ScreenWidth:  cfg.Player.ScreenWidth,
			ScreenHeight: cfg.Player.ScreenHeight,
			Logger:       opts.Logger,
		})
		if err != nil {
			p.closeStore()
			return nil, fmt.Errorf("renderer init: %w", err)
		}
		p.display = r
	}

	p.sched = scheduler.New(scheduler.Options{
		Resolver: p.fetcher,
		Renderer: p.display,
		Reporter: p.reporter,
		Logger:   opts.Logger,
		OnChange: func(scheduler.Status) { p.refreshOverlay() },

		DefaultDuration:  time.Duration(cfg.Player.DefaultDuration) * time.Second,
		MaxVideoDuration: cfg.Player.MaxVideoDuration,
	})

	return p, nil
}

// Run plays until ctx is cancelled (nil) or a restart is requested
// (ErrRestart). All components are stopped and released before it returns.
func (p *Player) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	p.log.Infof("screen %s starting (boot %s, server %s)", p.cfg.ScreenID, p.bootID, p.cfg.ServerURL)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { p.reporter.Run(ctx) })
	spawn(func() { p.sched.Run(ctx) })
	spawn(func() { p.session.Run(ctx) })
	spawn(func() { p.pullPlaylist(ctx) })
	spawn(func() { p.housekeepingLoop(ctx) })

	if w := p.watchConfig(); w != nil {
		spawn(func() {
			if err := w.Start(); err != nil {
				p.log.Warnf("config watcher: %v", err)
			}
		})
		defer w.Stop()
	}

	var result error
	select {
	case <-ctx.Done():
		p.log.Info("shutting down")
	case <-p.restartCh:
		p.log.Info("restarting")
		result = ErrRestart
	}

	cancel()
	p.reporter.Close()
	wg.Wait()
	p.display.Release()
	p.closeStore()
	return result
}

func (p *Player) closeStore() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.log.Warnf("close store: %v", err)
		}
	}
}

// runContext returns the running context, or a cancelled one before Run.
func (p *Player) runContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return p.runCtx
}

func (p *Player) requestRestart() {
	p.restartOnce.Do(func() { close(p.restartCh) })
}

func (p *Player) watchConfig() *config.Watcher {
	if p.configPath == "" {
		return nil
	}
	current := p.cfg.Identity()
	w, err := config.NewWatcher(p.fs, p.configPath, func(cfg *config.Config) {
		if cfg.Identity() != current {
			p.log.Info("identity changed on disk")
			p.requestRestart()
		}
	}, p.log)
	if err != nil {
		p.log.Warnf("config watcher unavailable: %v", err)
		return nil
	}
	return w
}

// pullPlaylist asks the REST endpoint for the current playlist.
func (p *Player) pullPlaylist(ctx context.Context) {
	pl, err := p.api.FetchPlaylist(ctx)
	switch {
	case err == nil:
		if !p.sched.Sync(pl) {
			p.log.Debug("pulled playlist unchanged")
		}
	case ctx.Err() != nil:
	case errors.Is(err, api.ErrUnauthorized):
		p.reporter.Report(fault.AuthFailed, "playlist pull: player key rejected")
	case errors.Is(err, api.ErrNotFound):
		p.reporter.Report(fault.PlaylistFetch, "playlist pull: screen not found on server")
	default:
		p.reporter.Report(fault.PlaylistFetch, fmt.Sprintf("playlist pull: %v", err))
	}
}

func (p *Player) housekeepingLoop(ctx context.Context) {
	p.refreshHealth()

	ticker := time.NewTicker(p.housekeeping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanMedia(mediaMaxAge)
			if p.store != nil {
				if _, err := p.store.EnforceBudget(); err != nil {
					p.reporter.Report(fault.Storage, err.Error())
				}
			}
			p.refreshHealth()
		}
	}
}

func (p *Player) refreshHealth() {
	h := p.prober.Check(p.cfg.Cache.Dir)
	p.health.Store(&h)
}

// cleanMedia drops materialized files not used within maxAge, keeping the
// placeholder and whatever is on screen.
func (p *Player) cleanMedia(maxAge time.Duration) {
	keep := map[string]bool{vlc.PlaceholderPath(p.cfg.MediaDir): true}
	if cur := p.sched.Status().Path; cur != "" {
		keep[cur] = true
	}
	n, err := system.CleanOldFiles(p.fs, p.cfg.MediaDir, maxAge, keep, p.log)
	if err != nil {
		p.log.Warnf("media cleanup: %v", err)
		return
	}
	if n > 0 {
		p.log.Infof("removed %d stale media files", n)
	}
}

// heartbeat builds the periodic status message.
func (p *Player) heartbeat() protocol.Heartbeat {
	st := p.sched.Status()
	h := p.health.Load()
	return protocol.Heartbeat{
		ScreenID:     p.cfg.ScreenID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PlaylistSize: st.PlaylistSize,
		CurrentSlot:  st.CurrentSlot,
		ErrorCount:   p.reporter.Count(),
		BootID:       p.bootID,
		Version:      p.version,
		Uptime:       time.Since(p.startAt).Seconds(),
		DiskUsedPct:  h.DiskUsedPct,
		CPUTempC:     h.CPUTempC,
	}
}

func (p *Player) refreshOverlay() {
	if !p.debug.Load() {
		p.display.SetDebug("")
		return
	}
	st := p.sched.Status()
	conn := "offline"
	if p.session.Online() {
		conn = "online"
	}
	p.display.SetDebug(fmt.Sprintf("screen %s | slot %d/%d | errors %d | %s | %s/%s %s",
		p.cfg.ScreenID, st.CurrentSlot, st.PlaylistSize, p.reporter.Count(), conn,
		runtime.GOOS, runtime.GOARCH, p.version))
}

// --- session.Handler ---

// Registered resets the fault streak and pulls the playlist.
func (p *Player) Registered() {
	p.reporter.Reset()
	p.refreshOverlay()
	go p.pullPlaylist(p.runContext())
}

func (p *Player) RegistrationFailed(err error) {
	p.reporter.Report(fault.AuthFailed, err.Error())
}

// Disconnected is only a fault when there is nothing to keep playing.
func (p *Player) Disconnected(err error) {
	p.refreshOverlay()
	if p.sched.Status().PlaylistSize == 0 {
		p.reporter.Report(fault.Disconnected, fmt.Sprintf("connection lost with no cached content: %v", err))
		return
	}
	p.log.Warnf("connection lost, playing from cache: %v", err)
}

func (p *Player) PlaylistUpdated(pl playlist.Playlist) {
	p.sched.Update(pl)
}

func (p *Player) ClearCache() {
	if p.store != nil {
		if err := p.store.Clear(); err != nil {
			p.reporter.Report(fault.Storage, err.Error())
		}
	}
	p.cleanMedia(0)
}

func (p *Player) Restart() {
	p.requestRestart()
}

func (p *Player) DebugMode(enabled bool) {
	p.log.Infof("debug overlay: %v", enabled)
	p.debug.Store(enabled)
	p.refreshOverlay()
}
