package player

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"screen-player/internal/config"
	"screen-player/internal/logging"
	"screen-player/internal/media"
	"screen-player/internal/protocol"
	"screen-player/internal/system"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
)

const waitTimeout = 3 * time.Second

type fakeDisplay struct {
	events chan string

	mu    sync.Mutex
	debug string
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{events: make(chan string, 64)}
}

func (d *fakeDisplay) Play(path string, kind media.Type) (<-chan error, error) {
	d.events <- "play:" + path
	return nil, nil
}

func (d *fakeDisplay) ShowText(title, _ string) error {
	d.events <- "text:" + title
	return nil
}

func (d *fakeDisplay) ShowPlaceholder() error {
	d.events <- "placeholder"
	return nil
}

func (d *fakeDisplay) SetDebug(text string) {
	d.mu.Lock()
	d.debug = text
	d.mu.Unlock()
}

func (d *fakeDisplay) Release() {}

func (d *fakeDisplay) debugText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.debug
}

// waitFor drains display events until one matches.
func (d *fakeDisplay) waitFor(t *testing.T, match func(string) bool) string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-d.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for display event")
		}
	}
}

// fakeServer is the signage server: playlist REST, fault endpoints and the
// player socket.
type fakeServer struct {
	*httptest.Server
	playlist string
	onSocket func(conn *websocket.Conn)
	faults   chan protocol.FaultReport
}

func newFakeServer(t *testing.T, playlist string, onSocket func(*websocket.Conn)) *fakeServer {
	fs := &fakeServer{playlist: playlist, onSocket: onSocket, faults: make(chan protocol.FaultReport, 32)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/playlist/screen/12", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.ReplaceAll(fs.playlist, "{{server}}", fs.URL)))
	})
	mux.HandleFunc("/api/screens/12/errors", func(w http.ResponseWriter, r *http.Request) {
		var rep protocol.FaultReport
		json.NewDecoder(r.Body).Decode(&rep)
		select {
		case fs.faults <- rep:
		default:
		}
	})
	mux.HandleFunc("/api/screens/12/alerts", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNG:" + r.URL.Path))
	})
	mux.HandleFunc("/player", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		reply, _ := protocol.NewEnvelope(protocol.EventRegistered, protocol.Registered{Success: true})
		conn.WriteJSON(reply)

		if fs.onSocket != nil {
			fs.onSocket(conn)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) expectFault(t *testing.T, kind string) protocol.FaultReport {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case rep := <-fs.faults:
			if rep.ErrorType == kind {
				return rep
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s fault", kind)
		}
	}
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	cfg, err := config.Load(afero.NewMemMapFs(), "/none.json")
	if err != nil {
		t.Fatal(err)
	}
	cfg.ScreenID = "12"
	cfg.PlayerKey = "secret"
	cfg.ServerURL = serverURL
	cfg.MediaDir = "/media-out"
	cfg.Cache.Dir = t.TempDir()
	cfg.Network.ReconnectDelay = 20 * time.Millisecond
	cfg.Network.FetchTimeout = time.Second
	cfg.Network.HandshakeTimeout = time.Second
	return cfg
}

func newTestPlayer(t *testing.T, cfg *config.Config, display Display) *Player {
	t.Helper()
	p, err := New(Options{
		Config:  cfg,
		Fs:      afero.NewMemMapFs(),
		Version: "test",
		Logger:  logging.Discard(),
		Display: display,
		Prober: &system.Prober{
			Fs:  afero.NewMemMapFs(),
			Run: func(string, ...string) ([]byte, error) { return nil, errors.New("unavailable") },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func runPlayer(t *testing.T, p *Player) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		result <- p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("player did not stop")
		}
	})
	return cancel, result
}

func TestStartupPullPlays(t *testing.T) {
	srv := newFakeServer(t, `[{"slotNumber":1,"campaignId":3,"contentUrl":"{{server}}/media/a.png","type":"image","duration":5}]`, nil)
	display := newFakeDisplay()
	p := newTestPlayer(t, testConfig(t, srv.URL), display)

	cancel, result := runPlayer(t, p)

	ev := display.waitFor(t, func(ev string) bool { return strings.HasPrefix(ev, "play:") })
	if !strings.HasPrefix(ev, "play:/media-out/") || !strings.HasSuffix(ev, ".png") {
		t.Fatalf("unexpected play event %q", ev)
	}
	if st := p.store.Stats(); st.Entries != 1 {
		t.Fatalf("expected the image cached, got %+v", st)
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("player did not stop")
	}
}

// TestStoreFailureFallsBackToNetwork points the cache at a plain file:
// the store cannot open, that is reported once, and content still plays
// straight from the network.
func TestStoreFailureFallsBackToNetwork(t *testing.T) {
	srv := newFakeServer(t, `[{"slotNumber":1,"contentUrl":"{{server}}/media/a.png","type":"image","duration":5}]`, nil)
	cfg := testConfig(t, srv.URL)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Cache.Dir = blocker

	display := newFakeDisplay()
	p := newTestPlayer(t, cfg, display)
	if p.store != nil {
		t.Fatal("expected cache-less mode")
	}
	runPlayer(t, p)

	rep := srv.expectFault(t, "STORAGE")
	if rep.ScreenID != "12" {
		t.Errorf("unexpected fault report %+v", rep)
	}
	ev := display.waitFor(t, func(ev string) bool { return strings.HasPrefix(ev, "play:") })
	if !strings.HasPrefix(ev, "play:/media-out/") {
		t.Fatalf("unexpected play event %q", ev)
	}

	time.Sleep(100 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case rep := <-srv.faults:
			if rep.ErrorType == "STORAGE" {
				t.Fatalf("STORAGE reported more than once: %+v", rep)
			}
		default:
			drained = true
		}
	}
}

func TestRestartCommand(t *testing.T) {
	srv := newFakeServer(t, `[]`, func(conn *websocket.Conn) {
		env, _ := protocol.NewEnvelope(protocol.EventRestart, nil)
		conn.WriteJSON(env)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	p := newTestPlayer(t, testConfig(t, srv.URL), newFakeDisplay())

	_, result := runPlayer(t, p)
	select {
	case err := <-result:
		if !errors.Is(err, ErrRestart) {
			t.Fatalf("expected ErrRestart, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("restart did not stop the player")
	}
}

func TestDisconnectWithoutContentIsReported(t *testing.T) {
	srv := newFakeServer(t, `[]`, func(conn *websocket.Conn) {
		// drop the socket right after registration
	})
	p := newTestPlayer(t, testConfig(t, srv.URL), newFakeDisplay())
	runPlayer(t, p)

	rep := srv.expectFault(t, "DISCONNECTED")
	if rep.ScreenID != "12" || rep.BootID == "" {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestDebugOverlay(t *testing.T) {
	srv := newFakeServer(t, `[{"type":"text","title":"Welcome","duration":30}]`, func(conn *websocket.Conn) {
		env, _ := protocol.NewEnvelope(protocol.EventDebugMode, protocol.DebugMode{Enabled: true})
		conn.WriteJSON(env)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	display := newFakeDisplay()
	p := newTestPlayer(t, testConfig(t, srv.URL), display)
	runPlayer(t, p)

	display.waitFor(t, func(ev string) bool { return ev == "text:Welcome" })

	deadline := time.Now().Add(waitTimeout)
	for !strings.Contains(display.debugText(), "slot 0/1") {
		if time.Now().After(deadline) {
			t.Fatalf("debug overlay not updated: %q", display.debugText())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(display.debugText(), "screen 12") {
		t.Errorf("expected screen id in overlay, got %q", display.debugText())
	}
}

func TestHeartbeatPayload(t *testing.T) {
	srv := newFakeServer(t, `[]`, nil)
	p := newTestPlayer(t, testConfig(t, srv.URL), newFakeDisplay())
	defer p.closeStore()

	p.reporter.Report("NETWORK", "x")
	hb := p.heartbeat()

	if hb.ScreenID != "12" || hb.Version != "test" || hb.BootID != p.bootID {
		t.Errorf("unexpected identity fields %+v", hb)
	}
	if hb.ErrorCount != 1 || hb.PlaylistSize != 0 {
		t.Errorf("unexpected counters %+v", hb)
	}
	if _, err := time.Parse(time.RFC3339, hb.Timestamp); err != nil {
		t.Errorf("bad timestamp %q", hb.Timestamp)
	}
}

func TestClearCache(t *testing.T) {
	srv := newFakeServer(t, `[]`, nil)
	cfg := testConfig(t, srv.URL)
	p := newTestPlayer(t, cfg, newFakeDisplay())
	defer p.closeStore()

	if err := p.store.Put("http://cdn/a.png", []byte("data"), "image/png"); err != nil {
		t.Fatal(err)
	}
	afero.WriteFile(p.fs, cfg.MediaDir+"/old.png", []byte("x"), 0644)

	p.ClearCache()

	if st := p.store.Stats(); st.Entries != 0 {
		t.Fatalf("expected empty store, got %+v", st)
	}
	if ok, _ := afero.Exists(p.fs, cfg.MediaDir+"/old.png"); ok {
		t.Fatal("expected media file removed")
	}
}
