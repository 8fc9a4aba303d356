//go:build !(linux && arm64)

// Subprocess backend: one VLC process per item.
//
// Linux:   Uses cvlc (VLC without Qt GUI) + xdotool for window positioning.
//          override-redirect keeps the window manager away from it.
//
// Windows: Uses vlc.exe with Qt kiosk flags for development testing.
package vlc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"screen-player/internal/media"

	"github.com/sirupsen/logrus"
)

type vlcBackend struct {
	mu      sync.Mutex
	vlcPath string
	cmd     *exec.Cmd
	screenW int
	screenH int
	log     logrus.FieldLogger
}

func newVLCBackend(log logrus.FieldLogger) Backend {
	return &vlcBackend{log: log}
}

func (b *vlcBackend) Init(screenW, screenH int) error {
	path, err := findVLC()
	if err != nil {
		return err
	}
	b.vlcPath = path
	b.screenW = screenW
	b.screenH = screenH

	b.log.Infof("using %s (screen %dx%d)", path, screenW, screenH)
	return nil
}

func (b *vlcBackend) Show(path string, kind media.Type, overlay string) (<-chan error, error) {
	b.kill()

	cmd := exec.Command(b.vlcPath, buildArgs(runtime.GOOS, path, kind, overlay)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if runtime.GOOS == "linux" {
		cmd.Env = append(os.Environ(), "DISPLAY=:0")
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("vlc start failed: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	if runtime.GOOS == "linux" && cmd.Process != nil {
		go b.positionWindow(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()

		b.mu.Lock()
		ours := b.cmd == cmd
		if ours {
			b.cmd = nil
		}
		b.mu.Unlock()

		// A process we killed for the next item did not end on its own.
		if !ours {
			return
		}
		if err != nil {
			done <- fmt.Errorf("vlc exited: %w", err)
		}
		close(done)
	}()

	if kind != media.Video {
		return nil, nil
	}
	return done, nil
}

// SetOverlay is applied from the next item on; a running cvlc cannot
// change its marquee.
func (b *vlcBackend) SetOverlay(string) {}

func buildArgs(goos, path string, kind media.Type, overlay string) []string {
	var args []string
	if goos == "linux" {
		args = []string{
			"--no-video-title-show", // No filename overlay
			"--no-osd",              // No on-screen display
			"--no-spu",              // No subtitles

			"--avcodec-hw=any",           // HW decode (V4L2 M2M on RPi5)
			"--avcodec-threads=0",        // Auto-detect cores
			"--avcodec-skiploopfilter=0", // Keep deblocking

			"--file-caching=8000",
			"--clock-jitter=0",
			"--deinterlace=0",

			"--aout=alsa",
		}
	} else {
		args = []string{
			"--no-video-deco",
			"--video-on-top",
			"--no-video-title-show",
			"--no-osd",
			"--no-spu",
			"--mouse-hide-timeout=0",
			"--no-qt-fs-controller",
			"--no-qt-name-in-title",
			"--no-qt-privacy-ask",
			"--fullscreen",

			"--avcodec-hw=any",
			"--avcodec-threads=0",
			"--avcodec-skiploopfilter=0",

			"--file-caching=8000",
			"--clock-jitter=0",
			"--deinterlace=0",
		}
		if goos == "windows" {
			args = append(args, "--vout=direct3d11")
		}
	}

	if kind == media.Video {
		args = append(args, "--play-and-exit")
	} else {
		// Stills stay up until the next item replaces them.
		args = append(args, "--image-duration=-1")
	}

	if overlay != "" {
		args = append(args,
			"--sub-source=marq",
			"--marq-marquee="+overlay,
			"--marq-position=8", // bottom
			"--marq-size=28",
		)
	}

	return append(args, "--quiet", path)
}

// positionWindow uses xdotool to cover the screen with the VLC window.
func (b *vlcBackend) positionWindow(pid int) {
	pidStr := strconv.Itoa(pid)
	wStr := strconv.Itoa(b.screenW)
	hStr := strconv.Itoa(b.screenH)

	for attempt := 0; attempt < 50; attempt++ {
		time.Sleep(200 * time.Millisecond)

		out, err := exec.Command("xdotool", "search", "--pid", pidStr).Output()
		if err != nil || strings.TrimSpace(string(out)) == "" {
			continue
		}

		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		windowID := lines[len(lines)-1]

		exec.Command("xdotool", "set_window", "--overrideredirect", "1", windowID).Run()
		exec.Command("xdotool", "windowsize", windowID, wStr, hStr).Run()
		exec.Command("xdotool", "windowmove", windowID, "0", "0").Run()
		exec.Command("xdotool", "windowactivate", windowID).Run()
		exec.Command("xdotool", "windowraise", windowID).Run()

		b.log.Debugf("window %s positioned fullscreen %sx%s", windowID, wStr, hStr)
		return
	}
	b.log.Debugf("could not find window for PID %d after 10s", pid)
}

func (b *vlcBackend) Stop() {
	b.kill()
}

func (b *vlcBackend) Release() {
	b.kill()
	b.log.Debug("vlc backend released")
}

func (b *vlcBackend) kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		b.cmd = nil
	}
}

func findVLC() (string, error) {
	// On Linux, prefer cvlc (VLC without Qt GUI).
	if runtime.GOOS == "linux" {
		if path, err := exec.LookPath("cvlc"); err == nil {
			return path, nil
		}
	}

	if path, err := exec.LookPath("vlc"); err == nil {
		return path, nil
	}

	var candidates []string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{
			`C:\Program Files\VideoLAN\VLC\vlc.exe`,
			`C:\Program Files (x86)\VideoLAN\VLC\vlc.exe`,
		}
	case "darwin":
		candidates = []string{
			"/Applications/VLC.app/Contents/MacOS/VLC",
		}
	default:
		candidates = []string{
			"/usr/bin/cvlc",
			"/usr/bin/vlc",
			"/snap/bin/vlc",
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("VLC not found, install with: sudo apt install vlc (or set player.renderer to headless)")
}
