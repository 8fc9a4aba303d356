// Package session keeps the persistent websocket to the signage server:
// register, heartbeat, dispatch inbound commands, and reconnect forever.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"screen-player/internal/playlist"
	"screen-player/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrRegistrationRejected is passed to Handler.RegistrationFailed when the
// server answers the register message negatively.
var ErrRegistrationRejected = errors.New("registration rejected")

// Handler receives session events. Methods are called from the session's
// own goroutines and must not block for long.
type Handler interface {
	// Registered is called once per successful registration.
	Registered()
	RegistrationFailed(err error)
	// Disconnected is called when an established channel is lost.
	Disconnected(err error)
	PlaylistUpdated(pl playlist.Playlist)
	ClearCache()
	Restart()
	DebugMode(enabled bool)
}

// Options configure a Manager.
type Options struct {
	ServerURL  string
	SocketPath string
	ScreenID   string
	PlayerKey  string

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	// PongWait is how long the channel may stay silent before it is
	// considered dead. Zero means two heartbeat intervals.
	PongWait time.Duration

	Handler Handler
	// Heartbeat builds each heartbeat payload.
	Heartbeat func() protocol.Heartbeat
	Logger    logrus.FieldLogger
	Dialer    *websocket.Dialer
}

// Manager owns one websocket at a time.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	log    logrus.FieldLogger

	online atomic.Bool

	connMu sync.Mutex // protects websocket writes
	conn   *websocket.Conn
}

// New creates a Manager. Call Run to connect.
func New(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 2 * opts.HeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}

	return &Manager{
		opts:   opts,
		dialer: dialer,
		log:    opts.Logger.WithField("component", "session"),
	}
}

// Online reports whether the screen is currently registered.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// SocketURL converts the server's http(s) base into the websocket URL.
func SocketURL(serverURL, socketPath string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if socketPath == "" {
		socketPath = "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(socketPath, "/")
	return u.String(), nil
}

// Run connects and reconnects until ctx is cancelled. It never gives up.
func (m *Manager) Run(ctx context.Context) error {
	target, err := SocketURL(m.opts.ServerURL, m.opts.SocketPath)
	if err != nil {
		return err
	}

	for {
		if err := m.session(ctx, target); err != nil && ctx.Err() == nil {
			m.log.Warnf("session ended: %v (retrying in %s)", err, m.opts.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.ReconnectDelay):
		}
	}
}

// session runs one connection from dial to loss.
func (m *Manager) session(ctx context.Context, target string) error {
	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
	}()

	m.log.Infof("connected to %s", target)

	if err := m.register(conn); err != nil {
		if errors.Is(err, ErrRegistrationRejected) {
			m.opts.Handler.RegistrationFailed(err)
		}
		return err
	}

	m.online.Store(true)
	m.log.Infof("registered as screen %s", m.opts.ScreenID)
	m.opts.Handler.Registered()

	go m.heartbeatLoop(connCtx, conn)

	err = m.readLoop(conn)
	m.online.Store(false)
	if ctx.Err() != nil {
		return nil
	}
	m.opts.Handler.Disconnected(err)
	return err
}

func (m *Manager) register(conn *websocket.Conn) error {
	if err := m.send(protocol.EventRegister, protocol.Register{
		ScreenID:  m.opts.ScreenID,
		PlayerKey: m.opts.PlayerKey,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read registration reply: %w", err)
		}
		if env.Event != protocol.EventRegistered {
			m.log.Debugf("ignoring %q before registration", env.Event)
			continue
		}

		var reply protocol.Registered
		if err := json.Unmarshal(env.Data, &reply); err != nil {
			return fmt.Errorf("decode registration reply: %w", err)
		}
		if !reply.Success {
			return fmt.Errorf("%w: %s", ErrRegistrationRejected, reply.Error)
		}
		return nil
	}
}

// readLoop returns when the connection fails or stays silent longer than
// PongWait; pongs and messages both count as signs of life.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	alive := func() { conn.SetReadDeadline(time.Now().Add(m.opts.PongWait)) }
	alive()
	conn.SetPongHandler(func(string) error {
		alive()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		alive()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Warnf("bad message: %v", err)
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	h := m.opts.Handler

	switch env.Event {
	case protocol.EventPlaylist, protocol.EventContent:
		pl, err := playlist.Decode(env.Data)
		if err != nil {
			m.log.Warnf("%s: %v", env.Event, err)
			return
		}
		m.log.Infof("%s: %d slots", env.Event, pl.Len())
		h.PlaylistUpdated(pl)

	case protocol.EventRestart:
		m.log.Info("restart requested")
		h.Restart()

	case protocol.EventClearCache:
		m.log.Info("cache clear requested")
		h.ClearCache()

	case protocol.EventDebugMode:
		var dm protocol.DebugMode
		if err := json.Unmarshal(env.Data, &dm); err != nil {
			m.log.Warnf("%s: %v", env.Event, err)
			return
		}
		h.DebugMode(dm.Enabled)

	case protocol.EventRegistered:
		// duplicate reply, nothing to do

	default:
		m.log.Debugf("unhandled event %q", env.Event)
	}
}

// heartbeatLoop sends the status heartbeat and a ping every interval. A
// failed write closes conn so the read loop ends the session.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Online() {
				continue
			}
			var err error
			if m.opts.Heartbeat != nil {
				err = m.send(protocol.EventHeartbeat, m.opts.Heartbeat())
			}
			if err == nil {
				err = m.ping()
			}
			if err != nil {
				m.log.Warnf("heartbeat failed, dropping connection: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) ping() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return errors.New("not connected")
	}
	return m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.HandshakeTimeout))
}

// send writes one envelope on the current connection.
func (m *Manager) send(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return errors.New("not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	return m.conn.WriteJSON(env)
}
