// Package protocol holds the message shapes exchanged with the signage
// server over the player socket and the REST endpoints.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Socket event names.
const (
	EventRegister   = "screen:register"
	EventRegistered = "screen:registered"
	EventHeartbeat  = "screen:heartbeat"
	EventPlaylist   = "playlist:update"
	EventContent    = "content:update"
	EventRestart    = "screen:restart"
	EventClearCache = "screen:clear-cache"
	EventDebugMode  = "screen:debug-mode"
)

// The player key travels as a header on alerts and as a query argument on
// playlist pulls.
const (
	PlayerKeyHeader   = "X-Player-Key"
	PlayerKeyQueryArg = "player_key"
)

// Envelope is the frame every socket message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("marshal %s: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Register is sent once per connection to identify the screen.
type Register struct {
	ScreenID  string `json:"screenId"`
	PlayerKey string `json:"playerKey"`
}

// Registered is the server's answer to Register.
type Registered struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DebugMode toggles the on-screen diagnostics overlay.
type DebugMode struct {
	Enabled bool `json:"enabled"`
}

// Heartbeat is the periodic liveness/status message.
type Heartbeat struct {
	ScreenID     string  `json:"screenId"`
	Timestamp    string  `json:"timestamp"`
	PlaylistSize int     `json:"playlistSize"`
	CurrentSlot  int     `json:"currentSlot"`
	ErrorCount   int     `json:"errorCount"`
	BootID       string  `json:"bootId,omitempty"`
	Version      string  `json:"version,omitempty"`
	Uptime       float64 `json:"uptimeSec"`
	DiskUsedPct  float64 `json:"diskUsedPct"`
	CPUTempC     float64 `json:"cpuTempC"`
}

// FaultReport is posted for every fault and, once escalated, to the alert
// endpoint as well.
type FaultReport struct {
	ScreenID     string `json:"screenId"`
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
	ErrorCount   int    `json:"errorCount"`
	Timestamp    string `json:"timestamp"`
	BootID       string `json:"bootId,omitempty"`
}
