// Package playlist defines the ordered slot list a screen plays and decodes
// the shapes the server delivers it in.
package playlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"screen-player/internal/media"

	"github.com/samber/lo"
)

// Slot is one entry of a playlist.
type Slot struct {
	SlotNumber      int
	CampaignID      int64
	ContentURL      string
	Type            media.Type
	DurationSeconds int

	// Title and Description are only set for text slots.
	Title       string
	Description string
}

// Duration is how long the slot dwells on screen. A missing or zero
// duration falls back to media.DefaultImageDuration.
func (s Slot) Duration() time.Duration {
	if s.DurationSeconds <= 0 {
		return media.DefaultImageDuration * time.Second
	}
	return time.Duration(s.DurationSeconds) * time.Second
}

// NeedsContent reports whether the slot has to be resolved through the
// fetcher before it can be shown.
func (s Slot) NeedsContent() bool {
	return s.Type == media.Image || s.Type == media.Video
}

// Playlist is an ordered slot list. The zero value is the empty playlist.
type Playlist []Slot

// Equal reports whether both playlists hold the same slots in order.
func (p Playlist) Equal(other Playlist) bool { return slices.Equal(p, other) }

// Len returns the number of slots.
func (p Playlist) Len() int { return len(p) }

// rawSlot covers every shape the server has used for slots: the flat
// playlist row, the nested refresh shape and the legacy content push.
type rawSlot struct {
	SlotNumber  int          `json:"slotNumber"`
	CampaignID  json.Number  `json:"campaignId"`
	ContentURL  string       `json:"contentUrl"`
	URL         string       `json:"url"`
	Type        string       `json:"type"`
	Duration    json.Number  `json:"duration"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Campaign    *rawCampaign `json:"campaign"`
}

type rawCampaign struct {
	ID         json.Number `json:"id"`
	ContentURL string      `json:"contentUrl"`
	Type       string      `json:"type"`
	Duration   json.Number `json:"duration"`
}

// Decode parses a playlist payload. It accepts an array of slots or a
// single slot object, each either flat or nested under "campaign".
// A JSON null decodes to the empty playlist.
func Decode(data []byte) (Playlist, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Playlist{}, nil
	}

	var raws []rawSlot
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode playlist: %w", err)
		}
	} else {
		var one rawSlot
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode playlist item: %w", err)
		}
		raws = []rawSlot{one}
	}

	return lo.Map(raws, func(r rawSlot, i int) Slot {
		return r.toSlot(i)
	}), nil
}

func (r rawSlot) toSlot(index int) Slot {
	contentURL := lo.CoalesceOrEmpty(r.ContentURL, r.URL)
	kind := r.Type
	campaignID := r.CampaignID
	duration := r.Duration

	if c := r.Campaign; c != nil {
		contentURL = lo.CoalesceOrEmpty(c.ContentURL, contentURL)
		kind = lo.CoalesceOrEmpty(c.Type, kind)
		campaignID = lo.CoalesceOrEmpty(c.ID, campaignID)
		duration = lo.CoalesceOrEmpty(c.Duration, duration)
	}

	slotNumber := r.SlotNumber
	if slotNumber == 0 {
		slotNumber = index + 1
	}

	id, _ := campaignID.Int64()
	secs, _ := duration.Int64()

	return Slot{
		SlotNumber:      slotNumber,
		CampaignID:      id,
		ContentURL:      contentURL,
		Type:            media.ParseType(kind, contentURL),
		DurationSeconds: int(secs),
		Title:           r.Title,
		Description:     r.Description,
	}
}
