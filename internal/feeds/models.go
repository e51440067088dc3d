package feeds

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Caption is one immutable caption produced from a transcript
type Caption struct {
	ID         string    `json:"id"`
	FeedID     string    `json:"feed_id"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Definition is the persisted description of a feed
type Definition struct {
	ID         string `toml:"id" json:"id"`
	Name       string `toml:"name" json:"name"`
	Channel    int    `toml:"channel" json:"channel"`
	Channels   []int  `toml:"channels,omitempty" json:"channels,omitempty"` // optional mix, overrides Channel
	RoutingKey string `toml:"routing_key" json:"routing_key"`
	Enabled    bool   `toml:"enabled" json:"enabled"`
}

// Info is the JSON description of a live feed
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Channel      int    `json:"channel"`
	Channels     []int  `json:"channels,omitempty"`
	RoutingKey   string `json:"routing_key"`
	Enabled      bool   `json:"enabled"`
	CaptionCount int    `json:"caption_count"`
}

var feedIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SelectedChannels returns the device channels mixed into this feed
func (d Definition) SelectedChannels() []int {
	if len(d.Channels) > 0 {
		return append([]int(nil), d.Channels...)
	}
	return []int{d.Channel}
}

// Validate checks the definition on its own; device limits are checked by capture
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("feed id is required")
	}
	if !feedIDPattern.MatchString(d.ID) {
		return fmt.Errorf("feed id %q may only contain letters, digits, '-' and '_'", d.ID)
	}
	for _, ch := range d.SelectedChannels() {
		if ch < 0 {
			return fmt.Errorf("feed %s: channel %d must not be negative", d.ID, ch)
		}
	}
	return nil
}
