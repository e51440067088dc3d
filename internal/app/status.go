package app

import (
	"time"

	"github.com/yegors/streamcaptioner/internal/capture"
)

// FeedState is the lifecycle state of a feed pipeline
type FeedState string

const (
	StateIdle     FeedState = "idle"
	StateStarting FeedState = "starting"
	StateActive   FeedState = "active"
	StateError    FeedState = "error"
	StateStopped  FeedState = "stopped"
)

// FeedStatus reports the pipeline state of one feed
type FeedStatus struct {
	FeedID    string                `json:"feed_id"`
	State     FeedState             `json:"state"`
	Error     string                `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
	Capture   *capture.SessionStats `json:"capture,omitempty"`
}

// Status is the response of the status endpoint
type Status struct {
	Running      bool              `json:"running"`
	Device       *capture.Device   `json:"device,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	Provider     string            `json:"provider"`
	Feeds        []FeedStatus      `json:"feeds"`
	Listeners    int               `json:"listeners"`
	EventClients int               `json:"event_clients"`
	OutputDrops  map[string]uint64 `json:"output_drops"`
}
