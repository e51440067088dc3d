package sqlite

import (
	"time"

	"github.com/yegors/streamcaptioner/internal/feeds"
)

// FeedRecord is a persisted feed definition
type FeedRecord struct {
	feeds.Definition
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
