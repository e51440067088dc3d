package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// FeedStorage persists feed definitions. Captions are never stored.
type FeedStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewFeedStorage creates a new SQLite feed storage
func NewFeedStorage(db *sql.DB, log *logger.Logger) (*FeedStorage, error) {
	storage := &FeedStorage{
		db:     db,
		logger: log.Named("sqlite-feeds"),
	}

	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

// initDB initializes the database tables
func (s *FeedStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS feeds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			channel INTEGER NOT NULL,
			channels TEXT,
			routing_key TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			position INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create feeds table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_feeds_position ON feeds(position)`)
	if err != nil {
		return fmt.Errorf("failed to create feeds index: %w", err)
	}
	return nil
}

// SaveFeed inserts a definition or updates an existing one in place
func (s *FeedStorage) SaveFeed(def feeds.Definition) error {
	channels, err := encodeChannels(def.Channels)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.Exec(
		`INSERT INTO feeds
		(id, name, channel, channels, routing_key, enabled, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM feeds), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			channel = excluded.channel,
			channels = excluded.channels,
			routing_key = excluded.routing_key,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		def.ID,
		def.Name,
		def.Channel,
		channels,
		def.RoutingKey,
		def.Enabled,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save feed %s: %w", def.ID, err)
	}

	s.logger.Debug("Saved feed definition", logger.String("feed_id", def.ID))
	return nil
}

// DeleteFeed removes a definition. It reports whether a row existed.
func (s *FeedStorage) DeleteFeed(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete feed %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// SetEnabled updates the enabled flag. It reports whether the feed exists.
func (s *FeedStorage) SetEnabled(id string, enabled bool) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE feeds
		SET enabled = ?, updated_at = ?
		WHERE id = ?`,
		enabled,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update feed %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// GetFeed returns one definition, or nil when it does not exist
func (s *FeedStorage) GetFeed(id string) (*FeedRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, name, channel, channels, routing_key, enabled, position, created_at, updated_at
		FROM feeds
		WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed %s: %w", id, err)
	}
	defer rows.Close()

	records, err := s.scanFeedRows(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// ListFeeds returns every definition in insertion order
func (s *FeedStorage) ListFeeds() ([]*FeedRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, name, channel, channels, routing_key, enabled, position, created_at, updated_at
		FROM feeds
		ORDER BY position ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	defer rows.Close()

	return s.scanFeedRows(rows)
}

// scanFeedRows scans database rows into FeedRecord structs
func (s *FeedStorage) scanFeedRows(rows *sql.Rows) ([]*FeedRecord, error) {
	var records []*FeedRecord
	for rows.Next() {
		var record FeedRecord
		var channels sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.Channel,
			&channels,
			&record.RoutingKey,
			&record.Enabled,
			&record.Position,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}

		var err error
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}

		if channels.Valid && channels.String != "" {
			if err := json.Unmarshal([]byte(channels.String), &record.Channels); err != nil {
				return nil, fmt.Errorf("failed to parse channels of feed %s: %w", record.ID, err)
			}
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

func encodeChannels(channels []int) (sql.NullString, error) {
	if len(channels) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(channels)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode channels: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
