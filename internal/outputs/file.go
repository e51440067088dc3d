package outputs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// FileSink writes the current caption of each feed to <dir>/<feed>.txt so vMix can
// use it as a data source
type FileSink struct {
	dir    string
	logger *logger.Logger

	mu   sync.Mutex
	last map[string]string
}

// NewFileSink creates the output directory if needed
func NewFileSink(dir string, log *logger.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create caption output directory: %w", err)
	}
	return &FileSink{
		dir:    dir,
		logger: log.Named("file-output"),
		last:   make(map[string]string),
	}, nil
}

// Name identifies the sink in logs
func (s *FileSink) Name() string { return "file" }

// Path returns the caption file of a feed
func (s *FileSink) Path(feedID string) string {
	return filepath.Join(s.dir, feedID+".txt")
}

// Send implements Sink
func (s *FileSink) Send(_ context.Context, feedID, _, text string) error {
	_, err := s.WriteCaption(feedID, text)
	return err
}

// WriteCaption writes text unless it matches what was last written. It reports
// whether the file changed.
func (s *FileSink) WriteCaption(feedID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[feedID]; ok && last == text {
		return false, nil
	}
	if err := os.WriteFile(s.Path(feedID), []byte(text), 0o644); err != nil {
		return false, fmt.Errorf("failed to write caption file for %s: %w", feedID, err)
	}
	s.last[feedID] = text
	return true, nil
}

// ClearAll empties the caption file of every feed written so far
func (s *FileSink) ClearAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.last))
	for id := range s.last {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.WriteCaption(id, ""); err != nil {
			s.logger.Warn("Failed to clear caption file", logger.String("feed_id", id), logger.Error(err))
		}
	}
}

// WriteHistory writes "[HH:MM:SS] text" lines to <dir>/<feed>_history.txt
func (s *FileSink) WriteHistory(feedID string, captions []feeds.Caption) error {
	lines := make([]string, 0, len(captions))
	for _, c := range captions {
		lines = append(lines, fmt.Sprintf("[%s] %s", c.Timestamp.Local().Format("15:04:05"), c.Text))
	}

	path := filepath.Join(s.dir, feedID+"_history.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("failed to write history for %s: %w", feedID, err)
	}
	return nil
}
