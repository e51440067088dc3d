package outputs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestFileSinkWritesOnChange(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captions")
	s, err := NewFileSink(dir, logger.NewNop())
	require.NoError(t, err)

	changed, err := s.WriteCaption("main", "hello")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "hello", readFile(t, filepath.Join(dir, "main.txt")))

	changed, err = s.WriteCaption("main", "hello")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.Send(context.Background(), "main", "ignored", "hello world"))
	assert.Equal(t, "hello world", readFile(t, s.Path("main")))
}

func TestFileSinkClearAll(t *testing.T) {
	s, err := NewFileSink(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	_, err = s.WriteCaption("a", "one")
	require.NoError(t, err)
	_, err = s.WriteCaption("b", "two")
	require.NoError(t, err)

	s.ClearAll()
	assert.Empty(t, readFile(t, s.Path("a")))
	assert.Empty(t, readFile(t, s.Path("b")))
}

func TestFileSinkWriteHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, logger.NewNop())
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 14, 5, 9, 0, time.Local)
	captions := []feeds.Caption{
		{Text: "first", Timestamp: base},
		{Text: "second", Timestamp: base.Add(61 * time.Second)},
	}
	require.NoError(t, s.WriteHistory("main", captions))

	assert.Equal(t, "[14:05:09] first\n[14:06:10] second", readFile(t, filepath.Join(dir, "main_history.txt")))
}
