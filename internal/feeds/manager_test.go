package feeds

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

type globalRecorder struct {
	mu     sync.Mutex
	events []string
}

func (g *globalRecorder) OnFeedCaption(feedID string, c Caption) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, feedID+":"+c.Text)
}

type globalPanicker struct{}

func (*globalPanicker) OnFeedCaption(string, Caption) { panic("sink exploded") }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(100, logger.NewNop())
	_, err := m.CreateFeed(Definition{ID: "announcements", Name: "Announcements", Channel: 0, RoutingKey: "Ann_Caption", Enabled: true})
	require.NoError(t, err)
	_, err = m.CreateFeed(Definition{ID: "referee", Name: "Referee", Channel: 1, RoutingKey: "Ref_Caption", Enabled: true})
	require.NoError(t, err)
	_, err = m.CreateFeed(Definition{ID: "commentary", Name: "Commentary", Channels: []int{2, 3}, Enabled: false})
	require.NoError(t, err)
	return m
}

func TestManagerCreateAndList(t *testing.T) {
	m := newTestManager(t)

	f, ok := m.GetFeed("referee")
	require.True(t, ok)
	assert.Equal(t, "Ref_Caption", f.RoutingKey())

	_, ok = m.GetFeed("nope")
	assert.False(t, ok)

	var ids []string
	for _, f := range m.ListFeeds() {
		ids = append(ids, f.ID())
	}
	assert.Equal(t, []string{"announcements", "referee", "commentary"}, ids)

	assert.Len(t, m.EnabledFeeds(), 2)

	infos := m.FeedsInfo()
	require.Len(t, infos, 3)
	assert.Equal(t, []int{2, 3}, infos[2].Channels)
}

func TestManagerRejectsDuplicateAndInvalid(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateFeed(Definition{ID: "referee", Name: "Again"})
	assert.ErrorIs(t, err, ErrFeedExists)

	_, err = m.CreateFeed(Definition{ID: "bad id"})
	assert.Error(t, err)
	assert.Len(t, m.ListFeeds(), 3)
}

func TestManagerAddTranscriptRoutesToFeed(t *testing.T) {
	m := newTestManager(t)
	g := &globalRecorder{}
	m.SubscribeAll(g)
	m.SubscribeAll(g)

	c, ok := m.AddTranscript("referee", final("Yellow card"))
	require.True(t, ok)
	assert.Equal(t, "referee", c.FeedID)

	ref, _ := m.GetFeed("referee")
	ann, _ := m.GetFeed("announcements")
	assert.Equal(t, 1, ref.CaptionCount())
	assert.Zero(t, ann.CaptionCount())
	assert.Equal(t, []string{"referee:Yellow card"}, g.events)
}

func TestManagerDropsMissingAndDisabled(t *testing.T) {
	m := newTestManager(t)
	g := &globalRecorder{}
	m.SubscribeAll(g)

	c, ok := m.AddTranscript("commentary", final("muted"))
	assert.False(t, ok)
	assert.Equal(t, Caption{}, c)

	_, ok = m.AddTranscript("ghost", final("nobody"))
	assert.False(t, ok)

	com, _ := m.GetFeed("commentary")
	assert.Zero(t, com.CaptionCount())
	assert.Empty(t, g.events)
}

func TestManagerGlobalSubscriberIsolation(t *testing.T) {
	m := newTestManager(t)
	g := &globalRecorder{}
	m.SubscribeAll(&globalPanicker{})
	m.SubscribeAll(g)

	_, ok := m.AddTranscript("announcements", final("Welcome"))
	assert.True(t, ok)
	assert.Equal(t, []string{"announcements:Welcome"}, g.events)

	m.UnsubscribeAll(g)
	m.UnsubscribeAll(g)
	m.AddTranscript("announcements", final("Again"))
	assert.Len(t, g.events, 1)
}

func TestManagerRemoveAndClear(t *testing.T) {
	m := newTestManager(t)
	ref, _ := m.GetFeed("referee")

	assert.True(t, m.RemoveFeed("referee"))
	assert.False(t, m.RemoveFeed("referee"))
	assert.False(t, ref.Enabled())
	_, ok := m.AddTranscript("referee", final("late"))
	assert.False(t, ok)
	assert.Len(t, m.ListFeeds(), 2)

	_, err := m.CreateFeed(Definition{ID: "referee", Enabled: true})
	assert.NoError(t, err)

	m.Clear()
	assert.Empty(t, m.ListFeeds())
	assert.Empty(t, m.FeedsInfo())
}
