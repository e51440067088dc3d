package feeds

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/streamcaptioner/internal/transcription"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

func final(text string) transcription.Transcript {
	return transcription.Transcript{Text: text, IsFinal: true, Confidence: 0.9}
}

func interim(text string) transcription.Transcript {
	return transcription.Transcript{Text: text, Confidence: 0.5}
}

func texts(captions []Caption) []string {
	out := make([]string, 0, len(captions))
	for _, c := range captions {
		out = append(out, c.Text)
	}
	return out
}

func newTestFeed(capacity int) *Feed {
	return NewFeed(Definition{ID: "announcements", Name: "Announcements", Channel: 0, RoutingKey: "Ann_Caption", Enabled: true}, capacity, logger.NewNop())
}

type recorder struct {
	mu       sync.Mutex
	captions []Caption
}

func (r *recorder) OnCaption(c Caption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captions = append(r.captions, c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.captions)
}

type panicker struct{}

func (*panicker) OnCaption(Caption) { panic("broken subscriber") }

func TestFeedCreation(t *testing.T) {
	f := newTestFeed(0)
	assert.Equal(t, "announcements", f.ID())
	assert.Equal(t, "Announcements", f.Name())
	assert.Equal(t, 0, f.Channel())
	assert.Equal(t, "Ann_Caption", f.RoutingKey())
	assert.True(t, f.Enabled())
	assert.Zero(t, f.CaptionCount())
	assert.Equal(t, DefaultHistorySize, f.capacity)
}

func TestFeedAddTranscript(t *testing.T) {
	f := newTestFeed(10)
	ts := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

	c := f.AddTranscript(transcription.Transcript{Text: "Hello world", IsFinal: true, Confidence: 0.95, Timestamp: ts})
	assert.Equal(t, "Hello world", c.Text)
	assert.True(t, c.IsFinal)
	assert.Equal(t, "announcements", c.FeedID)
	assert.Equal(t, ts, c.Timestamp)
	assert.Equal(t, 0.95, c.Confidence)
	assert.Len(t, c.ID, 36)
	assert.Equal(t, 1, f.CaptionCount())

	other := f.AddTranscript(final("Hello world"))
	assert.NotEqual(t, c.ID, other.ID)
}

func TestFeedZeroTimestampUsesClock(t *testing.T) {
	f := newTestFeed(10)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.now = func() time.Time { return now }

	c := f.AddTranscript(final("x"))
	assert.Equal(t, now, c.Timestamp)
}

func TestFeedInterimNeverStored(t *testing.T) {
	f := newTestFeed(10)
	f.AddTranscript(interim("par"))
	f.AddTranscript(interim("parti"))
	assert.Zero(t, f.CaptionCount())
	assert.Equal(t, "parti", f.CurrentText())
}

func TestFeedHistoryEvictsOldest(t *testing.T) {
	f := newTestFeed(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		f.AddTranscript(final(s))
	}
	assert.Equal(t, []string{"b", "c", "d"}, texts(f.Captions()))
	assert.Equal(t, 3, f.CaptionCount())
}

func TestFeedHistoryNeverExceedsCapacity(t *testing.T) {
	f := newTestFeed(5)
	var want []string
	for i := 0; i < 23; i++ {
		s := string(rune('a' + i))
		f.AddTranscript(final(s))
		want = append(want, s)
		if len(want) > 5 {
			want = want[1:]
		}
		require.Equal(t, want, texts(f.Captions()))
		require.LessOrEqual(t, f.CaptionCount(), 5)
	}
}

func TestFeedCurrentText(t *testing.T) {
	f := newTestFeed(10)
	assert.Equal(t, "", f.CurrentText())

	f.AddTranscript(final("hello"))
	assert.Equal(t, "hello", f.CurrentText())

	f.AddTranscript(interim("wor"))
	assert.Equal(t, "wor", f.CurrentText())

	f.AddTranscript(final("world"))
	assert.Equal(t, "world", f.CurrentText())
}

func TestFeedCurrentTextAfterWrap(t *testing.T) {
	f := newTestFeed(2)
	for _, s := range []string{"one", "two", "three"} {
		f.AddTranscript(final(s))
	}
	assert.Equal(t, "three", f.CurrentText())
}

func TestFeedHistoryWindow(t *testing.T) {
	f := newTestFeed(10)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.AddTranscript(transcription.Transcript{Text: "old", IsFinal: true, Timestamp: now.Add(-20 * time.Minute)})
	f.AddTranscript(transcription.Transcript{Text: "edge", IsFinal: true, Timestamp: now.Add(-10 * time.Minute)})
	f.AddTranscript(transcription.Transcript{Text: "recent", IsFinal: true, Timestamp: now.Add(-time.Minute)})
	f.AddTranscript(interim("typing"))

	assert.Equal(t, []string{"edge", "recent"}, texts(f.History(10*time.Minute)))
	assert.Equal(t, []string{"recent"}, texts(f.History(5*time.Minute)))
	assert.Equal(t, []string{"old", "edge", "recent"}, texts(f.History(0)))
	assert.Empty(t, f.History(time.Second))
}

func TestFeedNotifiesSubscribers(t *testing.T) {
	f := newTestFeed(10)
	r1, r2 := &recorder{}, &recorder{}
	f.Subscribe(r1)
	f.Subscribe(r1)
	f.Subscribe(r2)
	assert.Equal(t, 2, f.SubscriberCount())

	c := f.AddTranscript(interim("hi"))
	require.Equal(t, 1, r1.count())
	assert.Equal(t, c, r1.captions[0])
	assert.Equal(t, 1, r2.count())

	f.Unsubscribe(r1)
	f.Unsubscribe(r1)
	f.AddTranscript(final("hi there"))
	assert.Equal(t, 1, r1.count())
	assert.Equal(t, 2, r2.count())
}

func TestFeedSubscriberPanicIsIsolated(t *testing.T) {
	f := newTestFeed(10)
	r := &recorder{}
	f.Subscribe(&panicker{})
	f.Subscribe(r)

	assert.NotPanics(t, func() {
		f.AddTranscript(final("still delivered"))
	})
	assert.Equal(t, 1, r.count())
	assert.Equal(t, 1, f.CaptionCount())
}

type blocking struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blocking) OnCaption(Caption) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
}

func TestFeedUnsubscribeWaitsForInFlightDelivery(t *testing.T) {
	f := newTestFeed(10)
	b := &blocking{entered: make(chan struct{}), release: make(chan struct{})}
	f.Subscribe(b)

	go f.AddTranscript(final("first"))
	<-b.entered

	unsubscribed := make(chan struct{})
	go func() {
		f.Unsubscribe(b)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("unsubscribe returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.release)
	<-unsubscribed

	f.AddTranscript(final("second"))
	assert.Equal(t, int32(1), b.calls.Load())
}

type guard struct {
	gone  atomic.Bool
	late  atomic.Int32
	calls atomic.Int32
}

func (g *guard) OnCaption(Caption) {
	g.calls.Add(1)
	if g.gone.Load() {
		g.late.Add(1)
	}
}

func TestFeedNoDeliveryAfterUnsubscribeUnderLoad(t *testing.T) {
	f := newTestFeed(50)
	g := &guard{}
	f.Subscribe(g)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.AddTranscript(final("load"))
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	f.Unsubscribe(g)
	g.gone.Store(true)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Positive(t, g.calls.Load())
	assert.Zero(t, g.late.Load())
}

func TestFeedSubscribeWithHistory(t *testing.T) {
	f := newTestFeed(10)
	f.AddTranscript(final("one"))
	f.AddTranscript(final("two"))

	r := &recorder{}
	backlog := f.SubscribeWithHistory(r, 5*time.Minute)
	assert.Equal(t, []string{"one", "two"}, texts(backlog))
	assert.Zero(t, r.count())

	f.AddTranscript(final("three"))
	assert.Equal(t, 1, r.count())
}

func TestFeedInfoJSON(t *testing.T) {
	f := newTestFeed(10)
	f.AddTranscript(final("x"))
	f.SetEnabled(false)

	data, err := json.Marshal(f.Info())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"announcements","name":"Announcements","channel":0,"routing_key":"Ann_Caption","enabled":false,"caption_count":1}`, string(data))
}

func TestCaptionJSON(t *testing.T) {
	c := Caption{
		ID:         "c1",
		FeedID:     "ref",
		Text:       "Offside",
		IsFinal:    true,
		Timestamp:  time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
		Confidence: 0.75,
	}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","feed_id":"ref","text":"Offside","is_final":true,"timestamp":"2026-06-01T18:00:00Z","confidence":0.75}`, string(data))
}

func TestDefinitionValidate(t *testing.T) {
	assert.NoError(t, Definition{ID: "ref-1", Channel: 3}.Validate())
	assert.Error(t, Definition{ID: "", Channel: 0}.Validate())
	assert.Error(t, Definition{ID: "has space", Channel: 0}.Validate())
	assert.Error(t, Definition{ID: "ref", Channel: -1}.Validate())
	assert.Error(t, Definition{ID: "ref", Channels: []int{0, -2}}.Validate())

	assert.Equal(t, []int{2}, Definition{Channel: 2}.SelectedChannels())
	assert.Equal(t, []int{0, 1}, Definition{Channel: 2, Channels: []int{0, 1}}.SelectedChannels())
}
