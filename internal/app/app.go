package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/internal/capture"
	"github.com/yegors/streamcaptioner/internal/config"
	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/internal/outputs"
	"github.com/yegors/streamcaptioner/internal/storage/sqlite"
	"github.com/yegors/streamcaptioner/internal/transcription"
	"github.com/yegors/streamcaptioner/internal/websocket"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

var (
	// ErrAlreadyRunning is returned when captioning is started twice
	ErrAlreadyRunning = errors.New("captioning already running")
	// ErrNoFeedStarted is returned when every enabled feed failed to start
	ErrNoFeedStarted = errors.New("no feed could be started")
)

// TranscriberFactory creates the transcriber of one feed
type TranscriberFactory func(feedID string, handler transcription.Handler) (transcription.Transcriber, error)

// FeedStore persists feed definitions
type FeedStore interface {
	SaveFeed(def feeds.Definition) error
	DeleteFeed(id string) (bool, error)
	SetEnabled(id string, enabled bool) (bool, error)
	ListFeeds() ([]*sqlite.FeedRecord, error)
}

// DeviceSelector picks the capture device. ID wins when >= 0, then Name, then the default device.
type DeviceSelector struct {
	ID   int    `json:"device_id"`
	Name string `json:"device"`
}

// Option customizes an App
type Option func(*App)

// WithTranscriberFactory replaces the provider-backed transcribers
func WithTranscriberFactory(f TranscriberFactory) Option {
	return func(a *App) { a.newTranscriber = f }
}

// WithFeedStore persists feed definitions
func WithFeedStore(store FeedStore) Option {
	return func(a *App) { a.store = store }
}

type pipeline struct {
	session     *capture.Session
	transcriber transcription.Transcriber
	monitor     *audio.Monitor
	recorder    *outputs.Recorder
}

// App is the application context. It owns the feeds, the per-feed capture pipelines
// and the output fan-out.
type App struct {
	config  *config.Config
	backend capture.Backend
	store   FeedStore
	logger  *logger.Logger

	manager    *feeds.Manager
	dispatcher *outputs.Dispatcher
	fileSink   *outputs.FileSink
	vmix       *outputs.VMixClient
	events     *websocket.Server

	newTranscriber TranscriberFactory
	flushTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	running   bool
	device    capture.Device
	startedAt time.Time
	pipelines map[string]*pipeline
	statuses  map[string]FeedStatus
}

// New creates the application and loads the feed definitions
func New(cfg *config.Config, backend capture.Backend, log *logger.Logger, opts ...Option) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		config:    cfg,
		backend:   backend,
		logger:    log.Named("app"),
		manager:   feeds.NewManager(cfg.HistorySize, log),
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[string]*pipeline),
		statuses:  make(map[string]FeedStatus),
	}
	a.newTranscriber = func(feedID string, handler transcription.Handler) (transcription.Transcriber, error) {
		return transcription.New(cfg.Transcription, cfg.Audio.SampleRate, handler, log.WithFeed(feedID))
	}
	for _, opt := range opts {
		opt(a)
	}

	defs, err := a.loadDefinitions()
	if err != nil {
		cancel()
		return nil, err
	}
	for _, def := range defs {
		if _, err := a.manager.CreateFeed(def); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create feed %s: %w", def.ID, err)
		}
		a.statuses[def.ID] = FeedStatus{FeedID: def.ID, State: StateIdle, UpdatedAt: time.Now()}
	}

	var sinks []outputs.Sink
	if cfg.VMix.Enabled {
		a.vmix = outputs.NewVMixClient(cfg.VMix, log)
		sinks = append(sinks, a.vmix)
	}
	if cfg.VMix.FileOutputEnabled {
		fs, err := outputs.NewFileSink(cfg.VMix.FileOutputDir, log)
		if err != nil {
			cancel()
			return nil, err
		}
		a.fileSink = fs
		sinks = append(sinks, fs)
	}

	sendTimeout := time.Duration(cfg.VMix.TimeoutSeconds) * time.Second
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	a.flushTimeout = 2 * sendTimeout
	a.dispatcher = outputs.NewDispatcher(a.manager, sinks, cfg.Web.OutputQueueSize, sendTimeout, log)
	a.manager.SubscribeAll(a.dispatcher)

	a.events = websocket.NewServer(a.manager, websocket.Config{
		ReplayWindow: time.Duration(cfg.Web.ReplayMinutes) * time.Minute,
		PingInterval: time.Duration(cfg.Web.PingIntervalSeconds) * time.Second,
	}, log)
	a.manager.SubscribeAll(a.events)

	a.logger.Info("Application initialized",
		logger.Int("feeds", len(defs)),
		logger.Int("sinks", len(sinks)),
		logger.String("provider", cfg.Transcription.Provider))
	return a, nil
}

// loadDefinitions reads feeds from the store, seeding it from the config on first run
func (a *App) loadDefinitions() ([]feeds.Definition, error) {
	if a.store == nil {
		return a.config.Feeds, nil
	}

	records, err := a.store.ListFeeds()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		for _, def := range a.config.Feeds {
			if err := a.store.SaveFeed(def); err != nil {
				return nil, err
			}
		}
		return a.config.Feeds, nil
	}

	defs := make([]feeds.Definition, 0, len(records))
	for _, r := range records {
		defs = append(defs, r.Definition)
	}
	return defs, nil
}

// Manager returns the feed manager
func (a *App) Manager() *feeds.Manager { return a.manager }

// Events returns the WebSocket fan-out server
func (a *App) Events() *websocket.Server { return a.events }

// HistoryWindow returns the default history window
func (a *App) HistoryWindow() time.Duration { return a.config.HistoryWindow() }

// SampleRate returns the PCM rate of every feed stream
func (a *App) SampleRate() int { return a.config.Audio.SampleRate }

// Devices lists the input devices of the backend
func (a *App) Devices() ([]capture.Device, error) {
	return a.backend.Devices()
}

// IsRunning reports whether captioning is active
func (a *App) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// StartCaptioning opens a pipeline for every enabled feed. A feed that fails is reported
// in its status and does not stop the others.
func (a *App) StartCaptioning(ctx context.Context, sel DeviceSelector) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}

	device, err := capture.ResolveDevice(a.backend, sel.ID, sel.Name)
	if err != nil {
		return err
	}

	if a.vmix != nil {
		if err := a.vmix.Ping(ctx); err != nil {
			a.logger.Warn("vMix is not reachable, captions will still be sent", logger.Error(err))
		} else {
			a.logger.Info("Connected to vMix")
		}
	}

	enabled := a.manager.EnabledFeeds()
	started := 0
	for _, feed := range enabled {
		if err := a.startFeedLocked(device, feed); err != nil {
			a.logger.Error("Failed to start feed", logger.String("feed_id", feed.ID()), logger.Error(err))
			continue
		}
		started++
	}

	if started == 0 && len(enabled) > 0 {
		return ErrNoFeedStarted
	}

	a.running = true
	a.device = device
	a.startedAt = time.Now()
	a.logger.Info("Captioning started",
		logger.String("device", device.String()),
		logger.Int("feeds", started))
	return nil
}

func (a *App) startFeedLocked(device capture.Device, feed *feeds.Feed) error {
	id := feed.ID()
	a.setStatusLocked(id, StateStarting, nil)

	fail := func(err error) error {
		a.setStatusLocked(id, StateError, err)
		return err
	}

	log := a.logger.WithFeed(id)
	session, err := capture.NewSession(a.backend, capture.SessionConfig{
		Device:      device,
		Channels:    feed.Definition().SelectedChannels(),
		TargetRate:  a.config.Audio.SampleRate,
		ChunkSize:   a.config.Audio.ChunkSize,
		QueueSize:   a.config.Audio.QueueSize,
		StopTimeout: a.config.Audio.StopTimeout(),
		Resampler:   a.config.Audio.Resampler,
	}, log.Named("capture"))
	if err != nil {
		return fail(err)
	}

	handler := &transcriptHandler{app: a, feedID: id}
	tr, err := a.newTranscriber(id, handler)
	if err != nil {
		return fail(err)
	}
	handler.transcriber = tr
	if err := tr.Start(a.ctx); err != nil {
		return fail(fmt.Errorf("failed to start transcriber: %w", err))
	}

	p := &pipeline{
		session:     session,
		transcriber: tr,
		monitor:     audio.NewMonitor(audio.DefaultMonitorSize, log),
	}
	handlers := []capture.AudioHandler{capture.AudioHandlerFunc(tr.SendAudio), p.monitor}

	if a.config.Recording.Enabled {
		rec, err := outputs.NewRecorder(a.config.Recording.Dir, id, a.config.Audio.SampleRate, a.logger)
		if err != nil {
			log.Warn("Recording disabled for feed", logger.Error(err))
		} else {
			p.recorder = rec
			handlers = append(handlers, rec)
		}
	}

	if err := session.Start(capture.Tee(handlers...)); err != nil {
		p.close(log)
		return fail(err)
	}

	a.pipelines[id] = p
	a.setStatusLocked(id, StateActive, nil)
	return nil
}

// transcriptHandler routes a feed's transcripts to the manager and reports a lost
// provider connection in the feed status
type transcriptHandler struct {
	app         *App
	feedID      string
	transcriber transcription.Transcriber
}

func (h *transcriptHandler) HandleTranscript(t transcription.Transcript) {
	h.app.manager.AddTranscript(h.feedID, t)
}

// HandleDisconnect may run while the app lock is held by a stopping pipeline
func (h *transcriptHandler) HandleDisconnect(err error) {
	go h.app.transcriberLost(h.feedID, h.transcriber, err)
}

func (a *App) transcriberLost(id string, tr transcription.Transcriber, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pipelines[id]
	if !ok || p.transcriber != tr {
		return
	}
	a.logger.WithFeed(id).Error("Transcriber disconnected, feed is no longer captioning", logger.Error(err))
	a.setStatusLocked(id, StateError, fmt.Errorf("transcriber disconnected: %w", err))
}

// close releases everything but the session
func (p *pipeline) close(log *logger.Logger) {
	if err := p.transcriber.Stop(); err != nil {
		log.Warn("Failed to stop transcriber", logger.Error(err))
	}
	p.monitor.Close()
	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			log.Warn("Failed to close recording", logger.Error(err))
		}
	}
}

func (a *App) stopFeedLocked(id string) {
	p, ok := a.pipelines[id]
	if !ok {
		return
	}
	delete(a.pipelines, id)

	p.session.Stop()
	p.close(a.logger.WithFeed(id))
	a.setStatusLocked(id, StateStopped, nil)
}

// StopCaptioning stops every pipeline, writes the caption history files and clears the
// caption files
func (a *App) StopCaptioning() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	for id := range a.pipelines {
		a.stopFeedLocked(id)
	}
	a.running = false

	// Captions flushed by the stopping transcribers are still queued for the sinks
	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	if err := a.dispatcher.Flush(ctx); err != nil {
		a.logger.Warn("Outputs did not drain before clearing", logger.Error(err))
	}
	cancel()

	if a.fileSink != nil {
		for _, f := range a.manager.ListFeeds() {
			if err := a.fileSink.WriteHistory(f.ID(), f.Captions()); err != nil {
				a.logger.Warn("Failed to write caption history", logger.String("feed_id", f.ID()), logger.Error(err))
			}
		}
		a.fileSink.ClearAll()
	}

	a.logger.Info("Captioning stopped", logger.Duration("uptime", time.Since(a.startedAt)))
}

func (a *App) setStatusLocked(id string, state FeedState, err error) {
	status := FeedStatus{FeedID: id, State: state, UpdatedAt: time.Now()}
	if err != nil {
		status.Error = err.Error()
	}
	a.statuses[id] = status
	a.events.BroadcastStatus(status)
}

// CreateFeed adds a feed, persists it and starts it when captioning is running
func (a *App) CreateFeed(def feeds.Definition) (*feeds.Feed, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	feed, err := a.manager.CreateFeed(def)
	if err != nil {
		return nil, err
	}
	if a.store != nil {
		if err := a.store.SaveFeed(def); err != nil {
			a.manager.RemoveFeed(def.ID)
			return nil, err
		}
	}
	a.setStatusLocked(def.ID, StateIdle, nil)

	if a.running && def.Enabled {
		if err := a.startFeedLocked(a.device, feed); err != nil {
			a.logger.Error("Failed to start new feed", logger.String("feed_id", def.ID), logger.Error(err))
		}
	}
	return feed, nil
}

// DeleteFeed stops and removes a feed
func (a *App) DeleteFeed(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.manager.GetFeed(id); !ok {
		return feeds.ErrFeedNotFound
	}
	a.stopFeedLocked(id)
	a.manager.RemoveFeed(id)
	delete(a.statuses, id)

	if a.store != nil {
		if _, err := a.store.DeleteFeed(id); err != nil {
			return err
		}
	}
	return nil
}

// SetFeedEnabled toggles a feed; a running app starts or stops its pipeline
func (a *App) SetFeedEnabled(id string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	feed, ok := a.manager.GetFeed(id)
	if !ok {
		return feeds.ErrFeedNotFound
	}
	feed.SetEnabled(enabled)

	if a.store != nil {
		if _, err := a.store.SetEnabled(id, enabled); err != nil {
			return err
		}
	}

	if !a.running {
		return nil
	}
	if enabled {
		if _, ok := a.pipelines[id]; !ok {
			return a.startFeedLocked(a.device, feed)
		}
		return nil
	}
	a.stopFeedLocked(id)
	return nil
}

// Monitor returns the live PCM monitor of a running feed
func (a *App) Monitor(feedID string) (*audio.Monitor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pipelines[feedID]
	if !ok {
		return nil, false
	}
	return p.monitor, true
}

// FeedStatus returns the status of one feed
func (a *App) FeedStatus(id string) (FeedStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.statuses[id]
	if ok {
		if p, running := a.pipelines[id]; running {
			stats := p.session.Stats()
			s.Capture = &stats
		}
	}
	return s, ok
}

// Status returns the overall state
func (a *App) Status() Status {
	a.mu.Lock()
	st := Status{
		Running:  a.running,
		Provider: a.config.Transcription.Provider,
		Feeds:    make([]FeedStatus, 0, len(a.statuses)),
	}
	if a.running {
		device := a.device
		startedAt := a.startedAt
		st.Device = &device
		st.StartedAt = &startedAt
	}
	for _, f := range a.manager.ListFeeds() {
		s, ok := a.statuses[f.ID()]
		if !ok {
			continue
		}
		if p, running := a.pipelines[f.ID()]; running {
			stats := p.session.Stats()
			s.Capture = &stats
		}
		st.Feeds = append(st.Feeds, s)
	}
	a.mu.Unlock()

	st.Listeners, st.EventClients = a.events.Counts()
	st.OutputDrops = a.dispatcher.Dropped()
	return st
}

// Close stops captioning and the output workers
func (a *App) Close(ctx context.Context) error {
	a.StopCaptioning()
	a.cancel()

	a.manager.UnsubscribeAll(a.dispatcher)
	a.manager.UnsubscribeAll(a.events)
	a.events.Close()
	return a.dispatcher.Stop(ctx)
}
