package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/beatlamp/internal/analysis"
	"github.com/e7canasta/beatlamp/internal/audio"
	"github.com/e7canasta/beatlamp/internal/config"
	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/eventstore"
	"github.com/e7canasta/beatlamp/internal/messaging"
	"github.com/e7canasta/beatlamp/internal/session"
	pebblestore "github.com/e7canasta/beatlamp/internal/storage/pebble"
)

// connectionRefresh is how often the connection label is re-posted to the UI.
const connectionRefresh = time.Second

// App is the beatlamp service orchestrator
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Core components
	store *eventstore.Store
	queue *dispatch.Queue
	mqtt  *messaging.Client
	ctrl  *session.Controller
	hub   *Broadcaster

	server *http.Server
	song   string

	// Lifecycle management
	started     time.Time
	mu          sync.RWMutex
	wg          sync.WaitGroup
	isRunning   bool
	closing     atomic.Bool
	runCancel   context.CancelFunc
	queueCancel context.CancelFunc
	queueDone   chan struct{}
}

// Option customises an App.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	mqttFactory   func(*mqtt.ClientOptions) mqtt.Client
	transport     audio.Transport
	opener        audio.Opener
	newDetector   func() analysis.Detector
	probe         func(string) (time.Duration, error)
	queueInterval time.Duration
	song          string
}

// WithLogger sets the base logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMQTTClientFactory replaces the paho client constructor.
func WithMQTTClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(o *options) { o.mqttFactory = f }
}

// WithTransport overrides the configured playback transport.
func WithTransport(t audio.Transport) Option { return func(o *options) { o.transport = t } }

// WithOpener overrides the configured frame decoder.
func WithOpener(op audio.Opener) Option { return func(o *options) { o.opener = op } }

// WithDetector overrides the energy detector factory.
func WithDetector(f func() analysis.Detector) Option { return func(o *options) { o.newDetector = f } }

// WithProbe overrides the duration probe used on load.
func WithProbe(f func(string) (time.Duration, error)) Option { return func(o *options) { o.probe = f } }

// WithSong loads path as soon as Run starts.
func WithSong(path string) Option { return func(o *options) { o.song = path } }

// WithQueueInterval sets the UI queue drain tick.
func WithQueueInterval(d time.Duration) Option { return func(o *options) { o.queueInterval = d } }

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	fsync, err := pebblestore.ParseFsync(cfg.Store.Fsync)
	if err != nil {
		return nil, err
	}
	store, err := eventstore.Open(eventstore.Options{
		DataDir: cfg.Store.DataDir,
		Fsync:   fsync,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	qopts := []dispatch.Option{dispatch.WithLogger(logger)}
	if o.queueInterval > 0 {
		qopts = append(qopts, dispatch.WithInterval(o.queueInterval))
	}
	queue := dispatch.New(qopts...)

	var mopts []messaging.Option
	if o.mqttFactory != nil {
		mopts = append(mopts, messaging.WithClientFactory(o.mqttFactory))
	}
	client := messaging.New(messagingOptions(cfg), store, queue, logger, mopts...)

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		queue:  queue,
		mqtt:   client,
		hub:    NewBroadcaster(logger),
		song:   o.song,
	}

	ctrl, err := a.buildController(o)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.ctrl = ctrl
	queue.AddSink(a.hub.Publish)

	logger.Info("beatlamp configured",
		"instance_id", cfg.InstanceID,
		"client_id", client.ClientID(),
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"decoder", cfg.Audio.Decoder,
		"transport", cfg.Audio.Transport,
		"data_dir", cfg.Store.DataDir,
	)
	return a, nil
}

func messagingOptions(cfg *config.Config) messaging.Options {
	m := cfg.MQTT
	return messaging.Options{
		Host:           m.Host,
		Port:           m.Port,
		Username:       m.Username,
		Password:       m.Password,
		ClientID:       messaging.NewIdentity(),
		KeepAlive:      time.Duration(m.KeepAliveS) * time.Second,
		ConnectTimeout: time.Duration(m.ConnectTimeoutS) * time.Second,
		AutoReconnect:  m.AutoReconnect,
		QoS:            m.QoS,
		Retry:          messaging.RetryConfig{MaxRetries: m.ConnectRetries},
		Topics: messaging.Topics{
			Command: m.Topics.Command,
			Colors:  m.Topics.Colors,
			Status:  m.Topics.Status,
		},
	}
}

func (a *App) buildController(o options) (*session.Controller, error) {
	ac := a.cfg.Audio

	opener := o.opener
	if opener == nil {
		var err error
		if opener, err = audio.NewOpener(ac.Decoder, a.logger); err != nil {
			return nil, err
		}
	}
	transport := o.transport
	if transport == nil {
		var err error
		transport, err = audio.NewTransport(audio.TransportConfig{
			Kind:        ac.Transport,
			SampleRate:  ac.SampleRate,
			MPDAddress:  ac.MPD.Address,
			MPDPassword: ac.MPD.Password,
			MusicDir:    ac.MPD.MusicDir,
		}, a.logger)
		if err != nil {
			return nil, err
		}
	}
	newDetector := o.newDetector
	if newDetector == nil {
		dc := audio.DetectorConfig{
			SampleRate:  ac.SampleRate,
			WindowSize:  ac.WindowSize,
			Threshold:   ac.Detector.Threshold,
			Sensitivity: ac.Detector.Sensitivity,
			History:     ac.Detector.History,
			MinGap:      time.Duration(ac.Detector.MinGapMS) * time.Millisecond,
		}
		newDetector = func() analysis.Detector { return audio.NewEnergyDetector(dc) }
	}

	return session.New(session.Config{
		Geometry: analysis.Geometry{
			SampleRate: ac.SampleRate,
			WindowSize: ac.WindowSize,
			HopSize:    ac.HopSize,
		},
		Palette:       ac.Palette,
		Neutral:       ac.NeutralColor,
		FrameInterval: time.Duration(ac.FrameIntervalMS) * time.Millisecond,
		ColorsTopic:   a.cfg.MQTT.Topics.Colors,
		StatusTopic:   a.cfg.MQTT.Topics.Status,
	}, session.Deps{
		Opener:      opener,
		Transport:   transport,
		NewDetector: newDetector,
		Probe:       o.probe,
		Publisher:   a.mqtt,
		UI:          a.queue,
		Logger:      a.logger,
	}), nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (a *App) ShutdownTimeout() time.Duration {
	return time.Duration(a.cfg.ShutdownTimeoutS) * time.Second
}

// Run starts the UI queue, the broker connection and the status refresher,
// then blocks until ctx is cancelled. A failed connect is not fatal: the
// client stays in Failed and play is refused until it recovers.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("app already running")
	}
	a.isRunning = true
	a.started = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	// The queue outlives runCtx so Shutdown can still reach the controller.
	qctx, qcancel := context.WithCancel(context.Background())
	a.queueCancel = qcancel
	a.queueDone = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.queueDone)
		a.queue.Run(qctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.mqtt.Connect(runCtx); err != nil {
			a.logger.Warn("continuing without broker", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.refreshConnection(runCtx)
	}()

	if a.song != "" {
		if err := a.Call(runCtx, func(c *session.Controller) error { return c.Load(a.song) }); err != nil {
			a.logger.Warn("initial song load failed", "path", a.song, "error", err)
		}
	}

	a.logger.Info("beatlamp running")
	<-runCtx.Done()
	a.logger.Info("beatlamp run loop exiting")
	return nil
}

func (a *App) refreshConnection(ctx context.Context) {
	ticker := time.NewTicker(connectionRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.queue.Post(dispatch.KindConnection, a.mqtt.State())
		}
	}
}

// Call runs fn against the controller on the UI goroutine. Once Shutdown
// has begun it returns dispatch.ErrStopped without running fn. The flag is
// checked again on the UI goroutine so a call queued behind the shutdown
// Stop cannot restart playback.
func (a *App) Call(ctx context.Context, fn func(*session.Controller) error) error {
	if a.closing.Load() {
		return dispatch.ErrStopped
	}
	return a.queue.Call(ctx, func() error {
		if a.closing.Load() {
			return dispatch.ErrStopped
		}
		return fn(a.ctrl)
	})
}

// Shutdown performs graceful shutdown of all components
func (a *App) Shutdown(ctx context.Context) error {
	a.closing.Store(true)
	a.mu.Lock()
	if !a.isRunning {
		server := a.server
		a.mu.Unlock()
		var errs []error
		if server != nil {
			errs = append(errs, server.Shutdown(ctx))
		}
		errs = append(errs, a.closeStore())
		return errors.Join(errs...)
	}
	a.isRunning = false
	a.mu.Unlock()

	a.logger.Info("shutting down beatlamp")
	var errs []error

	// 1. Stop playback and join the analysis goroutine
	if err := a.queue.Call(ctx, a.ctrl.Stop); err != nil {
		a.logger.Error("failed to stop playback", "error", err)
		errs = append(errs, err)
	}

	// 2. Stop background goroutines, then the broker
	a.runCancel()
	a.wg.Wait()
	a.mqtt.Disconnect()

	// 3. Drain the store
	drainCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Store.DrainTimeoutS)*time.Second)
	err := a.store.Close(drainCtx)
	cancel()
	if err != nil {
		a.logger.Error("failed to drain message store", "error", err)
		errs = append(errs, err)
	}

	// 4. Stop the UI queue
	a.queueCancel()
	<-a.queueDone

	// 5. Stop HTTP and drop websocket clients
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop http server", "error", err)
			errs = append(errs, err)
		}
	}
	a.hub.Close()

	a.logger.Info("beatlamp shutdown complete", "uptime", time.Since(a.started))
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Store.DrainTimeoutS)*time.Second)
	defer cancel()
	return a.store.Close(ctx)
}
