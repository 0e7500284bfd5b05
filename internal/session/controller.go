// Package session owns the playback state machine and bridges analysis
// output to the lamp.
//
// Every exported Controller method and every registered handler must run on
// the dispatch consumer goroutine; HTTP handlers reach it through Queue.Call.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/beatlamp/internal/analysis"
	"github.com/e7canasta/beatlamp/internal/audio"
	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/types"
)

// Publisher is the outbound side of the MQTT client.
type Publisher interface {
	Publish(topic, payload string) error
	IsConnected() bool
	State() types.ConnectionState
}

// UI is where the controller and the loop post events.
type UI interface {
	Post(kind dispatch.Kind, payload any)
	Handle(kind dispatch.Kind, fn func(dispatch.Event))
}

// Config carries the analysis settings for each play.
type Config struct {
	Geometry      analysis.Geometry
	Palette       []string
	Neutral       string
	FrameInterval time.Duration
	GateRecheck   time.Duration
	ColorsTopic   string
	StatusTopic   string
	StopTimeout   time.Duration
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Opener      audio.Opener
	Transport   audio.Transport
	NewDetector func() analysis.Detector
	Probe       func(path string) (time.Duration, error)
	Publisher   Publisher
	UI          UI
	Logger      *slog.Logger
}

// Status is a snapshot for the control API and the event feed.
type Status struct {
	State      State              `json:"state"`
	Path       string             `json:"path,omitempty"`
	DurationS  float64            `json:"duration_s"`
	Relay      string             `json:"relay"`
	Button     string             `json:"button"`
	Lamp       string             `json:"lamp"`
	BeatInfo   string             `json:"beat_info"`
	Connection string             `json:"connection"`
	Session    *analysis.Snapshot `json:"session,omitempty"`
}

type loopExit struct {
	sessionID string
	reason    analysis.ExitReason
}

// Controller is the playback state machine.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	state    State
	path     string
	duration time.Duration
	relay    types.RelayState
	button   string
	lamp     string
	beatInfo string
	connText string

	sess   *analysis.Session
	gate   *analysis.Gate
	src    audio.FrameSource
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle controller and registers its handlers on deps.UI.
func New(cfg Config, deps Deps) *Controller {
	if cfg.Geometry == (analysis.Geometry{}) {
		cfg.Geometry = analysis.DefaultGeometry
	}
	if len(cfg.Palette) == 0 {
		cfg.Palette = types.DefaultPalette
	}
	if cfg.Neutral == "" {
		cfg.Neutral = types.NeutralColor
	}
	if cfg.ColorsTopic == "" {
		cfg.ColorsTopic = types.TopicColors
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = types.TopicStatus
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if deps.Probe == nil {
		deps.Probe = audio.ProbeDuration
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      logger.With("component", "session"),
		state:    Idle,
		relay:    types.RelayOff,
		button:   LabelStop,
		lamp:     cfg.Neutral,
		beatInfo: "Beat Info: ",
		connText: LabelNotConnected,
	}

	deps.UI.Handle(dispatch.KindBeat, c.onBeat)
	deps.UI.Handle(dispatch.KindColor, c.onColor)
	deps.UI.Handle(dispatch.KindLamp, c.onLamp)
	deps.UI.Handle(dispatch.KindRelay, c.onRelay)
	deps.UI.Handle(dispatch.KindConnection, c.onConnection)
	deps.UI.Handle(dispatch.KindLoopExit, c.onLoopExit)
	return c
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Relay returns the last relay state reported by the broker.
func (c *Controller) Relay() types.RelayState { return c.relay }

// Status returns a snapshot.
func (c *Controller) Status() Status {
	st := Status{
		State:      c.state,
		Path:       c.path,
		DurationS:  c.duration.Seconds(),
		Relay:      c.relay.String(),
		Button:     c.button,
		Lamp:       c.lamp,
		BeatInfo:   c.beatInfo,
		Connection: c.connText,
	}
	if c.sess != nil {
		snap := c.sess.Snapshot()
		st.Session = &snap
	}
	return st
}

func (c *Controller) transition(to State) {
	if c.state == to {
		return
	}
	c.log.Info("state change", "from", c.state, "to", to)
	c.state = to
	c.deps.UI.Post(dispatch.KindStatus, to.String())
}

func (c *Controller) setButton(label string) {
	c.button = label
	c.deps.UI.Post(dispatch.KindButton, label)
}

func (c *Controller) logLine(line string) {
	c.deps.UI.Post(dispatch.KindLog, line)
}

// publish is fire-and-forget; a disconnected broker is logged by the client.
func (c *Controller) publish(topic, payload string) {
	_ = c.deps.Publisher.Publish(topic, payload)
}

// Load probes path and makes it the current song.
func (c *Controller) Load(path string) error {
	switch c.state {
	case Idle, Loaded, Stopped:
	default:
		return fmt.Errorf("%w: load while %s", ErrInvalidTransition, c.state)
	}

	d, err := c.deps.Probe(path)
	if err != nil {
		c.log.Warn("song load failed", "path", path, "error", err)
		return err
	}

	c.path = path
	c.duration = d
	c.deps.UI.Post(dispatch.KindDuration, d.Seconds())
	c.logLine(fmt.Sprintf("Loaded song: %s\nDuration: %.2f seconds", path, d.Seconds()))
	c.log.Info("song loaded", "path", path, "duration", d)
	c.transition(Loaded)
	return nil
}

// Play starts playback and spawns the analysis goroutine.
func (c *Controller) Play() error {
	switch c.state {
	case Loaded, Stopped:
	case Idle:
		return ErrNoSong
	default:
		return fmt.Errorf("%w: play while %s", ErrInvalidTransition, c.state)
	}
	if !c.deps.Publisher.IsConnected() {
		c.logLine("Cannot start, MQTT is not connected.")
		return ErrBrokerNotConnected
	}

	c.publish(c.cfg.StatusTopic, "on")

	g := c.cfg.Geometry
	src, err := c.deps.Opener.Open(c.path, g.SampleRate, g.HopSize)
	if err != nil {
		return err
	}
	if err := c.deps.Transport.Load(c.path); err != nil {
		src.Close()
		return err
	}
	if err := c.deps.Transport.Play(); err != nil {
		src.Close()
		return fmt.Errorf("session: start playback: %w", err)
	}

	sess := analysis.NewSession(c.path, g)
	gate := analysis.NewGate(c.cfg.GateRecheck)
	loop := &analysis.Loop{
		Detector:      c.deps.NewDetector(),
		Transport:     c.deps.Transport,
		Gate:          gate,
		Palette:       c.cfg.Palette,
		Neutral:       c.cfg.Neutral,
		FrameInterval: c.cfg.FrameInterval,
		Logger:        c.log,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ui := c.deps.UI
	hooks := analysis.Hooks{
		OnBeat:        func(ev types.BeatEvent) { ui.Post(dispatch.KindBeat, ev) },
		OnColorChange: func(color string) { ui.Post(dispatch.KindColor, color) },
		OnLamp:        func(color string) { ui.Post(dispatch.KindLamp, color) },
		OnExit: func(reason analysis.ExitReason) {
			ui.Post(dispatch.KindLoopExit, loopExit{sessionID: sess.ID, reason: reason})
		},
	}

	go func() {
		defer close(done)
		loop.Run(runCtx, sess, src, hooks)
	}()

	c.sess, c.gate, c.src, c.cancel, c.done = sess, gate, src, cancel, done
	c.setButton(LabelStop)
	c.transition(Playing)
	return nil
}

// Toggle pauses a playing song or resumes a paused one.
func (c *Controller) Toggle() error {
	switch c.state {
	case Playing:
		c.sess.SetPaused(true)
		c.gate.Close()
		if err := c.deps.Transport.Pause(); err != nil {
			c.log.Warn("transport pause failed", "error", err)
		}
		c.setButton(LabelContinue)
		c.publish(c.cfg.StatusTopic, "off")
		c.transition(Paused)
	case Paused:
		if err := c.deps.Transport.Unpause(); err != nil {
			c.log.Warn("transport unpause failed", "error", err)
		}
		c.gate.Open()
		c.sess.SetPaused(false)
		c.setButton(LabelStop)
		c.publish(c.cfg.StatusTopic, "on")
		c.transition(Playing)
	default:
		return fmt.Errorf("%w: toggle while %s", ErrInvalidTransition, c.state)
	}
	return nil
}

// Stop cancels the loop and joins it. A no-op unless a loop is running.
// If the loop does not exit within StopTimeout the controller stays in
// Stopping, keeping the frame source open, until the loop exit arrives.
func (c *Controller) Stop() error {
	switch c.state {
	case Playing, Paused, Stopping:
	default:
		return nil
	}

	c.sess.RequestStop()
	c.cancel()
	c.gate.Open()

	select {
	case <-c.done:
	case <-time.After(c.cfg.StopTimeout):
		c.log.Error("analysis loop did not exit in time", "timeout", c.cfg.StopTimeout, "session", c.sess.ID)
		c.transition(Stopping)
		return ErrStopTimeout
	}
	c.finish("stop requested")
	return nil
}

// finish releases the play resources. The loop goroutine must have exited.
func (c *Controller) finish(why string) {
	if c.src != nil {
		if err := c.src.Close(); err != nil {
			c.log.Debug("frame source close failed", "error", err)
		}
	}
	if c.sess != nil {
		c.log.Info("play session finished", "session", c.sess.ID, "beats", c.sess.BeatCount(), "why", why)
	}
	c.sess, c.gate, c.src, c.cancel, c.done = nil, nil, nil, nil, nil
	c.lamp = c.cfg.Neutral
	c.setButton(LabelStop)
	c.transition(Stopped)
}

func (c *Controller) onLoopExit(ev dispatch.Event) {
	exit, ok := ev.Payload.(loopExit)
	if !ok || c.sess == nil || exit.sessionID != c.sess.ID {
		return // already finished by Stop
	}
	<-c.done
	c.cancel()
	c.finish(string(exit.reason))
}

func (c *Controller) onBeat(ev dispatch.Event) {
	b, ok := ev.Payload.(types.BeatEvent)
	if !ok {
		return
	}
	c.beatInfo = FormatBeat(b)
}

// onColor publishes the new lamp colour. It runs for every beat.
func (c *Controller) onColor(ev dispatch.Event) {
	color, ok := ev.Payload.(string)
	if !ok {
		return
	}
	c.publish(c.cfg.ColorsTopic, color)
	c.logLine(fmt.Sprintf("Changing lamp color to %s", color))
}

func (c *Controller) onLamp(ev dispatch.Event) {
	if color, ok := ev.Payload.(string); ok {
		c.lamp = color
	}
}

// onRelay applies a status message; unknown payloads leave the relay unchanged.
func (c *Controller) onRelay(ev dispatch.Event) {
	payload, ok := ev.Payload.(string)
	if !ok {
		return
	}
	rs, ok := types.ParseRelayState(payload)
	if !ok {
		c.log.Debug("ignoring relay payload", "payload", payload)
		return
	}
	if rs != c.relay {
		c.log.Info("relay changed", "relay", rs)
	}
	c.relay = rs
}

func (c *Controller) onConnection(ev dispatch.Event) {
	st, ok := ev.Payload.(types.ConnectionState)
	if !ok {
		return
	}
	if st.Status == types.Connected {
		c.connText = LabelConnected
	} else {
		c.connText = LabelNotConnected
	}
}

// FormatBeat renders the beat info line.
func FormatBeat(b types.BeatEvent) string {
	return fmt.Sprintf("Beat #%d: Timestamp: %.2f, Frequency: %.2f BPM", b.Seq, b.TimestampSeconds, b.BPM)
}
