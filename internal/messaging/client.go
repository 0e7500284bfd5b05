// Package messaging is the MQTT link to the lamp controller.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/types"
)

// Recorder persists inbound messages.
type Recorder interface {
	Enqueue(topic, payload string) error
}

// Notifier receives UI events. Post must not block.
type Notifier interface {
	Post(kind dispatch.Kind, payload any)
}

// Topics are the three lamp topics the client subscribes to.
type Topics struct {
	Command string
	Colors  string
	Status  string
}

// DefaultTopics returns the smartlamp/led topic set.
func DefaultTopics() Topics {
	return Topics{Command: types.TopicCommand, Colors: types.TopicColors, Status: types.TopicStatus}
}

// Options configures a Client.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
	QoS            byte
	Retry          RetryConfig
	Topics         Topics
}

// NewIdentity returns a fresh client id. Generate it once per process.
func NewIdentity() string {
	return "beatlamp-" + uuid.NewString()[:8]
}

// Stats contains client statistics
type Stats struct {
	State     string            `json:"state"`
	ClientID  string            `json:"client_id"`
	Published map[string]uint64 `json:"published"`
	Received  map[string]uint64 `json:"received"`
	Skipped   uint64            `json:"skipped"`
	Errors    uint64            `json:"errors"`
}

// Client owns the MQTT connection, its subscriptions and inbound routing.
// Callbacks run on paho's goroutines; they only touch atomics, the recorder
// and the notifier.
type Client struct {
	opts      Options
	newClient func(*mqtt.ClientOptions) mqtt.Client
	store     Recorder
	ui        Notifier
	logger    *slog.Logger

	state atomic.Pointer[types.ConnectionState]

	connMu sync.Mutex
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	received  map[string]uint64
	skipped   uint64
	errors    uint64
}

// Option customises a Client.
type Option func(*Client)

// WithClientFactory replaces mqtt.NewClient (tests use an in-memory broker).
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(c *Client) { c.newClient = f }
}

// New creates a disconnected client.
func New(opts Options, store Recorder, ui Notifier, logger *slog.Logger, extra ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = NewIdentity()
	}
	if opts.Topics == (Topics{}) {
		opts.Topics = DefaultTopics()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	c := &Client{
		opts:      opts,
		newClient: mqtt.NewClient,
		store:     store,
		ui:        ui,
		logger:    logger.With("component", "mqtt", "client_id", opts.ClientID),
		published: make(map[string]uint64),
		received:  make(map[string]uint64),
	}
	for _, o := range extra {
		o(c)
	}
	c.setState(types.ConnectionState{Status: types.Disconnected}, false)
	return c
}

func (c *Client) broker() string {
	return fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
}

// ClientID returns the identity used on the broker.
func (c *Client) ClientID() string { return c.opts.ClientID }

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	return *c.state.Load()
}

// IsConnected reports whether the state is Connected.
func (c *Client) IsConnected() bool {
	return c.State().Status == types.Connected
}

func (c *Client) setState(s types.ConnectionState, notify bool) {
	prev := c.state.Swap(&s)
	if !notify || (prev != nil && *prev == s) {
		return
	}
	if c.ui != nil {
		c.ui.Post(dispatch.KindConnection, s)
	}
}

func (c *Client) notifyLog(line string) {
	if c.ui != nil {
		c.ui.Post(dispatch.KindLog, line)
	}
}

// Connect dials the broker. With Retry.MaxRetries > 0 failed attempts are
// retried with exponential backoff. A final failure leaves the client in
// Failed and returns a *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(types.ConnectionState{Status: types.Connecting}, true)
	c.logger.Info("connecting to mqtt broker", "broker", c.broker())

	err := connectWithRetry(ctx, c.connectOnce, c.opts.Retry, c.logger)
	if err != nil {
		cerr := &ConnectionError{Broker: c.broker(), Err: err}
		c.setState(types.ConnectionState{Status: types.Failed, Reason: err.Error()}, true)
		c.notifyLog(fmt.Sprintf("Connection failed: %v", err))
		c.logger.Error("mqtt connection failed", "error", err)
		return cerr
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + c.broker())
	opts.SetClientID(c.opts.ClientID)
	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(c.opts.AutoReconnect)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}

	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		c.setState(types.ConnectionState{Status: types.Connecting}, true)
		c.logger.Info("mqtt reconnecting", "broker", c.broker())
	}

	cli := c.newClient(opts)
	c.connMu.Lock()
	c.client = cli
	c.connMu.Unlock()

	token := cli.Connect()
	select {
	case <-token.Done():
	case <-time.After(c.opts.ConnectTimeout):
		cli.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		cli.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.setState(types.ConnectionState{Status: types.Connected}, true)
	return nil
}

func (c *Client) current() mqtt.Client {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.client
}

// onConnect subscribes to the lamp topics. It runs on every (re)connect.
func (c *Client) onConnect(cli mqtt.Client) {
	c.setState(types.ConnectionState{Status: types.Connected}, true)
	c.logger.Info("mqtt connection established", "broker", c.broker())

	filters := map[string]byte{
		c.opts.Topics.Command: c.opts.QoS,
		c.opts.Topics.Colors:  c.opts.QoS,
		c.opts.Topics.Status:  c.opts.QoS,
	}
	token := cli.SubscribeMultiple(filters, c.onMessage)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.Warn("mqtt subscribe timeout")
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt subscribe failed", "error", err)
			return
		}
		c.logger.Info("subscribed to lamp topics",
			"command", c.opts.Topics.Command,
			"colors", c.opts.Topics.Colors,
			"status", c.opts.Topics.Status)
	}()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.setState(types.ConnectionState{Status: types.Disconnected, Reason: reason}, true)
	c.logger.Warn("mqtt connection lost", "error", err, "auto_reconnect", c.opts.AutoReconnect)
}

// Publish sends payload on topic at the configured QoS. While not connected
// it logs, counts a skip and returns ErrNotConnected. Delivery is
// fire-and-forget: the token is checked in the background.
func (c *Client) Publish(topic, payload string) error {
	cli := c.current()
	if cli == nil || !c.IsConnected() {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.logger.Info("publish skipped, not connected", "topic", topic, "payload", payload)
		return ErrNotConnected
	}

	token := cli.Publish(topic, c.opts.QoS, false, payload)

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()

	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			c.logger.Warn("publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
			c.logger.Warn("publish failed", "topic", topic, "error", err)
			return
		}
		c.logger.Debug("published", "topic", topic, "payload", payload)
	}()
	return nil
}

// Disconnect closes the connection intentionally. It also ends paho's
// reconnect attempts when the link is currently lost.
func (c *Client) Disconnect() {
	if cli := c.current(); cli != nil {
		cli.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	c.setState(types.ConnectionState{Status: types.Disconnected}, true)
}

// Stats returns client statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	received := make(map[string]uint64, len(c.received))
	for k, v := range c.received {
		received[k] = v
	}
	return Stats{
		State:     c.State().String(),
		ClientID:  c.opts.ClientID,
		Published: published,
		Received:  received,
		Skipped:   c.skipped,
		Errors:    c.errors,
	}
}
