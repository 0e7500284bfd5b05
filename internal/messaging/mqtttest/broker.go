// Package mqtttest provides an in-memory MQTT broker for tests.
package mqtttest

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is a published message as seen by the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  string
	QoS      byte
}

// Broker routes publishes to subscribers by exact topic match. Delivery is
// synchronous, in publish order.
type Broker struct {
	mu          sync.Mutex
	clients     []*Client
	published   []Message
	failConnect error
	stall       bool
	connects    int
	disconnects int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{}
}

// FailConnects makes every following Connect fail with err (nil restores).
func (b *Broker) FailConnects(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnect = err
}

// StallConnects makes every following Connect return a token that never
// completes (false restores).
func (b *Broker) StallConnects(stall bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stall = stall
}

// Disconnects returns the number of client Disconnect calls seen.
func (b *Broker) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

// ConnectAttempts returns the number of Connect calls seen.
func (b *Broker) ConnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Factory plugs the broker in where mqtt.NewClient would be used.
func (b *Broker) Factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c := &Client{broker: b, opts: opts, subs: make(map[string]mqtt.MessageHandler)}
		b.mu.Lock()
		b.clients = append(b.clients, c)
		b.mu.Unlock()
		return c
	}
}

// Published returns every message published so far.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedOn filters Published by topic.
func (b *Broker) PublishedOn(topic string) []string {
	var out []string
	for _, m := range b.Published() {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Inject delivers a message as if another client had published it.
func (b *Broker) Inject(topic, payload string) {
	b.deliver(Message{ClientID: "external", Topic: topic, Payload: payload})
}

// DropAll severs every connection and fires OnConnectionLost.
func (b *Broker) DropAll(err error) {
	b.mu.Lock()
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		c.lose(err)
	}
}

func (b *Broker) deliver(m Message) {
	b.mu.Lock()
	b.published = append(b.published, m)
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		if h := c.handler(m.Topic); h != nil {
			h(c, &message{topic: m.Topic, payload: []byte(m.Payload), qos: m.QoS})
		}
	}
}

// Client implements mqtt.Client against a Broker.
type Client struct {
	broker *Broker
	opts   *mqtt.ClientOptions

	mu        sync.Mutex
	connected bool
	subs      map[string]mqtt.MessageHandler
}

func (c *Client) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.subs[topic]
}

func (c *Client) lose(err error) {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was && c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.broker.mu.Lock()
	c.broker.connects++
	err := c.broker.failConnect
	stall := c.broker.stall
	c.broker.mu.Unlock()

	if err != nil {
		return done(err)
	}
	if stall {
		return &token{ch: make(chan struct{})}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return done(nil)
}

func (c *Client) Disconnect(quiesce uint) {
	c.broker.mu.Lock()
	c.broker.disconnects++
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if !c.IsConnected() {
		return done(errors.New("not connected"))
	}
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	default:
		return done(errors.New("unknown payload type"))
	}
	c.broker.deliver(Message{ClientID: c.opts.ClientID, Topic: topic, Payload: body, QoS: qos})
	return done(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range filters {
		c.subs[topic] = callback
	}
	return done(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return done(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

// Subscriptions lists the topics this client is subscribed to.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

type token struct {
	err error
	ch  chan struct{}
}

func done(err error) *token {
	ch := make(chan struct{})
	close(ch)
	return &token{err: err, ch: ch}
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.ch }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
	qos     byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return m.qos }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
