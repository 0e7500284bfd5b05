package messaging

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/types"
)

// onMessage persists first, then routes by topic, then echoes every message.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.route(types.InboundMessage{Topic: msg.Topic(), Payload: string(msg.Payload()), ReceivedAt: time.Now()})
}

func (c *Client) route(m types.InboundMessage) {
	c.mu.Lock()
	c.received[m.Topic]++
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Enqueue(m.Topic, m.Payload); err != nil {
			c.logger.Warn("inbound message not stored", "topic", m.Topic, "error", err)
		}
	}

	switch m.Topic {
	case c.opts.Topics.Status:
		if c.ui != nil {
			c.ui.Post(dispatch.KindRelay, m.Payload)
		}
		c.notifyLog(fmt.Sprintf("Relay status changed: %s", m.Payload))
	case c.opts.Topics.Colors:
		c.notifyLog(fmt.Sprintf("Color changed to: %s", m.Payload))
	}

	c.notifyLog(fmt.Sprintf("Received message: %s on topic %s", m.Payload, m.Topic))
	c.logger.Debug("message received", "topic", m.Topic, "payload", m.Payload)
}
