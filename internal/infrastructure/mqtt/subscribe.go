package mqtt

import (
	"encoding/json"
	"fmt"
)

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is restored after a reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(topic)

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// HasSubscription checks the exact topic string, not pattern matches.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}

// CoreCommand is the payload of a core command topic.
type CoreCommand struct {
	Action string `json:"action"`
}

// CommandHandler runs a lifecycle action requested over MQTT.
type CommandHandler func(protocol, action string) error

// commandHandler adapts h to a MessageHandler for AllCoreCommands.
func commandHandler(h CommandHandler) MessageHandler {
	return func(topic string, payload []byte) error {
		protocol, leaf, ok := ParseCoreTopic(topic)
		if !ok || leaf != LeafCommand {
			return fmt.Errorf("unexpected topic %q", topic)
		}
		var cmd CoreCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decoding command for %s: %w", protocol, err)
		}
		if cmd.Action == "" {
			return fmt.Errorf("command for %s has no action", protocol)
		}
		return h(protocol, cmd.Action)
	}
}

// SubscribeCoreCommands routes {"action": "..."} messages published on
// any core command topic to h.
func (c *Client) SubscribeCoreCommands(h CommandHandler) error {
	return c.Subscribe(Topics{}.AllCoreCommands(), byte(c.cfg.QoS), commandHandler(h))
}
