package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Spa state and discovery payloads are small JSON documents; anything near
// this limit is a bug upstream.
const maxPayloadSize = 256 << 10

// Publish sends payload to topic.
//
// Entity state, discovery configs and health reports are published retained
// at the configured QoS; command results on the error topic are not retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed, topic)
}

// Subscribe registers handler for topic. Command topics are exact; the Home
// Assistant status topic is the only other subscription the bridge makes.
//
// The subscription is remembered and replayed after every reconnect. A
// failed subscribe is forgotten again so it is not replayed.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, true); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed, topic); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// subscribed copies the subscriptions replayed on reconnect.
func (c *Client) subscribed() []subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// checkTopic rejects empty topics, and wildcards unless they are allowed.
func checkTopic(topic string, wildcards bool) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if !wildcards && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// await waits for token and wraps any failure in sentinel.
func await(token pahomqtt.Token, sentinel error, topic string) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: no broker ack after %v", sentinel, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", sentinel, topic, err)
	}
	return nil
}
