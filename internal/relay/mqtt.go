package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTClient talks to one relay broker over MQTT. Inter-cloud messages
// use QoS 1: a lost poll answer is worse than a duplicate one, and the
// correlation layer deduplicates by envelope ID anyway.
type MQTTClient struct {
	relay     pkg.Relay
	client    mqtt.Client
	logger    *logrus.Entry
	mu        sync.RWMutex
	connected bool
}

const relayQoS = byte(1)

func NewMQTTClient(relay pkg.Relay, clientID string, tlsConfig *tls.Config, logger *logrus.Logger) *MQTTClient {
	scheme := "tcp"
	if relay.Secure {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, relay.Address, relay.Port))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)

	if relay.Secure && tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	mc := &MQTTClient{
		relay:  relay,
		logger: logger.WithField("component", "mqtt_relay"),
	}

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		mc.logger.WithError(err).WithField("broker", relay.Address).Warn("Relay connection lost")
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		mc.logger.WithField("broker", relay.Address).Info("Relay client connected")
	})

	mc.client = mqtt.NewClient(opts)
	return mc
}

func (mc *MQTTClient) Connect() error {
	mc.logger.WithFields(logrus.Fields{
		"broker": mc.relay.Address,
		"port":   mc.relay.Port,
		"secure": mc.relay.Secure,
	}).Info("Connecting to relay broker")

	token := mc.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return pkg.RelayError("Relay connection timeout")
	}
	if err := token.Error(); err != nil {
		return pkg.RelayError(fmt.Sprintf("Relay connection failed: %v", err))
	}

	mc.mu.Lock()
	mc.connected = true
	mc.mu.Unlock()
	return nil
}

func (mc *MQTTClient) Disconnect() error {
	mc.mu.Lock()
	mc.connected = false
	mc.mu.Unlock()

	mc.client.Disconnect(1000)
	return nil
}

func (mc *MQTTClient) Publish(topic string, message *Message) error {
	if !mc.IsConnected() {
		return pkg.RelayError("Relay client not connected")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}

	mc.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": message.ID,
		"kind":       message.Kind,
	}).Debug("Publishing relay message")

	token := mc.client.Publish(topic, relayQoS, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return pkg.RelayError("Relay publish timeout")
	}
	if err := token.Error(); err != nil {
		return pkg.RelayError(fmt.Sprintf("Relay publish failed: %v", err))
	}
	return nil
}

func (mc *MQTTClient) Subscribe(ctx context.Context, topic string, handler func(*Message)) error {
	if !mc.IsConnected() {
		return pkg.RelayError("Relay client not connected")
	}

	messageHandler := func(client mqtt.Client, msg mqtt.Message) {
		var envelope Message
		if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
			mc.logger.WithError(err).WithField("topic", msg.Topic()).Error("Failed to unmarshal relay message")
			return
		}
		if !envelope.Kind.Valid() {
			mc.logger.WithFields(logrus.Fields{
				"topic": msg.Topic(),
				"kind":  envelope.Kind,
			}).Warn("Dropping relay message with unknown kind")
			return
		}
		handler(&envelope)
	}

	token := mc.client.Subscribe(topic, relayQoS, messageHandler)
	if !token.WaitTimeout(10 * time.Second) {
		return pkg.RelayError("Relay subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return pkg.RelayError(fmt.Sprintf("Relay subscribe failed: %v", err))
	}

	mc.logger.WithField("topic", topic).Info("Subscribed to relay topic")

	go func() {
		<-ctx.Done()
		mc.Unsubscribe(topic)
	}()
	return nil
}

func (mc *MQTTClient) Unsubscribe(topic string) error {
	token := mc.client.Unsubscribe(topic)
	if token.WaitTimeout(5 * time.Second) {
		if err := token.Error(); err != nil {
			mc.logger.WithError(err).WithField("topic", topic).Warn("Failed to unsubscribe from relay topic")
			return err
		}
	}
	return nil
}

func (mc *MQTTClient) Ping() error {
	if !mc.client.IsConnected() {
		mc.mu.Lock()
		mc.connected = false
		mc.mu.Unlock()
		return pkg.RelayError("Relay connection lost")
	}
	return nil
}

func (mc *MQTTClient) IsConnected() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.connected && mc.client.IsConnected()
}
