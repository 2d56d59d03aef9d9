package relay

import "context"

// RelayClient abstracts one broker connection. The MQTT implementation
// is the production one; tests substitute an in-memory fake.
type RelayClient interface {
	Connect() error
	Disconnect() error
	Publish(topic string, message *Message) error
	Subscribe(ctx context.Context, topic string, handler func(*Message)) error
	Unsubscribe(topic string) error
	Ping() error
	IsConnected() bool
}
