package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// Options tunes the manager's background workers and retry behaviour.
type Options struct {
	WorkerCount   int
	CheckInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// ClientFactory dials a broker. Injected so tests can substitute an
// in-memory client.
type ClientFactory func(relay pkg.Relay) RelayClient

// Manager owns the broker connections of this cloud. It multiplexes
// request/response exchanges over them: every outgoing request is
// correlated with its answer by envelope ID, and unsolicited messages
// are fanned out to a bounded pool of handler workers.
type Manager struct {
	mu          sync.RWMutex
	ownCloud    pkg.Cloud
	connections map[string]*connection
	pending     map[string]chan *Message
	factory     ClientFactory
	opts        Options
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	inbound     chan inboundJob
	outbound    chan *delivery
}

type connection struct {
	relay      pkg.Relay
	client     RelayClient
	errorCount int
	lastPing   time.Time
}

type inboundJob struct {
	message *Message
	handler func(*Message)
}

type delivery struct {
	relay   pkg.Relay
	topic   string
	message *Message
	retries int
}

func NewManager(ownCloud pkg.Cloud, factory ClientFactory, opts Options, logger *logrus.Logger) *Manager {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ownCloud:    ownCloud,
		connections: make(map[string]*connection),
		pending:     make(map[string]chan *Message),
		factory:     factory,
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		inbound:     make(chan inboundJob, 256),
		outbound:    make(chan *delivery, 1000),
	}

	for i := 0; i < opts.WorkerCount; i++ {
		m.wg.Add(1)
		go m.handlerWorker()
	}
	m.wg.Add(2)
	go m.deliveryWorker()
	go m.healthWorker()

	return m
}

func relayKey(relay pkg.Relay) string {
	return fmt.Sprintf("%s:%d", relay.Address, relay.Port)
}

// Connection returns a live client for the relay, dialing on first use.
func (m *Manager) Connection(relay pkg.Relay) (RelayClient, error) {
	key := relayKey(relay)

	m.mu.RLock()
	conn, ok := m.connections[key]
	m.mu.RUnlock()
	if ok && conn.client.IsConnected() {
		return conn.client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock; another caller may have dialed.
	if conn, ok := m.connections[key]; ok && conn.client.IsConnected() {
		return conn.client, nil
	}

	client := m.factory(relay)
	if err := client.Connect(); err != nil {
		return nil, err
	}

	m.connections[key] = &connection{
		relay:    relay,
		client:   client,
		lastPing: time.Now(),
	}

	m.logger.WithFields(logrus.Fields{
		"relay":  key,
		"secure": relay.Secure,
		"type":   relay.Type,
	}).Info("Relay connection established")

	return client, nil
}

// Request publishes a message and blocks until a reply correlated by
// envelope ID arrives or the context expires. The pending slot is
// removed on every exit path so late replies cannot leak channels.
func (m *Manager) Request(ctx context.Context, relay pkg.Relay, topic string, message *Message) (*Message, error) {
	client, err := m.Connection(relay)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Message, 1)
	m.mu.Lock()
	m.pending[message.ID] = replyCh
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, message.ID)
		m.mu.Unlock()
	}()

	if err := client.Publish(topic, message); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, pkg.TimeoutError("Timed out waiting for relay response")
	case <-m.ctx.Done():
		return nil, pkg.RelayError("Relay manager shutting down")
	}
}

// Send queues a message for asynchronous delivery with bounded retries.
func (m *Manager) Send(relay pkg.Relay, topic string, message *Message) error {
	select {
	case m.outbound <- &delivery{relay: relay, topic: topic, message: message}:
		return nil
	default:
		return pkg.RelayError("Relay message queue is full")
	}
}

// Publish delivers a message synchronously, bypassing the retry queue.
func (m *Manager) Publish(relay pkg.Relay, topic string, message *Message) error {
	client, err := m.Connection(relay)
	if err != nil {
		return err
	}
	return client.Publish(topic, message)
}

// Serve subscribes to a topic and dispatches its traffic. Replies to
// outstanding requests are routed to their waiters; everything else is
// handed to the worker pool running handler.
func (m *Manager) Serve(ctx context.Context, relay pkg.Relay, topic string, handler func(*Message)) error {
	client, err := m.Connection(relay)
	if err != nil {
		return err
	}

	return client.Subscribe(ctx, topic, func(message *Message) {
		if message.SenderCloud.Equals(m.ownCloud) {
			return
		}
		if message.ReplyTo != "" {
			m.resolveReply(message)
			return
		}

		select {
		case m.inbound <- inboundJob{message: message, handler: handler}:
		default:
			m.logger.WithFields(logrus.Fields{
				"message_id": message.ID,
				"kind":       message.Kind,
			}).Warn("Inbound relay queue full, dropping message")
		}
	})
}

func (m *Manager) resolveReply(message *Message) {
	m.mu.RLock()
	waiter, ok := m.pending[message.ReplyTo]
	m.mu.RUnlock()

	if !ok {
		// Requester already gave up. Late answers are discarded.
		m.logger.WithFields(logrus.Fields{
			"reply_to": message.ReplyTo,
			"kind":     message.Kind,
		}).Debug("Discarding relay reply with no waiter")
		return
	}

	select {
	case waiter <- message:
	default:
	}
}

// Shutdown stops the workers and closes every broker connection.
func (m *Manager) Shutdown() {
	m.logger.Info("Shutting down relay manager")
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, conn := range m.connections {
		if err := conn.client.Disconnect(); err != nil {
			m.logger.WithError(err).WithField("relay", key).Error("Failed to disconnect relay client")
		}
		delete(m.connections, key)
	}
}

func (m *Manager) handlerWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.inbound:
			job.handler(job.message)
		}
	}
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.outbound:
			m.deliver(d)
		}
	}
}

func (m *Manager) deliver(d *delivery) {
	err := m.Publish(d.relay, d.topic, d.message)
	if err == nil {
		return
	}

	m.logger.WithError(err).WithFields(logrus.Fields{
		"message_id": d.message.ID,
		"topic":      d.topic,
		"retry":      d.retries,
	}).Error("Failed to deliver relay message")

	if d.retries >= m.opts.MaxRetries {
		return
	}
	d.retries++

	select {
	case <-m.ctx.Done():
	case <-time.After(m.opts.RetryDelay):
		select {
		case m.outbound <- d:
		default:
			m.logger.WithField("message_id", d.message.ID).Error("Failed to requeue relay message for retry")
		}
	}
}

func (m *Manager) healthWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkConnections()
		}
	}
}

func (m *Manager) checkConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range m.connections {
		if err := conn.client.Ping(); err != nil {
			conn.errorCount++
			m.logger.WithError(err).WithFields(logrus.Fields{
				"relay":       key,
				"error_count": conn.errorCount,
			}).Warn("Relay health check failed")

			if conn.errorCount >= 3 {
				conn.client.Disconnect()
				delete(m.connections, key)
				m.logger.WithField("relay", key).Warn("Dropped unhealthy relay connection")
			}
			continue
		}
		conn.errorCount = 0
		conn.lastPing = time.Now()
	}
}
