package gateway

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TunnelState is the lifecycle position of one gateway session.
type TunnelState string

const (
	StateRequested  TunnelState = "REQUESTED"
	StateConnecting TunnelState = "CONNECTING"
	StateActive     TunnelState = "ACTIVE"
	StateClosing    TunnelState = "CLOSING"
	StateClosed     TunnelState = "CLOSED"
	StateError      TunnelState = "ERROR"
)

// RelayManager is the messaging surface tunnels run over.
type RelayManager interface {
	Publish(r pkg.Relay, topic string, message *relay.Message) error
	Serve(ctx context.Context, r pkg.Relay, topic string, handler func(*relay.Message)) error
}

// Session is one consumer-to-provider tunnel. The consumer side owns a
// local listener port; the provider side owns the TCP connection to the
// provider. Both ends exchange sealed frames on the session topic.
type Session struct {
	ID                string
	State             TunnelState
	Relay             pkg.Relay
	Consumer          pkg.System
	Provider          pkg.System
	ConsumerCloud     pkg.Cloud
	ProviderCloud     pkg.Cloud
	ServiceDefinition string
	Port              int
	WrappedKey        string
	CreatedAt         time.Time

	crypto       *SessionCrypto
	conn         net.Conn
	listener     net.Listener
	cancel       context.CancelFunc
	lastActivity time.Time
}

// ConsumerConnectionRequest opens the consumer half of a tunnel.
type ConsumerConnectionRequest struct {
	Relay             pkg.Relay  `json:"relay"`
	Consumer          pkg.System `json:"consumer"`
	Provider          pkg.System `json:"provider"`
	ProviderCloud     pkg.Cloud  `json:"providerCloud"`
	ServiceDefinition string     `json:"serviceDefinition"`
	// PeerPublicKey is the provider-side gateway's RSA public key, PEM.
	PeerPublicKey string `json:"peerGatewayPublicKey"`
}

// ProviderConnectionRequest opens the provider half of a tunnel.
type ProviderConnectionRequest struct {
	SessionID         string     `json:"sessionId"`
	Relay             pkg.Relay  `json:"relay"`
	Consumer          pkg.System `json:"consumer"`
	Provider          pkg.System `json:"provider"`
	ConsumerCloud     pkg.Cloud  `json:"consumerCloud"`
	ServiceDefinition string     `json:"serviceDefinition"`
	// WrappedSessionKey is the consumer side's session key, RSA-wrapped
	// for this gateway.
	WrappedSessionKey string `json:"wrappedSessionKey"`
}

// Manager owns every live tunnel of this cloud's gateway.
type Manager struct {
	mu               sync.RWMutex
	ownCloud         pkg.Cloud
	sessions         map[string]*Session
	ports            *PortPool
	relays           RelayManager
	privateKey       *rsa.PrivateKey
	socketTimeout    time.Duration
	handshakeTimeout time.Duration
	logger           *logrus.Logger
	ctx              context.Context
	cancel           context.CancelFunc
}

func NewManager(ownCloud pkg.Cloud, ports *PortPool, relays RelayManager, privateKey *rsa.PrivateKey,
	socketTimeout, handshakeTimeout time.Duration, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ownCloud:         ownCloud,
		sessions:         make(map[string]*Session),
		ports:            ports,
		relays:           relays,
		privateKey:       privateKey,
		socketTimeout:    socketTimeout,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
	}

	go m.janitor()
	return m
}

// PublicKey exposes the gateway key peers wrap session keys for.
func (m *Manager) PublicKey() *rsa.PublicKey {
	if m.privateKey == nil {
		return nil
	}
	return &m.privateKey.PublicKey
}

// ConnectConsumer sets up the consumer half: a fresh session with its
// own key, and a local listener port the consumer dials instead of the
// remote provider. Frames between the listener and the relay topic are
// sealed with the session key.
func (m *Manager) ConnectConsumer(ctx context.Context, request *ConsumerConnectionRequest) (*Session, error) {
	if request.PeerPublicKey == "" {
		return nil, pkg.BadRequestError("Peer gateway public key is required")
	}

	crypto, err := NewSessionCrypto()
	if err != nil {
		return nil, pkg.InternalServerError(err.Error())
	}
	wrappedKey, err := crypto.WrapKey(request.PeerPublicKey)
	if err != nil {
		return nil, pkg.BadRequestError(fmt.Sprintf("Invalid peer gateway public key: %v", err))
	}

	port, err := m.ports.Acquire()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.ports.Release(port)
		return nil, pkg.InternalServerError(fmt.Sprintf("Failed to open tunnel listener: %v", err))
	}

	session := &Session{
		ID:                uuid.New().String(),
		State:             StateRequested,
		Relay:             request.Relay,
		Consumer:          request.Consumer,
		Provider:          request.Provider,
		ConsumerCloud:     m.ownCloud,
		ProviderCloud:     request.ProviderCloud,
		ServiceDefinition: request.ServiceDefinition,
		Port:              port,
		WrappedKey:        wrappedKey,
		CreatedAt:         time.Now(),
		crypto:            crypto,
		listener:          listener,
		lastActivity:      time.Now(),
	}

	sessionCtx, cancelSession := context.WithCancel(m.ctx)
	session.cancel = cancelSession

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if err := m.subscribe(sessionCtx, session); err != nil {
		m.teardown(session, StateError)
		return nil, err
	}

	go m.acceptConsumer(sessionCtx, session)

	m.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"port":       port,
		"provider":   request.Provider.SystemName,
		"peer_cloud": request.ProviderCloud.Key(),
	}).Info("Consumer tunnel opened")

	return session, nil
}

// ConnectProvider sets up the provider half: unwrap the session key,
// dial the provider, and bridge its connection onto the session topic.
func (m *Manager) ConnectProvider(ctx context.Context, request *ProviderConnectionRequest) (*Session, error) {
	if request.SessionID == "" {
		return nil, pkg.BadRequestError("Session id is required")
	}
	if m.privateKey == nil {
		return nil, pkg.InternalServerError("Gateway has no private key configured")
	}

	crypto, err := UnwrapKey(request.WrappedSessionKey, m.privateKey)
	if err != nil {
		return nil, pkg.BadRequestError(fmt.Sprintf("Invalid wrapped session key: %v", err))
	}

	session := &Session{
		ID:                request.SessionID,
		State:             StateConnecting,
		Relay:             request.Relay,
		Consumer:          request.Consumer,
		Provider:          request.Provider,
		ConsumerCloud:     request.ConsumerCloud,
		ProviderCloud:     m.ownCloud,
		ServiceDefinition: request.ServiceDefinition,
		CreatedAt:         time.Now(),
		crypto:            crypto,
		lastActivity:      time.Now(),
	}

	address := fmt.Sprintf("%s:%d", request.Provider.Address, request.Provider.Port)
	conn, err := net.DialTimeout("tcp", address, m.handshakeTimeout)
	if err != nil {
		return nil, pkg.RelayError(fmt.Sprintf("Failed to reach provider %s: %v", request.Provider.SystemName, err))
	}
	session.conn = conn

	sessionCtx, cancelSession := context.WithCancel(m.ctx)
	session.cancel = cancelSession

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if err := m.subscribe(sessionCtx, session); err != nil {
		m.teardown(session, StateError)
		return nil, err
	}

	m.setState(session, StateActive)
	go m.pump(sessionCtx, session, conn)

	m.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"provider":   request.Provider.SystemName,
		"peer_cloud": request.ConsumerCloud.Key(),
	}).Info("Provider tunnel opened")

	return session, nil
}

// SessionState reads a session's state under the manager lock.
// Unknown sessions report CLOSED.
func (m *Manager) SessionState(id string) TunnelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.sessions[id]; ok {
		return session.State
	}
	return StateClosed
}

// GetSession returns a live session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// ListSessions snapshots the live sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CloseSession tears a session down and notifies the peer. Closing an
// unknown or already-closed session is a no-op.
func (m *Manager) CloseSession(id string) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	m.setState(session, StateClosing)

	if message, err := relay.NewMessage(relay.KindAck, m.ownCloud, map[string]string{"sessionId": id}); err == nil {
		if err := m.relays.Publish(session.Relay, relay.GatewayTopic(id), message); err != nil {
			m.logger.WithError(err).WithField("session_id", id).Debug("Failed to notify peer of tunnel close")
		}
	}

	m.teardown(session, StateClosed)
}

// Shutdown closes every session and stops the janitor.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseSession(id)
	}
}

func (m *Manager) subscribe(ctx context.Context, session *Session) error {
	return m.relays.Serve(ctx, session.Relay, relay.GatewayTopic(session.ID), func(message *relay.Message) {
		m.handleFrame(session, message)
	})
}

func (m *Manager) handleFrame(session *Session, message *relay.Message) {
	switch message.Kind {
	case relay.KindAck:
		// Peer closed its half; mirror it without another notification.
		m.teardown(session, StateClosed)
	case relay.KindRaw:
		var frame []byte
		if err := message.Decode(&frame); err != nil {
			m.logger.WithError(err).WithField("session_id", session.ID).Warn("Malformed tunnel frame")
			return
		}
		m.deliver(session, frame)
	default:
		m.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"kind":       message.Kind,
		}).Debug("Ignoring tunnel message of unrelated kind")
	}
}

// acceptConsumer waits for the consumer to dial the allocated port,
// then bridges that connection. One connection per session.
func (m *Manager) acceptConsumer(ctx context.Context, session *Session) {
	m.setState(session, StateConnecting)

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := session.listener.Accept()
		ch <- accepted{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.handshakeTimeout):
		m.logger.WithField("session_id", session.ID).Warn("Consumer never connected to tunnel port")
		m.teardown(session, StateError)
		return
	case a := <-ch:
		if a.err != nil {
			m.teardown(session, StateError)
			return
		}
		m.mu.Lock()
		session.conn = a.conn
		m.mu.Unlock()
	}

	m.setState(session, StateActive)
	m.pump(ctx, session, session.conn)
}

func (m *Manager) setState(session *Session, state TunnelState) {
	m.mu.Lock()
	session.State = state
	m.mu.Unlock()
}

// teardown releases every resource a session may hold. Safe to call
// from any path, any number of times.
func (m *Manager) teardown(session *Session, final TunnelState) {
	m.mu.Lock()
	if _, live := m.sessions[session.ID]; !live {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session.ID)
	session.State = final
	conn := session.conn
	listener := session.listener
	port := session.Port
	cancel := session.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if listener != nil {
		listener.Close()
	}
	if port != 0 {
		m.ports.Release(port)
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"state":      final,
	}).Info("Tunnel session closed")
}

// janitor closes sessions with no traffic for twice the socket timeout.
func (m *Manager) janitor() {
	interval := m.socketTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * m.socketTimeout)
			m.mu.RLock()
			var stale []*Session
			for _, session := range m.sessions {
				if session.lastActivity.Before(cutoff) {
					stale = append(stale, session)
				}
			}
			m.mu.RUnlock()

			for _, session := range stale {
				m.logger.WithField("session_id", session.ID).Info("Closing idle tunnel session")
				m.CloseSession(session.ID)
			}
		}
	}
}

func (m *Manager) touch(session *Session) {
	m.mu.Lock()
	session.lastActivity = time.Now()
	m.mu.Unlock()
}
