package gateway

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
)

const frameBufferSize = 32 * 1024

// pump reads from the local TCP side, seals each chunk and publishes it
// on the session topic. It runs until the connection closes, the
// context ends, or no bytes arrive within the socket timeout.
func (m *Manager) pump(ctx context.Context, session *Session, conn net.Conn) {
	defer m.teardownFromPump(session)

	buffer := make([]byte, frameBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.socketTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(m.socketTimeout)); err != nil {
				return
			}
		}

		n, err := conn.Read(buffer)
		if n > 0 {
			m.touch(session)
			frame, sealErr := session.crypto.Seal(buffer[:n])
			if sealErr != nil {
				m.logger.WithError(sealErr).WithField("session_id", session.ID).Error("Failed to seal tunnel frame")
				return
			}

			message, msgErr := relay.NewMessage(relay.KindRaw, m.ownCloud, frame)
			if msgErr != nil {
				m.logger.WithError(msgErr).WithField("session_id", session.ID).Error("Failed to build tunnel frame")
				return
			}
			if pubErr := m.relays.Publish(session.Relay, relay.GatewayTopic(session.ID), message); pubErr != nil {
				m.logger.WithError(pubErr).WithField("session_id", session.ID).Warn("Failed to publish tunnel frame")
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				m.logger.WithField("session_id", session.ID).Info("Tunnel idle timeout reached")
			}
			return
		}
	}
}

// deliver decrypts an inbound frame and writes it to the local TCP
// side. Frames that arrive before the connection exists are dropped;
// the peer's transport retries cover the handshake window.
func (m *Manager) deliver(session *Session, frame []byte) {
	m.mu.RLock()
	conn := session.conn
	m.mu.RUnlock()
	if conn == nil {
		m.logger.WithField("session_id", session.ID).Debug("Dropping tunnel frame before connection is up")
		return
	}

	payload, err := session.crypto.Open(frame)
	if err != nil {
		m.logger.WithError(err).WithField("session_id", session.ID).Warn("Rejecting undecryptable tunnel frame")
		return
	}

	m.touch(session)
	if _, err := conn.Write(payload); err != nil {
		m.logger.WithError(err).WithField("session_id", session.ID).Debug("Tunnel write failed")
		m.teardownFromPump(session)
	}
}

// teardownFromPump closes a session when its data path dies, notifying
// the peer so the other half closes too.
func (m *Manager) teardownFromPump(session *Session) {
	m.mu.RLock()
	_, live := m.sessions[session.ID]
	m.mu.RUnlock()
	if live {
		m.CloseSession(session.ID)
	}
}
