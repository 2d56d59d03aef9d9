package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/google/uuid"
)

// MessageKind discriminates relay envelopes. The set is closed: a
// receiver that sees an unknown kind drops the message and logs it,
// it never guesses.
type MessageKind string

const (
	KindGSDPoll     MessageKind = "gsd_poll"
	KindGSDAnswer   MessageKind = "gsd_answer"
	KindICNProposal MessageKind = "icn_proposal"
	KindICNResult   MessageKind = "icn_result"
	KindRaw         MessageKind = "raw"
	KindAck         MessageKind = "ack"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindGSDPoll, KindGSDAnswer, KindICNProposal, KindICNResult, KindRaw, KindAck:
		return true
	}
	return false
}

// Message is the envelope every relay payload travels in. ReplyTo
// carries the ID of the request a response answers; it is empty on
// unsolicited messages.
type Message struct {
	ID          string          `json:"id"`
	Kind        MessageKind     `json:"kind"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	SenderCloud pkg.Cloud       `json:"senderCloud"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewMessage wraps a payload in a fresh envelope.
func NewMessage(kind MessageKind, sender pkg.Cloud, payload interface{}) (*Message, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay payload: %w", err)
	}
	return &Message{
		ID:          uuid.New().String(),
		Kind:        kind,
		SenderCloud: sender,
		Payload:     encoded,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// NewReply wraps a payload in an envelope answering request.
func NewReply(request *Message, kind MessageKind, sender pkg.Cloud, payload interface{}) (*Message, error) {
	reply, err := NewMessage(kind, sender, payload)
	if err != nil {
		return nil, err
	}
	reply.ReplyTo = request.ID
	return reply, nil
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out interface{}) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// GatekeeperTopic is the topic a cloud's gatekeeper listens on.
func GatekeeperTopic(cloud pkg.Cloud) string {
	return "arrowhead/gatekeeper/" + cloud.Key()
}

// GatewayTopic is the per-session topic a gateway data stream uses.
func GatewayTopic(sessionID string) string {
	return "arrowhead/gateway/" + sessionID
}
