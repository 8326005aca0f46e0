package transport

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/confluence/internal/identity"
)

// Message types.
const (
	MsgPing        = "PING"
	MsgPong        = "PONG"
	MsgPush        = "PUSH"
	MsgPushAck     = "PUSH_ACK"
	MsgSummaryReq  = "SUMMARY_REQ"
	MsgSummary     = "SUMMARY"
	MsgPull        = "PULL"
	MsgRecords     = "RECORDS"
	MsgSnapshotReq = "SNAPSHOT_REQ"
	MsgSnapshot    = "SNAPSHOT"
	MsgError       = "ERROR"
)

// SenderInfo identifies the sending instance and where it can be reached.
type SenderInfo struct {
	Instance  identity.InstanceID `json:"instance"`
	Endpoint  string              `json:"endpoint,omitempty"`
	PublicKey string              `json:"public_key,omitempty"`
}

// Message is the envelope for every exchange between instances. Replies carry
// the ID of the request in ReplyTo.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Sender    SenderInfo      `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// ErrorPayload is the body of an ERROR reply.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage builds a message of type typ with payload encoded as JSON.
func NewMessage(typ string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{Type: typ, ID: uuid.New().String(), Payload: raw}, nil
}

// Reply builds a reply to m.
func (m *Message) Reply(typ string, payload any) (*Message, error) {
	r, err := NewMessage(typ, payload)
	if err != nil {
		return nil, err
	}
	r.ReplyTo = m.ID
	return r, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func (m *Message) signable() []byte {
	return []byte(m.Type + m.ID + m.ReplyTo + string(m.Sender.Instance) + strconv.FormatInt(m.Timestamp, 10) + string(m.Payload))
}

// Sign stamps the sender and time and signs the message with kp.
func (m *Message) Sign(kp identity.Keypair, endpoint string) {
	m.Sender = SenderInfo{Instance: kp.ID, Endpoint: endpoint, PublicKey: hex.EncodeToString(kp.Public)}
	m.Timestamp = time.Now().Unix()
	m.Signature = hex.EncodeToString(ed25519.Sign(kp.Private, m.signable()))
}

// Verify checks the signature against pub.
func (m *Message) Verify(pub []byte) error {
	if m.Signature == "" {
		return fmt.Errorf("message has no signature")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !identity.Verify(pub, m.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// VerifySelf checks the signature against the key the sender advertises and
// that the key matches the claimed instance ID.
func (m *Message) VerifySelf() error {
	pub, err := hex.DecodeString(m.Sender.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("sender advertises no usable public key")
	}
	if identity.FromPublicKey(pub) != m.Sender.Instance {
		return fmt.Errorf("sender key does not match instance %s", m.Sender.Instance)
	}
	return m.Verify(pub)
}
