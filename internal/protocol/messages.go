// Package protocol defines the field-tagged messages exchanged between the coordinator and its
// clients. Every message travels in an Envelope whose Type selects the payload shape.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kauschie/knewit/internal/domain"
)

// MessageType tags an envelope.
type MessageType string

// Client to server.
const (
	TypeSessionCreate   MessageType = "session.create"
	TypeSessionJoin     MessageType = "session.join"
	TypeSessionLeave    MessageType = "session.leave"
	TypeSessionClose    MessageType = "session.close"
	TypeSnapshotRequest MessageType = "session.snapshot"
	TypeQuizList        MessageType = "quiz.list"
	TypeQuizLoad        MessageType = "quiz.load"
	TypeQuizStart       MessageType = "quiz.start"
	TypeQuizStop        MessageType = "quiz.stop"
	TypeQuestionClose   MessageType = "question.close"
	TypeQuestionAdvance MessageType = "question.next"
	TypeAnswerSubmit    MessageType = "answer.submit"
	TypePlayerKick      MessageType = "player.kick"
	TypePlayerMute      MessageType = "player.mute"
	TypeChat            MessageType = "chat"
	TypePong            MessageType = "pong"
)

// Server to client.
const (
	TypeWelcome         MessageType = "welcome"
	TypeSessionCreated  MessageType = "session.created"
	TypeSessionJoined   MessageType = "session.joined"
	TypeSessionSnapshot MessageType = "session.snapshot"
	TypeSessionClosed   MessageType = "session.closed"
	TypeError           MessageType = "error"
	TypeLobbyUpdate     MessageType = "lobby.update"
	TypeQuizLoaded      MessageType = "quiz.loaded"
	TypeQuizListing     MessageType = "quiz.list"
	TypeQuestionNext    MessageType = "question.next"
	TypeAnswerRecorded  MessageType = "answer.recorded"
	TypeHistogram       MessageType = "histogram"
	TypeQuestionResults MessageType = "question.results"
	TypeQuizFinished    MessageType = "quiz.finished"
	TypeKicked          MessageType = "player.kicked"
	TypeChatMessage     MessageType = "chat.message"
	TypePing            MessageType = "ping"
	TypeLeft            MessageType = "session.left"
)

// Inbound lists every client-originated type. The server dispatcher must handle all of them.
var Inbound = []MessageType{
	TypeSessionCreate, TypeSessionJoin, TypeSessionLeave, TypeSessionClose, TypeSnapshotRequest,
	TypeQuizList, TypeQuizLoad, TypeQuizStart, TypeQuizStop, TypeQuestionClose, TypeQuestionAdvance,
	TypeAnswerSubmit, TypePlayerKick, TypePlayerMute, TypeChat, TypePong,
}

// IsInbound reports whether t is a client-originated type.
func IsInbound(t MessageType) bool {
	for _, in := range Inbound {
		if in == t {
			return true
		}
	}
	return false
}

// Envelope is the wire frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a JSON-encoded payload.
func New(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// MustNew is New for payloads that always encode.
func MustNew(t MessageType, payload any) Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", domain.ErrInvalidMessage)
	}
	return env, nil
}

// Encode renders the envelope as a single frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Into decodes the payload into v. An empty payload leaves v untouched.
func (e Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidMessage, e.Type, err)
	}
	return nil
}
