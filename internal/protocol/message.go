package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the application protocol version exchanged in HANDSHAKE.
const Version = 3

// Category groups message types; ordering is only guaranteed within one category.
type Category string

const (
	CategoryControl Category = "CONTROL"
	CategoryState   Category = "STATE"
	CategorySync    Category = "SYNC"
	CategoryEvent   Category = "EVENT"
)

// Type tags an application message.
type Type string

const (
	TypeHandshake         Type = "HANDSHAKE"
	TypeHandshakeResponse Type = "HANDSHAKE_RESPONSE"
	TypePing              Type = "PING"
	TypePong              Type = "PONG"
	TypeAck               Type = "ACK"
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeError             Type = "ERROR"

	TypeJoinTeam       Type = "JOIN_TEAM"
	TypeCreateTeam     Type = "CREATE_TEAM"
	TypeLeaveTeam      Type = "LEAVE_TEAM"
	TypeReconnect      Type = "RECONNECT"
	TypeTeamConfirmed  Type = "TEAM_CONFIRMED"
	TypeTeamDeleted    Type = "TEAM_DELETED"
	TypeKick           Type = "KICK"
	TypeLeave          Type = "LEAVE"
	TypeBuzzerState    Type = "BUZZER_STATE"
	TypeSuperGameState Type = "SUPER_GAME_STATE"
	TypeSuperGameClear Type = "SUPER_GAME_CLEAR"
	TypeSuperBet       Type = "SUPER_BET"
	TypeSuperAnswer    Type = "SUPER_ANSWER"

	TypeTeamsSync    Type = "TEAMS_SYNC"
	TypeCommandsSync Type = "COMMANDS_SYNC"

	TypeBuzz Type = "BUZZ"
)

var categories = map[Type]Category{
	TypeHandshake:         CategoryControl,
	TypeHandshakeResponse: CategoryControl,
	TypePing:              CategoryControl,
	TypePong:              CategoryControl,
	TypeAck:               CategoryControl,
	TypeHeartbeat:         CategoryControl,
	TypeError:             CategoryControl,

	TypeJoinTeam:       CategoryState,
	TypeCreateTeam:     CategoryState,
	TypeLeaveTeam:      CategoryState,
	TypeReconnect:      CategoryState,
	TypeTeamConfirmed:  CategoryState,
	TypeTeamDeleted:    CategoryState,
	TypeKick:           CategoryState,
	TypeLeave:          CategoryState,
	TypeBuzzerState:    CategoryState,
	TypeSuperGameState: CategoryState,
	TypeSuperGameClear: CategoryState,
	TypeSuperBet:       CategoryState,
	TypeSuperAnswer:    CategoryState,

	TypeTeamsSync:    CategorySync,
	TypeCommandsSync: CategorySync,

	TypeBuzz: CategoryEvent,
}

// CategoryOf reports the category of t; ok is false for unknown types.
func CategoryOf(t Type) (Category, bool) {
	c, ok := categories[t]
	return c, ok
}

// Known reports whether t is part of the contract.
func Known(t Type) bool {
	_, ok := categories[t]
	return ok
}

var ErrMalformed = errors.New("malformed message")

// Message is the wire envelope. ID is set only for queued messages and is echoed in ACK.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	SentAt  int64           `json:"sentAt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with payload marshalled to JSON. A nil payload is omitted.
func New(t Type, payload any) (Message, error) {
	m := Message{Type: t}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	m.Payload = raw
	return m, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(t Type, payload any) Message {
	m, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Category returns the message category, or "" for unknown types.
func (m Message) Category() Category {
	return categories[m.Type]
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Encode serializes the envelope.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Parse deserializes an envelope. Unknown types parse fine; callers decide to ignore them.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}
