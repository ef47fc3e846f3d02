package types

import (
	"encoding/json"
	"time"
)

// Inbound events (connection -> gateway)
const (
	EventJoinRoom       = "join-room"
	EventSendMessage    = "send-message"
	EventJoinVoiceRoom  = "join-voice-room"
	EventLeaveVoiceRoom = "leave-voice-room"
	EventLeaveRoom      = "leave-room"
	EventEndSession     = "end-session"
	EventAIResponse     = "ai-response"
)

// Outbound events (gateway -> connections)
const (
	EventUserJoined      = "user-joined"
	EventNewMessage      = "new-message"
	EventAIMessage       = "ai-message"
	EventUserRemoved     = "user-removed"
	EventUserLeft        = "user-left"
	EventVoiceToken      = "voice-token"
	EventVoiceUserJoined = "voice-user-joined"
	EventVoiceUserLeft   = "voice-user-left"
	EventSessionEnded    = "session-ended"
	EventChatHistory     = "chat-history"
	EventError           = "error"
)

const AIModeratorName = "AI Moderator"

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWireMessage wraps data into the websocket envelope for the given event.
func NewWireMessage(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: raw})
}

// The different inbound payloads, decoded via mapstructure.

type JoinRoomRequest struct {
	SessionId string `mapstructure:"sessionId"`
	UserId    string `mapstructure:"userId"`
	Role      Role   `mapstructure:"role"`
}

type SendMessageRequest struct {
	SessionId string `mapstructure:"sessionId"`
	UserId    string `mapstructure:"userId"`
	Username  string `mapstructure:"username"`
	Role      Role   `mapstructure:"role"`
	Message   string `mapstructure:"message"`
}

type VoiceRoomRequest struct {
	SessionId string `mapstructure:"sessionId"`
	UserId    string `mapstructure:"userId"`
}

type SessionRequest struct {
	SessionId string `mapstructure:"sessionId"`
}

type AIResponseRequest struct {
	SessionId string `mapstructure:"sessionId"`
	UserId    string `mapstructure:"userId"`
	Response  string `mapstructure:"response"`
}

// The different outbound payloads.

type UserJoined struct {
	UserId string `json:"userId"`
	Role   Role   `json:"role"`
}

type NewMessage struct {
	UserId    string    `json:"userId"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessageFrom(m *Message) NewMessage {
	return NewMessage{
		UserId:    m.UserId,
		Username:  m.Username,
		Role:      m.Role,
		Message:   m.Text,
		Timestamp: m.Timestamp,
	}
}

type AIMessage struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type UserRemoved struct {
	UserId string `json:"userId"`
	Reason string `json:"reason"`
}

type UserRef struct {
	UserId string `json:"userId"`
}

type VoiceToken struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	Uid     uint32 `json:"uid"`
}

type SessionEnded struct{}

type ChatHistory struct {
	Messages []NewMessage `json:"messages"`
}
