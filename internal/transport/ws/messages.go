package ws

import "github.com/cwrk-planet/presence-service/internal/domain"

// Типы кадров WS
const (
	TypeState        = "state"         // комната и список соседей после подключения
	TypeRoomAssigned = "room_assigned" // domain.RoomAssigned
	TypeUserJoined   = "user_joined"   // domain.UserJoined
	TypeUserLeft     = "user_left"     // domain.UserLeft
	TypeChat         = "chat"          // чат-сообщение
	TypeChatAck      = "chat_ack"      // подтверждение отправки
	TypeError        = "error"
)

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type StatePayload struct {
	SessionID string   `json:"session_id"`
	RoomID    string   `json:"room_id"`
	RoomName  string   `json:"room_name"`
	Occupancy int      `json:"occupancy"`
	MaxUsers  int      `json:"max_users"`
	Peers     []string `json:"peers"`
}

// ChatPayload is both the inbound frame and the broadcast copy. Nonce and
// TSUnix feed the replay guard.
type ChatPayload struct {
	RoomID  string `json:"room_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`

	Nonce  string `json:"nonce,omitempty"`
	TSUnix int64  `json:"ts_unix"`
	MsgID  string `json:"msg_id,omitempty"`
}

type ChatAckPayload struct {
	MsgID string `json:"msg_id"`
	Nonce string `json:"nonce"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func eventMessage(ev domain.Event) Message {
	return Message{Type: ev.EventName(), Payload: ev}
}
