package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Kind 是客户端请求的类型标签，取值集合是封闭的。
type Kind string

const (
	KindLogin           Kind = "login"
	KindLogout          Kind = "logout"
	KindRegister        Kind = "register"
	KindPrivateMessage  Kind = "private_message"
	KindGetMessages     Kind = "get_messages"
	KindCreateRoom      Kind = "create_room"
	KindJoinRoom        Kind = "join_room"
	KindLeaveRoom       Kind = "leave_room"
	KindDeleteRoom      Kind = "delete_room"
	KindRoomMessage     Kind = "room_message"
	KindGetRooms        Kind = "get_rooms"
	KindGetRoomMessages Kind = "get_room_messages"
	KindGetOnlineUsers  Kind = "get_online_users"
	KindUpdateBlog      Kind = "update_blog"
	KindVoiceSignal     Kind = "voice_signal"
	KindPing            Kind = "ping"
)

// Kinds 列出全部请求类型。
var Kinds = []Kind{
	KindLogin, KindLogout, KindRegister,
	KindPrivateMessage, KindGetMessages,
	KindCreateRoom, KindJoinRoom, KindLeaveRoom, KindDeleteRoom,
	KindRoomMessage, KindGetRooms, KindGetRoomMessages,
	KindGetOnlineUsers, KindUpdateBlog, KindVoiceSignal, KindPing,
}

// Public 表示未登录连接也可以发送的请求。
func (k Kind) Public() bool {
	return k == KindLogin || k == KindRegister || k == KindPing
}

// Request 是解码后的客户端请求，每种 Kind 对应一个具体结构体。
type Request interface {
	Kind() Kind
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LogoutRequest struct{}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type PrivateMessageRequest struct {
	RecipientID          uint   `json:"recipient_id"`
	RecipientTitanNumber int    `json:"recipient_titan_number"`
	Message              string `json:"message"`
}

// GetMessagesRequest 同时接受 user_id 与 other_user_id 两种写法。
type GetMessagesRequest struct {
	UserID      uint `json:"user_id"`
	OtherUserID uint `json:"other_user_id"`
	Limit       int  `json:"limit"`
}

func (r GetMessagesRequest) Other() uint {
	if r.OtherUserID != 0 {
		return r.OtherUserID
	}
	return r.UserID
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RoomType    string `json:"room_type"`
	Password    string `json:"password"`
}

// JoinRoomRequest 可以用 room_id 或 room_name 指定房间。
type JoinRoomRequest struct {
	RoomID   uint   `json:"room_id"`
	RoomName string `json:"room_name"`
	Password string `json:"password"`
}

type LeaveRoomRequest struct {
	RoomID uint `json:"room_id"`
}

type DeleteRoomRequest struct {
	RoomID uint `json:"room_id"`
}

type RoomMessageRequest struct {
	RoomID  uint   `json:"room_id"`
	Message string `json:"message"`
}

type GetRoomsRequest struct{}

type GetRoomMessagesRequest struct {
	RoomID uint `json:"room_id"`
	Limit  int  `json:"limit"`
}

type GetOnlineUsersRequest struct{}

type UpdateBlogRequest struct {
	BlogURL string `json:"blog_url"`
}

// VoiceSignalRequest 的 signal 是不透明的信令数据，原样转发。
type VoiceSignalRequest struct {
	RoomID       uint            `json:"room_id"`
	TargetUserID uint            `json:"target_user_id"`
	Signal       json.RawMessage `json:"signal"`
}

type PingRequest struct{}

func (LoginRequest) Kind() Kind           { return KindLogin }
func (LogoutRequest) Kind() Kind          { return KindLogout }
func (RegisterRequest) Kind() Kind        { return KindRegister }
func (PrivateMessageRequest) Kind() Kind  { return KindPrivateMessage }
func (GetMessagesRequest) Kind() Kind     { return KindGetMessages }
func (CreateRoomRequest) Kind() Kind      { return KindCreateRoom }
func (JoinRoomRequest) Kind() Kind        { return KindJoinRoom }
func (LeaveRoomRequest) Kind() Kind       { return KindLeaveRoom }
func (DeleteRoomRequest) Kind() Kind      { return KindDeleteRoom }
func (RoomMessageRequest) Kind() Kind     { return KindRoomMessage }
func (GetRoomsRequest) Kind() Kind        { return KindGetRooms }
func (GetRoomMessagesRequest) Kind() Kind { return KindGetRoomMessages }
func (GetOnlineUsersRequest) Kind() Kind  { return KindGetOnlineUsers }
func (UpdateBlogRequest) Kind() Kind      { return KindUpdateBlog }
func (VoiceSignalRequest) Kind() Kind     { return KindVoiceSignal }
func (PingRequest) Kind() Kind            { return KindPing }

var (
	ErrMalformed   = errors.New("invalid JSON message")
	ErrUnknownKind = errors.New("unknown message type")
)

// newRequest 返回 kind 对应的空请求；未知类型返回 nil。
func newRequest(k Kind) Request {
	switch k {
	case KindLogin:
		return &LoginRequest{}
	case KindLogout:
		return &LogoutRequest{}
	case KindRegister:
		return &RegisterRequest{}
	case KindPrivateMessage:
		return &PrivateMessageRequest{}
	case KindGetMessages:
		return &GetMessagesRequest{}
	case KindCreateRoom:
		return &CreateRoomRequest{}
	case KindJoinRoom:
		return &JoinRoomRequest{}
	case KindLeaveRoom:
		return &LeaveRoomRequest{}
	case KindDeleteRoom:
		return &DeleteRoomRequest{}
	case KindRoomMessage:
		return &RoomMessageRequest{}
	case KindGetRooms:
		return &GetRoomsRequest{}
	case KindGetRoomMessages:
		return &GetRoomMessagesRequest{}
	case KindGetOnlineUsers:
		return &GetOnlineUsersRequest{}
	case KindUpdateBlog:
		return &UpdateBlogRequest{}
	case KindVoiceSignal:
		return &VoiceSignalRequest{}
	case KindPing:
		return &PingRequest{}
	}
	return nil
}

// Decode 解析一帧 {"type": ..., ...}，返回具体的请求结构体指针。
// 返回的 Kind 在 type 字段可读时总是有值，便于错误响应与统计。
func Decode(data []byte) (Kind, Request, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, ErrMalformed
	}
	req := newRequest(env.Type)
	if req == nil {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err := json.Unmarshal(data, req); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, req, nil
}

// M 是服务端推送帧的字段集合。
type M map[string]any

// frame 编码一帧服务端消息，type 字段总是覆盖 fields 中的同名键。
func frame(typ string, fields M) []byte {
	out := make(M, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = typ
	b, err := json.Marshal(out)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("encode frame")
		return nil
	}
	return b
}
