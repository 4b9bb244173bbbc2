package ws

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/titoTito21/Titan-sub004/internal/auth"
	"github.com/titoTito21/Titan-sub004/internal/metrics"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"github.com/titoTito21/Titan-sub004/internal/service"
)

// publicErrors 是可以原样告诉客户端的业务错误。
var publicErrors = []struct {
	err  error
	text string
}{
	{service.ErrUsernameTaken, "Username already exists"},
	{service.ErrInvalidUsername, "Username must be 1-64 characters"},
	{service.ErrInvalidPassword, "Password must be 1-72 bytes"},
	{service.ErrInvalidCredentials, "Invalid username or password"},
	{service.ErrTitanNumbersExhausted, "No Titan numbers available"},
	{service.ErrUserNotFound, "User not found"},
	{service.ErrEmptyMessage, "Message cannot be empty"},
	{service.ErrRoomNotFound, "Room not found"},
	{service.ErrRoomNameTaken, "Room name already exists"},
	{service.ErrInvalidRoomName, "Invalid room name"},
	{service.ErrInvalidRoomType, "Invalid room type"},
	{service.ErrInvalidRoomPassword, "Invalid room password"},
	{service.ErrAlreadyMember, "Already a member of this room"},
	{service.ErrNotMember, "Not a member of this room"},
	{service.ErrNotRoomCreator, "Only the room creator can delete the room"},
}

// errorText 把错误转换为客户端可见的文本，未知错误记录日志后统一返回通用文本。
func errorText(err error, op string) string {
	for _, pe := range publicErrors {
		if errors.Is(err, pe.err) {
			return pe.text
		}
	}
	log.Error().Err(err).Str("op", op).Msg("ws request failed")
	return "Internal server error"
}

func (s *Server) reply(c *Client, typ string, fields M) {
	if !c.enqueue(frame(typ, fields)) {
		c.shutdown()
	}
}

func (s *Server) sendError(c *Client, text string) {
	s.reply(c, "error", M{"error": text})
}

// handle 解码并分发一帧请求；未登录连接只能发送 Public 类型的请求。
func (s *Server) handle(c *Client, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		s.sendError(c, "Rate limit exceeded")
		return
	}
	kind, req, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrUnknownKind) {
			metrics.WSMessagesTotal.WithLabelValues("unknown").Inc()
			s.sendError(c, "Unknown message type: "+string(kind))
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("invalid").Inc()
		s.sendError(c, "Invalid JSON")
		return
	}
	metrics.WSMessagesTotal.WithLabelValues(string(kind)).Inc()

	sess, authed := s.hub.SessionOf(c)
	if !kind.Public() && !authed {
		s.sendError(c, "Not authenticated")
		return
	}
	s.dispatch(c, sess, req)
}

func (s *Server) dispatch(c *Client, sess Session, req Request) {
	switch r := req.(type) {
	case *LoginRequest:
		s.login(c, r)
	case *LogoutRequest:
		s.logout(c)
	case *RegisterRequest:
		s.register(c, r)
	case *PrivateMessageRequest:
		s.privateMessage(c, sess, r)
	case *GetMessagesRequest:
		s.getMessages(c, sess, r)
	case *CreateRoomRequest:
		s.createRoom(c, sess, r)
	case *JoinRoomRequest:
		s.joinRoom(c, sess, r)
	case *LeaveRoomRequest:
		s.leaveRoom(c, sess, r)
	case *DeleteRoomRequest:
		s.deleteRoom(c, sess, r)
	case *RoomMessageRequest:
		s.roomMessage(c, sess, r)
	case *GetRoomsRequest:
		s.getRooms(c)
	case *GetRoomMessagesRequest:
		s.getRoomMessages(c, sess, r)
	case *GetOnlineUsersRequest:
		s.getOnlineUsers(c)
	case *UpdateBlogRequest:
		s.updateBlog(c, sess, r)
	case *VoiceSignalRequest:
		s.voiceSignal(c, sess, r)
	case *PingRequest:
		s.ping(c)
	default:
		s.sendError(c, "Unknown message type: "+string(req.Kind()))
	}
}

// login 先回复 login_response，再（仅当这是该用户的第一个会话时）向其他会话广播上线。
// 广播是尽力而为的，失败不影响已经发出的回复。
func (s *Server) login(c *Client, r *LoginRequest) {
	if _, ok := s.hub.SessionOf(c); ok {
		s.reply(c, "login_response", M{"success": false, "error": "Already logged in"})
		return
	}
	user, err := s.users.Authenticate(r.Username, r.Password)
	if err != nil {
		s.reply(c, "login_response", M{"success": false, "error": errorText(err, "login")})
		return
	}
	token, err := auth.GenerateToken(user.ID, user.Username, s.cfg.SecretKey, s.cfg.TokenTTLMinutes)
	if err != nil {
		s.reply(c, "login_response", M{"success": false, "error": errorText(err, "login token")})
		return
	}

	sess := Session{ID: uuid.NewString(), UserID: user.ID, Username: user.Username, TitanNumber: user.TitanNumber}
	s.presenceMu.Lock()
	first := s.hub.Bind(c, sess)
	if first {
		if err := s.users.SetStatus(user.ID, models.StatusOnline); err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("set online")
		}
	}
	if err := s.users.OpenSession(sess.ID, user.ID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("open session record")
	}
	s.presenceMu.Unlock()

	online, err := s.users.Online()
	if err != nil {
		log.Error().Err(err).Msg("list online users")
		online = []service.UserDTO{}
	}
	s.reply(c, "login_response", M{
		"success":      true,
		"session_id":   sess.ID,
		"token":        token,
		"user":         service.NewUserDTO(*user),
		"online_users": online,
	})
	log.Info().Uint("user_id", user.ID).Str("username", user.Username).Bool("first_session", first).Msg("login")

	if first {
		s.broadcastStatus(sess, models.StatusOnline, c)
	}
}

func (s *Server) logout(c *Client) {
	s.presenceMu.Lock()
	sess, last, ok := s.hub.Unbind(c)
	if ok {
		s.sessionEnded(sess, last)
	}
	s.presenceMu.Unlock()

	s.reply(c, "logout_response", M{"success": ok})
	if ok && last {
		s.broadcastStatus(sess, models.StatusOffline, c)
	}
}

func (s *Server) register(c *Client, r *RegisterRequest) {
	user, err := s.users.Register(r.Username, r.Password, r.FullName)
	if err != nil {
		s.reply(c, "register_response", M{"success": false, "error": errorText(err, "register")})
		return
	}
	s.reply(c, "register_response", M{
		"success":      true,
		"user_id":      user.ID,
		"username":     user.Username,
		"titan_number": user.TitanNumber,
		"created_at":   user.CreatedAt,
	})
	log.Info().Uint("user_id", user.ID).Str("username", user.Username).Int("titan_number", user.TitanNumber).Msg("register")

	s.hub.Broadcast(frame("user_registered", M{
		"user_id":      user.ID,
		"username":     user.Username,
		"titan_number": user.TitanNumber,
	}), c)
}

// privateMessage 接收者不存在时返回明确的 error；接收者离线时只落库，不推送。
func (s *Server) privateMessage(c *Client, sess Session, r *PrivateMessageRequest) {
	var (
		recipient *models.User
		err       error
	)
	switch {
	case r.RecipientTitanNumber != 0:
		recipient, err = s.users.ByTitanNumber(r.RecipientTitanNumber)
	case r.RecipientID != 0:
		recipient, err = s.users.ByID(r.RecipientID)
	default:
		err = service.ErrUserNotFound
	}
	if err == nil {
		var msg *models.PrivateMessage
		msg, err = s.msgs.SendPrivate(sess.UserID, recipient.ID, r.Message)
		if err == nil {
			s.hub.SendToUser(recipient.ID, frame("private_message", M{
				"message_id":          msg.ID,
				"sender_id":           sess.UserID,
				"sender_username":     sess.Username,
				"sender_titan_number": sess.TitanNumber,
				"recipient_id":        recipient.ID,
				"message":             msg.Message,
				"sent_at":             msg.SentAt,
			}), nil)
			s.reply(c, "message_sent", M{
				"success":      true,
				"message_id":   msg.ID,
				"recipient_id": recipient.ID,
				"sent_at":      msg.SentAt,
			})
			return
		}
	}
	if errors.Is(err, service.ErrUserNotFound) {
		s.sendError(c, "Recipient not found")
		return
	}
	s.sendError(c, errorText(err, "private_message"))
}

func (s *Server) getMessages(c *Client, sess Session, r *GetMessagesRequest) {
	other := r.Other()
	if other == 0 {
		s.sendError(c, "user_id is required")
		return
	}
	msgs, err := s.msgs.Conversation(sess.UserID, other, r.Limit)
	if err != nil {
		s.sendError(c, errorText(err, "get_messages"))
		return
	}
	if err := s.msgs.MarkRead(sess.UserID, other); err != nil {
		log.Warn().Err(err).Uint("user_id", sess.UserID).Msg("mark messages read")
	}
	s.reply(c, "private_messages", M{"user_id": other, "messages": msgs})
}

func (s *Server) createRoom(c *Client, sess Session, r *CreateRoomRequest) {
	room, err := s.rooms.Create(sess.UserID, r.Name, r.Description, r.RoomType, r.Password)
	if err != nil {
		s.reply(c, "room_created", M{"success": false, "error": errorText(err, "create_room")})
		return
	}
	s.reply(c, "room_created", M{
		"success":    true,
		"room_id":    room.ID,
		"name":       room.Name,
		"room_type":  room.RoomType,
		"is_private": room.IsPrivate(),
	})
	s.hub.Broadcast(frame("new_room", M{
		"room_id":     room.ID,
		"name":        room.Name,
		"description": room.Description,
		"creator":     sess.Username,
		"creator_id":  sess.UserID,
		"room_type":   room.RoomType,
		"is_private":  room.IsPrivate(),
	}), nil)
}

func (s *Server) joinRoom(c *Client, sess Session, r *JoinRoomRequest) {
	roomID := r.RoomID
	if roomID == 0 && r.RoomName != "" {
		room, err := s.rooms.ByName(r.RoomName)
		if err != nil {
			s.reply(c, "room_joined", M{"success": false, "room_id": 0, "error": errorText(err, "join_room")})
			return
		}
		roomID = room.ID
	}
	room, err := s.rooms.Join(roomID, sess.UserID, r.Password)
	if err != nil {
		s.reply(c, "room_joined", M{"success": false, "room_id": roomID, "error": errorText(err, "join_room")})
		return
	}
	s.reply(c, "room_joined", M{"success": true, "room_id": room.ID, "name": room.Name, "room_type": room.RoomType})
	s.notifyRoom(room.ID, frame("user_joined_room", M{
		"room_id":  room.ID,
		"user_id":  sess.UserID,
		"username": sess.Username,
	}), sess.UserID)
}

func (s *Server) leaveRoom(c *Client, sess Session, r *LeaveRoomRequest) {
	if err := s.rooms.Leave(r.RoomID, sess.UserID); err != nil {
		s.sendError(c, errorText(err, "leave_room"))
		return
	}
	s.reply(c, "room_left", M{"success": true, "room_id": r.RoomID})
	s.notifyRoom(r.RoomID, frame("user_left_room", M{
		"room_id":  r.RoomID,
		"user_id":  sess.UserID,
		"username": sess.Username,
	}), sess.UserID)
}

// deleteRoom 非创建者在写库之前就被拒绝。
func (s *Server) deleteRoom(c *Client, sess Session, r *DeleteRoomRequest) {
	if err := s.rooms.Delete(r.RoomID, sess.UserID); err != nil {
		s.reply(c, "room_deleted", M{"success": false, "room_id": r.RoomID, "error": errorText(err, "delete_room")})
		return
	}
	s.reply(c, "room_deleted", M{"success": true, "room_id": r.RoomID})
	s.hub.Broadcast(frame("room_removed", M{"room_id": r.RoomID}), c)
}

// roomMessage 落库后向当前在线的成员推送；成员列表每次重新读取。
func (s *Server) roomMessage(c *Client, sess Session, r *RoomMessageRequest) {
	msg, err := s.msgs.SendRoomMessage(r.RoomID, sess.UserID, r.Message)
	if err != nil {
		s.sendError(c, errorText(err, "room_message"))
		return
	}
	s.notifyRoom(r.RoomID, frame("room_message", M{
		"room_id":      msg.RoomID,
		"message_id":   msg.ID,
		"user_id":      sess.UserID,
		"username":     sess.Username,
		"titan_number": sess.TitanNumber,
		"message":      msg.Message,
		"sent_at":      msg.SentAt,
	}), 0)
}

// notifyRoom 向房间成员推送，exceptUser 非 0 时跳过该用户的全部会话。
func (s *Server) notifyRoom(roomID uint, msg []byte, exceptUser uint) {
	ids, err := s.rooms.MemberIDs(roomID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("room members")
		return
	}
	targets := ids[:0]
	for _, id := range ids {
		if id != exceptUser {
			targets = append(targets, id)
		}
	}
	s.hub.SendToUsers(targets, msg, nil)
}

func (s *Server) getRooms(c *Client) {
	rooms, err := s.rooms.List()
	if err != nil {
		s.sendError(c, errorText(err, "get_rooms"))
		return
	}
	s.reply(c, "rooms_list", M{"rooms": rooms})
}

// getRoomMessages 私有房间的历史只对成员开放。
func (s *Server) getRoomMessages(c *Client, sess Session, r *GetRoomMessagesRequest) {
	room, err := s.rooms.Get(r.RoomID)
	if err != nil {
		s.sendError(c, errorText(err, "get_room_messages"))
		return
	}
	if room.IsPrivate() {
		member, err := s.rooms.IsMember(room.ID, sess.UserID)
		if err != nil {
			s.sendError(c, errorText(err, "get_room_messages"))
			return
		}
		if !member {
			s.sendError(c, errorText(service.ErrNotMember, "get_room_messages"))
			return
		}
	}
	msgs, err := s.msgs.RoomMessages(room.ID, r.Limit)
	if err != nil {
		s.sendError(c, errorText(err, "get_room_messages"))
		return
	}
	s.reply(c, "room_messages", M{"room_id": room.ID, "messages": msgs})
}

func (s *Server) getOnlineUsers(c *Client) {
	users, err := s.users.Online()
	if err != nil {
		s.sendError(c, errorText(err, "get_online_users"))
		return
	}
	s.reply(c, "online_users", M{"users": users})
}

func (s *Server) updateBlog(c *Client, sess Session, r *UpdateBlogRequest) {
	if err := s.users.UpdateBlog(sess.UserID, r.BlogURL); err != nil {
		s.reply(c, "blog_updated", M{"success": false, "error": errorText(err, "update_blog")})
		return
	}
	s.reply(c, "blog_updated", M{"success": true, "blog_url": r.BlogURL})
}

// voiceSignal 原样转发信令：指定 target_user_id 时发给该用户，否则发给房间内其他成员。
func (s *Server) voiceSignal(c *Client, sess Session, r *VoiceSignalRequest) {
	f := frame("voice_signal", M{
		"room_id":        r.RoomID,
		"target_user_id": r.TargetUserID,
		"from_user_id":   sess.UserID,
		"from_username":  sess.Username,
		"signal":         r.Signal,
	})
	switch {
	case r.TargetUserID != 0:
		s.hub.SendToUser(r.TargetUserID, f, c)
	case r.RoomID != 0:
		member, err := s.rooms.IsMember(r.RoomID, sess.UserID)
		if err != nil {
			s.sendError(c, errorText(err, "voice_signal"))
			return
		}
		if !member {
			s.sendError(c, errorText(service.ErrNotMember, "voice_signal"))
			return
		}
		s.notifyRoom(r.RoomID, f, sess.UserID)
	default:
		s.sendError(c, "target_user_id or room_id is required")
	}
}

func (s *Server) ping(c *Client) {
	if sess, ok := s.hub.SessionOf(c); ok {
		if err := s.users.TouchSession(sess.ID); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("touch session")
		}
	}
	s.reply(c, "pong", M{"timestamp": time.Now().UTC()})
}
