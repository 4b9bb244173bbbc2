package service

import (
	"errors"
	"strings"
	"time"

	"github.com/titoTito21/Titan-sub004/internal/models"
	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// ClampLimit 把调用方传入的条数限制在 [1, MaxHistoryLimit]，0 或负数取默认值。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// MessageService 封装私聊与房间消息的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// PrivateMessageDTO 是对外输出的私聊消息。
type PrivateMessageDTO struct {
	ID                uint      `json:"id"`
	SenderID          uint      `json:"sender_id"`
	SenderUsername    string    `json:"sender_username"`
	SenderTitanNumber int       `json:"sender_titan_number"`
	RecipientID       uint      `json:"recipient_id"`
	RecipientUsername string    `json:"recipient_username"`
	Message           string    `json:"message"`
	SentAt            time.Time `json:"sent_at"`
	Read              bool      `json:"read"`
}

// RoomMessageDTO 是对外输出的房间消息。
type RoomMessageDTO struct {
	ID          uint      `json:"id"`
	RoomID      uint      `json:"room_id"`
	UserID      uint      `json:"user_id"`
	Username    string    `json:"username"`
	TitanNumber int       `json:"titan_number"`
	Message     string    `json:"message"`
	SentAt      time.Time `json:"sent_at"`
}

// SendPrivate 保存一条私聊消息，接收者不存在时返回 ErrUserNotFound。
func (s *MessageService) SendPrivate(senderID, recipientID uint, text string) (*models.PrivateMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	msg := models.PrivateMessage{SenderID: senderID, RecipientID: recipientID, Message: text}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", recipientID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrUserNotFound
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Conversation 返回两个用户之间双向的私聊记录，最新的在前。
func (s *MessageService) Conversation(userID, otherID uint, limit int) ([]PrivateMessageDTO, error) {
	var msgs []models.PrivateMessage
	err := s.db.
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", userID, otherID, otherID, userID).
		Order("sent_at desc, id desc").
		Limit(ClampLimit(limit)).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	users, err := lookupUsers(s.db, []uint{userID, otherID})
	if err != nil {
		return nil, err
	}

	out := make([]PrivateMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PrivateMessageDTO{
			ID:                m.ID,
			SenderID:          m.SenderID,
			SenderUsername:    users[m.SenderID].Username,
			SenderTitanNumber: users[m.SenderID].TitanNumber,
			RecipientID:       m.RecipientID,
			RecipientUsername: users[m.RecipientID].Username,
			Message:           m.Message,
			SentAt:            m.SentAt,
			Read:              m.Read,
		})
	}
	return out, nil
}

// MarkRead 把 otherID 发给 userID 的消息标记为已读。
func (s *MessageService) MarkRead(userID, otherID uint) error {
	return s.db.Model(&models.PrivateMessage{}).
		Where("sender_id = ? AND recipient_id = ? AND read = ?", otherID, userID, false).
		Update("read", true).Error
}

// SendRoomMessage 保存房间消息，发送者必须是房间成员。
func (s *MessageService) SendRoomMessage(roomID, userID uint, text string) (*models.RoomMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	msg := models.RoomMessage{RoomID: roomID, UserID: userID, Message: text}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var room models.ChatRoom
		if err := tx.Select("id").First(&room, roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&models.RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotMember
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RoomMessages 返回房间消息，最新的在前。
func (s *MessageService) RoomMessages(roomID uint, limit int) ([]RoomMessageDTO, error) {
	var msgs []models.RoomMessage
	err := s.db.Where("room_id = ?", roomID).
		Order("sent_at desc, id desc").
		Limit(ClampLimit(limit)).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UserID)
	}
	users, err := lookupUsers(s.db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]RoomMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, RoomMessageDTO{
			ID:          m.ID,
			RoomID:      m.RoomID,
			UserID:      m.UserID,
			Username:    users[m.UserID].Username,
			TitanNumber: users[m.UserID].TitanNumber,
			Message:     m.Message,
			SentAt:      m.SentAt,
		})
	}
	return out, nil
}
