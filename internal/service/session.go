package service

import (
	"time"

	"github.com/titoTito21/Titan-sub004/internal/models"
)

// OpenSession 写入一条会话记录。记录只用于查看在线会话，不参与鉴权。
func (s *UserService) OpenSession(sessionID string, userID uint) error {
	now := time.Now().UTC()
	return s.db.Create(&models.SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		ConnectedAt:  now,
		LastActivity: now,
	}).Error
}

func (s *UserService) TouchSession(sessionID string) error {
	return s.db.Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("last_activity", time.Now().UTC()).Error
}

func (s *UserService) CloseSession(sessionID string) error {
	return s.db.Where("session_id = ?", sessionID).Delete(&models.SessionRecord{}).Error
}

// SessionCount 返回用户当前的会话记录数。
func (s *UserService) SessionCount(userID uint) (int64, error) {
	var n int64
	err := s.db.Model(&models.SessionRecord{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}
