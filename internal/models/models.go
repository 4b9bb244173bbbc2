package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:64;not null" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	TitanNumber  int        `gorm:"uniqueIndex;not null" json:"titan_number"`
	FullName     *string    `gorm:"size:128" json:"full_name"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login"`
	IsAdmin      bool       `gorm:"not null;default:false" json:"is_admin"`
	BlogURL      *string    `gorm:"size:512" json:"blog_url"`
	Status       string     `gorm:"size:16;not null;default:offline;index" json:"status"`
}

type PrivateMessage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SenderID    uint      `gorm:"index:idx_pm_pair;not null" json:"sender_id"`
	RecipientID uint      `gorm:"index:idx_pm_pair;index;not null" json:"recipient_id"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	SentAt      time.Time `gorm:"autoCreateTime;index" json:"sent_at"`
	Read        bool      `gorm:"not null;default:false" json:"read"`
}

type ChatRoom struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description  string    `gorm:"type:text" json:"description"`
	CreatorID    uint      `gorm:"index;not null" json:"creator_id"`
	CreatedAt    time.Time `json:"created_at"`
	RoomType     string    `gorm:"size:16;not null;default:text" json:"room_type"`
	PasswordHash *string   `json:"-"`
}

// IsPrivate 有密码的房间即为私有房间。
func (r ChatRoom) IsPrivate() bool { return r.PasswordHash != nil }

type RoomMessage struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	RoomID  uint      `gorm:"index:idx_room_msg_room;not null" json:"room_id"`
	UserID  uint      `gorm:"index;not null" json:"user_id"`
	Message string    `gorm:"type:text;not null" json:"message"`
	SentAt  time.Time `gorm:"autoCreateTime" json:"sent_at"`
}

type RoomMember struct {
	RoomID   uint      `gorm:"primaryKey;autoIncrement:false" json:"room_id"`
	UserID   uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// Artifact 是仓库中的一个文件构件，审核通过前不会对外列出或提供下载。
type Artifact struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:255;not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	Category    string         `gorm:"size:32;not null;index" json:"category"`
	Version     string         `gorm:"size:64" json:"version"`
	AuthorID    uint           `gorm:"index;not null" json:"author_id"`
	FilePath    string         `gorm:"size:512;not null;index" json:"-"`
	FileSize    int64          `json:"file_size"`
	UploadedAt  time.Time      `gorm:"autoCreateTime" json:"uploaded_at"`
	Approved    bool           `gorm:"not null;default:false;index" json:"approved"`
	ApprovedBy  *uint          `json:"approved_by"`
	ApprovedAt  *time.Time     `json:"approved_at"`
	Downloads   int64          `gorm:"not null;default:0" json:"downloads"`
	Metadata    datatypes.JSON `json:"metadata"`
}

func (Artifact) TableName() string { return "repository_artifacts" }

// SessionRecord 记录当前在线的 WebSocket 会话，仅供查看，重启时清空。
type SessionRecord struct {
	SessionID    string    `gorm:"primaryKey;size:64"`
	UserID       uint      `gorm:"index;not null"`
	ConnectedAt  time.Time `gorm:"not null"`
	LastActivity time.Time `gorm:"not null"`
}

func (SessionRecord) TableName() string { return "sessions" }

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{
		&User{},
		&PrivateMessage{},
		&ChatRoom{},
		&RoomMessage{},
		&RoomMember{},
		&Artifact{},
		&SessionRecord{},
	}
}
