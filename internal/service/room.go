package service

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/titoTito21/Titan-sub004/internal/auth"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"gorm.io/gorm"
)

// maxRoomTypeLen 与 chat_rooms.room_type 列宽一致。
const maxRoomTypeLen = 16

// RoomService 封装房间与成员关系相关的业务逻辑。
type RoomService struct {
	db *gorm.DB
}

func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{db: db}
}

// RoomDTO 是对外输出的房间数据。私有房间同样列出，只在加入时校验密码。
type RoomDTO struct {
	ID              uint      `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CreatorID       uint      `json:"creator_id"`
	CreatorUsername string    `json:"creator_username"`
	CreatedAt       time.Time `json:"created_at"`
	RoomType        string    `json:"room_type"`
	IsPrivate       bool      `json:"is_private"`
	MemberCount     int64     `json:"member_count"`
}

// Create 创建房间，创建者在同一事务内自动成为成员。password 非空即为私有房间。
func (s *RoomService) Create(creatorID uint, name, description, roomType, password string) (*models.ChatRoom, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > 128 {
		return nil, ErrInvalidRoomName
	}
	// 房间类型是客户端自定义的标签，服务端只做长度校验。
	roomType = strings.TrimSpace(roomType)
	if roomType == "" {
		roomType = "text"
	}
	if utf8.RuneCountInString(roomType) > maxRoomTypeLen {
		return nil, ErrInvalidRoomType
	}

	room := models.ChatRoom{Name: name, Description: description, CreatorID: creatorID, RoomType: roomType}
	if password != "" {
		if len(password) > auth.MaxPasswordLen {
			return nil, ErrInvalidPassword
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, err
		}
		room.PasswordHash = &hash
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrRoomNameTaken
			}
			return err
		}
		return tx.Create(&models.RoomMember{RoomID: room.ID, UserID: creatorID}).Error
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) Get(roomID uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) ByName(name string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := s.db.Where("name = ?", strings.TrimSpace(name)).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Join 加入房间。私有房间需要正确的密码；已是成员时返回 ErrAlreadyMember 且不重复写入。
func (s *RoomService) Join(roomID, userID uint, password string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&room, roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if room.IsPrivate() && !auth.VerifyPassword(*room.PasswordHash, password) {
			return ErrInvalidRoomPassword
		}
		var count int64
		if err := tx.Model(&models.RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyMember
		}
		if err := tx.Create(&models.RoomMember{RoomID: roomID, UserID: userID}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyMember
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) Leave(roomID, userID uint) error {
	res := s.db.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.RoomMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

// Delete 删除房间及其消息和成员关系，只有创建者可以删除；
// 非创建者在任何写操作之前就被拒绝。
func (s *RoomService) Delete(roomID, userID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var room models.ChatRoom
		if err := tx.Select("id", "creator_id").First(&room, roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if room.CreatorID != userID {
			return ErrNotRoomCreator
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.RoomMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.RoomMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChatRoom{}, roomID).Error
	})
}

// List 返回全部房间，附带创建者用户名与成员数。
func (s *RoomService) List() ([]RoomDTO, error) {
	var rooms []models.ChatRoom
	if err := s.db.Order("created_at desc, id desc").Find(&rooms).Error; err != nil {
		return nil, err
	}

	type countRow struct {
		RoomID uint
		N      int64
	}
	var counts []countRow
	if err := s.db.Model(&models.RoomMember{}).Select("room_id, count(*) as n").Group("room_id").Scan(&counts).Error; err != nil {
		return nil, err
	}
	members := make(map[uint]int64, len(counts))
	for _, c := range counts {
		members[c.RoomID] = c.N
	}

	ids := make([]uint, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.CreatorID)
	}
	users, err := lookupUsers(s.db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{
			ID:              r.ID,
			Name:            r.Name,
			Description:     r.Description,
			CreatorID:       r.CreatorID,
			CreatorUsername: users[r.CreatorID].Username,
			CreatedAt:       r.CreatedAt,
			RoomType:        r.RoomType,
			IsPrivate:       r.IsPrivate(),
			MemberCount:     members[r.ID],
		})
	}
	return out, nil
}

// MemberIDs 每次都从数据库读取成员列表，离开的用户立即不再收到房间广播。
func (s *RoomService) MemberIDs(roomID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Pluck("user_id", &ids).Error
	return ids, err
}

func (s *RoomService) IsMember(roomID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	return count > 0, err
}
