package service

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/titoTito21/Titan-sub004/internal/auth"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"gorm.io/gorm"
)

const (
	MinTitanNumber = 10000
	MaxTitanNumber = 99999

	// titanAttempts 是分配 Titan 号时的最大尝试次数。
	titanAttempts = 100
)

// UserService 封装用户、在线状态与会话记录相关的业务逻辑。
type UserService struct {
	db       *gorm.DB
	randTN   func() int
	attempts int
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{
		db:       db,
		randTN:   func() int { return MinTitanNumber + rand.IntN(MaxTitanNumber-MinTitanNumber+1) },
		attempts: titanAttempts,
	}
}

// UserDTO 是对外输出的用户资料，不含密码哈希。
type UserDTO struct {
	ID          uint       `json:"id"`
	Username    string     `json:"username"`
	TitanNumber int        `json:"titan_number"`
	FullName    *string    `json:"full_name"`
	IsAdmin     bool       `json:"is_admin"`
	BlogURL     *string    `json:"blog_url"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login"`
}

func NewUserDTO(u models.User) UserDTO {
	return UserDTO{
		ID:          u.ID,
		Username:    u.Username,
		TitanNumber: u.TitanNumber,
		FullName:    u.FullName,
		IsAdmin:     u.IsAdmin,
		BlogURL:     u.BlogURL,
		Status:      u.Status,
		CreatedAt:   u.CreatedAt,
		LastLogin:   u.LastLogin,
	}
}

func validateCredentials(username, password string) error {
	if n := utf8.RuneCountInString(username); n == 0 || n > 64 {
		return ErrInvalidUsername
	}
	if password == "" || len(password) > auth.MaxPasswordLen {
		return ErrInvalidPassword
	}
	return nil
}

// Register 创建新账号并分配唯一的 Titan 号，整个过程在一个事务内完成。
func (s *UserService) Register(username, password, fullName string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := models.User{Username: username, PasswordHash: hash, Status: models.StatusOffline}
	if fn := strings.TrimSpace(fullName); fn != "" {
		user.FullName = &fn
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		tn, err := s.allocateTitanNumber(tx)
		if err != nil {
			return err
		}
		user.TitanNumber = tn
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUsernameTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserService) allocateTitanNumber(tx *gorm.DB) (int, error) {
	for i := 0; i < s.attempts; i++ {
		tn := s.randTN()
		if tn < MinTitanNumber || tn > MaxTitanNumber {
			continue
		}
		var count int64
		if err := tx.Model(&models.User{}).Where("titan_number = ?", tn).Count(&count).Error; err != nil {
			return 0, err
		}
		if count == 0 {
			return tn, nil
		}
	}
	return 0, ErrTitanNumbersExhausted
}

// VerifyCredentials 只校验用户名密码，不修改任何状态。
// 用户不存在与密码错误返回同一个错误。
func (s *UserService) VerifyCredentials(username, password string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// Authenticate 校验用户名密码，成功时用一条语句同时更新 status 与 last_login。
func (s *UserService) Authenticate(username, password string) (*models.User, error) {
	user, err := s.VerifyCredentials(username, password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.Model(user).Updates(map[string]any{
		"status":     models.StatusOnline,
		"last_login": now,
	}).Error; err != nil {
		return nil, err
	}
	user.Status = models.StatusOnline
	user.LastLogin = &now
	return user, nil
}

func (s *UserService) ByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) ByTitanNumber(tn int) (*models.User, error) {
	var user models.User
	if err := s.db.Where("titan_number = ?", tn).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) SetStatus(id uint, status string) error {
	return s.db.Model(&models.User{}).Where("id = ?", id).Update("status", status).Error
}

// Online 返回当前在线的用户，按用户名排序。
func (s *UserService) Online() ([]UserDTO, error) {
	var users []models.User
	if err := s.db.Where("status = ?", models.StatusOnline).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, NewUserDTO(u))
	}
	return out, nil
}

// UpdateBlog 设置或清空（空串）用户的博客地址。
func (s *UserService) UpdateBlog(id uint, url string) error {
	var v *string
	if url = strings.TrimSpace(url); url != "" {
		v = &url
	}
	res := s.db.Model(&models.User{}).Where("id = ?", id).Update("blog_url", v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetPresence 在启动时把所有用户置为离线并清空会话记录，上一个进程的会话不会恢复。
func (s *UserService) ResetPresence() (int64, error) {
	var n int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("status <> ?", models.StatusOffline).Update("status", models.StatusOffline)
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return tx.Where("1 = 1").Delete(&models.SessionRecord{}).Error
	})
	return n, err
}

// lookupUsers 批量获取一组用户，供消息、房间与仓库列表补全用户名。
func lookupUsers(db *gorm.DB, ids []uint) (map[uint]models.User, error) {
	seen := make(map[uint]struct{}, len(ids))
	uniq := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	out := make(map[uint]models.User, len(uniq))
	if len(uniq) == 0 {
		return out, nil
	}
	var users []models.User
	if err := db.Select("id", "username", "titan_number").Where("id IN ?", uniq).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
