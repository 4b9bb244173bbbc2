package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"github.com/titoTito21/Titan-sub004/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RepositoryService 封装仓库构件的审核流程。数据库行与 uploads 目录中的文件
// 必须保持一致，涉及文件移动的操作由 fileMu 串行化。
type RepositoryService struct {
	db     *gorm.DB
	store  *storage.Store
	fileMu sync.Mutex
}

func NewRepositoryService(db *gorm.DB, store *storage.Store) *RepositoryService {
	return &RepositoryService{db: db, store: store}
}

// ArtifactInput 是上传时 metadata 部分的内容，原始 JSON 整体作为 metadata 保存。
type ArtifactInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Version     string          `json:"version"`
	Raw         json.RawMessage `json:"-"`
}

// ParseArtifactInput 解析并校验 metadata JSON。
func ParseArtifactInput(raw []byte) (ArtifactInput, error) {
	var in ArtifactInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("%w: metadata is not valid JSON", ErrMissingField)
	}
	in.Raw = append(json.RawMessage(nil), raw...)
	err := in.Validate()
	return in, err
}

func (in *ArtifactInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Version = strings.TrimSpace(in.Version)
	fields := []struct{ name, value string }{
		{"name", in.Name},
		{"description", in.Description},
		{"category", in.Category},
		{"version", in.Version},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if !config.ValidCategory(in.Category) {
		return fmt.Errorf("%w: %s", ErrInvalidCategory, in.Category)
	}
	return nil
}

// ArtifactDTO 是对外输出的构件数据，不含文件路径。
type ArtifactDTO struct {
	ID             uint           `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Version        string         `json:"version"`
	AuthorID       uint           `json:"author_id"`
	AuthorUsername string         `json:"author_username"`
	FileSize       int64          `json:"file_size"`
	UploadedAt     time.Time      `json:"uploaded_at"`
	Approved       bool           `json:"approved"`
	ApprovedBy     *uint          `json:"approved_by"`
	ApprovedAt     *time.Time     `json:"approved_at"`
	Downloads      int64          `json:"downloads"`
	Metadata       datatypes.JSON `json:"metadata"`
}

// Stats 是仓库的汇总统计，只统计已审核构件的下载与分类。
type Stats struct {
	TotalApps      int64            `json:"total_apps"`
	PendingApps    int64            `json:"pending_apps"`
	TotalDownloads int64            `json:"total_downloads"`
	Categories     map[string]int64 `json:"categories"`
}

// Add 把暂存的上传落到 pending 区并创建待审核记录。无论成败 file 都会被消费：
// 校验失败时丢弃临时文件，插入失败时删除本次新建的 pending 文件。
func (s *RepositoryService) Add(authorID uint, in ArtifactInput, file *storage.Staged) (*models.Artifact, error) {
	if err := in.Validate(); err != nil {
		file.Abort()
		return nil, err
	}
	a := models.Artifact{
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Version:     in.Version,
		AuthorID:    authorID,
		FilePath:    file.Path,
		FileSize:    file.Size,
		Metadata:    datatypes.JSON(in.Raw),
	}
	if len(a.Metadata) == 0 {
		a.Metadata = datatypes.JSON("{}")
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	created, err := file.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	if err := s.db.Create(&a).Error; err != nil {
		if created {
			if rerr := s.store.Remove(file.Path); rerr != nil {
				log.Error().Err(rerr).Str("path", file.Path).Msg("remove orphaned upload")
			}
		}
		return nil, err
	}
	return &a, nil
}

func (s *RepositoryService) Get(id uint) (*models.Artifact, error) {
	var a models.Artifact
	if err := s.db.First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Approve 把文件移到 approved 区并更新审核字段。两步作为一个整体：
// 行更新失败时把文件移回原处。已审核的构件直接返回，不会重复复制文件。
func (s *RepositoryService) Approve(id, adminID uint) (*models.Artifact, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Approved {
		return a, nil
	}

	// 内容相同的其他记录仍引用 pending 文件时保留源文件。
	var shared int64
	if err := s.db.Model(&models.Artifact{}).Where("file_path = ? AND id <> ?", a.FilePath, a.ID).Count(&shared).Error; err != nil {
		return nil, err
	}
	keep := shared > 0

	src := a.FilePath
	dst, created, err := s.store.Promote(src, keep)
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", src, err)
	}

	now := time.Now().UTC()
	err = s.db.Model(&models.Artifact{}).Where("id = ?", a.ID).Updates(map[string]any{
		"approved":    true,
		"approved_by": adminID,
		"approved_at": now,
		"file_path":   dst,
	}).Error
	if err != nil {
		if uerr := s.undoPromote(dst, created, keep); uerr != nil {
			log.Error().Err(uerr).Uint("artifact_id", a.ID).Str("file", dst).Msg("approve rollback failed")
		}
		return nil, err
	}

	a.Approved = true
	a.ApprovedBy = &adminID
	a.ApprovedAt = &now
	a.FilePath = dst
	return a, nil
}

func (s *RepositoryService) undoPromote(dst string, created, kept bool) error {
	switch {
	case created && kept:
		return s.store.Remove(dst)
	case created:
		_, _, err := s.store.Demote(dst, false)
		return err
	case !kept:
		// 目标文件原本就存在，源文件已被删除，复制一份回 pending 区。
		_, _, err := s.store.Demote(dst, true)
		return err
	}
	return nil
}

func (s *RepositoryService) Pending() ([]ArtifactDTO, error) {
	return s.list(s.db.Where("approved = ?", false))
}

// Approved 返回已审核构件，category 为空时不过滤。
func (s *RepositoryService) Approved(category string) ([]ArtifactDTO, error) {
	q := s.db.Where("approved = ?", true)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	return s.list(q)
}

// Search 在已审核构件的名称与描述中做不区分大小写的子串匹配。
func (s *RepositoryService) Search(query, category string) ([]ArtifactDTO, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	q := s.db.Where("approved = ?", true).
		Where(`(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`, pattern, pattern)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	return s.list(q)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *RepositoryService) list(q *gorm.DB) ([]ArtifactDTO, error) {
	var rows []models.Artifact
	if err := q.Order("uploaded_at desc, id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, a := range rows {
		ids = append(ids, a.AuthorID)
	}
	users, err := lookupUsers(s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ArtifactDTO, 0, len(rows))
	for _, a := range rows {
		out = append(out, ArtifactDTO{
			ID:             a.ID,
			Name:           a.Name,
			Description:    a.Description,
			Category:       a.Category,
			Version:        a.Version,
			AuthorID:       a.AuthorID,
			AuthorUsername: users[a.AuthorID].Username,
			FileSize:       a.FileSize,
			UploadedAt:     a.UploadedAt,
			Approved:       a.Approved,
			ApprovedBy:     a.ApprovedBy,
			ApprovedAt:     a.ApprovedAt,
			Downloads:      a.Downloads,
			Metadata:       a.Metadata,
		})
	}
	return out, nil
}

// Downloadable 返回可下载构件的磁盘路径：未审核返回 ErrArtifactNotYetApproved，
// 文件缺失返回 ErrArtifactFileMissing。
func (s *RepositoryService) Downloadable(id uint) (*models.Artifact, string, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}
	if !a.Approved {
		return nil, "", ErrArtifactNotYetApproved
	}
	if !s.store.Exists(a.FilePath) {
		return nil, "", ErrArtifactFileMissing
	}
	p, err := s.store.Resolve(a.FilePath)
	if err != nil {
		return nil, "", err
	}
	return a, p, nil
}

func (s *RepositoryService) IncrementDownloads(id uint) error {
	return s.db.Model(&models.Artifact{}).Where("id = ?", id).
		UpdateColumn("downloads", gorm.Expr("downloads + ?", 1)).Error
}

// Delete 先删除数据库行，再在没有其他行引用时删除文件。
// 只有管理员或上传者可以删除。
func (s *RepositoryService) Delete(id uint, requester models.User) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if !requester.IsAdmin && a.AuthorID != requester.ID {
		return ErrPermissionDenied
	}

	var remaining int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Artifact{}, a.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrArtifactNotFound
		}
		return tx.Model(&models.Artifact{}).Where("file_path = ?", a.FilePath).Count(&remaining).Error
	})
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := s.store.Remove(a.FilePath); err != nil {
			log.Warn().Err(err).Uint("artifact_id", a.ID).Str("file", a.FilePath).Msg("remove artifact file")
		}
	}
	return nil
}

func (s *RepositoryService) Stats() (*Stats, error) {
	st := Stats{Categories: make(map[string]int64, len(config.Categories))}
	for _, c := range config.Categories {
		st.Categories[c] = 0
	}

	if err := s.db.Model(&models.Artifact{}).Where("approved = ?", true).Count(&st.TotalApps).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Artifact{}).Where("approved = ?", false).Count(&st.PendingApps).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Artifact{}).Where("approved = ?", true).
		Select("COALESCE(SUM(downloads), 0)").Scan(&st.TotalDownloads).Error; err != nil {
		return nil, err
	}

	type row struct {
		Category string
		N        int64
	}
	var rows []row
	if err := s.db.Model(&models.Artifact{}).Where("approved = ?", true).
		Select("category, count(*) as n").Group("category").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		st.Categories[r.Category] = r.N
	}
	return &st, nil
}

// Reconcile 修复进程在移动文件与更新行之间崩溃留下的不一致：
// 行记录的位置没有文件、而另一区域有同名文件时，把文件移回行所记录的区域。
func (s *RepositoryService) Reconcile() (int, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	var rows []models.Artifact
	if err := s.db.Select("id", "file_path", "approved").Find(&rows).Error; err != nil {
		return 0, err
	}
	healed := 0
	for _, a := range rows {
		if s.store.Exists(a.FilePath) {
			continue
		}
		other := storage.Counterpart(a.FilePath)
		if !s.store.Exists(other) {
			log.Warn().Uint("artifact_id", a.ID).Str("file", a.FilePath).Msg("artifact file missing")
			continue
		}
		var refs int64
		if err := s.db.Model(&models.Artifact{}).Where("file_path = ?", other).Count(&refs).Error; err != nil {
			return healed, err
		}
		var err error
		if strings.HasPrefix(a.FilePath, storage.AreaApproved+"/") {
			_, _, err = s.store.Promote(other, refs > 0)
		} else {
			_, _, err = s.store.Demote(other, refs > 0)
		}
		if err != nil {
			return healed, err
		}
		healed++
	}
	return healed, nil
}
