package server

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/titoTito21/Titan-sub004/internal/auth"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/metrics"
	"github.com/titoTito21/Titan-sub004/internal/service"
	"github.com/titoTito21/Titan-sub004/internal/storage"
)

// maxMetadataSize 限制 metadata 部分的大小，文件部分受 MaxUploadSize 约束。
const maxMetadataSize = 64 << 10

// Handler 聚合仓库 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg   config.Config
	users *service.UserService
	repo  *service.RepositoryService
	store *storage.Store
}

func NewHandler(cfg config.Config, users *service.UserService, repo *service.RepositoryService, store *storage.Store) *Handler {
	return &Handler{cfg: cfg, users: users, repo: repo, store: store}
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func invalidCategoryText() string {
	return "Invalid category. Must be one of: " + strings.Join(config.Categories, ", ")
}

// artifactError 把仓库层错误映射为状态码，未知错误记录日志后返回 500。
func artifactError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrArtifactNotFound):
		fail(c, http.StatusNotFound, "App not found")
	case errors.Is(err, service.ErrArtifactNotYetApproved):
		fail(c, http.StatusForbidden, "App not approved yet")
	case errors.Is(err, service.ErrArtifactFileMissing), errors.Is(err, fs.ErrNotExist):
		fail(c, http.StatusNotFound, "File not found")
	case errors.Is(err, service.ErrPermissionDenied):
		fail(c, http.StatusForbidden, "Permission denied")
	case errors.Is(err, service.ErrInvalidCategory):
		fail(c, http.StatusBadRequest, invalidCategoryText())
	case errors.Is(err, service.ErrMissingField):
		msg := err.Error()
		fail(c, http.StatusBadRequest, strings.ToUpper(msg[:1])+msg[1:])
	default:
		internalError(c, err, op)
	}
}

func artifactID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "Invalid app id")
		return 0, false
	}
	return uint(id), true
}

// Login 用用户名密码换取 bearer token，不改变在线状态。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid payload")
		return
	}
	user, err := h.users.VerifyCredentials(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			fail(c, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("http login")
		fail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	token, err := auth.GenerateToken(user.ID, user.Username, h.cfg.SecretKey, h.cfg.TokenTTLMinutes)
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("http login generate token")
		fail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "user": service.NewUserDTO(*user)})
}

// Upload 流式读取 multipart：file 部分边写临时文件边计算哈希，
// metadata 与 file 的先后顺序不限。请求体本身的错误返回 4xx，校验失败时丢弃临时文件。
func (h *Handler) Upload(c *gin.Context) {
	user, _ := auth.GetUser(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadSize)
	mr, err := c.Request.MultipartReader()
	if err != nil {
		fail(c, http.StatusBadRequest, "Multipart form data required")
		return
	}

	var (
		meta   []byte
		staged *storage.Staged
	)
	abort := func() {
		if staged != nil {
			staged.Abort()
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			abort()
			bodyError(c, err)
			return
		}
		switch part.FormName() {
		case "metadata":
			meta, err = io.ReadAll(io.LimitReader(part, maxMetadataSize+1))
			part.Close()
			if err != nil {
				abort()
				bodyError(c, err)
				return
			}
			if len(meta) > maxMetadataSize {
				abort()
				fail(c, http.StatusBadRequest, "Metadata too large")
				return
			}
		case "file":
			if staged != nil {
				part.Close()
				abort()
				fail(c, http.StatusBadRequest, "Only one file part is allowed")
				return
			}
			body := &bodyReader{r: part}
			staged, err = h.store.Stage(body, part.FileName())
			part.Close()
			if err != nil {
				if body.err != nil {
					bodyError(c, body.err)
				} else {
					internalError(c, err, "stage upload")
				}
				return
			}
		default:
			part.Close()
		}
	}

	if staged == nil {
		fail(c, http.StatusBadRequest, "File data required")
		return
	}
	if meta == nil {
		abort()
		fail(c, http.StatusBadRequest, "Missing required field: metadata")
		return
	}
	in, err := service.ParseArtifactInput(meta)
	if err != nil {
		abort()
		artifactError(c, err, "upload metadata")
		return
	}
	a, err := h.repo.Add(user.ID, in, staged)
	if err != nil {
		if errors.Is(err, service.ErrMissingField) || errors.Is(err, service.ErrInvalidCategory) {
			artifactError(c, err, "upload add artifact")
		} else {
			internalError(c, err, "upload add artifact")
		}
		return
	}
	metrics.UploadsTotal.Inc()
	log.Info().Uint("artifact_id", a.ID).Uint("author_id", user.ID).Str("category", a.Category).Int64("size", a.FileSize).Msg("artifact uploaded")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"app_id":  a.ID,
		"message": "File uploaded successfully. Pending admin approval.",
	})
}

// bodyReader 记录读取请求体时的错误，用于区分客户端数据问题与本地写盘失败。
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

// bodyError 处理请求体层面的错误：超限返回 413，其余一律视为格式错误。
func bodyError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	log.Debug().Err(err).Str("request_id", c.GetString("requestID")).Msg("malformed multipart body")
	fail(c, http.StatusBadRequest, "Malformed multipart body")
}

func internalError(c *gin.Context, err error, op string) {
	log.Error().Err(err).Str("request_id", c.GetString("requestID")).Msg(op)
	fail(c, http.StatusInternalServerError, "Internal server error")
}

// Repository 列出已审核构件，可按分类过滤。
func (h *Handler) Repository(c *gin.Context) {
	category := c.Param("category")
	if category != "" && !config.ValidCategory(category) {
		fail(c, http.StatusBadRequest, invalidCategoryText())
		return
	}
	apps, err := h.repo.Approved(category)
	if err != nil {
		artifactError(c, err, "list repository")
		return
	}
	resp := gin.H{"success": true, "apps": apps}
	if category != "" {
		resp["category"] = category
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Pending(c *gin.Context) {
	apps, err := h.repo.Pending()
	if err != nil {
		artifactError(c, err, "list pending")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "apps": apps})
}

func (h *Handler) Approve(c *gin.Context) {
	id, ok := artifactID(c)
	if !ok {
		return
	}
	admin, _ := auth.GetUser(c)
	a, err := h.repo.Approve(id, admin.ID)
	if err != nil {
		artifactError(c, err, "approve")
		return
	}
	log.Info().Uint("artifact_id", a.ID).Uint("admin_id", admin.ID).Msg("artifact approved")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "App approved successfully"})
}

// Download 计数先于传输。带 Range 的续传请求只有从首字节开始时才计数，
// 一次完整下载拆成多段时计数仍只加一。
func (h *Handler) Download(c *gin.Context) {
	id, ok := artifactID(c)
	if !ok {
		return
	}
	a, p, err := h.repo.Downloadable(id)
	if err != nil {
		artifactError(c, err, "download")
		return
	}
	if countsAsDownload(c.GetHeader("Range")) {
		if err := h.repo.IncrementDownloads(a.ID); err != nil {
			artifactError(c, err, "download count")
			return
		}
		metrics.DownloadsTotal.Inc()
	}
	c.FileAttachment(p, a.Name+path.Ext(a.FilePath))
}

func countsAsDownload(rangeHeader string) bool {
	rangeHeader = strings.TrimSpace(rangeHeader)
	return rangeHeader == "" || strings.HasPrefix(rangeHeader, "bytes=0-")
}

func (h *Handler) Delete(c *gin.Context) {
	id, ok := artifactID(c)
	if !ok {
		return
	}
	user, _ := auth.GetUser(c)
	if err := h.repo.Delete(id, user); err != nil {
		artifactError(c, err, "delete artifact")
		return
	}
	log.Info().Uint("artifact_id", id).Uint("user_id", user.ID).Msg("artifact deleted")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "App deleted successfully"})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.repo.Stats()
	if err != nil {
		artifactError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// Search 在名称与描述中做子串匹配，只返回已审核构件。
func (h *Handler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, "Search query required")
		return
	}
	category := c.Query("category")
	if category != "" && !config.ValidCategory(category) {
		fail(c, http.StatusBadRequest, invalidCategoryText())
		return
	}
	apps, err := h.repo.Search(q, category)
	if err != nil {
		artifactError(c, err, "search")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "query": q, "apps": apps})
}
