// Package storage 管理仓库上传文件的目录树：uploads/pending 存放待审核文件，
// uploads/approved 存放已审核文件。文件以内容 SHA-256 加扩展名命名，
// 数据库中只保存相对于根目录的路径。
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	AreaPending  = "pending"
	AreaApproved = "approved"
)

var (
	ErrInvalidPath = errors.New("invalid storage path")
	extPattern     = regexp.MustCompile(`^\.[A-Za-z0-9]{1,15}$`)
)

type Store struct {
	root string
}

// Stored 描述一次写入结果。
type Stored struct {
	Path string // 相对路径，如 pending/<sha256>.zip
	Size int64
	Hash string
}

func New(root string) (*Store, error) {
	for _, area := range []string{AreaPending, AreaApproved} {
		if err := os.MkdirAll(filepath.Join(root, area), 0o755); err != nil {
			return nil, fmt.Errorf("create %s area: %w", area, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// SafeExt 只保留简单的字母数字扩展名，其余一律丢弃，避免客户端文件名参与路径拼接。
func SafeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(strings.ReplaceAll(filename, `\`, "/"))))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}

// Staged 是已写入临时文件、尚未落到 pending 区的一次上传。
type Staged struct {
	Stored
	store *Store
	tmp   string
}

// Stage 边写临时文件边计算哈希。临时文件只有在 Commit 时才会成为 pending/<hash><ext>，
// 调用方可以在不持有任何锁的情况下完成耗时的流式写入。
func (s *Store) Stage(r io.Reader, filename string) (*Staged, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, AreaPending), ".upload-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	return &Staged{
		Stored: Stored{Path: path.Join(AreaPending, sum+SafeExt(filename)), Size: n, Hash: sum},
		store:  s,
		tmp:    tmpName,
	}, nil
}

// Commit 把临时文件重命名为最终路径。相同内容的文件已存在时丢弃临时文件，
// created 为 false。
func (st *Staged) Commit() (created bool, err error) {
	if st.tmp == "" {
		return false, errors.New("staged upload already finished")
	}
	tmp := st.tmp
	st.tmp = ""
	dst := st.store.abs(st.Path)
	if _, err := os.Stat(dst); err == nil {
		return false, os.Remove(tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}

// Abort 删除临时文件，Commit 之后调用无效果。
func (st *Staged) Abort() {
	if st.tmp != "" {
		os.Remove(st.tmp)
		st.tmp = ""
	}
}

// Resolve 把数据库中的相对路径转换为磁盘路径，并拒绝越出根目录的路径。
func (s *Store) Resolve(rel string) (string, error) {
	clean := path.Clean(rel)
	area, name, ok := strings.Cut(clean, "/")
	if !ok || (area != AreaPending && area != AreaApproved) || name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		return "", ErrInvalidPath
	}
	return s.abs(clean), nil
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) Exists(rel string) bool {
	p, err := s.Resolve(rel)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// Counterpart 返回同名文件在另一个区域的相对路径。
func Counterpart(rel string) string {
	area, name, _ := strings.Cut(path.Clean(rel), "/")
	if area == AreaPending {
		return path.Join(AreaApproved, name)
	}
	return path.Join(AreaPending, name)
}

// Promote 把待审核文件移动到 approved 区。keepSource 为 true 时保留源文件
// （其他待审核记录仍引用它）。created 表示本次调用是否新建了目标文件，
// 调用方回滚时据此决定是否需要 Demote。
func (s *Store) Promote(rel string, keepSource bool) (dst string, created bool, err error) {
	return s.transfer(rel, AreaApproved, keepSource)
}

// Demote 是 Promote 的补偿操作。
func (s *Store) Demote(rel string, keepSource bool) (dst string, created bool, err error) {
	return s.transfer(rel, AreaPending, keepSource)
}

func (s *Store) transfer(rel, area string, keepSource bool) (string, bool, error) {
	src, err := s.Resolve(rel)
	if err != nil {
		return "", false, err
	}
	_, name, _ := strings.Cut(path.Clean(rel), "/")
	dstRel := path.Join(area, name)
	dst := s.abs(dstRel)
	if src == dst {
		return dstRel, false, nil
	}

	if _, err := os.Stat(dst); err == nil {
		// 内容寻址：目标已存在即内容相同，无需再复制。
		if !keepSource {
			if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", false, err
			}
		}
		return dstRel, false, nil
	}

	if _, err := os.Stat(src); err != nil {
		return "", false, err
	}
	if keepSource {
		if err := copyFile(src, dst); err != nil {
			return "", false, err
		}
		return dstRel, true, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return "", false, err
	}
	return dstRel, true, nil
}

func copyFile(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Remove 删除文件，文件不存在视为成功。
func (s *Store) Remove(rel string) error {
	p, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
