package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/db"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"github.com/titoTito21/Titan-sub004/internal/storage"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	gdb, err := db.Connect(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

func mustRegister(t *testing.T, users *UserService, name string) *models.User {
	t.Helper()
	u, err := users.Register(name, "pw1", "")
	require.NoError(t, err)
	return u
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultHistoryLimit},
		{-5, DefaultHistoryLimit},
		{1, 1},
		{50, 50},
		{MaxHistoryLimit, MaxHistoryLimit},
		{MaxHistoryLimit + 1, MaxHistoryLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRegister_TitanNumbers(t *testing.T) {
	users := NewUserService(newTestDB(t))
	seen := map[int]bool{}
	for i := 0; i < 8; i++ {
		u := mustRegister(t, users, "user"+string(rune('a'+i)))
		assert.GreaterOrEqual(t, u.TitanNumber, MinTitanNumber)
		assert.LessOrEqual(t, u.TitanNumber, MaxTitanNumber)
		assert.False(t, seen[u.TitanNumber], "titan number %d reused", u.TitanNumber)
		seen[u.TitanNumber] = true
		assert.Equal(t, models.StatusOffline, u.Status)
		assert.NotEqual(t, "pw1", u.PasswordHash)
	}
}

func TestRegister_Validation(t *testing.T) {
	users := NewUserService(newTestDB(t))
	mustRegister(t, users, "alice")

	tests := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"duplicate", "alice", "pw1", ErrUsernameTaken},
		{"duplicate with spaces", "  alice ", "pw1", ErrUsernameTaken},
		{"empty", "", "pw1", ErrInvalidUsername},
		{"blank", "   ", "pw1", ErrInvalidUsername},
		{"too long", strings.Repeat("x", 65), "pw1", ErrInvalidUsername},
		{"empty password", "bob", "", ErrInvalidPassword},
		{"password too long", "bob", strings.Repeat("p", 73), ErrInvalidPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.Register(tt.username, tt.password, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	one, err := users.Register("q", "pw1", "")
	require.NoError(t, err, "single-character usernames are allowed")
	assert.Equal(t, "q", one.Username)
}

func TestRegister_TitanNumbersExhausted(t *testing.T) {
	users := NewUserService(newTestDB(t))
	users.randTN = func() int { return 12345 }
	users.attempts = 5

	u := mustRegister(t, users, "first")
	assert.Equal(t, 12345, u.TitanNumber)

	_, err := users.Register("second", "pw1", "")
	assert.ErrorIs(t, err, ErrTitanNumbersExhausted)

	var count int64
	require.NoError(t, users.db.Model(&models.User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAuthenticate(t *testing.T) {
	users := NewUserService(newTestDB(t))
	alice := mustRegister(t, users, "alice")

	u, err := users.Authenticate("alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)
	assert.Equal(t, models.StatusOnline, u.Status)
	require.NotNil(t, u.LastLogin)

	stored, err := users.ByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, stored.Status)
	assert.NotNil(t, stored.LastLogin)

	// 未知用户与错误密码的错误完全相同
	_, errWrongPw := users.Authenticate("alice", "nope")
	_, errNoUser := users.Authenticate("mallory", "pw1")
	assert.ErrorIs(t, errWrongPw, ErrInvalidCredentials)
	assert.ErrorIs(t, errNoUser, ErrInvalidCredentials)
	assert.Equal(t, errWrongPw.Error(), errNoUser.Error())

	online, err := users.Online()
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].Username)
}

func TestPresenceAndSessions(t *testing.T) {
	users := NewUserService(newTestDB(t))
	alice := mustRegister(t, users, "alice")
	_, err := users.Authenticate("alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, users.OpenSession("s1", alice.ID))
	require.NoError(t, users.OpenSession("s2", alice.ID))
	require.NoError(t, users.TouchSession("s1"))
	n, err := users.SessionCount(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, users.CloseSession("s2"))
	n, _ = users.SessionCount(alice.ID)
	assert.Equal(t, int64(1), n)

	reset, err := users.ResetPresence()
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	n, _ = users.SessionCount(alice.ID)
	assert.Zero(t, n)
	online, err := users.Online()
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestLookups(t *testing.T) {
	users := NewUserService(newTestDB(t))
	alice := mustRegister(t, users, "alice")

	u, err := users.ByTitanNumber(alice.TitanNumber)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)

	_, err = users.ByTitanNumber(1)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = users.ByID(999)
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, users.UpdateBlog(alice.ID, " https://blog.example/alice "))
	u, _ = users.ByID(alice.ID)
	require.NotNil(t, u.BlogURL)
	assert.Equal(t, "https://blog.example/alice", *u.BlogURL)
	require.NoError(t, users.UpdateBlog(alice.ID, ""))
	u, _ = users.ByID(alice.ID)
	assert.Nil(t, u.BlogURL)
	assert.ErrorIs(t, users.UpdateBlog(999, "x"), ErrUserNotFound)
}

func TestPrivateMessages(t *testing.T) {
	gdb := newTestDB(t)
	users := NewUserService(gdb)
	msgs := NewMessageService(gdb)
	alice := mustRegister(t, users, "alice")
	bob := mustRegister(t, users, "bob")
	carol := mustRegister(t, users, "carol")

	// bob 离线时收到的消息仍可通过历史查询取回
	for _, text := range []string{"one", "two", "three"} {
		_, err := msgs.SendPrivate(alice.ID, bob.ID, text)
		require.NoError(t, err)
	}
	_, err := msgs.SendPrivate(bob.ID, alice.ID, "reply")
	require.NoError(t, err)
	_, err = msgs.SendPrivate(carol.ID, bob.ID, "unrelated")
	require.NoError(t, err)

	history, err := msgs.Conversation(bob.ID, alice.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "reply", history[0].Message)
	assert.Equal(t, "one", history[3].Message)
	assert.Equal(t, "alice", history[3].SenderUsername)
	assert.Equal(t, alice.TitanNumber, history[3].SenderTitanNumber)
	assert.Equal(t, "bob", history[3].RecipientUsername)

	limited, err := msgs.Conversation(bob.ID, alice.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, msgs.MarkRead(bob.ID, alice.ID))
	history, _ = msgs.Conversation(bob.ID, alice.ID, 0)
	for _, m := range history {
		assert.Equal(t, m.SenderID == alice.ID, m.Read, "message %q", m.Message)
	}

	_, err = msgs.SendPrivate(alice.ID, 999, "hi")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = msgs.SendPrivate(alice.ID, bob.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRooms(t *testing.T) {
	gdb := newTestDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb)
	msgs := NewMessageService(gdb)
	alice := mustRegister(t, users, "alice")
	bob := mustRegister(t, users, "bob")

	room, err := rooms.Create(alice.ID, "lobby", "main room", "", "")
	require.NoError(t, err)
	assert.Equal(t, "text", room.RoomType)
	assert.False(t, room.IsPrivate())

	ok, err := rooms.IsMember(room.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok, "creator joins automatically")

	_, err = rooms.Create(bob.ID, "lobby", "", "", "")
	assert.ErrorIs(t, err, ErrRoomNameTaken)
	voice, err := rooms.Create(bob.ID, "radio", "", " video ", "")
	require.NoError(t, err)
	assert.Equal(t, "video", voice.RoomType, "any short label is accepted")
	_, err = rooms.Create(bob.ID, "x", "", strings.Repeat("t", 17), "")
	assert.ErrorIs(t, err, ErrInvalidRoomType)
	_, err = rooms.Create(bob.ID, "  ", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidRoomName)

	_, err = msgs.SendRoomMessage(room.ID, bob.ID, "hi")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = rooms.Join(room.ID, bob.ID, "")
	require.NoError(t, err)
	_, err = msgs.SendRoomMessage(room.ID, bob.ID, "hi")
	require.NoError(t, err)
	_, err = msgs.SendRoomMessage(room.ID, alice.ID, "hello")
	require.NoError(t, err)

	history, err := msgs.RoomMessages(room.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Message)
	assert.Equal(t, "alice", history[0].Username)

	ids, err := rooms.MemberIDs(room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{alice.ID, bob.ID}, ids)

	require.NoError(t, rooms.Leave(room.ID, bob.ID))
	assert.ErrorIs(t, rooms.Leave(room.ID, bob.ID), ErrNotMember)
	ids, _ = rooms.MemberIDs(room.ID)
	assert.Equal(t, []uint{alice.ID}, ids)

	_, err = msgs.SendRoomMessage(999, alice.ID, "x")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPrivateRoomJoin(t *testing.T) {
	gdb := newTestDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb)
	alice := mustRegister(t, users, "alice")
	bob := mustRegister(t, users, "bob")

	room, err := rooms.Create(alice.ID, "secret", "", "voice", "s3cret")
	require.NoError(t, err)
	assert.True(t, room.IsPrivate())
	assert.NotEqual(t, "s3cret", *room.PasswordHash)

	_, err = rooms.Join(room.ID, bob.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRoomPassword)
	_, err = rooms.Join(room.ID, bob.ID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidRoomPassword)

	_, err = rooms.Join(room.ID, bob.ID, "s3cret")
	require.NoError(t, err)
	_, err = rooms.Join(room.ID, bob.ID, "s3cret")
	assert.ErrorIs(t, err, ErrAlreadyMember)

	list, err := rooms.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsPrivate)
	assert.Equal(t, int64(2), list[0].MemberCount, "re-join must not duplicate the row")
	assert.Equal(t, "alice", list[0].CreatorUsername)

	_, err = rooms.Join(999, bob.ID, "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestDeleteRoom(t *testing.T) {
	gdb := newTestDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb)
	msgs := NewMessageService(gdb)
	alice := mustRegister(t, users, "alice")
	bob := mustRegister(t, users, "bob")

	room, err := rooms.Create(alice.ID, "lobby", "", "", "")
	require.NoError(t, err)
	_, err = rooms.Join(room.ID, bob.ID, "")
	require.NoError(t, err)
	_, err = msgs.SendRoomMessage(room.ID, alice.ID, "hello")
	require.NoError(t, err)

	assert.ErrorIs(t, rooms.Delete(room.ID, bob.ID), ErrNotRoomCreator)
	_, err = rooms.Get(room.ID)
	require.NoError(t, err, "room must survive a rejected delete")
	history, _ := msgs.RoomMessages(room.ID, 0)
	assert.Len(t, history, 1)

	require.NoError(t, rooms.Delete(room.ID, alice.ID))
	_, err = rooms.Get(room.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	var n int64
	gdb.Model(&models.RoomMessage{}).Where("room_id = ?", room.ID).Count(&n)
	assert.Zero(t, n)
	gdb.Model(&models.RoomMember{}).Where("room_id = ?", room.ID).Count(&n)
	assert.Zero(t, n)

	assert.ErrorIs(t, rooms.Delete(room.ID, alice.ID), ErrRoomNotFound)
}

type repoFixture struct {
	repo  *RepositoryService
	store *storage.Store
	admin models.User
	alice models.User
	bob   models.User
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	gdb := newTestDB(t)
	users := NewUserService(gdb)
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	admin := mustRegister(t, users, "admin")
	require.NoError(t, gdb.Model(admin).Update("is_admin", true).Error)
	admin.IsAdmin = true
	return &repoFixture{
		repo:  NewRepositoryService(gdb, store),
		store: store,
		admin: *admin,
		alice: *mustRegister(t, users, "alice"),
		bob:   *mustRegister(t, users, "bob"),
	}
}

func (f *repoFixture) upload(t *testing.T, author models.User, name, category, body string) *models.Artifact {
	t.Helper()
	raw := `{"name":"` + name + `","description":"desc of ` + name + `","category":"` + category + `","version":"1.0","extra":1}`
	in, err := ParseArtifactInput([]byte(raw))
	require.NoError(t, err)
	st, err := f.store.Stage(strings.NewReader(body), name+".zip")
	require.NoError(t, err)
	a, err := f.repo.Add(author.ID, in, st)
	require.NoError(t, err)
	return a
}

func TestParseArtifactInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"valid", `{"name":"n","description":"d","category":"game","version":"1"}`, nil},
		{"not json", `{`, ErrMissingField},
		{"missing name", `{"description":"d","category":"game","version":"1"}`, ErrMissingField},
		{"missing version", `{"name":"n","description":"d","category":"game"}`, ErrMissingField},
		{"bad category", `{"name":"n","description":"d","category":"movie","version":"1"}`, ErrInvalidCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseArtifactInput([]byte(tt.raw))
			if tt.want == nil {
				require.NoError(t, err)
				assert.JSONEq(t, tt.raw, string(in.Raw))
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApproveLifecycle(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "tool", "component", "payload")
	assert.False(t, a.Approved)
	assert.True(t, strings.HasPrefix(a.FilePath, "pending/"))

	approved, err := f.repo.Approved("")
	require.NoError(t, err)
	assert.Empty(t, approved)
	pending, err := f.repo.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].AuthorUsername)
	assert.JSONEq(t, `{"name":"tool","description":"desc of tool","category":"component","version":"1.0","extra":1}`, string(pending[0].Metadata))

	_, _, err = f.repo.Downloadable(a.ID)
	assert.ErrorIs(t, err, ErrArtifactNotYetApproved)

	got, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, f.admin.ID, *got.ApprovedBy)
	assert.True(t, strings.HasPrefix(got.FilePath, "approved/"))
	assert.True(t, f.store.Exists(got.FilePath))
	assert.False(t, f.store.Exists(a.FilePath))

	// 重复审核不会复制文件
	again, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FilePath, again.FilePath)

	approved, _ = f.repo.Approved("component")
	assert.Len(t, approved, 1)
	approved, _ = f.repo.Approved("game")
	assert.Empty(t, approved)

	_, path, err := f.repo.Downloadable(a.ID)
	require.NoError(t, err)
	assert.FileExists(t, path)
	require.NoError(t, f.repo.IncrementDownloads(a.ID))
	stored, _ := f.repo.Get(a.ID)
	assert.Equal(t, int64(1), stored.Downloads)

	_, err = f.repo.Approve(999, f.admin.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestApproveSharedPendingFile(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "one", "game", "same bytes")
	b := f.upload(t, f.bob, "two", "game", "same bytes")
	require.Equal(t, a.FilePath, b.FilePath)

	got, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	assert.True(t, f.store.Exists(got.FilePath))
	assert.True(t, f.store.Exists(b.FilePath), "pending file still referenced by the other row")

	got2, err := f.repo.Approve(b.ID, f.admin.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FilePath, got2.FilePath)
	assert.False(t, f.store.Exists(b.FilePath))
}

func TestDeleteArtifact(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "mine", "application", "alice's")
	b := f.upload(t, f.bob, "dup", "application", "alice's")

	assert.ErrorIs(t, f.repo.Delete(a.ID, f.bob), ErrPermissionDenied)

	require.NoError(t, f.repo.Delete(a.ID, f.alice))
	assert.True(t, f.store.Exists(b.FilePath), "file kept while another row references it")
	assert.ErrorIs(t, f.repo.Delete(a.ID, f.alice), ErrArtifactNotFound)

	require.NoError(t, f.repo.Delete(b.ID, f.admin))
	assert.False(t, f.store.Exists(b.FilePath))
}

func TestSearchAndStats(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "Space Game", "game", "1")
	b := f.upload(t, f.alice, "Sound Pack", "sound_theme", "2")
	f.upload(t, f.alice, "Hidden game", "game", "3")
	_, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	_, err = f.repo.Approve(b.ID, f.admin.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.IncrementDownloads(a.ID))
	require.NoError(t, f.repo.IncrementDownloads(a.ID))

	res, err := f.repo.Search("GAME", "")
	require.NoError(t, err)
	require.Len(t, res, 1, "unapproved artifacts are not searchable")
	assert.Equal(t, "Space Game", res[0].Name)

	res, _ = f.repo.Search("desc of", "sound_theme")
	require.Len(t, res, 1)
	assert.Equal(t, "Sound Pack", res[0].Name)

	res, _ = f.repo.Search("100%", "")
	assert.Empty(t, res)

	st, err := f.repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalApps)
	assert.Equal(t, int64(1), st.PendingApps)
	assert.Equal(t, int64(2), st.TotalDownloads)
	assert.Equal(t, int64(1), st.Categories["game"])
	assert.Equal(t, int64(1), st.Categories["sound_theme"])
	assert.Equal(t, int64(0), st.Categories["language_pack"])
}

func TestReconcile(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "crashy", "game", "half-approved")

	// 模拟文件已移动但行未更新就崩溃
	_, _, err := f.store.Promote(a.FilePath, false)
	require.NoError(t, err)
	require.False(t, f.store.Exists(a.FilePath))

	healed, err := f.repo.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, healed)
	assert.True(t, f.store.Exists(a.FilePath))

	healed, err = f.repo.Reconcile()
	require.NoError(t, err)
	assert.Zero(t, healed)

	got, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	assert.True(t, f.store.Exists(got.FilePath))
}

func TestAddConsumesStagedUpload(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "kept", "game", "same bytes")

	// 校验失败时临时文件被丢弃，已有文件不受影响
	bad := ArtifactInput{Name: "n", Description: "d", Category: "movie", Version: "1"}
	dup, err := f.store.Stage(strings.NewReader("same bytes"), "x.zip")
	require.NoError(t, err)
	_, err = f.repo.Add(f.bob.ID, bad, dup)
	assert.ErrorIs(t, err, ErrInvalidCategory)
	assert.True(t, f.store.Exists(a.FilePath))
	assertNoTempFiles(t, f.store)

	// 插入失败时删除本次新建的文件
	fail := failArtifactWrites(t, f.repo.db.Callback().Create().Before("gorm:create"))
	fail.Store(true)
	in := ArtifactInput{Name: "n", Description: "d", Category: "game", Version: "1"}
	orphan, err := f.store.Stage(strings.NewReader("orphan"), "o.zip")
	require.NoError(t, err)
	_, err = f.repo.Add(f.bob.ID, in, orphan)
	assert.Error(t, err)
	assert.False(t, f.store.Exists(orphan.Path))

	// 内容相同的文件已被其他行引用时插入失败不删除
	shared, err := f.store.Stage(strings.NewReader("same bytes"), "y.zip")
	require.NoError(t, err)
	_, err = f.repo.Add(f.bob.ID, in, shared)
	assert.Error(t, err)
	assert.True(t, f.store.Exists(a.FilePath))
	assertNoTempFiles(t, f.store)
}

// 并发的上传、审核与删除共享同一 pending 文件时，每次上传的记录都必须有文件可用。
func TestAddConcurrentWithApproveAndDelete(t *testing.T) {
	f := newRepoFixture(t)
	in := ArtifactInput{Name: "race", Description: "d", Category: "game", Version: "1"}

	var wg sync.WaitGroup
	ids := make(chan uint, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.store.Stage(strings.NewReader("contended"), "r.zip")
			if !assert.NoError(t, err) {
				return
			}
			a, err := f.repo.Add(f.alice.ID, in, st)
			if !assert.NoError(t, err) {
				return
			}
			ids <- a.ID
			if a.ID%2 == 0 {
				_, err = f.repo.Approve(a.ID, f.admin.ID)
			} else {
				err = f.repo.Delete(a.ID, f.alice)
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		if id%2 == 1 {
			continue
		}
		_, path, err := f.repo.Downloadable(id)
		if assert.NoError(t, err, "artifact %d", id) {
			assert.FileExists(t, path)
		}
	}
}

func assertNoTempFiles(t *testing.T, store *storage.Store) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(store.Root(), storage.AreaPending))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file %s", e.Name())
	}
}

// failArtifactWrites 在 repository_artifacts 的写操作前注入错误，开关打开时生效。
func failArtifactWrites(t *testing.T, at interface {
	Register(string, func(*gorm.DB)) error
}) *atomic.Bool {
	t.Helper()
	var on atomic.Bool
	require.NoError(t, at.Register("test:fail_artifact_write", func(tx *gorm.DB) {
		if on.Load() && tx.Statement.Table == "repository_artifacts" {
			tx.AddError(errors.New("row write failed"))
		}
	}))
	return &on
}

func assertPendingRow(t *testing.T, f *repoFixture, id uint, wantPath string) {
	t.Helper()
	got, err := f.repo.Get(id)
	require.NoError(t, err)
	assert.False(t, got.Approved)
	assert.Nil(t, got.ApprovedBy)
	assert.Equal(t, wantPath, got.FilePath)
}

func TestApproveRollback_MovedFile(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "solo", "game", "only copy")
	fail := failArtifactWrites(t, f.repo.db.Callback().Update().Before("gorm:update"))

	fail.Store(true)
	_, err := f.repo.Approve(a.ID, f.admin.ID)
	require.Error(t, err)
	assert.True(t, f.store.Exists(a.FilePath), "file moved back to pending")
	assert.False(t, f.store.Exists(storage.Counterpart(a.FilePath)))
	assertPendingRow(t, f, a.ID, a.FilePath)

	fail.Store(false)
	got, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)
	assert.True(t, f.store.Exists(got.FilePath))
}

func TestApproveRollback_CopiedSharedFile(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "one", "game", "shared")
	b := f.upload(t, f.bob, "two", "game", "shared")
	fail := failArtifactWrites(t, f.repo.db.Callback().Update().Before("gorm:update"))

	fail.Store(true)
	_, err := f.repo.Approve(a.ID, f.admin.ID)
	require.Error(t, err)
	assert.True(t, f.store.Exists(a.FilePath), "pending file still shared")
	assert.False(t, f.store.Exists(storage.Counterpart(a.FilePath)), "approved copy removed")
	assertPendingRow(t, f, a.ID, a.FilePath)
	assertPendingRow(t, f, b.ID, b.FilePath)
}

func TestApproveRollback_ApprovedFileAlreadyExisted(t *testing.T) {
	f := newRepoFixture(t)
	a := f.upload(t, f.alice, "first", "game", "twice")
	approvedA, err := f.repo.Approve(a.ID, f.admin.ID)
	require.NoError(t, err)

	b := f.upload(t, f.bob, "second", "game", "twice")
	require.Equal(t, a.FilePath, b.FilePath)
	fail := failArtifactWrites(t, f.repo.db.Callback().Update().Before("gorm:update"))

	fail.Store(true)
	_, err = f.repo.Approve(b.ID, f.admin.ID)
	require.Error(t, err)
	assert.True(t, f.store.Exists(b.FilePath), "pending copy restored")
	assert.True(t, f.store.Exists(approvedA.FilePath), "file of the approved row untouched")
	assertPendingRow(t, f, b.ID, b.FilePath)

	_, path, err := f.repo.Downloadable(a.ID)
	require.NoError(t, err)
	assert.FileExists(t, path)
}
