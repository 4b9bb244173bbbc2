package service

import "errors"

// 业务层通用错误，ws 与 http handler 根据错误类型映射为错误响应或状态码。
var (
	ErrUsernameTaken          = errors.New("username already exists")
	ErrInvalidUsername        = errors.New("username must be 1-64 characters")
	ErrInvalidPassword        = errors.New("password must be 1-72 bytes")
	ErrInvalidCredentials     = errors.New("invalid username or password")
	ErrTitanNumbersExhausted  = errors.New("titan numbers exhausted")
	ErrUserNotFound           = errors.New("user not found")
	ErrEmptyMessage           = errors.New("message is empty")
	ErrRoomNotFound           = errors.New("room not found")
	ErrRoomNameTaken          = errors.New("room name already exists")
	ErrInvalidRoomName        = errors.New("room name must be 1-128 characters")
	ErrInvalidRoomType        = errors.New("invalid room type")
	ErrInvalidRoomPassword    = errors.New("invalid room password")
	ErrAlreadyMember          = errors.New("already a member of this room")
	ErrNotMember              = errors.New("not a member of this room")
	ErrNotRoomCreator         = errors.New("only the room creator can delete the room")
	ErrArtifactNotFound       = errors.New("app not found")
	ErrInvalidCategory        = errors.New("invalid category")
	ErrMissingField           = errors.New("missing required field")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrArtifactFileMissing    = errors.New("app file missing")
	ErrArtifactNotYetApproved = errors.New("app not approved yet")
)
