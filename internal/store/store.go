// Package store 实现持久化契约：身份、封禁、房间、消息账本与上传元数据。
// 所有实现基于 gorm，任何非"未找到"的驱动错误都归类为 ErrUnavailable，
// 调用方据此 fail closed。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// classify 把 gorm 错误映射为 store 的哨兵错误，保留原始错误链。
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// TokenStore 是身份表的持久化契约。
type TokenStore interface {
	Resolve(ctx context.Context, secret string) (models.Identity, error)
	ResolveByAddress(ctx context.Context, addr string) (models.Identity, error)
	ResolveMany(ctx context.Context, secrets []string) (map[string]models.Identity, error)
	Upsert(ctx context.Context, id models.Identity) (models.Identity, error)
	Rename(ctx context.Context, secret, username string) error
	Touch(ctx context.Context, secret, addr string) error
	List(ctx context.Context, limit int) ([]models.Identity, error)
}

// BanRegistry 是封禁集合的持久化契约，Ban/Unban 均为幂等操作。
type BanRegistry interface {
	IsBanned(ctx context.Context, secret string) (bool, error)
	Ban(ctx context.Context, secret string) error
	Unban(ctx context.Context, secret string) error
	List(ctx context.Context) ([]models.Ban, error)
}

// RoomDirectory 是房间目录的持久化契约。
type RoomDirectory interface {
	Ensure(ctx context.Context, room models.Room) (models.Room, bool, error)
	Get(ctx context.Context, code string) (models.Room, error)
	List(ctx context.Context, limit int) ([]models.Room, error)
}

// LogFilter 描述管理端日志查询条件，零值字段表示不过滤。To 为开区间上界。
type LogFilter struct {
	IP     string
	Token  string
	Room   string
	Text   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// MessageLedger 是只追加的消息账本。
type MessageLedger interface {
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	Recent(ctx context.Context, room string, limit int) ([]models.Message, error)
	Query(ctx context.Context, f LogFilter) ([]models.Message, int64, error)
	AddressesFor(ctx context.Context, secrets []string) (map[string][]string, error)
	Addresses(ctx context.Context) ([]string, error)
	NamesForAddress(ctx context.Context, addr string) ([]string, error)
}

// UploadLedger 保存上传元数据。
type UploadLedger interface {
	Record(ctx context.Context, u models.Upload) (models.Upload, error)
	List(ctx context.Context, room string, limit int) ([]models.Upload, error)
}

// clampLimit 把非法或过大的 limit 收敛到 [1, max]。
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
