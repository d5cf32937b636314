package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bathiste/chat-client-WIP/internal/models"
	"github.com/bathiste/chat-client-WIP/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const mintAttempts = 5

// IdentityResolver 为新连接确定身份：按 token 直接解析，或按来源地址尝试恢复，
// 否则新建匿名身份。地址恢复只是启发式手段，不作为认证依据。
type IdentityResolver struct {
	tokens     store.TokenStore
	bans       store.BanRegistry
	ipRecovery bool
	newToken   func() string
}

func NewIdentityResolver(tokens store.TokenStore, bans store.BanRegistry, ipRecovery bool) *IdentityResolver {
	return &IdentityResolver{
		tokens:     tokens,
		bans:       bans,
		ipRecovery: ipRecovery,
		newToken:   func() string { return uuid.NewString() },
	}
}

// Resolution 是一次身份解析的结果。
type Resolution struct {
	Identity  models.Identity
	Recovered bool
	Minted    bool
}

// Resolve 依次尝试：客户端提供的 token、来源地址恢复、新建身份。
// 被封禁的身份返回 ErrRejected；存储不可用时返回 ErrUnavailable，绝不降级为匿名。
func (r *IdentityResolver) Resolve(ctx context.Context, token, addr string) (Resolution, error) {
	if token != "" {
		id, err := r.tokens.Resolve(ctx, token)
		switch {
		case err == nil:
			if err := r.admit(ctx, id.SecretToken); err != nil {
				return Resolution{}, err
			}
			return Resolution{Identity: id}, nil
		case errors.Is(err, store.ErrNotFound):
			// 未知 token 与未提供 token 同样处理
			log.Debug().Str("addr", addr).Msg("unknown token supplied, resolving as new connection")
		default:
			return Resolution{}, translate(err)
		}
	}

	if r.ipRecovery && addr != "" {
		id, err := r.tokens.ResolveByAddress(ctx, addr)
		switch {
		case err == nil:
			banned, err := r.bans.IsBanned(ctx, id.SecretToken)
			if err != nil {
				return Resolution{}, translate(err)
			}
			if !banned {
				return Resolution{Identity: id, Recovered: true}, nil
			}
			// 被封禁的身份不允许通过地址复活，退回新建
		case errors.Is(err, store.ErrNotFound):
		default:
			return Resolution{}, translate(err)
		}
	}

	id, err := r.Mint(ctx, addr)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Identity: id, Minted: true}, nil
}

// Mint 生成新的匿名身份；public token 冲突时重试。
func (r *IdentityResolver) Mint(ctx context.Context, addr string) (models.Identity, error) {
	var lastErr error
	for i := 0; i < mintAttempts; i++ {
		id, err := r.tokens.Upsert(ctx, models.Identity{
			SecretToken:      r.newToken(),
			PublicToken:      publicToken(r.newToken()),
			LastKnownAddress: addr,
		})
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Identity{}, translate(err)
		}
		lastErr = err
	}
	return models.Identity{}, translate(lastErr)
}

// admit 在创建会话或接受改名前同步检查封禁状态。
func (r *IdentityResolver) admit(ctx context.Context, secret string) error {
	banned, err := r.bans.IsBanned(ctx, secret)
	if err != nil {
		return translate(err)
	}
	if banned {
		return ErrRejected
	}
	return nil
}

func publicToken(seed string) string {
	s := strings.ReplaceAll(seed, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}
