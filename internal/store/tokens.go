package store

import (
	"context"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tokens 是 TokenStore 的 gorm 实现。
type Tokens struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTokens(db *gorm.DB) *Tokens {
	return &Tokens{db: db, now: time.Now}
}

func (s *Tokens) Resolve(ctx context.Context, secret string) (models.Identity, error) {
	var id models.Identity
	if secret == "" {
		return id, ErrNotFound
	}
	err := s.db.WithContext(ctx).Where("secret_token = ?", secret).First(&id).Error
	return id, classify(err)
}

// ResolveByAddress 返回最近一次出现在该地址上的非匿名身份，改名不影响先后次序。
func (s *Tokens) ResolveByAddress(ctx context.Context, addr string) (models.Identity, error) {
	var id models.Identity
	if addr == "" {
		return id, ErrNotFound
	}
	err := s.db.WithContext(ctx).
		Where("last_known_address = ? AND username <> ?", addr, "").
		Order("address_seen_at desc").Order("id desc").
		First(&id).Error
	return id, classify(err)
}

// ResolveMany 批量获取身份，结果以 secret token 为键，缺失的 token 不出现在结果中。
func (s *Tokens) ResolveMany(ctx context.Context, secrets []string) (map[string]models.Identity, error) {
	seen := make(map[string]struct{}, len(secrets))
	keys := make([]string, 0, len(secrets))
	for _, t := range secrets {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		keys = append(keys, t)
	}
	out := make(map[string]models.Identity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var ids []models.Identity
	if err := s.db.WithContext(ctx).Where("secret_token IN ?", keys).Find(&ids).Error; err != nil {
		return nil, classify(err)
	}
	for _, id := range ids {
		out[id.SecretToken] = id
	}
	return out, nil
}

// Upsert 以 secret token 为键插入或更新身份；public token 一旦写入不再改变。
func (s *Tokens) Upsert(ctx context.Context, id models.Identity) (models.Identity, error) {
	id.ID = 0
	id.UpdatedAt = s.now()
	id.AddressSeenAt = id.UpdatedAt
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "secret_token"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "last_known_address", "address_seen_at", "updated_at"}),
	}).Create(&id).Error
	if err != nil {
		return models.Identity{}, classify(err)
	}
	return s.Resolve(ctx, id.SecretToken)
}

func (s *Tokens) Rename(ctx context.Context, secret, username string) error {
	return s.update(ctx, secret, map[string]interface{}{"username": username})
}

// Touch 刷新身份的最近地址与活跃时间。
func (s *Tokens) Touch(ctx context.Context, secret, addr string) error {
	return s.update(ctx, secret, map[string]interface{}{"last_known_address": addr, "address_seen_at": s.now()})
}

func (s *Tokens) update(ctx context.Context, secret string, fields map[string]interface{}) error {
	fields["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&models.Identity{}).Where("secret_token = ?", secret).Updates(fields)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Tokens) List(ctx context.Context, limit int) ([]models.Identity, error) {
	var ids []models.Identity
	err := s.db.WithContext(ctx).Order("updated_at desc").Limit(clampLimit(limit, 500, 5000)).Find(&ids).Error
	return ids, classify(err)
}
