package store

import (
	"context"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Bans struct {
	db *gorm.DB
}

func NewBans(db *gorm.DB) *Bans {
	return &Bans{db: db}
}

func (s *Bans) IsBanned(ctx context.Context, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Ban{}).Where("secret_token = ?", secret).Count(&count).Error; err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

// Ban 对已封禁的 token 再次调用不会报错。
func (s *Bans) Ban(ctx context.Context, secret string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Ban{SecretToken: secret}).Error
	return classify(err)
}

func (s *Bans) Unban(ctx context.Context, secret string) error {
	err := s.db.WithContext(ctx).Where("secret_token = ?", secret).Delete(&models.Ban{}).Error
	return classify(err)
}

func (s *Bans) List(ctx context.Context) ([]models.Ban, error) {
	var bans []models.Ban
	err := s.db.WithContext(ctx).Order("created_at desc").Find(&bans).Error
	return bans, classify(err)
}
