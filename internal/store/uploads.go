package store

import (
	"context"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
)

type Uploads struct {
	db *gorm.DB
}

func NewUploads(db *gorm.DB) *Uploads {
	return &Uploads{db: db}
}

func (s *Uploads) Record(ctx context.Context, u models.Upload) (models.Upload, error) {
	u.ID = 0
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return models.Upload{}, classify(err)
	}
	return u, nil
}

// List 返回最新的上传记录；room 为空时不按房间过滤。
func (s *Uploads) List(ctx context.Context, room string, limit int) ([]models.Upload, error) {
	q := s.db.WithContext(ctx)
	if room != "" {
		q = q.Where("room_code = ?", room)
	}
	var ups []models.Upload
	err := q.Order("id desc").Limit(clampLimit(limit, 100, 1000)).Find(&ups).Error
	return ups, classify(err)
}
