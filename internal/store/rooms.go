package store

import (
	"context"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Rooms struct {
	db *gorm.DB
}

func NewRooms(db *gorm.DB) *Rooms {
	return &Rooms{db: db}
}

// Ensure 在房间不存在时创建它，返回房间记录以及本次是否新建。
func (s *Rooms) Ensure(ctx context.Context, room models.Room) (models.Room, bool, error) {
	if room.DisplayName == "" {
		room.DisplayName = room.Code
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&room)
	if res.Error != nil {
		return models.Room{}, false, classify(res.Error)
	}
	stored, err := s.Get(ctx, room.Code)
	if err != nil {
		return models.Room{}, false, err
	}
	return stored, res.RowsAffected == 1, nil
}

func (s *Rooms) Get(ctx context.Context, code string) (models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&room).Error
	return room, classify(err)
}

func (s *Rooms) List(ctx context.Context, limit int) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(clampLimit(limit, 100, 1000)).Find(&rooms).Error
	return rooms, classify(err)
}
