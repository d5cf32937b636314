package service

import (
	"context"
	"path"
	"strings"

	"github.com/bathiste/chat-client-WIP/internal/models"
	"github.com/bathiste/chat-client-WIP/internal/store"

	"github.com/rs/zerolog/log"
)

// UploadMeta 是外部存储完成上传后交给核心的元数据。
type UploadMeta struct {
	Token    string `json:"token" binding:"required"`
	Room     string `json:"room" binding:"required"`
	Filename string `json:"filename" binding:"required"`
	URL      string `json:"url" binding:"required"`
}

// UploadService 记录上传元数据并通知房间成员，文件本身不经过这里。
type UploadService struct {
	tokens  store.TokenStore
	bans    store.BanRegistry
	uploads store.UploadLedger
	coord   *RoomService
}

func NewUploadService(tokens store.TokenStore, bans store.BanRegistry, uploads store.UploadLedger, coord *RoomService) *UploadService {
	return &UploadService{tokens: tokens, bans: bans, uploads: uploads, coord: coord}
}

func (s *UploadService) Record(ctx context.Context, m UploadMeta) (models.Upload, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(m.Filename), `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return models.Upload{}, invalid("empty filename")
	}
	if strings.TrimSpace(m.URL) == "" {
		return models.Upload{}, invalid("empty url")
	}
	if !ValidRoomCode(m.Room) {
		return models.Upload{}, invalid("malformed room code %q", m.Room)
	}
	id, err := s.tokens.Resolve(ctx, m.Token)
	if err != nil {
		return models.Upload{}, translate(err)
	}
	banned, err := s.bans.IsBanned(ctx, id.SecretToken)
	if err != nil {
		return models.Upload{}, translate(err)
	}
	if banned {
		return models.Upload{}, ErrRejected
	}
	if _, _, err := s.coord.Open(ctx, m.Room, "", id.SecretToken); err != nil {
		return models.Upload{}, err
	}
	up, err := s.uploads.Record(ctx, models.Upload{
		Filename:      name,
		URL:           strings.TrimSpace(m.URL),
		UploaderToken: id.SecretToken,
		RoomCode:      m.Room,
	})
	if err != nil {
		return models.Upload{}, translate(err)
	}
	notice := UploadNotice{
		Type:              EventUpload,
		Room:              up.RoomCode,
		Filename:          up.Filename,
		URL:               up.URL,
		SenderPublicToken: id.PublicToken,
		SenderName:        id.DisplayName(),
		Timestamp:         up.CreatedAt,
	}
	if err := s.coord.Announce(ctx, up.RoomCode, notice); err != nil {
		// 元数据已落库，通知失败只记录
		log.Warn().Err(err).Str("room", up.RoomCode).Msg("announce upload failed")
	}
	return up, nil
}
