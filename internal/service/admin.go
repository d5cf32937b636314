package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/metrics"
	"github.com/bathiste/chat-client-WIP/internal/models"
	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"

	"github.com/rs/zerolog/log"
)

// noRoomBucket 收纳尚未进入任何房间的会话。
const noRoomBucket = "lobby"

// AdminService 是管理控制面：查看在线会话、踢出、移动、封禁与解封，
// 以及身份、地址关联、房间与上传的只读视图。
type AdminService struct {
	reg     *session.Registry
	coord   *RoomService
	tokens  store.TokenStore
	bans    store.BanRegistry
	rooms   store.RoomDirectory
	ledger  store.MessageLedger
	uploads store.UploadLedger
}

func NewAdminService(reg *session.Registry, coord *RoomService, tokens store.TokenStore, bans store.BanRegistry,
	rooms store.RoomDirectory, ledger store.MessageLedger, uploads store.UploadLedger) *AdminService {
	return &AdminService{reg: reg, coord: coord, tokens: tokens, bans: bans, rooms: rooms, ledger: ledger, uploads: uploads}
}

// LiveEntry 是管理端看到的一条在线会话。
type LiveEntry struct {
	ConnID      string    `json:"conn_id"`
	SecretToken string    `json:"secret_token"`
	PublicToken string    `json:"public_token"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Room        string    `json:"room"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ListLive 返回会话表快照，并用 token 表补全当前用户名。
func (s *AdminService) ListLive(ctx context.Context) ([]LiveEntry, error) {
	snap := s.reg.Snapshot()
	secrets := make([]string, 0, len(snap))
	for _, sess := range snap {
		secrets = append(secrets, sess.SecretToken)
	}
	ids, err := s.tokens.ResolveMany(ctx, secrets)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]LiveEntry, 0, len(snap))
	for _, sess := range snap {
		out = append(out, LiveEntry{
			ConnID:      sess.ConnID,
			SecretToken: sess.SecretToken,
			PublicToken: sess.PublicToken,
			Username:    ids[sess.SecretToken].Username,
			DisplayName: sess.DisplayName,
			Room:        sess.Room,
			Addr:        sess.Addr,
			ConnectedAt: sess.ConnectedAt,
		})
	}
	return out, nil
}

// LiveByRoom 按房间分组在线会话，不在任何房间的会话归入 lobby。
func (s *AdminService) LiveByRoom(ctx context.Context) (map[string][]LiveEntry, error) {
	live, err := s.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]LiveEntry)
	for _, e := range live {
		key := e.Room
		if key == "" {
			key = noRoomBucket
		}
		out[key] = append(out[key], e)
	}
	return out, nil
}

func (s *AdminService) Kick(ctx context.Context, connID string) error {
	err := s.coord.ForceDisconnect(ctx, connID, "kicked by admin")
	metrics.AdminResult("kick", err)
	if err == nil {
		log.Info().Str("conn_id", connID).Msg("admin kick")
	}
	return err
}

func (s *AdminService) Move(ctx context.Context, connID, room string) error {
	_, err := s.coord.ForceMove(ctx, connID, room)
	metrics.AdminResult("move", err)
	if err == nil {
		log.Info().Str("conn_id", connID).Str("room", room).Msg("admin move")
	}
	return err
}

// Ban 先持久化封禁，再断开该身份的全部在线连接，返回断开的连接数。
// 断开阶段的失败会被合并返回；封禁已生效，重试整个操作是安全的。
func (s *AdminService) Ban(ctx context.Context, secret string) (int, error) {
	n, err := s.ban(ctx, strings.TrimSpace(secret))
	metrics.AdminResult("ban", err)
	return n, err
}

func (s *AdminService) ban(ctx context.Context, secret string) (int, error) {
	if secret == "" {
		return 0, invalid("empty token")
	}
	if err := s.bans.Ban(ctx, secret); err != nil {
		return 0, translate(err)
	}
	var errs []error
	kicked := 0
	for _, connID := range s.reg.ConnsFor(secret) {
		err := s.coord.ForceDisconnect(ctx, connID, "banned")
		switch {
		case err == nil:
			kicked++
		case errors.Is(err, ErrNotFound):
			// 已经断开
		default:
			errs = append(errs, fmt.Errorf("disconnect %s: %w", connID, err))
		}
	}
	log.Info().Int("disconnected", kicked).Msg("admin ban")
	return kicked, errors.Join(errs...)
}

// Unban 只移除封禁记录，不恢复任何会话。
func (s *AdminService) Unban(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	var err error
	if secret == "" {
		err = invalid("empty token")
	} else {
		err = translate(s.bans.Unban(ctx, secret))
	}
	metrics.AdminResult("unban", err)
	return err
}

// IdentityInfo 是管理端看到的一条身份记录。
type IdentityInfo struct {
	SecretToken      string    `json:"secret_token"`
	PublicToken      string    `json:"public_token"`
	Username         string    `json:"username"`
	LastKnownAddress string    `json:"last_known_address"`
	Addresses        []string  `json:"addresses"`
	Banned           bool      `json:"banned"`
	Online           int       `json:"online"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Identities 列出身份，附带其发言过的全部地址、封禁状态与在线连接数。
func (s *AdminService) Identities(ctx context.Context, limit int) ([]IdentityInfo, error) {
	ids, err := s.tokens.List(ctx, limit)
	if err != nil {
		return nil, translate(err)
	}
	secrets := make([]string, 0, len(ids))
	for _, id := range ids {
		secrets = append(secrets, id.SecretToken)
	}
	addrs, err := s.ledger.AddressesFor(ctx, secrets)
	if err != nil {
		return nil, translate(err)
	}
	bans, err := s.bans.List(ctx)
	if err != nil {
		return nil, translate(err)
	}
	banned := make(map[string]bool, len(bans))
	for _, b := range bans {
		banned[b.SecretToken] = true
	}
	out := make([]IdentityInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, IdentityInfo{
			SecretToken:      id.SecretToken,
			PublicToken:      id.PublicToken,
			Username:         id.Username,
			LastKnownAddress: id.LastKnownAddress,
			Addresses:        addrs[id.SecretToken],
			Banned:           banned[id.SecretToken],
			Online:           len(s.reg.ConnsFor(id.SecretToken)),
			UpdatedAt:        id.UpdatedAt,
		})
	}
	return out, nil
}

// AddressNames 是一个地址与在该地址发言过的用户名集合。
type AddressNames struct {
	Address string   `json:"address"`
	Names   []string `json:"names"`
}

// LinkedNames 按地址列出曾使用过的用户名，用于识别同一来源的多个身份。
func (s *AdminService) LinkedNames(ctx context.Context) ([]AddressNames, error) {
	addrs, err := s.ledger.Addresses(ctx)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]AddressNames, 0, len(addrs))
	for _, a := range addrs {
		names, err := s.ledger.NamesForAddress(ctx, a)
		if err != nil {
			return nil, translate(err)
		}
		if len(names) == 0 {
			continue
		}
		out = append(out, AddressNames{Address: a, Names: names})
	}
	return out, nil
}

// RoomDetail 是管理端看到的房间记录，包含房主 token。
type RoomDetail struct {
	RoomInfo
	HostToken string `json:"host_token"`
}

func (s *AdminService) Rooms(ctx context.Context, limit int) ([]RoomDetail, error) {
	rooms, err := s.rooms.List(ctx, limit)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]RoomDetail, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDetail{RoomInfo: s.coord.info(r), HostToken: r.HostToken})
	}
	return out, nil
}

func (s *AdminService) Uploads(ctx context.Context, room string, limit int) ([]models.Upload, error) {
	ups, err := s.uploads.List(ctx, room, limit)
	return ups, translate(err)
}
