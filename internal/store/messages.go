package store

import (
	"context"
	"strings"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/models"

	"gorm.io/gorm"
)

// Messages 是 MessageLedger 的 gorm 实现，账本完整保留，只在读取时截断。
type Messages struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMessages(db *gorm.DB) *Messages {
	return &Messages{db: db, now: time.Now}
}

func (s *Messages) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.ID = 0
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return models.Message{}, classify(err)
	}
	return msg, nil
}

// Recent 返回房间最近的 limit 条消息，按 created_at、id 升序排列。
func (s *Messages) Recent(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_code = ?", room).
		Order("created_at desc").Order("id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, classify(err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Messages) filtered(ctx context.Context, f LogFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.Message{})
	if f.IP != "" {
		q = q.Where("origin_address = ?", f.IP)
	}
	if f.Token != "" {
		q = q.Where("secret_token = ?", f.Token)
	}
	if f.Room != "" {
		q = q.Where("room_code = ?", f.Room)
	}
	if f.Text != "" {
		q = q.Where("text LIKE ? ESCAPE '\\'", "%"+escapeLike(f.Text)+"%")
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	return q
}

// Query 按条件分页查询账本，返回当前页（最新在前）与总条数。
func (s *Messages) Query(ctx context.Context, f LogFilter) ([]models.Message, int64, error) {
	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, classify(err)
	}
	var msgs []models.Message
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	err := s.filtered(ctx, f).
		Order("created_at desc").Order("id desc").
		Limit(clampLimit(f.Limit, 30, 500)).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, classify(err)
	}
	return msgs, total, nil
}

// AddressesFor 返回每个 token 发过消息的全部来源地址。
func (s *Messages) AddressesFor(ctx context.Context, secrets []string) (map[string][]string, error) {
	out := make(map[string][]string, len(secrets))
	if len(secrets) == 0 {
		return out, nil
	}
	var rows []struct {
		SecretToken   string
		OriginAddress string
	}
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Distinct("secret_token", "origin_address").
		Where("secret_token IN ?", secrets).
		Order("origin_address").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	for _, r := range rows {
		out[r.SecretToken] = append(out[r.SecretToken], r.OriginAddress)
	}
	return out, nil
}

func (s *Messages) Addresses(ctx context.Context) ([]string, error) {
	var addrs []string
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Distinct().Order("origin_address").
		Pluck("origin_address", &addrs).Error
	return addrs, classify(err)
}

// NamesForAddress 返回在该地址发过消息的全部非匿名用户名。
func (s *Messages) NamesForAddress(ctx context.Context, addr string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Table("messages AS m").
		Joins("JOIN tokens AS t ON t.secret_token = m.secret_token").
		Where("m.origin_address = ? AND t.username <> ?", addr, "").
		Distinct().Order("t.username").
		Pluck("t.username", &names).Error
	return names, classify(err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
