package service

import (
	"context"
	"strings"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/store"
)

const (
	defaultPerPage = 30
	maxPerPage     = 500
	dateLayout     = "2006-01-02"
)

// MessageService 提供账本的只读投影：房间历史与管理端日志查询。
type MessageService struct {
	ledger       store.MessageLedger
	tokens       store.TokenStore
	historyLimit int
	loc          *time.Location
}

func NewMessageService(ledger store.MessageLedger, tokens store.TokenStore, historyLimit int) *MessageService {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &MessageService{ledger: ledger, tokens: tokens, historyLimit: historyLimit, loc: time.UTC}
}

// History 返回房间最近的消息，按时间升序，最多 historyLimit 条。
func (s *MessageService) History(ctx context.Context, room string, limit int) ([]ChatMessage, error) {
	if !ValidRoomCode(room) {
		return nil, invalid("malformed room code %q", room)
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	msgs, err := s.ledger.Recent(ctx, room, limit)
	if err != nil {
		return nil, translate(err)
	}
	return annotate(ctx, s.tokens, msgs)
}

// LogQuery 是管理端日志筛选条件。From、To 为 YYYY-MM-DD，To 包含当天全部记录。
type LogQuery struct {
	IP      string `form:"ip"`
	Token   string `form:"token"`
	Room    string `form:"room"`
	Text    string `form:"text"`
	From    string `form:"from"`
	To      string `form:"to"`
	Page    int    `form:"page"`
	PerPage int    `form:"per_page"`
}

// LogEntry 是管理端可见的一条账本记录，包含 secret token 与来源地址。
type LogEntry struct {
	ID          uint      `json:"id"`
	Room        string    `json:"room"`
	SecretToken string    `json:"secret_token"`
	PublicToken string    `json:"public_token"`
	Username    string    `json:"username"`
	Address     string    `json:"address"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

type LogPage struct {
	Items      []LogEntry `json:"items"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	PerPage    int        `json:"per_page"`
	TotalPages int        `json:"total_pages"`
}

// Query 按条件分页查询账本，最新在前。
func (s *MessageService) Query(ctx context.Context, q LogQuery) (LogPage, error) {
	f := store.LogFilter{
		IP:    strings.TrimSpace(q.IP),
		Token: strings.TrimSpace(q.Token),
		Room:  strings.TrimSpace(q.Room),
		Text:  strings.TrimSpace(q.Text),
	}
	if q.From != "" {
		from, err := time.ParseInLocation(dateLayout, q.From, s.loc)
		if err != nil {
			return LogPage{}, invalid("bad from date %q", q.From)
		}
		f.From = from
	}
	if q.To != "" {
		to, err := time.ParseInLocation(dateLayout, q.To, s.loc)
		if err != nil {
			return LogPage{}, invalid("bad to date %q", q.To)
		}
		f.To = to.AddDate(0, 0, 1)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return LogPage{}, invalid("from date after to date")
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	f.Limit = perPage
	f.Offset = (page - 1) * perPage

	msgs, total, err := s.ledger.Query(ctx, f)
	if err != nil {
		return LogPage{}, translate(err)
	}
	secrets := make([]string, 0, len(msgs))
	for _, m := range msgs {
		secrets = append(secrets, m.SecretToken)
	}
	ids, err := s.tokens.ResolveMany(ctx, secrets)
	if err != nil {
		return LogPage{}, translate(err)
	}

	items := make([]LogEntry, 0, len(msgs))
	for _, m := range msgs {
		id := ids[m.SecretToken]
		items = append(items, LogEntry{
			ID:          m.ID,
			Room:        m.RoomCode,
			SecretToken: m.SecretToken,
			PublicToken: id.PublicToken,
			Username:    id.Username,
			Address:     m.OriginAddress,
			Text:        m.Text,
			CreatedAt:   m.CreatedAt,
		})
	}
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	if pages < 1 {
		pages = 1
	}
	return LogPage{Items: items, Total: total, Page: page, PerPage: perPage, TotalPages: pages}, nil
}
