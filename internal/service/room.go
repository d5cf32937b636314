package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bathiste/chat-client-WIP/internal/hub"
	"github.com/bathiste/chat-client-WIP/internal/metrics"
	"github.com/bathiste/chat-client-WIP/internal/models"
	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"

	"github.com/rs/zerolog/log"
)

const maxUsernameLength = 32

var roomCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidRoomCode 报告 code 是否是可手工输入的合法房间码。
func ValidRoomCode(code string) bool { return roomCodeRe.MatchString(code) }

// RoomOptions 是房间协调器的策略参数。
type RoomOptions struct {
	DefaultRoom      string
	HistoryLimit     int
	MaxMessageLength int
}

// RoomService 协调连接的接入、加入/离开房间、广播以及管理端的强制操作。
//
// 对房间 R 的成员变更和"追加账本 + 扇出"都在 R 的 RoomHub 上串行执行，
// 所以 R 内所有成员看到的消息顺序与账本追加顺序一致。
// 持久化读写总在修改会话表之前完成，不会在持有注册表锁时访问数据库。
type RoomService struct {
	reg    *session.Registry
	hub    *hub.Hub
	ids    *IdentityResolver
	tokens store.TokenStore
	rooms  store.RoomDirectory
	ledger store.MessageLedger
	opts   RoomOptions
	now    func() time.Time
}

func NewRoomService(reg *session.Registry, h *hub.Hub, ids *IdentityResolver, tokens store.TokenStore,
	rooms store.RoomDirectory, ledger store.MessageLedger, opts RoomOptions) *RoomService {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = "lobby"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 2000
	}
	return &RoomService{
		reg: reg, hub: h, ids: ids, tokens: tokens, rooms: rooms, ledger: ledger,
		opts: opts, now: time.Now,
	}
}

// ConnectRequest 描述一次新连接：客户端可选地携带 secret token 与目标房间。
type ConnectRequest struct {
	Token string
	Addr  string
	Room  string
}

type ConnectResult struct {
	Session   session.Session
	Identity  models.Identity
	Recovered bool
	History   []ChatMessage
}

// Connect 完成接入流程：封禁检查与身份解析、登记会话，然后加入默认或指定房间，
// 依次下发 welcome 与有界历史。任何一步失败都不会留下半登记的会话，也不会发出 welcome。
func (s *RoomService) Connect(ctx context.Context, conn hub.Conn, req ConnectRequest) (ConnectResult, error) {
	res, err := s.connect(ctx, conn, req)
	metrics.ConnectsTotal.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func (s *RoomService) connect(ctx context.Context, conn hub.Conn, req ConnectRequest) (ConnectResult, error) {
	room := req.Room
	if room == "" {
		room = s.opts.DefaultRoom
	}
	if !ValidRoomCode(room) {
		return ConnectResult{}, invalid("malformed room code %q", room)
	}

	resolved, err := s.ids.Resolve(ctx, req.Token, req.Addr)
	if err != nil {
		return ConnectResult{}, err
	}
	id := resolved.Identity
	if !resolved.Minted {
		addr := req.Addr
		if addr == "" {
			addr = id.LastKnownAddress
		}
		if err := s.tokens.Touch(ctx, id.SecretToken, addr); err != nil {
			return ConnectResult{}, translate(err)
		}
		id.LastKnownAddress = addr
	}

	if err := s.hub.Attach(conn); err != nil {
		return ConnectResult{}, translate(err)
	}
	sess := session.Session{
		ConnID:      conn.ID(),
		SecretToken: id.SecretToken,
		PublicToken: id.PublicToken,
		DisplayName: id.DisplayName(),
		Addr:        req.Addr,
		ConnectedAt: s.now(),
	}
	if err := s.reg.Register(sess); err != nil {
		s.hub.Detach(conn.ID())
		if errors.Is(err, session.ErrExists) {
			return ConnectResult{}, invalid("connection id %s already registered", conn.ID())
		}
		return ConnectResult{}, translate(err)
	}
	// 登记之后复查封禁：与并发的封禁扫描交错时，扫描要么看得到这条会话，要么这里看得到封禁
	if err := s.ids.admit(ctx, id.SecretToken); err != nil {
		s.reg.Remove(conn.ID())
		s.hub.Detach(conn.ID())
		return ConnectResult{}, err
	}
	metrics.LiveSessions.Set(float64(s.reg.Len()))

	// welcome 与 history 在同一个房间任务里先后发出，加入失败时客户端只会收到 rejected
	history, err := s.join(ctx, conn.ID(), room, Welcome{
		Type:        EventWelcome,
		ConnID:      conn.ID(),
		Name:        id.DisplayName(),
		Token:       id.SecretToken,
		PublicToken: id.PublicToken,
		Recovered:   resolved.Recovered,
	})
	if err != nil {
		s.Disconnect(ctx, conn.ID())
		return ConnectResult{}, err
	}
	sess, _ = s.reg.Get(conn.ID())
	log.Info().Str("conn_id", conn.ID()).Str("addr", req.Addr).Str("room", room).
		Bool("recovered", resolved.Recovered).Msg("session connected")
	return ConnectResult{Session: sess, Identity: id, Recovered: resolved.Recovered, History: history}, nil
}

// Register 修改当前连接身份的用户名，同一身份的所有在线连接同步改名并收到 registered。
func (s *RoomService) Register(ctx context.Context, connID, username string) (string, error) {
	sess, ok := s.reg.Get(connID)
	if !ok {
		return "", notFound("session")
	}
	name := strings.TrimSpace(username)
	if name == "" {
		return "", invalid("empty username")
	}
	if utf8.RuneCountInString(name) > maxUsernameLength {
		return "", invalid("username exceeds %d characters", maxUsernameLength)
	}
	if err := s.ids.admit(ctx, sess.SecretToken); err != nil {
		return "", err
	}
	if err := s.tokens.Rename(ctx, sess.SecretToken, name); err != nil {
		return "", translate(err)
	}
	for _, id := range s.reg.ConnsFor(sess.SecretToken) {
		if err := s.reg.UpdateName(id, name); err != nil {
			continue
		}
		s.send(id, Registered{Type: EventRegistered, Name: name})
	}
	return name, nil
}

// Join 把连接移入 code 房间（不存在则创建），并只向该连接回放最近的历史。
func (s *RoomService) Join(ctx context.Context, connID, code string) ([]ChatMessage, error) {
	return s.join(ctx, connID, code, nil)
}

// Leave 让连接离开当前房间，之后不再收到任何房间广播。
func (s *RoomService) Leave(ctx context.Context, connID string) error {
	sess, ok := s.reg.Get(connID)
	if !ok {
		return notFound("session")
	}
	if sess.Room == "" {
		return nil
	}
	return s.leave(ctx, connID, sess.Room)
}

// Broadcast 校验发送者与文本，写入账本后投递给房间内包括发送者在内的全部成员。
func (s *RoomService) Broadcast(ctx context.Context, connID, room, text string) (ChatMessage, error) {
	sess, ok := s.reg.Get(connID)
	if !ok {
		return ChatMessage{}, notFound("session")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, invalid("empty message")
	}
	if utf8.RuneCountInString(text) > s.opts.MaxMessageLength {
		return ChatMessage{}, invalid("message exceeds %d characters", s.opts.MaxMessageLength)
	}
	if room == "" {
		room = sess.Room
	}
	if room == "" || room != sess.Room {
		return ChatMessage{}, invalid("not a member of room %q", room)
	}
	var evt ChatMessage
	var taskErr error
	err := s.hub.Run(ctx, room, func() {
		cur, ok := s.reg.Get(connID)
		if !ok {
			taskErr = notFound("session")
			return
		}
		if cur.Room != room {
			taskErr = invalid("not a member of room %q", room)
			return
		}
		msg, err := s.ledger.Append(ctx, models.Message{
			RoomCode:      room,
			SecretToken:   cur.SecretToken,
			OriginAddress: cur.Addr,
			Text:          text,
			CreatedAt:     s.now(),
		})
		if err != nil {
			taskErr = translate(err)
			return
		}
		evt = ChatMessage{
			Type:              EventMessage,
			ID:                msg.ID,
			Room:              room,
			SenderPublicToken: cur.PublicToken,
			SenderName:        cur.DisplayName,
			Text:              msg.Text,
			Timestamp:         msg.CreatedAt,
		}
		s.fanOut(room, evt)
		metrics.MessagesTotal.Inc()
	})
	if err != nil {
		return ChatMessage{}, translate(err)
	}
	return evt, taskErr
}

// Announce 在房间执行器上向全部成员投递一条非聊天事件。
func (s *RoomService) Announce(ctx context.Context, room string, evt any) error {
	if err := s.hub.Run(ctx, room, func() { s.fanOut(room, evt) }); err != nil {
		return translate(err)
	}
	s.release(ctx, room)
	return nil
}

// Disconnect 移除会话并停止一切后续投递，可重复调用。已写入账本的消息不受影响。
func (s *RoomService) Disconnect(ctx context.Context, connID string) {
	ctx = context.WithoutCancel(ctx)
	sess, ok := s.reg.Get(connID)
	if ok && sess.Room != "" {
		_ = s.hub.Run(ctx, sess.Room, func() { s.reg.Remove(connID) })
	}
	s.reg.Remove(connID)
	s.hub.Detach(connID)
	if ok && sess.Room != "" {
		s.release(ctx, sess.Room)
	}
	metrics.LiveSessions.Set(float64(s.reg.Len()))
	if ok {
		log.Info().Str("conn_id", connID).Str("room", sess.Room).Msg("session disconnected")
	}
}

// ForceDisconnect 断开连接并关闭底层传输，reason 随 kicked 事件发给客户端。
func (s *RoomService) ForceDisconnect(ctx context.Context, connID, reason string) error {
	conn, attached := s.hub.Conn(connID)
	if _, live := s.reg.Get(connID); !live && !attached {
		return notFound("connection " + connID)
	}
	s.Disconnect(ctx, connID)
	if attached {
		conn.Close(Kicked{Type: EventKicked, Reason: reason})
	}
	return nil
}

// ForceMove 把连接移到 room：先在旧房间执行器上退出，再在新房间上加入并回放历史。
func (s *RoomService) ForceMove(ctx context.Context, connID, room string) ([]ChatMessage, error) {
	sess, ok := s.reg.Get(connID)
	if !ok {
		return nil, notFound("session")
	}
	return s.join(ctx, connID, room, Moved{Type: EventMoved, From: sess.Room, To: room})
}

// RoomInfo 是对外输出的房间数据，附带当前在线人数。
type RoomInfo struct {
	Code        string    `json:"code"`
	DisplayName string    `json:"display_name"`
	Online      int       `json:"online"`
	CreatedAt   time.Time `json:"created_at"`
}

// List 返回房间列表，附带各房间的在线人数。
func (s *RoomService) List(ctx context.Context, limit int) ([]RoomInfo, error) {
	rooms, err := s.rooms.List(ctx, limit)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, s.info(r))
	}
	return out, nil
}

// Open 在房间不存在时创建它，返回房间及本次是否新建。
func (s *RoomService) Open(ctx context.Context, code, displayName, hostToken string) (RoomInfo, bool, error) {
	if !ValidRoomCode(code) {
		return RoomInfo{}, false, invalid("malformed room code %q", code)
	}
	room, created, err := s.rooms.Ensure(ctx, models.Room{
		Code:        code,
		DisplayName: strings.TrimSpace(displayName),
		HostToken:   hostToken,
	})
	if err != nil {
		return RoomInfo{}, false, translate(err)
	}
	return s.info(room), created, nil
}

func (s *RoomService) info(r models.Room) RoomInfo {
	return RoomInfo{
		Code:        r.Code,
		DisplayName: r.DisplayName,
		Online:      len(s.reg.MembersOf(r.Code)),
		CreatedAt:   r.CreatedAt,
	}
}

func (s *RoomService) join(ctx context.Context, connID, code string, notice any) ([]ChatMessage, error) {
	if !ValidRoomCode(code) {
		return nil, invalid("malformed room code %q", code)
	}
	sess, ok := s.reg.Get(connID)
	if !ok {
		return nil, notFound("session")
	}
	if _, created, err := s.rooms.Ensure(ctx, models.Room{Code: code, HostToken: sess.SecretToken}); err != nil {
		return nil, translate(err)
	} else if created {
		log.Info().Str("room", code).Str("conn_id", connID).Msg("room created")
	}
	if sess.Room != "" && sess.Room != code {
		if err := s.leave(ctx, connID, sess.Room); err != nil {
			return nil, err
		}
	}
	var history []ChatMessage
	var taskErr error
	err := s.hub.Run(ctx, code, func() {
		msgs, err := s.ledger.Recent(ctx, code, s.opts.HistoryLimit)
		if err != nil {
			taskErr = translate(err)
			return
		}
		history, err = annotate(ctx, s.tokens, msgs)
		if err != nil {
			taskErr = err
			return
		}
		if _, err := s.reg.UpdateRoom(connID, code); err != nil {
			taskErr = translate(err)
			return
		}
		if notice != nil {
			s.send(connID, notice)
		}
		s.send(connID, History{Type: EventHistory, Room: code, Messages: history})
	})
	if err == nil {
		err = taskErr
	}
	if err != nil {
		s.release(ctx, code)
		return nil, translate(err)
	}
	metrics.HistoryReplayed.Observe(float64(len(history)))
	return history, nil
}

func (s *RoomService) leave(ctx context.Context, connID, room string) error {
	var taskErr error
	err := s.hub.Run(ctx, room, func() {
		_, taskErr = s.reg.MoveIf(connID, room, "")
	})
	if errors.Is(err, hub.ErrClosed) {
		// hub 已关闭，没有并发的房间任务
		_, err = s.reg.MoveIf(connID, room, "")
	}
	if err == nil {
		err = taskErr
	}
	if err != nil {
		return translate(err)
	}
	s.release(ctx, room)
	return nil
}

// release 在房间没有成员时回收它的执行器。房间成员只在执行器内变化，所以检查结果在回收时仍然成立。
func (s *RoomService) release(ctx context.Context, room string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.hub.Release(ctx, room, func() bool { return len(s.reg.MembersOf(room)) == 0 }); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("release room actor")
	}
}

// fanOut 只能在 room 的执行器内调用。缓冲区已满的连接被视为慢消费者并断开。
func (s *RoomService) fanOut(room string, evt any) {
	for _, id := range s.hub.Deliver(s.reg.MembersOf(room), evt) {
		go s.dropSlow(id)
	}
}

func (s *RoomService) send(connID string, evt any) {
	if _, ok := s.hub.Conn(connID); !ok {
		return
	}
	if !s.hub.Send(connID, evt) {
		go s.dropSlow(connID)
	}
}

func (s *RoomService) dropSlow(connID string) {
	metrics.SlowConsumersTotal.Inc()
	log.Warn().Str("conn_id", connID).Msg("send buffer full, dropping connection")
	_ = s.ForceDisconnect(context.Background(), connID, "slow consumer")
}

// annotate 为账本记录补上发送者当前的用户名与 public token。
func annotate(ctx context.Context, tokens store.TokenStore, msgs []models.Message) ([]ChatMessage, error) {
	secrets := make([]string, 0, len(msgs))
	for _, m := range msgs {
		secrets = append(secrets, m.SecretToken)
	}
	ids, err := tokens.ResolveMany(ctx, secrets)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		id, ok := ids[m.SecretToken]
		name, pub := "anon", "?"
		if ok {
			name, pub = id.DisplayName(), id.PublicToken
		}
		out = append(out, ChatMessage{
			Type:              EventMessage,
			ID:                m.ID,
			Room:              m.RoomCode,
			SenderPublicToken: pub,
			SenderName:        name,
			Text:              m.Text,
			Timestamp:         m.CreatedAt,
		})
	}
	return out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "unavailable"
	}
}
