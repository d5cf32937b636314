// Package hub 负责连接表与按房间划分的单写者执行器。
//
// 每个房间对应一个 RoomHub goroutine，所有会改变该房间成员或向该房间扇出的
// 操作都排队到这里依次执行，因此同一房间内的投递顺序与账本追加顺序一致，
// 不同房间之间互不阻塞。
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bathiste/chat-client-WIP/internal/metrics"

	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("hub closed")
	ErrDuplicate = errors.New("connection already attached")
)

// Conn 是一条可投递事件的客户端连接。Send 不得阻塞，缓冲区满时返回 false。
type Conn interface {
	ID() string
	Send(evt any) bool
	Close(final any)
}

// Hub 管理连接表与房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	rooms  map[string]*RoomHub
	closed bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]Conn), rooms: make(map[string]*RoomHub)}
}

// Attach 登记一条底层连接，之后才能向它投递事件。
func (h *Hub) Attach(c Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.conns[c.ID()]; ok {
		return ErrDuplicate
	}
	h.conns[c.ID()] = c
	return nil
}

// Detach 移除连接并返回它；重复调用是安全的。
func (h *Hub) Detach(id string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	return c, ok
}

func (h *Hub) Conn(id string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Send 向单个连接投递事件，连接不存在或缓冲区已满时返回 false。
func (h *Hub) Send(id string, evt any) bool {
	c, ok := h.Conn(id)
	if !ok {
		return false
	}
	return c.Send(evt)
}

// Deliver 按 ids 顺序投递同一事件，返回投递失败（缓冲区已满）的连接。
// 已经断开的连接直接跳过，不计入失败。
func (h *Hub) Deliver(ids []string, evt any) []string {
	h.mu.RLock()
	targets := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var failed []string
	for _, c := range targets {
		if !c.Send(evt) {
			failed = append(failed, c.ID())
		}
	}
	return failed
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub；Hub 关闭后返回 nil。
func (h *Hub) GetRoom(code string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[code]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	room = h.rooms[code]
	if room != nil {
		return room
	}
	room = NewRoomHub(code)
	h.rooms[code] = room
	metrics.ActiveRooms.Inc()
	go room.run()
	return room
}

// Run 在 code 房间的执行器上执行 fn 并等待完成。执行器恰好被 Release 回收时，
// fn 不会在旧执行器上运行，这里换用新建的执行器重试。
func (h *Hub) Run(ctx context.Context, code string, fn func()) error {
	for {
		rh := h.GetRoom(code)
		if rh == nil {
			return ErrClosed
		}
		err := rh.Do(ctx, fn)
		if errors.Is(err, ErrClosed) && rh.retired.Load() {
			continue
		}
		return err
	}
}

// Release 在房间执行器内检查 idle()，房间空闲且队列为空时回收该执行器，
// 之后的 GetRoom 会得到新的执行器。返回是否发生了回收。
func (h *Hub) Release(ctx context.Context, code string, idle func() bool) (bool, error) {
	h.mu.RLock()
	rh := h.rooms[code]
	h.mu.RUnlock()
	if rh == nil {
		return false, nil
	}
	var released bool
	err := rh.Do(ctx, func() {
		if !idle() {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed || h.rooms[code] != rh || len(rh.tasks) > 0 {
			return
		}
		delete(h.rooms, code)
		rh.retired.Store(true)
		rh.stop()
		released = true
	})
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	if released {
		metrics.ActiveRooms.Dec()
		log.Debug().Str("room", code).Msg("room actor released")
	}
	return released, err
}

// Rooms 返回当前存活的房间执行器数量。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections 返回当前登记的连接数。
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown 停止全部房间执行器并关闭所有连接，final 作为最后一条事件发给客户端。
func (h *Hub) Shutdown(ctx context.Context, final any) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*RoomHub, 0, len(h.rooms))
	for _, rh := range h.rooms {
		rooms = append(rooms, rh)
	}
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]Conn)
	h.mu.Unlock()

	for _, rh := range rooms {
		rh.stop()
	}
	var err error
	for _, rh := range rooms {
		select {
		case <-rh.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	for _, c := range conns {
		c.Close(final)
	}
	log.Info().Int("rooms", len(rooms)).Int("connections", len(conns)).Msg("hub shutdown")
	return err
}

// RoomHub 是单个房间的串行执行器。
type RoomHub struct {
	code     string
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	// retired 表示执行器已被 Release 回收：不再执行任何排队任务
	retired atomic.Bool
}

func NewRoomHub(code string) *RoomHub {
	return &RoomHub{
		code:  code,
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (rh *RoomHub) Code() string { return rh.code }

func (rh *RoomHub) run() {
	defer close(rh.done)
	for {
		select {
		case task := <-rh.tasks:
			if rh.retired.Load() {
				return
			}
			rh.exec(task)
		case <-rh.quit:
			if rh.retired.Load() {
				return
			}
			// 排空已经入队的任务，避免等待者永远阻塞
			for {
				select {
				case task := <-rh.tasks:
					rh.exec(task)
				default:
					return
				}
			}
		}
	}
}

func (rh *RoomHub) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("room", rh.code).Interface("panic", r).Msg("room task panicked")
		}
	}()
	task()
}

func (rh *RoomHub) stop() {
	rh.stopOnce.Do(func() { close(rh.quit) })
}

// Do 把 fn 排入房间队列并等待其执行完毕。ctx 只约束排队阶段；
// fn 一旦开始执行就会运行到结束，fn 内部的阻塞调用应自行使用 ctx。
func (rh *RoomHub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-rh.quit:
		return ErrClosed
	default:
	}
	select {
	case rh.tasks <- task:
	case <-rh.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-rh.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}
