// Package session 维护进程内的在线会话表：连接 ID → 身份、显示名与当前房间。
//
// 所有操作都只触及内存，持有读写锁的时间为 O(1)（Snapshot 为 O(n)），
// 调用方必须在进入注册表之前完成任何持久化读写。
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrExists   = errors.New("session already registered")
	ErrNotFound = errors.New("session not found")
)

// Session 是一条在线连接的内存记录，不做持久化。
type Session struct {
	ConnID      string    `json:"conn_id"`
	SecretToken string    `json:"-"`
	PublicToken string    `json:"public_token"`
	DisplayName string    `json:"display_name"`
	Room        string    `json:"room"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`

	seq uint64
}

// Registry 以连接 ID 为键保存会话，并维护按房间和按 secret token 的派生索引，
// 使广播扇出与封禁扫描都不需要全表遍历。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Session
	byRoom  map[string]map[string]struct{}
	byToken map[string]map[string]struct{}
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Session),
		byRoom:  make(map[string]map[string]struct{}),
		byToken: make(map[string]map[string]struct{}),
	}
}

func addIndex(idx map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[connID] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, connID string) {
	set := idx[key]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Register 只允许创建：同一连接 ID 已存在时返回 ErrExists。
func (r *Registry) Register(s Session) error {
	if s.ConnID == "" {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.ConnID]; ok {
		return ErrExists
	}
	r.seq++
	s.seq = r.seq
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now()
	}
	r.entries[s.ConnID] = &s
	addIndex(r.byRoom, s.Room, s.ConnID)
	addIndex(r.byToken, s.SecretToken, s.ConnID)
	return nil
}

// UpdateRoom 修改会话所在房间并返回旧房间；room 为空表示不在任何房间。
func (r *Registry) UpdateRoom(connID, room string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[connID]
	if !ok {
		return "", ErrNotFound
	}
	prev := s.Room
	if prev == room {
		return prev, nil
	}
	dropIndex(r.byRoom, prev, connID)
	s.Room = room
	addIndex(r.byRoom, room, connID)
	return prev, nil
}

// MoveIf 仅当会话当前位于 from 时才把它移到 to，返回是否发生了移动。
func (r *Registry) MoveIf(connID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[connID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Room != from {
		return false, nil
	}
	dropIndex(r.byRoom, from, connID)
	s.Room = to
	addIndex(r.byRoom, to, connID)
	return true, nil
}

func (r *Registry) UpdateName(connID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[connID]
	if !ok {
		return ErrNotFound
	}
	s.DisplayName = name
	return nil
}

// Remove 是幂等的断开操作，返回被移除的会话（若存在）。
func (r *Registry) Remove(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.entries, connID)
	dropIndex(r.byRoom, s.Room, connID)
	dropIndex(r.byToken, s.SecretToken, connID)
	return *s, true
}

func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot 返回某一时刻全部会话的副本，按注册顺序排列。
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MembersOf 返回当前位于 room 的连接 ID，按注册顺序排列。
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(r.byRoom[room])
}

// ConnsFor 返回使用该 secret token 的全部在线连接。
func (r *Registry) ConnsFor(secret string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(r.byToken[secret])
}

func (r *Registry) sortedLocked(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return r.entries[out[i]].seq < r.entries[out[j]].seq })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
