package ws

import (
	"sync"

	"github.com/titoTito21/Titan-sub004/internal/metrics"
)

// Session 把一个已登录的连接绑定到用户身份，只存在于内存中。
type Session struct {
	ID          string
	UserID      uint
	Username    string
	TitanNumber int
}

// Hub 维护连接表与会话表。所有表由 mu 保护；广播先在锁内复制目标列表，
// 再在锁外投递，投递失败的连接在整轮投递结束后才关闭。
type Hub struct {
	mu    sync.RWMutex
	conns map[*Client]struct{}
	bound map[*Client]Session
	users map[uint]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[*Client]struct{}),
		bound: make(map[*Client]Session),
		users: make(map[uint]map[*Client]struct{}),
	}
}

// Attach 登记一个新连接（尚未登录）。
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

// Detach 移除连接；若连接仍绑定会话，一并解绑并返回解绑结果。
func (h *Hub) Detach(c *Client) (sess Session, last, wasBound bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		metrics.WSConnections.Dec()
	}
	return h.unbindLocked(c)
}

// Bind 把连接绑定到会话，返回该会话是否为此用户的第一个在线会话。
func (h *Hub) Bind(c *Client, sess Session) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bound[c]; ok {
		h.unbindLocked(c)
	}
	h.bound[c] = sess
	set := h.users[sess.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[sess.UserID] = set
	}
	first = len(set) == 0
	set[c] = struct{}{}
	metrics.WSSessions.Inc()
	return first
}

// Unbind 解除连接的会话绑定，last 表示该用户已没有其他会话。
func (h *Hub) Unbind(c *Client) (sess Session, last, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unbindLocked(c)
}

func (h *Hub) unbindLocked(c *Client) (Session, bool, bool) {
	sess, ok := h.bound[c]
	if !ok {
		return Session{}, false, false
	}
	delete(h.bound, c)
	metrics.WSSessions.Dec()
	set := h.users[sess.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, sess.UserID)
		return sess, true, true
	}
	return sess, false, true
}

// SessionOf 返回连接当前绑定的会话。
func (h *Hub) SessionOf(c *Client) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.bound[c]
	return sess, ok
}

func (h *Hub) Online(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Sessions 返回当前已登录会话数。
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bound)
}

// Broadcast 向所有已登录会话投递，except 可为 nil。
func (h *Hub) Broadcast(msg []byte, except *Client) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.bound))
	for c := range h.bound {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, msg)
}

// SendToUser 向某个用户的全部会话投递。
func (h *Hub) SendToUser(userID uint, msg []byte, except *Client) int {
	return h.SendToUsers([]uint{userID}, msg, except)
}

// SendToUsers 向一组用户的全部会话投递，房间广播用它与成员列表求交集。
func (h *Hub) SendToUsers(userIDs []uint, msg []byte, except *Client) int {
	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		for c := range h.users[id] {
			if c != except {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, msg)
}

// deliver 在锁外投递；失败的连接收集起来，循环结束后再关闭，
// 关闭后由各自的 readPump 走统一的注销流程。
func (h *Hub) deliver(targets []*Client, msg []byte) int {
	if len(msg) == 0 {
		return 0
	}
	var failed []*Client
	n := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			n++
		} else {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		metrics.WSDroppedClients.Inc()
		c.shutdown()
	}
	return n
}

// CloseAll 关闭所有连接，用于停服。
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.shutdown()
	}
}

// Conns 返回当前连接数（含未登录连接）。
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
