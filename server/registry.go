package server

import (
	"github.com/google/uuid"
)

// registry 客户端注册表：id 索引加接入顺序
type registry struct {
	byID  map[uuid.UUID]*Client
	order []*Client
}

func newRegistry() registry {
	return registry{byID: make(map[uuid.UUID]*Client)}
}

func (r *registry) add(c *Client) {
	r.byID[c.id] = c
	r.order = append(r.order, c)
}

func (r *registry) remove(c *Client) bool {
	if _, ok := r.byID[c.id]; !ok {
		return false
	}
	delete(r.byID, c.id)
	for i, x := range r.order {
		if x == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// index 返回客户端在接入顺序中的位置，不存在时返回 -1
func (r *registry) index(c *Client) int {
	for i, x := range r.order {
		if x == c {
			return i
		}
	}
	return -1
}

func (r *registry) get(id uuid.UUID) *Client { return r.byID[id] }

func (r *registry) len() int { return len(r.order) }

// snapshot 返回接入顺序的副本
func (r *registry) snapshot(dst []*Client) []*Client {
	return append(dst[:0], r.order...)
}

// Clients 返回已接入客户端（接入顺序）
func (s *Server) Clients() []*Client {
	return s.reg.snapshot(nil)
}

// Client 按 id 查找客户端
func (s *Server) Client(id uuid.UUID) (*Client, bool) {
	c := s.reg.get(id)
	return c, c != nil
}

// DisconnectClient 断开客户端；重复调用返回 false
func (s *Server) DisconnectClient(id uuid.UUID) bool {
	c := s.reg.get(id)
	if c == nil {
		return false
	}
	return s.disconnect(c, ErrDisconnected)
}
