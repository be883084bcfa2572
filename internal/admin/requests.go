package admin

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/server"
	"go.uber.org/zap"
)

// ErrUnknownRequest 请求不存在或已处置
var ErrUnknownRequest = errors.New("admin: unknown connection request")

// PendingRequest 等待处置的连接请求摘要
type PendingRequest struct {
	ID       uuid.UUID `json:"id"`
	Channel  string    `json:"channel"`
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// Requests 收集未自动允许的连接请求，供运维通过 HTTP 处置。
// ConnectionRequest 的 Allow/Deny 可在任意 goroutine 调用，服务端下一 tick 生效。
type Requests struct {
	log   *zap.Logger
	mu    sync.Mutex
	byID  map[uuid.UUID]*server.ConnectionRequest
	order []uuid.UUID
}

func NewRequests(log *zap.Logger) *Requests {
	return &Requests{log: log, byID: make(map[uuid.UUID]*server.ConnectionRequest)}
}

// Handler 返回记录连接请求的事件处理者
func (r *Requests) Handler() server.Handler {
	return server.HandlerFuncs{
		RequestingConnection: func(_ *server.Server, req *server.ConnectionRequest) {
			id := r.add(req)
			r.log.Info("connection request awaiting decision",
				zap.Stringer("request", id),
				zap.Stringer("channel", req.Kind()),
				zap.String("peer", req.Address()),
				zap.String("name", req.ClientName()))
		},
	}
}

func (r *Requests) add(req *server.ConnectionRequest) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = req
	r.order = append(r.order, id)
	return id
}

// prune 移除已处置的请求，调用方持有锁
func (r *Requests) prune() {
	kept := r.order[:0]
	for _, id := range r.order {
		if r.byID[id].Disposition() == server.Pending {
			kept = append(kept, id)
			continue
		}
		delete(r.byID, id)
	}
	r.order = kept
}

// List 返回仍在等待的请求
func (r *Requests) List() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	out := make([]PendingRequest, 0, len(r.order))
	for _, id := range r.order {
		req := r.byID[id]
		p := PendingRequest{
			ID:       id,
			Channel:  req.Kind().String(),
			Address:  req.Address(),
			Name:     req.ClientName(),
			RaisedAt: req.RaisedAt(),
		}
		if req.Kind() == server.ChannelStream {
			p.ClientID = req.ClientID().String()
		}
		out = append(out, p)
	}
	return out
}

// Decide 允许或拒绝请求
func (r *Requests) Decide(id uuid.UUID, allow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byID[id]
	if !ok {
		return ErrUnknownRequest
	}
	var done bool
	if allow {
		done = req.Allow()
	} else {
		done = req.Deny()
	}
	r.prune()
	if !done {
		return ErrUnknownRequest
	}
	r.log.Info("connection request decided", zap.Stringer("request", id), zap.Bool("allowed", allow))
	return nil
}
