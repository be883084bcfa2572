package server

import (
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/metrics"
	"github.com/legamerdc/tickrpc/protocol"
	"go.uber.org/zap"
)

const (
	reasonDenied        = "connection denied"
	reasonTimedOut      = "connection request timed out"
	reasonUnknownClient = "unknown client id"
	reasonStreamExists  = "stream channel already connected"
)

// acceptAll 接受监听 socket 上所有待接受的连接，等待其 hello
func (s *Server) acceptAll(lfd int, kind ChannelKind) {
	for {
		fd, peer, err := acceptOne(lfd)
		if err != nil {
			if !isAgain(err) && !isIntr(err) {
				s.log.Warn("accept failed", zap.Stringer("channel", kind), zap.Error(err))
			}
			return
		}
		tuneConn(fd, s.cfg.SocketBufferSize)
		if err := s.pl.Register(fd, true, false); err != nil {
			s.log.Warn("register connection failed", zap.String("peer", peer), zap.Error(err))
			_ = closeFD(fd)
			continue
		}
		c := newConnection(s, fd, kind, peer)
		s.conns[fd] = c
		s.handshaking = append(s.handshaking, c)
		s.log.Debug("connection accepted", zap.String("peer", peer), zap.Stringer("channel", kind))
	}
}

// handshake 为收到 hello 的连接生成连接请求并触发事件，然后处置请求
func (s *Server) handshake() {
	now := s.clock.Now()
	kept := s.handshaking[:0]
	var hellos []*connection
	for _, c := range s.handshaking {
		switch {
		case c.closed():
		case c.state == connHello:
			hellos = append(hellos, c)
		case now.Sub(c.acceptedAt) >= s.cfg.RequestTimeout:
			s.log.Debug("handshake timed out", zap.String("peer", c.peer))
			c.fail(errHandshakeTimeout)
			c.close()
		default:
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(s.handshaking); i++ {
		s.handshaking[i] = nil
	}
	s.handshaking = kept

	for _, c := range hellos {
		if !s.running {
			return
		}
		s.raise(c)
	}
	if s.running {
		s.resolve()
	}
}

// raise 校验 hello 并触发 OnClientRequestingConnection
func (s *Server) raise(c *connection) {
	if c.kind == ChannelStream {
		if reason := s.validateStream(c.helloID); reason != "" {
			s.log.Info("stream connection rejected",
				zap.String("peer", c.peer), zap.Stringer("client", c.helloID), zap.String("reason", reason))
			s.metrics.ConnectionRequest(c.kind.String(), metrics.OutcomeRejected)
			c.reject(reason)
			return
		}
	}

	req := &ConnectionRequest{
		kind:     c.kind,
		addr:     c.peer,
		name:     c.helloName,
		clientID: c.helloID,
		raisedAt: s.clock.Now(),
		conn:     c,
	}
	c.req = req
	c.state = connPending
	s.pending = append(s.pending, req)

	s.log.Info("client requesting connection",
		zap.Stringer("channel", c.kind), zap.String("peer", c.peer), zap.String("name", c.helloName))
	s.emit("client_requesting_connection", func(h Handler) { h.OnClientRequestingConnection(s, req) })
}

// validateStream 返回拒绝原因；空串表示可以发起请求
func (s *Server) validateStream(id uuid.UUID) string {
	c := s.reg.get(id)
	if c == nil {
		return reasonUnknownClient
	}
	if c.stream != nil {
		return reasonStreamExists
	}
	for _, req := range s.pending {
		if req.kind == ChannelStream && req.clientID == id && !req.conn.closed() {
			return reasonStreamExists
		}
	}
	return ""
}

// resolve 应用已处置的请求；超时未处置的请求拒绝
func (s *Server) resolve() {
	now := s.clock.Now()
	kept := s.pending[:0]
	for i, req := range s.pending {
		if !s.running {
			// Stop 已处理剩余请求
			return
		}
		c := req.conn
		if c.closed() {
			continue
		}
		if c.err != nil {
			req.Deny()
			s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeDenied)
			c.close()
			continue
		}
		if req.Disposition() == Pending && now.Sub(req.raisedAt) >= s.cfg.RequestTimeout {
			if req.Deny() {
				s.log.Info("connection request timed out", zap.String("peer", req.addr), zap.Stringer("channel", req.kind))
				s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeTimedOut)
				c.reject(reasonTimedOut)
				continue
			}
		}
		switch req.Disposition() {
		case Allowed:
			s.admit(req)
		case Denied:
			s.log.Info("connection request denied", zap.String("peer", req.addr), zap.Stringer("channel", req.kind))
			s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeDenied)
			c.reject(reasonDenied)
		default:
			kept = append(kept, s.pending[i])
		}
	}
	if !s.running {
		return
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
}

// admit 允许的 RPC 请求成为客户端；允许的 Stream 请求接入其客户端
func (s *Server) admit(req *ConnectionRequest) {
	c := req.conn
	if req.kind == ChannelStream {
		cl := s.reg.get(req.clientID)
		switch {
		case cl == nil:
			s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeRejected)
			c.reject(reasonUnknownClient)
			return
		case cl.stream != nil:
			s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeRejected)
			c.reject(reasonStreamExists)
			return
		}
		c.req = nil
		c.client = cl
		c.state = connActive
		cl.stream = c
		s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeAllowed)
		welcome := protocol.Welcome{ClientID: cl.id}
		c.sendNow(protocol.APIWelcome, welcome.Marshal())
		c.resume()
		s.log.Info("stream channel connected", zap.Stringer("client", cl.id), zap.String("peer", c.peer))
		return
	}

	cl := &Client{
		id:          uuid.New(),
		name:        req.name,
		addr:        req.addr,
		connectedAt: s.clock.Now(),
		rpc:         c,
	}
	c.req = nil
	c.client = cl
	c.state = connActive
	s.reg.add(cl)
	s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeAllowed)
	s.metrics.SetClients(s.reg.len())

	welcome := protocol.Welcome{ClientID: cl.id}
	c.sendNow(protocol.APIWelcome, welcome.Marshal())
	// hello 之后已缓冲的调用
	c.resume()

	s.log.Info("client connected", zap.Stringer("client", cl.id), zap.String("name", cl.name), zap.String("peer", c.peer))
	s.emit("client_connected", func(h Handler) { h.OnClientConnected(s, cl) })
}

// PendingRequests 返回尚未处置的连接请求
func (s *Server) PendingRequests() []*ConnectionRequest {
	out := make([]*ConnectionRequest, 0, len(s.pending))
	for _, req := range s.pending {
		if req.Disposition() == Pending && !req.conn.closed() {
			out = append(out, req)
		}
	}
	return out
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
