package server

import (
	"time"

	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/service"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// processRPC 执行排队的调用。
//
// OneRPCPerUpdate：单轮，每个客户端最多一次，不受预算限制。
// 否则按轮询多轮执行（每轮每个客户端一次），每次调用后检查累计耗时，
// 达到预算即停止，下一 tick 从耗尽预算的客户端的下一个开始。
func (s *Server) processRPC(t *tickTimes) {
	s.scratch = s.reg.snapshot(s.scratch)
	clients := s.scratch
	n := len(clients)
	if n == 0 {
		return
	}
	start := s.rpcCursor % n

	if s.cfg.OneRPCPerUpdate {
		for i := 0; i < n && s.running; i++ {
			c := clients[(start+i)%n]
			s.executeNext(c, t)
		}
		return
	}

	budget := s.rate.Budget()
	t.budget = budget
	for s.running {
		progressed := false
		for i := 0; i < n && s.running; i++ {
			idx := (start + i) % n
			if !s.executeNext(clients[idx], t) {
				continue
			}
			progressed = true
			if t.exec >= budget {
				s.advanceCursor(clients, idx)
				s.countDeferred(t)
				return
			}
		}
		if !progressed {
			return
		}
	}
}

// advanceCursor 下一 tick 从 clients[idx] 之后第一个仍在册的客户端开始。
// 游标是接入顺序中的位置，本 tick 内断开的客户端不计入。
func (s *Server) advanceCursor(clients []*Client, idx int) {
	n := len(clients)
	for i := 1; i <= n; i++ {
		if j := s.reg.index(clients[(idx+i)%n]); j >= 0 {
			s.rpcCursor = j
			return
		}
	}
	s.rpcCursor = 0
}

// executeNext 执行客户端队首的调用，返回是否执行了调用
func (s *Server) executeNext(c *Client, t *tickTimes) (executed bool) {
	if c.disconnected || c.rpc == nil {
		return false
	}
	req := c.rpc.nextCall()
	if req == nil {
		return false
	}
	s.guard(c, "rpc", func() {
		elapsed := s.execute(c, req)
		t.exec += elapsed
		t.calls++
	})
	return true
}

// execute 执行一次调用并写回结果
func (s *Server) execute(c *Client, req *protocol.Request) time.Duration {
	begin := s.clock.Now()
	result, cerr := s.dispatch(c, req)
	elapsed := s.clock.Since(begin)
	s.rate.ObserveCall(elapsed)

	resp := &protocol.Response{ID: req.ID, Result: result, Time: s.timeFn()}
	if cerr != nil {
		resp.Result = nil
		resp.Error = callError(cerr)
		s.metrics.CallFailed(string(cerr.Kind))
		s.log.Debug("call failed",
			zap.Stringer("client", c.id),
			zap.String("procedure", req.Procedure),
			zap.String("kind", string(cerr.Kind)),
			zap.String("message", cerr.Message))
	}
	s.metrics.CallExecuted()
	s.stats.rpcsExecuted++

	payload, err := resp.Marshal()
	if err != nil {
		payload, _ = (&protocol.Response{
			ID:    req.ID,
			Error: callError(service.Failed(err)),
			Time:  resp.Time,
		}).Marshal()
	}
	if !c.disconnected {
		c.rpc.send(protocol.APIResponse, payload)
	}
	return elapsed
}

// dispatch 先解析内置过程，再解析过程注册表
func (s *Server) dispatch(c *Client, req *protocol.Request) (*structpb.Value, *service.CallError) {
	if b, ok := s.builtins[req.Procedure]; ok {
		return service.Invoke(service.Func(func(args service.Args) (any, error) {
			return b(s, c, args)
		}), req.Args)
	}
	proc, ok := s.resolver.Resolve(req.Procedure)
	if !ok {
		return nil, service.NotFound(req.Procedure)
	}
	return service.Invoke(proc, req.Args)
}

func (s *Server) countDeferred(t *tickTimes) {
	for _, c := range s.reg.order {
		t.deferred += c.QueuedCalls()
	}
	s.metrics.CallsDeferred(t.deferred)
}

func callError(e *service.CallError) *protocol.Error {
	return &protocol.Error{Kind: string(e.Kind), Message: e.Message}
}
