package server

import (
	"strings"

	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/service"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// subscription 一个客户端对 (过程, 参数) 的订阅
type subscription struct {
	id        uint64
	client    *Client
	procedure string
	args      []*structpb.Value
	key       string

	rate    uint64 // 两次求值之间的 tick 数
	nextDue uint64

	evaluated bool
	last      *structpb.Value
	lastErr   *protocol.Error
}

// 不允许被订阅的内置过程
var unstreamable = map[string]bool{
	ProcAddStream:    true,
	ProcRemoveStream: true,
}

// streamKey 由过程名与参数的确定性编码组成，用于合并相同订阅
func streamKey(proc string, args []*structpb.Value) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.ListValue{Values: args})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(proc) + 1 + len(b))
	sb.WriteString(proc)
	sb.WriteByte(0)
	sb.Write(b)
	return sb.String(), nil
}

// addStream 创建订阅；同一客户端相同过程与参数返回已有 id
func (s *Server) addStream(c *Client, proc string, args []*structpb.Value, rate uint64) (uint64, error) {
	if unstreamable[proc] {
		return 0, service.BadArguments("procedure %q cannot be streamed", proc)
	}
	if _, ok := s.builtins[proc]; !ok {
		if _, ok := s.resolver.Resolve(proc); !ok {
			return 0, service.NotFound(proc)
		}
	}
	key, err := streamKey(proc, args)
	if err != nil {
		return 0, service.BadArguments("stream arguments: %v", err)
	}
	for _, sub := range c.subs {
		if sub.key == key {
			return sub.id, nil
		}
	}

	s.nextStreamID++
	sub := &subscription{
		id:        s.nextStreamID,
		client:    c,
		procedure: proc,
		args:      args,
		key:       key,
		rate:      rate,
		nextDue:   s.tick,
	}
	c.subs = append(c.subs, sub)
	s.subs[sub.id] = sub
	s.metrics.SetSubscriptions(len(s.subs))
	s.log.Debug("stream added",
		zap.Stringer("client", c.id), zap.Uint64("stream", sub.id), zap.String("procedure", proc), zap.Uint64("rate", rate))
	return sub.id, nil
}

// removeStream 移除客户端自己的订阅
func (s *Server) removeStream(c *Client, id uint64) bool {
	sub, ok := s.subs[id]
	if !ok || sub.client != c {
		return false
	}
	delete(s.subs, id)
	for i, x := range c.subs {
		if x == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	s.metrics.SetSubscriptions(len(s.subs))
	return true
}

func (s *Server) removeSubscriptions(c *Client) {
	if len(c.subs) == 0 {
		return
	}
	for _, sub := range c.subs {
		delete(s.subs, sub.id)
	}
	c.subs = nil
	s.metrics.SetSubscriptions(len(s.subs))
}

// Subscriptions 返回活动订阅数
func (s *Server) Subscriptions() int { return len(s.subs) }

// processStreams 对到期的订阅求值，值变化时推送；每个客户端每 tick 一帧
func (s *Server) processStreams(t *tickTimes) {
	s.scratch = s.reg.snapshot(s.scratch)
	for _, c := range s.scratch {
		if !s.running {
			return
		}
		if c.disconnected || !c.HasStream() || len(c.subs) == 0 {
			continue
		}
		s.guard(c, "stream", func() { s.evaluateClient(c, t) })
	}
}

func (s *Server) evaluateClient(c *Client, t *tickTimes) {
	var results []*protocol.StreamResult
	subs := append([]*subscription(nil), c.subs...)
	for _, sub := range subs {
		if s.tick < sub.nextDue {
			continue
		}
		sub.nextDue = s.tick + sub.rate
		t.evaluations++
		s.stats.streamEvaluations++

		value, cerr := s.dispatch(c, &protocol.Request{Procedure: sub.procedure, Args: sub.args})
		if c.disconnected || !s.running {
			return
		}
		var perr *protocol.Error
		if cerr != nil {
			value = nil
			perr = callError(cerr)
		}
		if sub.evaluated && sameError(sub.lastErr, perr) && (perr != nil || proto.Equal(sub.last, value)) {
			continue
		}
		sub.evaluated = true
		sub.last = value
		sub.lastErr = perr
		results = append(results, &protocol.StreamResult{StreamID: sub.id, Result: value, Error: perr})
	}
	if len(results) == 0 {
		return
	}

	upd := &protocol.StreamUpdate{Time: s.timeFn(), Results: results}
	payload, err := upd.Marshal()
	if err != nil {
		s.log.Warn("stream update marshal failed", zap.Stringer("client", c.id), zap.Error(err))
		return
	}
	c.stream.send(protocol.APIStreamUpdate, payload)
	s.metrics.StreamUpdateSent()
	t.streamUpdates++
}

func sameError(a, b *protocol.Error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Message == b.Message
}
