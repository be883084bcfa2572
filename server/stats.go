package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tickTimes 单个 tick 内的计时与计数
type tickTimes struct {
	poll   time.Duration
	rpc    time.Duration
	exec   time.Duration
	stream time.Duration
	budget time.Duration

	calls         int
	deferred      int
	evaluations   int
	streamUpdates int
}

// Stats 服务端统计快照
type Stats struct {
	Running    bool
	Address    string
	RPCPort    int
	StreamPort int

	Tick            uint64
	Clients         int
	PendingRequests int

	BytesRead    uint64
	BytesWritten uint64

	RPCsExecuted     uint64
	RPCRate          float64 // 最近一秒的每秒调用数
	RPCsLastTick     int
	CallsDeferred    int // 最近一个 tick 因预算延后的调用
	TimePerRPCUpdate time.Duration
	ExecTime         time.Duration
	PollTime         time.Duration
	Budget           time.Duration

	StreamSubscriptions int
	StreamEvaluations   uint64
	StreamUpdatesSent   int // 最近一个 tick
	TimePerStreamUpdate time.Duration

	LastUpdate time.Duration

	ClientList []ClientInfo
}

// ClientInfo 客户端摘要
type ClientInfo struct {
	ID           uuid.UUID
	Name         string
	Address      string
	ConnectedAt  time.Time
	Stream       bool
	Subs         int
	BytesRead    uint64
	BytesWritten uint64
}

// Map 转为可编码为 structpb.Value 的 map
func (i ClientInfo) Map() map[string]any {
	return map[string]any{
		"id":            i.ID.String(),
		"name":          i.Name,
		"address":       i.Address,
		"connected_at":  float64(i.ConnectedAt.UnixMilli()) / 1e3,
		"stream":        i.Stream,
		"subscriptions": float64(i.Subs),
		"bytes_read":    float64(i.BytesRead),
		"bytes_written": float64(i.BytesWritten),
	}
}

// Map 转为可编码为 structpb.Value 的 map（不含客户端列表）
func (st Stats) Map() map[string]any {
	return map[string]any{
		"running":                st.Running,
		"address":                st.Address,
		"rpc_port":               float64(st.RPCPort),
		"stream_port":            float64(st.StreamPort),
		"tick":                   float64(st.Tick),
		"clients":                float64(st.Clients),
		"pending_requests":       float64(st.PendingRequests),
		"bytes_read":             float64(st.BytesRead),
		"bytes_written":          float64(st.BytesWritten),
		"rpcs_executed":          float64(st.RPCsExecuted),
		"rpc_rate":               st.RPCRate,
		"rpcs_last_tick":         float64(st.RPCsLastTick),
		"calls_deferred":         float64(st.CallsDeferred),
		"time_per_rpc_update":    st.TimePerRPCUpdate.Seconds(),
		"exec_time":              st.ExecTime.Seconds(),
		"poll_time":              st.PollTime.Seconds(),
		"budget":                 st.Budget.Seconds(),
		"stream_subscriptions":   float64(st.StreamSubscriptions),
		"stream_evaluations":     float64(st.StreamEvaluations),
		"stream_updates_sent":    float64(st.StreamUpdatesSent),
		"time_per_stream_update": st.TimePerStreamUpdate.Seconds(),
		"last_update":            st.LastUpdate.Seconds(),
	}
}

// statsState 驱动线程维护的计数与供其他 goroutine 读取的快照
type statsState struct {
	bytesRead         uint64
	bytesWritten      uint64
	rpcsExecuted      uint64
	streamEvaluations uint64

	rateWindowStart time.Time
	rateWindowCalls uint64
	rpcRate         float64

	last       tickTimes
	lastUpdate time.Duration

	mu       sync.RWMutex
	snapshot Stats
}

// recordTick 在 Update 末尾更新统计并发布快照
func (s *Server) recordTick(elapsed time.Duration, t tickTimes) {
	st := &s.stats
	st.last = t
	st.lastUpdate = elapsed

	now := s.clock.Now()
	if st.rateWindowStart.IsZero() {
		st.rateWindowStart = now
		st.rateWindowCalls = st.rpcsExecuted
	} else if d := now.Sub(st.rateWindowStart); d >= time.Second {
		st.rpcRate = float64(st.rpcsExecuted-st.rateWindowCalls) / d.Seconds()
		st.rateWindowStart = now
		st.rateWindowCalls = st.rpcsExecuted
	}
	s.publishStats()
}

// currentStats 在驱动线程上构造统计
func (s *Server) currentStats() Stats {
	st := &s.stats
	out := Stats{
		Running:             s.running,
		Address:             s.cfg.Address,
		RPCPort:             s.RPCPort(),
		StreamPort:          s.StreamPort(),
		Tick:                s.tick,
		Clients:             s.reg.len(),
		PendingRequests:     len(s.PendingRequests()),
		BytesRead:           st.bytesRead,
		BytesWritten:        st.bytesWritten,
		RPCsExecuted:        st.rpcsExecuted,
		RPCRate:             st.rpcRate,
		RPCsLastTick:        st.last.calls,
		CallsDeferred:       st.last.deferred,
		TimePerRPCUpdate:    st.last.rpc,
		ExecTime:            st.last.exec,
		PollTime:            st.last.poll,
		Budget:              s.Budget(),
		StreamSubscriptions: len(s.subs),
		StreamEvaluations:   st.streamEvaluations,
		StreamUpdatesSent:   st.last.streamUpdates,
		TimePerStreamUpdate: st.last.stream,
		LastUpdate:          st.lastUpdate,
	}
	out.ClientList = make([]ClientInfo, 0, s.reg.len())
	for _, c := range s.reg.order {
		out.ClientList = append(out.ClientList, c.info())
	}
	return out
}

func (s *Server) publishStats() {
	snap := s.currentStats()
	s.stats.mu.Lock()
	s.stats.snapshot = snap
	s.stats.mu.Unlock()
}

// Stats 返回最近一次 Update 结束时的统计快照，可在任意 goroutine 调用
func (s *Server) Stats() Stats {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	snap := s.stats.snapshot
	snap.ClientList = append([]ClientInfo(nil), snap.ClientList...)
	return snap
}
