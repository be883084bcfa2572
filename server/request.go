package server

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChannelKind 连接所属的通道
type ChannelKind int

const (
	ChannelRPC ChannelKind = iota
	ChannelStream
)

func (k ChannelKind) String() string {
	if k == ChannelStream {
		return "stream"
	}
	return "rpc"
}

// Disposition 连接请求的处置
type Disposition int32

const (
	Pending Disposition = iota
	Allowed
	Denied
)

func (d Disposition) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	}
	return "pending"
}

// ConnectionRequest 一次入站连接请求，只能被处置一次。
// Allow/Deny 可在任意 goroutine 调用，结果在下一次 Update 时生效。
type ConnectionRequest struct {
	kind     ChannelKind
	addr     string
	name     string
	clientID uuid.UUID
	raisedAt time.Time

	state atomic.Int32
	conn  *connection
}

// Allow 允许连接；返回本次调用是否完成了处置
func (r *ConnectionRequest) Allow() bool {
	return r.state.CompareAndSwap(int32(Pending), int32(Allowed))
}

// Deny 拒绝连接；返回本次调用是否完成了处置
func (r *ConnectionRequest) Deny() bool {
	return r.state.CompareAndSwap(int32(Pending), int32(Denied))
}

func (r *ConnectionRequest) Disposition() Disposition { return Disposition(r.state.Load()) }

func (r *ConnectionRequest) Kind() ChannelKind { return r.kind }

// Address 对端地址 host:port
func (r *ConnectionRequest) Address() string { return r.addr }

// ClientName RPC 请求声明的客户端名
func (r *ConnectionRequest) ClientName() string { return r.name }

// ClientID Stream 请求声明的客户端 id；RPC 请求为零值
func (r *ConnectionRequest) ClientID() uuid.UUID { return r.clientID }

func (r *ConnectionRequest) RaisedAt() time.Time { return r.raisedAt }
