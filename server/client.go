package server

import (
	"time"

	"github.com/google/uuid"
)

// Client 已接入的客户端：一个 RPC 通道，可选一个 Stream 通道。
// 方法只应在驱动 Update 的线程（包括事件回调与过程内）调用。
type Client struct {
	id          uuid.UUID
	name        string
	addr        string
	connectedAt time.Time

	rpc    *connection
	stream *connection

	// 按创建顺序的订阅
	subs []*subscription

	disconnected bool
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) Name() string { return c.name }

// Address RPC 通道的对端地址
func (c *Client) Address() string { return c.addr }

func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Connected 报告客户端是否仍在注册表中
func (c *Client) Connected() bool { return !c.disconnected }

// HasStream 报告 Stream 通道是否已接入
func (c *Client) HasStream() bool { return c.stream != nil && !c.stream.closed() }

// Subscriptions 返回订阅数
func (c *Client) Subscriptions() int { return len(c.subs) }

// BytesRead 两个通道累计读取字节
func (c *Client) BytesRead() uint64 {
	var n uint64
	if c.rpc != nil {
		n += c.rpc.bytesIn
	}
	if c.stream != nil {
		n += c.stream.bytesIn
	}
	return n
}

// BytesWritten 两个通道累计写出字节
func (c *Client) BytesWritten() uint64 {
	var n uint64
	if c.rpc != nil {
		n += c.rpc.bytesOut
	}
	if c.stream != nil {
		n += c.stream.bytesOut
	}
	return n
}

// QueuedCalls 已接收未执行的调用数
func (c *Client) QueuedCalls() int {
	if c.rpc == nil {
		return 0
	}
	return c.rpc.queued()
}

func (c *Client) info() ClientInfo {
	return ClientInfo{
		ID:           c.id,
		Name:         c.name,
		Address:      c.addr,
		ConnectedAt:  c.connectedAt,
		Stream:       c.HasStream(),
		Subs:         len(c.subs),
		BytesRead:    c.BytesRead(),
		BytesWritten: c.BytesWritten(),
	}
}
