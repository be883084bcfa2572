package tickrpc

import "github.com/legamerdc/tickrpc/server"

// Client 表示一个已接入的客户端（RPC 通道 + 可选 Stream 通道）
type Client = server.Client

// ClientInfo 客户端摘要
type ClientInfo = server.ClientInfo

// ConnectionRequest 入站连接请求，由 Handler 调用 Allow/Deny 处置
type ConnectionRequest = server.ConnectionRequest

// ChannelKind 连接所属通道
type ChannelKind = server.ChannelKind

const (
	ChannelRPC    = server.ChannelRPC
	ChannelStream = server.ChannelStream
)
