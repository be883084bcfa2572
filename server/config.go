package server

import (
	"fmt"
	"net"
	"time"

	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/ratecontrol"
)

// Config 服务端配置。运行中修改无效，下一次 Start 时生效。
type Config struct {
	// Address 监听地址
	Address string
	// RPCPort RPC 端口；0 表示由系统分配
	RPCPort int
	// StreamPort Stream 端口；0 表示由系统分配
	StreamPort int

	// OneRPCPerUpdate 每个客户端每 tick 最多执行一次调用
	OneRPCPerUpdate bool
	// MaxTimePerUpdate 每 tick 执行调用的时间预算（静态值或自适应初值）
	MaxTimePerUpdate time.Duration
	// AdaptiveRateControl 按最近 tick 耗时调整预算
	AdaptiveRateControl bool
	// BlockingRecv 没有待执行调用时，轮询最多阻塞 RecvTimeout
	BlockingRecv bool
	RecvTimeout  time.Duration

	// TickInterval 宿主的名义 tick 间隔，自适应控制的参照
	TickInterval time.Duration
	// RequestTimeout 握手与连接请求的最长挂起时间，超时视为拒绝
	RequestTimeout time.Duration

	MaxPayload        int // 单帧负载上限
	RxRingSize        int // 每连接接收缓冲
	MaxQueuedCalls    int // 每客户端排队调用上限，满时暂停读
	MaxWriteQueue     int // 每连接待发送字节上限，超出视为慢消费者并断开
	TxBatchMsgs       int // 批量帧最多消息数
	TxBatchBytes      int // 批量帧触发字节数
	CompressThreshold int // 单帧压缩阈值，0 不压缩
	SocketBufferSize  int // SO_RCVBUF/SO_SNDBUF，0 为系统默认
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Address:             "127.0.0.1",
		RPCPort:             50000,
		StreamPort:          50001,
		OneRPCPerUpdate:     false,
		MaxTimePerUpdate:    5 * time.Millisecond,
		AdaptiveRateControl: true,
		BlockingRecv:        true,
		RecvTimeout:         time.Millisecond,
		TickInterval:        20 * time.Millisecond,
		RequestTimeout:      30 * time.Second,
		MaxPayload:          256 << 10,
		RxRingSize:          512 << 10,
		MaxQueuedCalls:      1024,
		MaxWriteQueue:       16 << 20,
		TxBatchMsgs:         16,
		TxBatchBytes:        32 << 10,
		CompressThreshold:   4 << 10,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidConfig)
	case c.RPCPort < 0 || c.RPCPort > 65535:
		return fmt.Errorf("%w: rpc port %d out of range", ErrInvalidConfig, c.RPCPort)
	case c.StreamPort < 0 || c.StreamPort > 65535:
		return fmt.Errorf("%w: stream port %d out of range", ErrInvalidConfig, c.StreamPort)
	case c.RPCPort != 0 && c.RPCPort == c.StreamPort:
		return fmt.Errorf("%w: rpc and stream ports must differ", ErrInvalidConfig)
	case c.MaxTimePerUpdate <= 0:
		return fmt.Errorf("%w: MaxTimePerUpdate must be positive", ErrInvalidConfig)
	case c.RecvTimeout < 0:
		return fmt.Errorf("%w: negative RecvTimeout", ErrInvalidConfig)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: TickInterval must be positive", ErrInvalidConfig)
	case c.BlockingRecv && c.RecvTimeout > c.TickInterval:
		return fmt.Errorf("%w: RecvTimeout exceeds TickInterval", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: RequestTimeout must be positive", ErrInvalidConfig)
	case c.MaxPayload <= 0:
		return fmt.Errorf("%w: MaxPayload must be positive", ErrInvalidConfig)
	case c.RxRingSize < c.MaxPayload+protocol.MaxHeaderLen:
		return fmt.Errorf("%w: RxRingSize must hold one full frame", ErrInvalidConfig)
	case c.MaxQueuedCalls <= 0 || c.MaxWriteQueue <= 0:
		return fmt.Errorf("%w: queue limits must be positive", ErrInvalidConfig)
	case c.TxBatchMsgs <= 0 || c.TxBatchBytes <= 0:
		return fmt.Errorf("%w: batch limits must be positive", ErrInvalidConfig)
	case c.CompressThreshold < 0 || c.SocketBufferSize < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidConfig)
	}
	if net.ParseIP(c.Address) == nil {
		if _, err := net.ResolveIPAddr("ip", c.Address); err != nil {
			return fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, c.Address, err)
		}
	}
	return nil
}

func (c Config) rateConfig() ratecontrol.Config {
	rc := ratecontrol.DefaultConfig()
	rc.Adaptive = c.AdaptiveRateControl
	rc.MaxTimePerUpdate = c.MaxTimePerUpdate
	rc.TickInterval = c.TickInterval
	if c.MaxTimePerUpdate < rc.MinBudget {
		rc.MinBudget = c.MaxTimePerUpdate
	}
	return rc
}
