// Package client 提供 tickrpc 服务端的 Go 客户端：RPC 调用与订阅推送。
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/internal/logger"
	"github.com/legamerdc/tickrpc/protocol"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("client: closed")
	// ErrNoStream 未连接 Stream 通道
	ErrNoStream = errors.New("client: stream channel not connected")
)

// RejectedError 服务端拒绝了连接
type RejectedError struct {
	Channel string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: %s connection rejected: %s", e.Channel, e.Reason)
}

type options struct {
	log          *zap.Logger
	maxPayload   int
	updateBuffer int
	compress     int
}

// Option 客户端选项
type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMaxPayload 单帧负载上限，应与服务端一致
func WithMaxPayload(n int) Option { return func(o *options) { o.maxPayload = n } }

// WithUpdateBuffer Updates 通道缓冲大小
func WithUpdateBuffer(n int) Option { return func(o *options) { o.updateBuffer = n } }

// WithCompressThreshold 请求帧压缩阈值，0 不压缩
func WithCompressThreshold(n int) Option { return func(o *options) { o.compress = n } }

// Client 一个客户端会话：RPC 通道与可选的 Stream 通道
type Client struct {
	id   uuid.UUID
	name string
	opts options
	log  *zap.Logger

	rpc    *channel
	stream *channel

	nextID  atomic.Uint64
	mu      sync.Mutex
	calls   map[uint64]*Call
	updates chan *protocol.StreamUpdate

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial 连接 RPC 端口并完成握手；streamAddr 非空时再连接 Stream 端口。
// 服务端需要处置连接请求，ctx 控制等待的上限。
func Dial(ctx context.Context, rpcAddr, streamAddr, name string, opts ...Option) (*Client, error) {
	o := options{maxPayload: 256 << 10, updateBuffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Logger("client")
	}

	c := &Client{
		name:    name,
		opts:    o,
		log:     o.log,
		calls:   make(map[uint64]*Call),
		updates: make(chan *protocol.StreamUpdate, o.updateBuffer),
		done:    make(chan struct{}),
	}

	hello := protocol.Hello{Name: name}
	rpc, id, err := c.handshake(ctx, "rpc", rpcAddr, protocol.APIHello, hello.Marshal())
	if err != nil {
		return nil, err
	}
	c.id = id
	c.rpc = rpc

	if streamAddr != "" {
		sh := protocol.StreamHello{ClientID: id}
		stream, _, err := c.handshake(ctx, "stream", streamAddr, protocol.APIStreamHello, sh.Marshal())
		if err != nil {
			_ = rpc.conn.Close()
			return nil, err
		}
		c.stream = stream
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.shutdown(c.rpc.readLoop(c.onRPCMessage))
	}()
	if c.stream != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.shutdown(c.stream.readLoop(c.onStreamMessage))
		}()
	}
	return c, nil
}

// handshake 发送 hello 并等待 Welcome 或 Reject
func (c *Client) handshake(ctx context.Context, kind, addr string, api uint16, payload []byte) (*channel, uuid.UUID, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("client: dial %s %s: %w", kind, addr, err)
	}
	ch := newChannel(nc, c.opts.maxPayload, c.opts.compress)

	// ctx 取消时中断阻塞的读写
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := ch.write(api, payload); err != nil {
		_ = nc.Close()
		return nil, uuid.Nil, err
	}
	msg, err := ch.readOne()
	if err != nil {
		_ = nc.Close()
		if ctx.Err() != nil {
			return nil, uuid.Nil, ctx.Err()
		}
		return nil, uuid.Nil, fmt.Errorf("client: %s handshake: %w", kind, err)
	}
	if !stop() {
		_ = nc.Close()
		return nil, uuid.Nil, ctx.Err()
	}

	switch msg.Api {
	case protocol.APIWelcome:
		var w protocol.Welcome
		if err := w.Unmarshal(msg.Payload); err != nil {
			_ = nc.Close()
			return nil, uuid.Nil, err
		}
		return ch, w.ClientID, nil
	case protocol.APIReject:
		var r protocol.Reject
		_ = r.Unmarshal(msg.Payload)
		_ = nc.Close()
		return nil, uuid.Nil, &RejectedError{Channel: kind, Reason: r.Reason}
	}
	_ = nc.Close()
	return nil, uuid.Nil, fmt.Errorf("client: %s handshake: unexpected api %d", kind, msg.Api)
}

// ID 服务端分配的客户端 id
func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) Name() string { return c.name }

// Updates 返回订阅推送通道；客户端关闭后通道关闭。推送需及时消费，否则阻塞读取。
func (c *Client) Updates() <-chan *protocol.StreamUpdate { return c.updates }

// Done 在客户端关闭后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 返回导致关闭的错误
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close 关闭两个通道，未完成的调用返回 ErrClosed
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		close(c.done)
		_ = c.rpc.conn.Close()
		if c.stream != nil {
			_ = c.stream.conn.Close()
		}
		c.mu.Lock()
		calls := c.calls
		c.calls = make(map[uint64]*Call)
		c.mu.Unlock()
		for _, call := range calls {
			call.finish(nil, err)
		}
		if !errors.Is(err, ErrClosed) {
			c.log.Debug("client connection closed", zap.Stringer("client", c.id), zap.Error(err))
		}
		go func() {
			c.wg.Wait()
			close(c.updates)
		}()
	})
}

// ============================================================================
//                              RPC
// ============================================================================

// Call 一次进行中的调用
type Call struct {
	ID        uint64
	Procedure string

	done   chan struct{}
	result *structpb.Value
	time   float64
	err    error
}

func (call *Call) finish(resp *protocol.Response, err error) {
	if resp != nil {
		call.result = resp.Result
		call.time = resp.Time
		if resp.Error != nil {
			err = resp.Error
		}
	}
	call.err = err
	close(call.done)
}

// Receive 等待调用结果；服务端的调用级错误以 *protocol.Error 返回
func (call *Call) Receive(ctx context.Context) (*structpb.Value, error) {
	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Time 服务端执行调用时的宿主时间
func (call *Call) Time() float64 {
	<-call.done
	return call.time
}

// Done 结果到达后关闭
func (call *Call) Done() <-chan struct{} { return call.done }

// Send 发出调用但不等待，可连续发送多次后依次 Receive
func (c *Client) Send(proc string, args ...any) (*Call, error) {
	vals, err := toValues(args)
	if err != nil {
		return nil, err
	}
	call := &Call{ID: c.nextID.Add(1), Procedure: proc, done: make(chan struct{})}
	req := protocol.Request{ID: call.ID, Procedure: proc, Args: vals}
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.err
	default:
	}
	c.calls[call.ID] = call
	c.mu.Unlock()

	if err := c.rpc.write(protocol.APIRequest, payload); err != nil {
		c.mu.Lock()
		delete(c.calls, call.ID)
		c.mu.Unlock()
		c.shutdown(err)
		return nil, err
	}
	return call, nil
}

// Call 发出调用并等待结果
func (c *Client) Call(ctx context.Context, proc string, args ...any) (*structpb.Value, error) {
	call, err := c.Send(proc, args...)
	if err != nil {
		return nil, err
	}
	return call.Receive(ctx)
}

// AddStream 订阅过程的值，rate 为求值间隔（tick 数，0 表示每 tick），返回订阅 id
func (c *Client) AddStream(ctx context.Context, proc string, rate uint64, args ...any) (uint64, error) {
	if c.stream == nil {
		return 0, ErrNoStream
	}
	vals, err := toValues(args)
	if err != nil {
		return 0, err
	}
	list := make([]any, len(vals))
	for i, v := range vals {
		list[i] = v.AsInterface()
	}
	if rate == 0 {
		rate = 1
	}
	v, err := c.Call(ctx, "add_stream", proc, list, float64(rate))
	if err != nil {
		return 0, err
	}
	return uint64(v.GetNumberValue()), nil
}

// RemoveStream 取消订阅，返回订阅是否存在
func (c *Client) RemoveStream(ctx context.Context, id uint64) (bool, error) {
	v, err := c.Call(ctx, "remove_stream", float64(id))
	if err != nil {
		return false, err
	}
	return v.GetBoolValue(), nil
}

func (c *Client) onRPCMessage(api uint16, payload []byte) error {
	if api != protocol.APIResponse {
		return fmt.Errorf("client: unexpected api %d on rpc channel", api)
	}
	resp := &protocol.Response{}
	if err := resp.Unmarshal(payload); err != nil {
		return err
	}
	c.mu.Lock()
	call, ok := c.calls[resp.ID]
	delete(c.calls, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown call", zap.Uint64("id", resp.ID))
		return nil
	}
	call.finish(resp, nil)
	return nil
}

func (c *Client) onStreamMessage(api uint16, payload []byte) error {
	if api != protocol.APIStreamUpdate {
		return fmt.Errorf("client: unexpected api %d on stream channel", api)
	}
	upd := &protocol.StreamUpdate{}
	if err := upd.Unmarshal(payload); err != nil {
		return err
	}
	select {
	case c.updates <- upd:
	case <-c.done:
	}
	return nil
}

func toValues(args []any) ([]*structpb.Value, error) {
	vals := make([]*structpb.Value, len(args))
	for i, a := range args {
		if v, ok := a.(*structpb.Value); ok {
			vals[i] = v
			continue
		}
		v, err := structpb.NewValue(a)
		if err != nil {
			return nil, fmt.Errorf("client: argument %d: %w", i, err)
		}
		vals[i] = v
	}
	return vals, nil
}
