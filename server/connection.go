package server

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/internal/ring"
	"github.com/legamerdc/tickrpc/protocol"
)

type connState int

const (
	connHandshake connState = iota // 等待 hello
	connHello                      // 已收到 hello，待服务端处理
	connPending                    // 连接请求待处置
	connActive
	connClosed
)

// connection 单个 socket 的传输层状态：接收环、已解码的调用、写队列。
// 只在驱动 Update 的线程上访问。
type connection struct {
	fd         int
	kind       ChannelKind
	peer       string
	acceptedAt time.Time
	srv        *Server

	state connState
	err   error

	rx  *ring.Buffer
	prs *protocol.Parser
	enc *protocol.Encoder
	tx  txAggregator

	// 发送队列
	wq      [][]byte
	wpos    int
	wbytes  int
	wantOut bool
	reading bool
	// eof 对端已关闭写方向，不再读取
	eof bool

	// 握手
	helloName string
	helloID   uuid.UUID
	req       *ConnectionRequest

	client *Client

	// RPC 通道已解码、待执行的调用
	inbox []*protocol.Request
	ihead int

	bytesIn  uint64
	bytesOut uint64
}

func newConnection(s *Server, fd int, kind ChannelKind, peer string) *connection {
	return &connection{
		fd:         fd,
		kind:       kind,
		peer:       peer,
		acceptedAt: s.clock.Now(),
		srv:        s,
		rx:         ring.New(s.cfg.RxRingSize),
		prs:        protocol.NewParser(s.cfg.MaxPayload),
		enc:        protocol.NewEncoder(s.cfg.CompressThreshold),
		tx:         newTxAggregator(s.cfg.TxBatchMsgs, s.cfg.TxBatchBytes),
		reading:    true,
	}
}

func (c *connection) closed() bool { return c.state == connClosed }

// fail 记录第一个致命错误，连接在本 tick 的回收阶段关闭
func (c *connection) fail(err error) {
	if c.err != nil || c.closed() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	c.err = err
	c.srv.failed = append(c.srv.failed, c)
}

// ============================================================================
//                              读
// ============================================================================

func (c *connection) onReadable() {
	if c.closed() || c.err != nil || c.eof {
		return
	}
	for {
		buf := c.rx.Reserve()
		if len(buf) == 0 {
			break // 缓冲已满，先解码
		}
		n, err := readFD(c.fd, buf)
		if n > 0 {
			c.rx.Commit(n)
			c.bytesIn += uint64(n)
			c.srv.stats.bytesRead += uint64(n)
			c.srv.metrics.BytesRead(n)
		}
		if err != nil {
			if isAgain(err) {
				break
			}
			if isIntr(err) {
				continue
			}
			c.fail(err)
			return
		}
		if n == 0 {
			c.decode()
			c.onEOF()
			return
		}
	}
	c.decode()
}

// onEOF 对端半关闭。已接入的 RPC 通道停止读取，已收到的调用照常执行并应答，
// 排空后由 closeDrained 断开；其余连接直接失败。
func (c *connection) onEOF() {
	if c.err != nil || c.closed() {
		return
	}
	if c.state != connActive || c.kind != ChannelRPC {
		c.fail(io.EOF)
		return
	}
	c.eof = true
	c.setReading(false)
}

// drained 报告半关闭的连接是否已无待执行调用与待发送数据
func (c *connection) drained() bool {
	return c.eof && c.queued() == 0 && c.tx.len() == 0 && c.pendingWrites() == 0
}

// decode 逐帧解码接收环中的完整帧；需要等待时保留剩余字节。
func (c *connection) decode() {
	for c.err == nil && !c.closed() {
		if c.hold() {
			return
		}
		total, ok, err := protocol.FrameLen(c.rx.Peek(protocol.MaxHeaderLen))
		if err != nil {
			c.fail(err)
			return
		}
		if !ok {
			return
		}
		if total > c.prs.MaxPayload+protocol.MaxHeaderLen {
			c.fail(fmt.Errorf("%w: frame of %d bytes", protocol.ErrPayloadTooLarge, total))
			return
		}
		if c.rx.Len() < total {
			return
		}
		frame := c.rx.Peek(total)
		if _, err := c.prs.Parse(frame, c.onMessage); err != nil {
			c.fail(err)
			return
		}
		c.rx.Discard(total)
	}
}

// hold 报告是否暂停解码：握手未完成或调用队列已满
func (c *connection) hold() bool {
	switch c.state {
	case connHello, connPending:
		if c.rx.Free() == 0 {
			c.setReading(false)
		}
		return true
	case connActive:
		if c.kind == ChannelRPC && c.queued() >= c.srv.cfg.MaxQueuedCalls {
			c.setReading(false)
			return true
		}
	}
	return false
}

func (c *connection) onMessage(api uint16, payload []byte) error {
	switch c.state {
	case connHandshake:
		return c.onHello(api, payload)
	case connActive:
		if c.kind != ChannelRPC || api != protocol.APIRequest {
			return fmt.Errorf("%w: api %d on %s channel", errUnexpectedFrame, api, c.kind)
		}
		req := &protocol.Request{}
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		c.inbox = append(c.inbox, req)
		return nil
	}
	return fmt.Errorf("%w: api %d before admission", errUnexpectedFrame, api)
}

func (c *connection) onHello(api uint16, payload []byte) error {
	switch {
	case c.kind == ChannelRPC && api == protocol.APIHello:
		var m protocol.Hello
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.helloName = m.Name
	case c.kind == ChannelStream && api == protocol.APIStreamHello:
		var m protocol.StreamHello
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.helloID = m.ClientID
	default:
		return fmt.Errorf("%w: api %d as %s hello", errUnexpectedFrame, api, c.kind)
	}
	c.state = connHello
	return nil
}

func (c *connection) queued() int { return len(c.inbox) - c.ihead }

// nextCall 弹出下一个待执行调用
func (c *connection) nextCall() *protocol.Request {
	if c.ihead >= len(c.inbox) {
		return nil
	}
	req := c.inbox[c.ihead]
	c.inbox[c.ihead] = nil
	c.ihead++
	if c.ihead == len(c.inbox) {
		c.inbox = c.inbox[:0]
		c.ihead = 0
	}
	return req
}

// resume 调用队列腾出空间后恢复读取，并解码已缓冲的帧
func (c *connection) resume() {
	if c.closed() || c.err != nil || c.queued() >= c.srv.cfg.MaxQueuedCalls {
		return
	}
	if !c.reading && !c.eof {
		c.setReading(true)
	}
	if c.rx.Len() > 0 {
		c.decode()
	}
}

func (c *connection) setReading(on bool) {
	if c.reading == on {
		return
	}
	c.reading = on
	c.updateInterest()
}

func (c *connection) updateInterest() {
	if c.srv.pl == nil || c.closed() {
		return
	}
	if err := c.srv.pl.Mod(c.fd, c.reading, c.wantOut); err != nil {
		c.fail(err)
	}
}

// ============================================================================
//                              写
// ============================================================================

// send 加入本 tick 的出站聚合，满一批即编码入队
func (c *connection) send(api uint16, payload []byte) {
	if c.closed() || c.err != nil {
		return
	}
	if ready := c.tx.add(api, payload); ready != nil {
		c.enqueueBatch(ready)
	}
}

// flush 编码本 tick 剩余的出站消息
func (c *connection) flush() {
	if c.tx.len() == 0 || c.closed() || c.err != nil {
		return
	}
	c.enqueueBatch(c.tx.drain())
}

func (c *connection) enqueueBatch(msgs []protocol.Message) {
	frame, err := encodeBatch(c.enc, msgs)
	if err != nil {
		c.fail(err)
		return
	}
	c.enqueueWrite(frame)
}

// sendNow 立即编码并写出单帧，用于握手应答
func (c *connection) sendNow(api uint16, payload []byte) {
	frame, err := c.enc.EncodeSingle(api, payload)
	if err != nil {
		c.fail(err)
		return
	}
	c.enqueueWrite(frame)
}

func (c *connection) enqueueWrite(frame []byte) {
	if c.closed() || c.err != nil {
		return
	}
	c.wq = append(c.wq, frame)
	c.wbytes += len(frame)
	if c.wbytes > c.srv.cfg.MaxWriteQueue {
		c.fail(errSlowConsumer)
		return
	}
	if len(c.wq)-c.wpos == 1 {
		// 尝试立即写
		c.onWritable()
	}
}

func (c *connection) onWritable() {
	if c.closed() || c.err != nil {
		return
	}
	for c.wpos < len(c.wq) {
		b := c.wq[c.wpos]
		n, err := writeFD(c.fd, b)
		if n > 0 {
			c.bytesOut += uint64(n)
			c.wbytes -= n
			c.srv.stats.bytesWritten += uint64(n)
			c.srv.metrics.BytesWritten(n)
			if n == len(b) {
				c.wq[c.wpos] = nil
				c.wpos++
				continue
			}
			c.wq[c.wpos] = b[n:]
		}
		if err != nil && !isAgain(err) {
			if isIntr(err) {
				continue
			}
			c.fail(err)
			return
		}
		// 未写完，打开 EPOLLOUT
		if !c.wantOut {
			c.wantOut = true
			c.updateInterest()
		}
		return
	}
	// 全部写完，关闭 EPOLLOUT 并压缩队列
	c.wq = c.wq[:0]
	c.wpos = 0
	if c.wantOut {
		c.wantOut = false
		c.updateInterest()
	}
}

// pendingWrites 待写字节数
func (c *connection) pendingWrites() int { return c.wbytes }

// close 从 poller 注销并关闭 socket
func (c *connection) close() {
	if c.closed() {
		return
	}
	c.state = connClosed
	delete(c.srv.conns, c.fd)
	if c.srv.pl != nil {
		_ = c.srv.pl.Unregister(c.fd)
	}
	_ = closeFD(c.fd)
	c.wq = nil
	c.inbox = nil
	c.ihead = 0
}

// reject 尽力发送 Reject 后关闭
func (c *connection) reject(reason string) {
	if !c.closed() && c.err == nil {
		m := protocol.Reject{Reason: reason}
		if frame, err := c.enc.EncodeSingle(protocol.APIReject, m.Marshal()); err == nil {
			_, _ = writeFD(c.fd, frame)
		}
	}
	c.close()
}
