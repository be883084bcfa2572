package client

import (
	"errors"
	"net"
	"sync"

	"github.com/legamerdc/tickrpc/protocol"
)

// channel 一条 TCP 连接上的帧读写
type channel struct {
	conn net.Conn
	enc  *protocol.Encoder
	prs  *protocol.Parser
	wmu  sync.Mutex
	// 接收缓冲，跨多次 Read 累积，避免半包丢失
	rb  []byte
	buf []byte
}

func newChannel(nc net.Conn, maxPayload, compress int) *channel {
	return &channel{
		conn: nc,
		enc:  protocol.NewEncoder(compress),
		prs:  protocol.NewParser(maxPayload),
		buf:  make([]byte, 64<<10),
	}
}

func (ch *channel) write(api uint16, payload []byte) error {
	frame, err := ch.enc.EncodeSingle(api, payload)
	if err != nil {
		return err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	_, err = ch.conn.Write(frame)
	return err
}

var errStop = errors.New("stop")

// readOne 读取并返回一条消息，剩余字节留在接收缓冲
func (ch *channel) readOne() (protocol.Message, error) {
	var msg protocol.Message
	got := false
	for {
		consumed, err := ch.prs.Parse(ch.rb, func(api uint16, payload []byte) error {
			msg = protocol.Message{Api: api, Payload: append([]byte(nil), payload...)}
			got = true
			return errStop
		})
		if got {
			// 出错的帧不计入 consumed，这里手工跳过该帧
			total, _, _ := protocol.FrameLen(ch.rb[consumed:])
			ch.rb = ch.rb[consumed+total:]
			return msg, nil
		}
		if err != nil {
			return msg, err
		}
		n, err := ch.conn.Read(ch.buf)
		if n > 0 {
			ch.rb = append(ch.rb, ch.buf[:n]...)
		}
		if err != nil {
			return msg, err
		}
	}
}

// readLoop 持续读取并回调，直到连接出错
func (ch *channel) readLoop(onMessage func(api uint16, payload []byte) error) error {
	for {
		if len(ch.rb) > 0 {
			consumed, err := ch.prs.Parse(ch.rb, onMessage)
			if err != nil {
				return err
			}
			// 滑动缓冲：保留未消费部分
			ch.rb = append(ch.rb[:0], ch.rb[consumed:]...)
		}
		n, err := ch.conn.Read(ch.buf)
		if n > 0 {
			ch.rb = append(ch.rb, ch.buf[:n]...)
			continue
		}
		if err != nil {
			return err
		}
	}
}
