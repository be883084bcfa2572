package server

import (
	"github.com/legamerdc/tickrpc/protocol"
)

// txAggregator 聚合一个连接在本 tick 内的出站消息，
// 达到消息数或字节阈值时交出一批，其余在 tick 末尾 drain。
type txAggregator struct {
	queue []protocol.Message
	bytes int
	maxN  int
	maxB  int
}

func newTxAggregator(maxMsgs, maxBytes int) txAggregator {
	return txAggregator{maxN: maxMsgs, maxB: maxBytes}
}

func (t *txAggregator) add(api uint16, data []byte) (ready []protocol.Message) {
	t.queue = append(t.queue, protocol.Message{Api: api, Payload: data})
	t.bytes += len(data)
	if t.bytes >= t.maxB || len(t.queue) >= t.maxN {
		return t.drain()
	}
	return nil
}

func (t *txAggregator) drain() []protocol.Message {
	q := t.queue
	t.queue = nil
	t.bytes = 0
	return q
}

func (t *txAggregator) len() int { return len(t.queue) }

// encodeBatch 单条消息按单帧编码，多条按批量帧编码
func encodeBatch(enc *protocol.Encoder, msgs []protocol.Message) ([]byte, error) {
	if len(msgs) == 1 {
		return enc.EncodeSingle(msgs[0].Api, msgs[0].Payload)
	}
	return enc.EncodeBatch(msgs)
}
