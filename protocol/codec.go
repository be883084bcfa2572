package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message 为一条 (api, payload) 消息，亦用作批前镜像的条目。
type Message struct {
	Api     uint16
	Payload []byte
}

// Encoder 提供单帧/批量帧编码。
// 注：批量帧总是压缩（Batched => Compressed）。
// 单帧负载达到 CompressThreshold 时压缩；0 表示单帧从不压缩。
type Encoder struct {
	CompressThreshold int
}

func NewEncoder(compressThreshold int) *Encoder {
	return &Encoder{CompressThreshold: compressThreshold}
}

// EncodeSingle 返回：头部 + api + payload（按阈值压缩）。
func (e *Encoder) EncodeSingle(api uint16, payload []byte) ([]byte, error) {
	body := payload
	compressed := e.CompressThreshold > 0 && len(payload) >= e.CompressThreshold
	if compressed {
		zw := getEncoder()
		body = zw.EncodeAll(payload, nil)
		putEncoder(zw)
	}
	out := make([]byte, 0, MaxHeaderLen+len(body))
	out, _, err := AppendLenFlags(out, len(body), compressed, false)
	if err != nil {
		return nil, err
	}
	out = AppendApi(out, api)
	return append(out, body...), nil
}

// EncodeBatch 将一批消息编码为批前镜像并压缩，返回单帧（Batched=1，隐含 Compressed=1，无 Api 字段）。
func (e *Encoder) EncodeBatch(items []Message) ([]byte, error) {
	var pre bytes.Buffer
	pre.Write(binary.AppendUvarint(nil, uint64(len(items))))
	for _, it := range items {
		var a [2]byte
		binary.BigEndian.PutUint16(a[:], it.Api)
		pre.Write(a[:])
		pre.Write(binary.AppendUvarint(nil, uint64(len(it.Payload))))
		pre.Write(it.Payload)
	}
	zw := getEncoder()
	body := zw.EncodeAll(pre.Bytes(), nil)
	putEncoder(zw)
	out := make([]byte, 0, 4+len(body))
	out, _, err := AppendLenFlags(out, len(body), true, true)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

var (
	// ErrPayloadTooLarge 帧长度超过 Parser.MaxPayload
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	// ErrBadBatch 批前镜像损坏
	ErrBadBatch = errors.New("protocol: malformed batch")
)

// Parser 按帧解析；对压缩帧解压，对批量帧逐条回调。
// MaxPayload 限制单帧（压缩后）长度以及批内单条长度，0 表示不限。
type Parser struct {
	MaxPayload int
}

func NewParser(maxPayload int) *Parser { return &Parser{MaxPayload: maxPayload} }

// Parse 尝试从 buf 解析尽可能多的完整帧；返回已消费字节数。
// 回调返回错误时终止解析，已消费字节数不含出错的帧。
func (p *Parser) Parse(buf []byte, onMessage func(api uint16, payload []byte) error) (consumed int, _ error) {
	i := 0
	for {
		if len(buf[i:]) < 2 {
			return i, nil
		}
		c, length, compressed, batched, err := DecodeLenFlags(buf[i:])
		if err != nil {
			if errors.Is(err, errHeaderTooShort) {
				return i, nil // 长头尚不完整
			}
			return i, err
		}
		if p.MaxPayload > 0 && length > p.MaxPayload {
			return i, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, p.MaxPayload)
		}
		if !batched {
			if len(buf[i+c:]) < 2+length {
				return i, nil // 不完整帧
			}
			api := binary.BigEndian.Uint16(buf[i+c : i+c+2])
			msg := buf[i+c+2 : i+c+2+length]
			if compressed {
				out, derr := decompress(msg)
				if derr != nil {
					return i, derr
				}
				msg = out
			}
			if err := onMessage(api, msg); err != nil {
				return i, err
			}
			i += c + 2 + length
			continue
		}
		if len(buf[i+c:]) < length {
			return i, nil
		}
		items, err := p.decodeBatch(buf[i+c : i+c+length])
		if err != nil {
			return i, err
		}
		for _, it := range items {
			if err := onMessage(it.Api, it.Payload); err != nil {
				return i, err
			}
		}
		i += c + length
	}
}

func (p *Parser) decodeBatch(payload []byte) ([]Message, error) {
	out, err := decompress(payload)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(out)
	num, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrBadBatch
	}
	if num > uint64(len(out)) {
		return nil, ErrBadBatch
	}
	items := make([]Message, 0, num)
	for j := uint64(0); j < num; j++ {
		var ab [2]byte
		if _, err := io.ReadFull(r, ab[:]); err != nil {
			return nil, ErrBadBatch
		}
		ln, err := binary.ReadUvarint(r)
		if err != nil || ln > uint64(r.Len()) {
			return nil, ErrBadBatch
		}
		if p.MaxPayload > 0 && ln > uint64(p.MaxPayload) {
			return nil, ErrPayloadTooLarge
		}
		var msg []byte
		if ln > 0 {
			msg = make([]byte, ln)
			if _, err := io.ReadFull(r, msg); err != nil {
				return nil, ErrBadBatch
			}
		}
		items = append(items, Message{Api: binary.BigEndian.Uint16(ab[:]), Payload: msg})
	}
	return items, nil
}

func decompress(b []byte) ([]byte, error) {
	dz := getDecoder()
	out, err := dz.DecodeAll(b, nil)
	putDecoder(dz)
	if err != nil {
		return nil, fmt.Errorf("protocol: decompress: %w", err)
	}
	return out, nil
}
