package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// 协议 api 编号
const (
	APIHello        uint16 = 1 // C->S，RPC 端口握手
	APIStreamHello  uint16 = 2 // C->S，Stream 端口握手
	APIWelcome      uint16 = 3 // S->C，握手通过
	APIReject       uint16 = 4 // S->C，握手被拒，随后关闭
	APIRequest      uint16 = 5 // C->S，过程调用
	APIResponse     uint16 = 6 // S->C，调用结果
	APIStreamUpdate uint16 = 7 // S->C，订阅推送
)

// ErrMalformed 消息体无法解码
var ErrMalformed = errors.New("protocol: malformed message")

// 消息体均为 protobuf wire 格式，字段号见各类型注释。

// Hello {1: name}
type Hello struct {
	Name string
}

// StreamHello {1: client_id(16B)}
type StreamHello struct {
	ClientID uuid.UUID
}

// Welcome {1: client_id(16B)}
type Welcome struct {
	ClientID uuid.UUID
}

// Reject {1: reason}
type Reject struct {
	Reason string
}

// Request {1: id, 2: procedure, 3: args(repeated Value)}
type Request struct {
	ID        uint64
	Procedure string
	Args      []*structpb.Value
}

// Error {1: kind, 2: message}
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// Response {1: id, 2: result(Value), 3: error(Error), 4: time(double)}
type Response struct {
	ID     uint64
	Result *structpb.Value
	Error  *Error
	Time   float64
}

// StreamResult {1: stream_id, 2: result(Value), 3: error(Error)}
type StreamResult struct {
	StreamID uint64
	Result   *structpb.Value
	Error    *Error
}

// StreamUpdate {1: time(double), 2: results(repeated StreamResult)}
type StreamUpdate struct {
	Time    float64
	Results []*StreamResult
}

func (m *Hello) Marshal() []byte {
	return appendString(nil, 1, m.Name)
}

func (m *Hello) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Name)
		}
		return skip(num, typ, b)
	})
}

func (m *StreamHello) Marshal() []byte {
	return protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), m.ClientID[:])
}

func (m *StreamHello) Unmarshal(b []byte) error {
	return unmarshalID(b, &m.ClientID)
}

func (m *Welcome) Marshal() []byte {
	return protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), m.ClientID[:])
}

func (m *Welcome) Unmarshal(b []byte) error {
	return unmarshalID(b, &m.ClientID)
}

func (m *Reject) Marshal() []byte {
	return appendString(nil, 1, m.Reason)
}

func (m *Reject) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Reason)
		}
		return skip(num, typ, b)
	})
}

func (m *Request) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ID)
	b = appendString(b, 2, m.Procedure)
	for _, arg := range m.Args {
		var err error
		if b, err = appendValue(b, 3, arg, true); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (m *Request) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.ID)
		case 2:
			return consumeString(typ, b, &m.Procedure)
		case 3:
			var v *structpb.Value
			n, err := consumeValue(typ, b, &v)
			if err == nil {
				m.Args = append(m.Args, v)
			}
			return n, err
		}
		return skip(num, typ, b)
	})
}

func (m *Error) marshal() []byte {
	b := appendString(nil, 1, m.Kind)
	return appendString(b, 2, m.Message)
}

func (m *Error) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Kind)
		case 2:
			return consumeString(typ, b, &m.Message)
		}
		return skip(num, typ, b)
	})
}

func (m *Response) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ID)
	b, err := appendResult(b, 2, 3, m.Result, m.Error)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(m.Time)), nil
}

func (m *Response) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.ID)
		case 2:
			return consumeValue(typ, b, &m.Result)
		case 3:
			return consumeError(typ, b, &m.Error)
		case 4:
			return consumeDouble(typ, b, &m.Time)
		}
		return skip(num, typ, b)
	})
}

func (m *StreamResult) marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.StreamID)
	return appendResult(b, 2, 3, m.Result, m.Error)
}

func (m *StreamResult) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.StreamID)
		case 2:
			return consumeValue(typ, b, &m.Result)
		case 3:
			return consumeError(typ, b, &m.Error)
		}
		return skip(num, typ, b)
	})
}

func (m *StreamUpdate) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Time))
	for _, r := range m.Results {
		rb, err := r.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b, nil
}

func (m *StreamUpdate) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &m.Time)
		case 2:
			if typ != protowire.BytesType {
				return 0, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r := &StreamResult{}
			if err := r.unmarshal(v); err != nil {
				return 0, err
			}
			m.Results = append(m.Results, r)
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// walk 逐字段遍历 b，fn 返回字段值消费的字节数。
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendValue(b []byte, num protowire.Number, v *structpb.Value, force bool) ([]byte, error) {
	if v == nil {
		if !force {
			return b, nil
		}
		v = structpb.NewNullValue()
	}
	vb, err := proto.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal value: %w", err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, vb), nil
}

// appendResult 写入结果或错误（二者互斥，错误优先）。
func appendResult(b []byte, valueNum, errNum protowire.Number, v *structpb.Value, e *Error) ([]byte, error) {
	if e != nil {
		b = protowire.AppendTag(b, errNum, protowire.BytesType)
		return protowire.AppendBytes(b, e.marshal()), nil
	}
	return appendValue(b, valueNum, v, false)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, ErrMalformed
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeValue(typ protowire.Type, b []byte, dst **structpb.Value) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	v := &structpb.Value{}
	if err := proto.Unmarshal(raw, v); err != nil {
		return 0, err
	}
	*dst = v
	return n, nil
}

func consumeError(typ protowire.Type, b []byte, dst **Error) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrMalformed
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	e := &Error{}
	if err := e.unmarshal(raw); err != nil {
		return 0, err
	}
	*dst = e
	return n, nil
}

func unmarshalID(b []byte, dst *uuid.UUID) error {
	seen := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(num, typ, b)
		}
		if typ != protowire.BytesType {
			return 0, ErrMalformed
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return 0, err
		}
		*dst = id
		seen = true
		return n, nil
	})
	if err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("%w: missing client id", ErrMalformed)
	}
	return nil
}
