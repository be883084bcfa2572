package protocol

import (
	"encoding/binary"
	"errors"
)

// LenFlags 头部编码：
// 短头（2B，BE）：
//   bit15: Compressed
//   bit14: Batched (隐含 Compressed=1)
//   bit13: Ext=0 (短头)
//   bit12..0: Len13 (0..8191)
// 长头（4B，BE）：
//   bit31: Compressed
//   bit30: Batched (隐含 Compressed=1)
//   bit29: Ext=1 (长头)
//   bit28..0: Len29 (0..(1<<29)-1)
//
// 非批量帧在头部之后紧跟 Api(uint16, BE)，长度字段不含 Api。

const (
	shortHeadMaxLen = (1 << 13) - 1 // 8191
	longHeadMaxLen  = (1 << 29) - 1

	// MaxHeaderLen 为头部 + Api 的最大字节数
	MaxHeaderLen = 4 + 2
)

var (
	errHeaderTooShort   = errors.New("protocol: header too short")
	errLengthOutOfRange = errors.New("protocol: length out of range")
)

// AppendLenFlags 将头部追加到 dst，返回新切片与是否为长头。
func AppendLenFlags(dst []byte, length int, compressed, batched bool) ([]byte, bool, error) {
	if length < 0 || length > longHeadMaxLen {
		return dst, false, errLengthOutOfRange
	}
	if batched {
		compressed = true // 规则：Batched 隐含 Compressed
	}
	if length <= shortHeadMaxLen {
		var v uint16
		if compressed {
			v |= 1 << 15
		}
		if batched {
			v |= 1 << 14
		}
		v |= uint16(length) & 0x1FFF
		return binary.BigEndian.AppendUint16(dst, v), false, nil
	}
	var v uint32 = 1 << 29 // Ext=1
	if compressed {
		v |= 1 << 31
	}
	if batched {
		v |= 1 << 30
	}
	v |= uint32(length) & 0x1FFFFFFF
	return binary.BigEndian.AppendUint32(dst, v), true, nil
}

// EncodeLenFlags 返回写入的头部字节（2 或 4 字节）和是否为长头。
func EncodeLenFlags(length int, compressed, batched bool) (hdr []byte, isLong bool, _ error) {
	return AppendLenFlags(make([]byte, 0, 4), length, compressed, batched)
}

// DecodeLenFlags 解码头部，返回：已消费字节数、长度、compressed、batched。
func DecodeLenFlags(b []byte) (consumed int, length int, compressed, batched bool, _ error) {
	if len(b) < 2 {
		return 0, 0, false, false, errHeaderTooShort
	}
	v16 := binary.BigEndian.Uint16(b[:2])
	ext := (v16>>13)&0x1 == 1
	if !ext {
		compressed = (v16>>15)&0x1 == 1
		batched = (v16>>14)&0x1 == 1
		length = int(v16 & 0x1FFF)
		return 2, length, compressed, batched, nil
	}
	if len(b) < 4 {
		return 0, 0, false, false, errHeaderTooShort
	}
	v32 := binary.BigEndian.Uint32(b[:4])
	compressed = (v32>>31)&0x1 == 1
	batched = (v32>>30)&0x1 == 1
	length = int(v32 & 0x1FFFFFFF)
	return 4, length, compressed, batched, nil
}

// FrameLen 根据已到达的字节计算完整帧长度（头 + 可选 Api + 负载）。
// 头部尚不完整时返回 ok=false。
func FrameLen(b []byte) (total int, ok bool, err error) {
	c, length, _, batched, err := DecodeLenFlags(b)
	if err != nil {
		if errors.Is(err, errHeaderTooShort) {
			return 0, false, nil
		}
		return 0, false, err
	}
	total = c + length
	if !batched {
		total += 2
	}
	return total, true, nil
}

// AppendApi 将 api(uint16, BE) 追加到切片末尾。
func AppendApi(dst []byte, api uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, api)
}

// ReadApi 从 b 前两个字节解析 api。
func ReadApi(b []byte) (api uint16, consumed int, _ error) {
	if len(b) < 2 {
		return 0, 0, errHeaderTooShort
	}
	return binary.BigEndian.Uint16(b[:2]), 2, nil
}
