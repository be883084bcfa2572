package ring

import (
	"errors"
)

var ErrTooLarge = errors.New("ring: write too large")

// Buffer 是单生产者单消费者环形字节缓冲，用作连接的接收缓冲。
// 调用方负责并发控制；服务端只在 Update 所在线程中使用。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
	scratch  []byte // Peek 跨越尾部时的拼接缓冲
}

// New 返回容量为 2 的幂次的环形缓冲。若 cap 非 2 的幂则向上取整。
func New(capacity int) *Buffer {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Buffer{buf: make([]byte, capPow2), mask: capPow2 - 1}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Write 将数据写入环形缓冲；当数据长度超过剩余空间时返回错误。
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrTooLarge
	}
	n := len(p)
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p)
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:end-l], p[l:])
	}
	b.writePos += n
	return n, nil
}

// Reserve 返回写指针处连续可写的区域（可能小于 Free），供 read(2) 直接写入。
// 写入后须调用 Commit 提交实际字节数。缓冲已满时返回空切片。
func (b *Buffer) Reserve() []byte {
	free := b.Free()
	if free == 0 {
		return nil
	}
	start := b.writePos & b.mask
	end := start + free
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[start:end]
}

// Commit 前进写指针 n 字节，n 不得超过最近一次 Reserve 的长度。
func (b *Buffer) Commit(n int) {
	if n <= 0 {
		return
	}
	if n > b.Free() {
		n = b.Free()
	}
	b.writePos += n
}

// Peek 读取最多 n 字节但不前进读指针。
// 跨越尾部时返回内部拼接缓冲，内容在下一次 Peek 前有效。
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	ln := b.Len()
	if n > ln {
		n = ln
	}
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		return b.buf[start:end]
	}
	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	buf := b.scratch[:n]
	l := len(b.buf) - start
	copy(buf[:l], b.buf[start:])
	copy(buf[l:], b.buf[:end-l])
	return buf
}

// Discard 前进读指针。
func (b *Buffer) Discard(n int) int {
	ln := b.Len()
	if n > ln {
		n = ln
	}
	b.readPos += n
	if b.readPos == b.writePos {
		// 读空后归零，使下一次 Reserve 得到最大的连续区域
		b.readPos, b.writePos = 0, 0
	}
	return n
}

// Reset 清空缓冲。
func (b *Buffer) Reset() {
	b.readPos, b.writePos = 0, 0
}
