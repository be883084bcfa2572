package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *Parser, buf []byte) ([]Message, int) {
	t.Helper()
	var out []Message
	n, err := p.Parse(buf, func(api uint16, payload []byte) error {
		out = append(out, Message{Api: api, Payload: append([]byte(nil), payload...)})
		return nil
	})
	require.NoError(t, err)
	return out, n
}

func TestEncodeSingle(t *testing.T) {
	enc := NewEncoder(0)
	frame, err := enc.EncodeSingle(APIRequest, []byte("hello"))
	require.NoError(t, err)

	msgs, n := collect(t, NewParser(1024), frame)
	assert.Equal(t, len(frame), n)
	require.Len(t, msgs, 1)
	assert.Equal(t, APIRequest, msgs[0].Api)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
}

func TestEncodeSingleCompressed(t *testing.T) {
	enc := NewEncoder(64)
	payload := bytes.Repeat([]byte("altitude "), 200)
	frame, err := enc.EncodeSingle(APIResponse, payload)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(payload))
	_, _, compressed, _, err := DecodeLenFlags(frame)
	require.NoError(t, err)
	assert.True(t, compressed)

	msgs, _ := collect(t, NewParser(1<<20), frame)
	require.Len(t, msgs, 1)
	assert.Equal(t, payload, msgs[0].Payload)
}

func TestEncodeBatch(t *testing.T) {
	enc := NewEncoder(0)
	items := []Message{
		{Api: APIResponse, Payload: []byte("a")},
		{Api: APIResponse, Payload: nil},
		{Api: APIStreamUpdate, Payload: bytes.Repeat([]byte{7}, 300)},
	}
	frame, err := enc.EncodeBatch(items)
	require.NoError(t, err)

	msgs, n := collect(t, NewParser(1024), frame)
	assert.Equal(t, len(frame), n)
	require.Len(t, msgs, 3)
	for i := range items {
		assert.Equal(t, items[i].Api, msgs[i].Api)
		assert.Equal(t, len(items[i].Payload), len(msgs[i].Payload))
	}
}

func TestParsePartialFrames(t *testing.T) {
	enc := NewEncoder(0)
	a, err := enc.EncodeSingle(APIRequest, []byte("first"))
	require.NoError(t, err)
	b, err := enc.EncodeSingle(APIRequest, []byte("second"))
	require.NoError(t, err)
	stream := append(append([]byte(nil), a...), b...)

	p := NewParser(1024)
	// 逐字节到达：每次只消费完整帧
	var got []Message
	consumed := 0
	for end := 1; end <= len(stream); end++ {
		msgs, n := collect(t, p, stream[consumed:end])
		consumed += n
		got = append(got, msgs...)
	}
	assert.Equal(t, len(stream), consumed)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("first"), got[0].Payload)
	assert.Equal(t, []byte("second"), got[1].Payload)
}

func TestParseLimits(t *testing.T) {
	enc := NewEncoder(0)
	frame, err := enc.EncodeSingle(APIRequest, make([]byte, 100))
	require.NoError(t, err)
	_, err = NewParser(10).Parse(frame, func(uint16, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// 损坏的压缩数据
	hdr, _, err := EncodeLenFlags(4, true, false)
	require.NoError(t, err)
	bad := append(AppendApi(hdr, APIRequest), 1, 2, 3, 4)
	_, err = NewParser(1024).Parse(bad, func(uint16, []byte) error { return nil })
	assert.Error(t, err)
}

func TestParseStopsOnCallbackError(t *testing.T) {
	enc := NewEncoder(0)
	a, _ := enc.EncodeSingle(APIRequest, []byte("a"))
	b, _ := enc.EncodeSingle(APIRequest, []byte("b"))
	buf := append(append([]byte(nil), a...), b...)

	stop := assert.AnError
	calls := 0
	n, err := NewParser(1024).Parse(buf, func(uint16, []byte) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, len(a), n)
}
