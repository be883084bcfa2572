package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenFlags(t *testing.T) {
	cases := []struct {
		length     int
		compressed bool
		batched    bool
		long       bool
	}{
		{0, false, false, false},
		{shortHeadMaxLen, true, false, false},
		{shortHeadMaxLen + 1, false, false, true},
		{longHeadMaxLen, true, true, true},
		{100, false, true, false},
	}
	for _, tc := range cases {
		hdr, isLong, err := EncodeLenFlags(tc.length, tc.compressed, tc.batched)
		require.NoError(t, err)
		assert.Equal(t, tc.long, isLong)
		if tc.long {
			assert.Len(t, hdr, 4)
		} else {
			assert.Len(t, hdr, 2)
		}

		n, length, compressed, batched, err := DecodeLenFlags(hdr)
		require.NoError(t, err)
		assert.Equal(t, len(hdr), n)
		assert.Equal(t, tc.length, length)
		assert.Equal(t, tc.batched, batched)
		// 批量帧总是压缩
		assert.Equal(t, tc.compressed || tc.batched, compressed)
	}
}

func TestLenFlagsOutOfRange(t *testing.T) {
	_, _, err := EncodeLenFlags(longHeadMaxLen+1, false, false)
	assert.ErrorIs(t, err, errLengthOutOfRange)
	_, _, err = EncodeLenFlags(-1, false, false)
	assert.ErrorIs(t, err, errLengthOutOfRange)
}

func TestFrameLen(t *testing.T) {
	hdr, _, err := EncodeLenFlags(10, false, false)
	require.NoError(t, err)
	total, ok, err := FrameLen(hdr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2+2+10, total)

	// 批量帧没有 api 字段
	hdr, _, err = EncodeLenFlags(10, true, true)
	require.NoError(t, err)
	total, ok, err = FrameLen(hdr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2+10, total)

	// 长头只到达一部分
	hdr, _, err = EncodeLenFlags(shortHeadMaxLen+1, false, false)
	require.NoError(t, err)
	_, ok, err = FrameLen(hdr[:2])
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = FrameLen(hdr[:1])
	require.NoError(t, err)
	assert.False(t, ok)
}
