package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStepRunsInOrder(t *testing.T) {
	l := NewLoop(20*time.Millisecond, WithLoopClock(clock.NewMock()), WithLoopLogger(zaptest.NewLogger(t)))
	var order []string
	var ticks []uint64
	l.Add("sim", func(tick uint64) { order = append(order, "sim"); ticks = append(ticks, tick) })
	l.Add("server", func(uint64) { order = append(order, "server") })

	l.Step()
	l.Step()
	assert.Equal(t, []string{"sim", "server", "sim", "server"}, order)
	assert.Equal(t, []uint64{1, 2}, ticks)
	assert.Equal(t, uint64(2), l.Ticks())
}

func TestStepCountsOverruns(t *testing.T) {
	mock := clock.NewMock()
	l := NewLoop(20*time.Millisecond, WithLoopClock(mock), WithLoopLogger(zaptest.NewLogger(t)))
	slow := false
	l.Add("work", func(uint64) {
		if slow {
			mock.Add(25 * time.Millisecond)
		}
	})

	l.Step()
	assert.Zero(t, l.Overruns())
	slow = true
	l.Step()
	assert.Equal(t, uint64(1), l.Overruns())
}

func TestStepContainsPanics(t *testing.T) {
	l := NewLoop(time.Millisecond, WithLoopClock(clock.NewMock()), WithLoopLogger(zaptest.NewLogger(t)))
	ran := false
	l.Add("broken", func(uint64) { panic("boom") })
	l.Add("after", func(uint64) { ran = true })
	l.Step()
	assert.True(t, ran)
}

func TestDoRunsOnNextTick(t *testing.T) {
	l := NewLoop(time.Millisecond, WithLoopClock(clock.NewMock()), WithLoopLogger(zaptest.NewLogger(t)))
	var order []string
	l.Add("step", func(uint64) { order = append(order, "step") })

	require.NoError(t, l.Do(context.Background(), func() { order = append(order, "task") }))
	assert.Empty(t, order)
	l.Step()
	assert.Equal(t, []string{"task", "step"}, order)
}

func TestRun(t *testing.T) {
	l := NewLoop(time.Millisecond, WithLoopLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	// Call 在 tick 线程上执行并等待
	var tick uint64
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	require.NoError(t, l.Call(callCtx, func() { tick = l.Ticks() }))
	assert.NotZero(t, tick)

	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}
