// Package host 提供宿主侧的 tick 驱动：固定间隔调用各步骤，
// 服务端的 Update 作为其中一步运行在同一线程上。
package host

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/legamerdc/tickrpc/internal/logger"
	"go.uber.org/zap"
)

type step struct {
	name string
	fn   func(tick uint64)
}

// Loop 固定间隔的 tick 循环。除 Do/Call 与计数读取外只在 Run 所在 goroutine 使用。
type Loop struct {
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger

	steps []step
	tasks chan func()

	tick     atomic.Uint64
	overruns atomic.Uint64
}

type LoopOption func(*Loop)

func WithLoopClock(c clock.Clock) LoopOption {
	return func(l *Loop) { l.clock = c }
}

func WithLoopLogger(log *zap.Logger) LoopOption {
	return func(l *Loop) { l.log = log }
}

// NewLoop 创建 tick 循环，interval 为名义 tick 间隔
func NewLoop(interval time.Duration, opts ...LoopOption) *Loop {
	l := &Loop{
		interval: interval,
		clock:    clock.New(),
		tasks:    make(chan func(), 64),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Logger("host")
	}
	return l
}

// Add 追加一个步骤，按添加顺序每 tick 执行一次
func (l *Loop) Add(name string, fn func(tick uint64)) {
	l.steps = append(l.steps, step{name: name, fn: fn})
}

// Do 将 fn 投递到下一个 tick 开始时执行，可在任意 goroutine 调用。
// 队列已满时阻塞，直到 ctx 结束。
func (l *Loop) Do(ctx context.Context, fn func()) error {
	select {
	case l.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call 在 tick 线程上执行 fn 并等待其完成
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Do(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Interval() time.Duration { return l.interval }

// Ticks 已执行的 tick 数
func (l *Loop) Ticks() uint64 { return l.tick.Load() }

// Overruns 耗时超过间隔的 tick 数
func (l *Loop) Overruns() uint64 { return l.overruns.Load() }

// Run 按间隔执行 Step，直到 ctx 结束
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	l.log.Info("tick loop started", zap.Duration("interval", l.interval), zap.Int("steps", len(l.steps)))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("tick loop stopped", zap.Uint64("ticks", l.Ticks()), zap.Uint64("overruns", l.Overruns()))
			return ctx.Err()
		case <-ticker.C:
			l.Step()
		}
	}
}

// Step 执行一个 tick：先执行投递的任务，再依次执行步骤
func (l *Loop) Step() {
	start := l.clock.Now()
	tick := l.tick.Add(1)
	l.drain()
	for _, s := range l.steps {
		l.guard(s.name, func() { s.fn(tick) })
	}
	if elapsed := l.clock.Since(start); elapsed > l.interval {
		l.overruns.Add(1)
		l.log.Warn("tick overran interval",
			zap.Uint64("tick", tick),
			zap.Duration("elapsed", elapsed),
			zap.Duration("interval", l.interval))
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.guard("task", fn)
		default:
			return
		}
	}
}

// guard 步骤 panic 只记录，不中断循环
func (l *Loop) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("tick step panic",
				zap.String("step", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
