package ratecontrol

import (
	"fmt"
	"time"
)

// ============================================================================
//                              配置
// ============================================================================

// Config 预算控制器配置
type Config struct {
	// Adaptive 是否启用自适应控制；关闭时 Budget 恒为 MaxTimePerUpdate
	Adaptive bool

	// MaxTimePerUpdate 静态预算，同时作为自适应模式的初始预算
	MaxTimePerUpdate time.Duration

	// TickInterval 宿主的名义 tick 间隔
	TickInterval time.Duration

	// TargetLoad Update 占用 tick 间隔的目标比例，默认 0.5
	TargetLoad float64

	// MinBudget 预算下限
	MinBudget time.Duration

	// MaxBudget 预算上限；0 表示 TickInterval × TargetLoad
	MaxBudget time.Duration

	// HistorySize 样本窗口大小
	HistorySize int

	// GrowStep 每次增长的步长
	GrowStep time.Duration

	// ShrinkFactor 收缩系数，取值 (0,1)
	ShrinkFactor float64

	// MeasurementImpact 单次调用耗时 EWMA 的新样本权重，默认 0.1
	MeasurementImpact float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Adaptive:          true,
		MaxTimePerUpdate:  5 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
		TargetLoad:        0.5,
		MinBudget:         500 * time.Microsecond,
		HistorySize:       8,
		GrowStep:          500 * time.Microsecond,
		ShrinkFactor:      0.5,
		MeasurementImpact: 0.1,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.MaxTimePerUpdate <= 0 {
		return fmt.Errorf("%w: MaxTimePerUpdate must be positive", ErrInvalidConfig)
	}
	if !c.Adaptive {
		return nil
	}
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: TickInterval must be positive", ErrInvalidConfig)
	case c.TargetLoad <= 0 || c.TargetLoad > 1:
		return fmt.Errorf("%w: TargetLoad must be in (0,1]", ErrInvalidConfig)
	case c.HistorySize <= 0:
		return fmt.Errorf("%w: HistorySize must be positive", ErrInvalidConfig)
	case c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1:
		return fmt.Errorf("%w: ShrinkFactor must be in (0,1)", ErrInvalidConfig)
	case c.MeasurementImpact <= 0 || c.MeasurementImpact > 1:
		return fmt.Errorf("%w: MeasurementImpact must be in (0,1]", ErrInvalidConfig)
	case c.GrowStep < 0 || c.MinBudget < 0 || c.MaxBudget < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              Controller
// ============================================================================

// Controller 每 tick 预算控制器。
// 只在驱动 Update 的线程上使用，不做并发保护。
type Controller struct {
	config Config

	budget   time.Duration
	history  []time.Duration
	callCost time.Duration // 单次调用耗时 EWMA

	adjustments int
}

// New 创建控制器
func New(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{config: config}
	c.Reset()
	return c, nil
}

// Config 返回当前配置
func (c *Controller) Config() Config { return c.config }

// Reset 清空历史并回到初始预算
func (c *Controller) Reset() {
	c.history = c.history[:0]
	c.callCost = 0
	c.adjustments = 0
	c.budget = c.clamp(c.config.MaxTimePerUpdate)
}

// Budget 返回下一 tick 的 RPC 执行预算
func (c *Controller) Budget() time.Duration {
	if !c.config.Adaptive {
		return c.config.MaxTimePerUpdate
	}
	return c.clamp(c.budget)
}

// Target 返回自适应模式下单次 Update 的目标耗时
func (c *Controller) Target() time.Duration {
	return time.Duration(float64(c.config.TickInterval) * c.config.TargetLoad)
}

// CallCost 返回单次调用耗时的估计值
func (c *Controller) CallCost() time.Duration { return c.callCost }

// Adjustments 返回自适应调整的累计次数
func (c *Controller) Adjustments() int { return c.adjustments }

// Samples 返回当前窗口内的样本副本
func (c *Controller) Samples() []time.Duration {
	out := make([]time.Duration, len(c.history))
	copy(out, c.history)
	return out
}

// ObserveCall 记录一次调用的执行耗时
func (c *Controller) ObserveCall(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	if c.callCost == 0 {
		c.callCost = elapsed
		return
	}
	impact := c.config.MeasurementImpact
	if impact <= 0 || impact > 1 {
		impact = 0.1
	}
	c.callCost = time.Duration((1-impact)*float64(c.callCost) + impact*float64(elapsed))
}

// Record 记录一次完整 Update 的耗时，并据此调整下一 tick 的预算
func (c *Controller) Record(elapsed time.Duration) {
	if !c.config.Adaptive {
		return
	}
	if elapsed < 0 {
		elapsed = 0
	}

	// 单个样本超过整个 tick 间隔：宿主已经掉帧，立即收缩
	if elapsed > c.config.TickInterval {
		c.shrink()
		return
	}

	if len(c.history) == c.config.HistorySize {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, elapsed)
	if len(c.history) < c.config.HistorySize {
		return
	}

	var sum time.Duration
	for _, d := range c.history {
		sum += d
	}
	mean := sum / time.Duration(len(c.history))
	target := c.Target()
	switch {
	case mean > target:
		c.shrink()
	case float64(mean) < 0.9*float64(target):
		c.grow()
	}
}

func (c *Controller) shrink() {
	c.budget = c.clamp(time.Duration(float64(c.budget) * c.config.ShrinkFactor))
	c.history = c.history[:0]
	c.adjustments++
}

func (c *Controller) grow() {
	next := c.clamp(c.budget + c.config.GrowStep)
	c.history = c.history[:0]
	if next != c.budget {
		c.budget = next
		c.adjustments++
	}
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	ceiling := c.config.MaxBudget
	if ceiling <= 0 {
		ceiling = c.Target()
	}
	floor := c.config.MinBudget
	if c.callCost > floor {
		floor = c.callCost
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	// 下限优先于上限：至少留出一次调用的时间
	if d < floor {
		d = floor
	}
	return d
}
