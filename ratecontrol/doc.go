// Package ratecontrol 提供每 tick 的 RPC 执行预算控制器
//
// 服务端在每次 Update 结束时记录本 tick 的耗时，控制器据此给出下一 tick
// 可用于执行 RPC 的时间预算。
//
// # 两种模式
//
// 静态（Adaptive=false）：Budget 恒为 MaxTimePerUpdate，与历史无关。
//
// 自适应（Adaptive=true）：保留最近 HistorySize 个样本，与目标耗时
// TickInterval × TargetLoad 比较：
//   - 单个样本超过整个 TickInterval：立即按 ShrinkFactor 收缩
//   - 窗口满且均值超过目标：按 ShrinkFactor 收缩
//   - 窗口满且均值低于目标的 90%：增加 GrowStep
//
// 每次调整后窗口清空，下一次调整只依赖调整之后的样本。
//
// # 下限
//
// 预算不低于 max(MinBudget, 单次调用耗时的 EWMA)，保证每 tick 至少能执行一次调用。
//
// # 使用示例
//
//	rc, _ := ratecontrol.New(ratecontrol.DefaultConfig())
//	budget := rc.Budget()
//	// ... 执行调用，每次调用后 rc.ObserveCall(d)
//	rc.Record(updateDuration)
package ratecontrol
