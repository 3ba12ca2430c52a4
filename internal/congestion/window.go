// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 窗口策略 - BDP 估计、增长路径、拥塞事件路径
// =============================================================================
package congestion

import "math"

// bdpEstimate 带宽时延积估计 (字节)。
// 速率取峰值吞吐与 cwnd/RTT 推算速率中的较大者；两个 RTT 都未知时
// 直接退回当前 cwnd。调用方必须持有 c.mu。
func (c *Controller) bdpEstimate(tcb *TCB) float64 {
	if tcb.MinRTT <= MinRTTUnknown && tcb.LastRTT <= 0 {
		return float64(tcb.Cwnd)
	}

	minRTTEffective := tcb.MinRTT
	if minRTTEffective <= MinRTTUnknown {
		minRTTEffective = tcb.LastRTT
	}

	denom := tcb.MinRTT
	if tcb.LastRTT > denom {
		denom = tcb.LastRTT
	}

	rate := c.peakThroughput
	if cwndRate := float64(tcb.Cwnd) / denom.Seconds(); cwndRate > rate {
		rate = cwndRate
	}

	return rate * minRTTEffective.Seconds()
}

// applyIncrease 增长路径，就地改写 tcb.Cwnd。
// 调用方必须持有 c.mu，且本次调用已先执行 classify 与 updateAlpha。
func (c *Controller) applyIncrease(tcb *TCB, segmentsAcked uint64) {
	bdp := c.bdpEstimate(tcb)
	mss := float64(tcb.SegmentSize)
	cwnd := float64(tcb.Cwnd)

	var newCwnd float64
	if cwnd < float64(tcb.Ssthresh) {
		// 慢启动: 指数增长逼近 3 倍 BDP，连续增长达到 3 次后
		// 每 ACK 的步长放大到 3 段。零段 ACK 不产生步长，
		// 也不套目标上限——上限只约束增量，不回收已有窗口
		factor := 2.0
		if c.consecutiveGrowth >= 3 {
			factor = 3.0
		}
		newCwnd = cwnd
		if step := factor * float64(segmentsAcked) * mss; step > 0 {
			newCwnd = math.Max(cwnd, math.Min(3*bdp, cwnd+step))
		}
	} else {
		// 拥塞避免: 以 alpha 缩放的 BDP 为底，再加线性步进
		gamma := float64(segmentsAcked)
		if gamma < 1 {
			gamma = 1
		}
		newCwnd = math.Max(math.Floor(c.alpha*bdp), cwnd) + gamma*mss
	}

	tcb.Cwnd = uint64(c.clampCwnd(newCwnd, bdp, mss))
	c.consecutiveGrowth++
}

// applyCongestionEvent 拥塞事件路径: 按判定选取保留系数，
// 同时写回 tcb.Ssthresh 与 tcb.Cwnd 并返回新 ssthresh。
// 调用方必须持有 c.mu，且本次调用已先执行 classify。
func (c *Controller) applyCongestionEvent(tcb *TCB, bytesInFlight uint64, verdict Verdict) uint64 {
	lambda := c.retentionFor(verdict)
	mss := float64(tcb.SegmentSize)

	base := float64(tcb.Cwnd)
	if float64(bytesInFlight) > base {
		base = float64(bytesInFlight)
	}

	newSsthresh := math.Floor(lambda * base)
	floor := 2 * mss
	if newSsthresh < floor {
		newSsthresh = floor
	}

	tcb.Ssthresh = uint64(newSsthresh)
	tcb.Cwnd = uint64(math.Max(newSsthresh, float64(c.cfg.MinCwndSegments)*mss))

	return uint64(newSsthresh)
}

func (c *Controller) retentionFor(v Verdict) float64 {
	switch v {
	case VerdictLoss:
		return c.cfg.RetentionLoss
	case VerdictEcnBurst:
		return c.cfg.RetentionECN
	case VerdictTimeout:
		return c.cfg.RetentionTimeout
	default:
		return c.cfg.RetentionDefault
	}
}

// clampCwnd 安全钳制: 下限 MinCwndSegments 段，
// 上限 max(8*BDP, CwndCapSegments 段)。
func (c *Controller) clampCwnd(cwnd, bdp, mss float64) float64 {
	lo := float64(c.cfg.MinCwndSegments) * mss
	hi := math.Max(8*bdp, float64(c.cfg.CwndCapSegments)*mss)
	return math.Max(lo, math.Min(hi, cwnd))
}
