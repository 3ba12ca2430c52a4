// =============================================================================
// 文件: internal/congestion/alpha.go
// 描述: 自适应 alpha 调节
// =============================================================================
package congestion

import (
	"math"
	"time"
)

// updateAlpha 根据 RTT 膨胀、ECN 速率、宿主拥塞状态与增长趋势
// 累加修正量后钳制到 [AlphaMin, AlphaMax]。
// 必须在增长路径的窗口计算之前调用，且调用方持有 c.mu。
func (c *Controller) updateAlpha(tcb *TCB) {
	now := time.Now()
	var delta float64

	if tcb.MinRTT > MinRTTUnknown && tcb.LastRTT > 0 {
		rho := float64(tcb.LastRTT) / float64(tcb.MinRTT)
		switch {
		case rho < 1.5:
			delta += 0.02
		case rho < 3.0:
			delta += 0
		default:
			delta -= 0.05
		}
	}

	if c.ecnEvents.recent(now) {
		delta -= 0.03
	}
	if c.ecnEvents.rate(now) > c.cfg.ECNRateHigh {
		delta -= 0.05
	}

	switch tcb.CAState {
	case CALoss:
		delta -= 0.10
	case CARecovery:
		delta -= 0.03
	case CAOpen:
		delta += 0.01
	}

	if c.consecutiveGrowth >= 3 {
		delta += 0.02
	}
	if c.consecutiveGrowth >= 6 {
		delta += 0.02
	}

	c.alpha = clamp(c.alpha+delta, c.cfg.AlphaMin, c.cfg.AlphaMax)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
