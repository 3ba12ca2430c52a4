// =============================================================================
// 文件: internal/congestion/fusion.go
// 描述: 融合检测 - 按优先级选取拥塞判定
// =============================================================================
package congestion

import "time"

// classify 按优先级从高到低选取判定，首条命中即返回。
// 单个 ECN 标记、未达突发阈值的 EceRcvd、宿主短暂的 CWR/Recovery、
// 单纯的 RTT 膨胀都被有意压制: 只有持续且无歧义的信号才降窗。
// 调用方必须持有 c.mu。
func (c *Controller) classify(tcb *TCB, ctx CallingContext) Verdict {
	now := time.Now()

	ecnMarked := tcb.ECNState == ECNCeRcvd || tcb.ECNState == ECNEceRcvd

	// 显式丢包指快速重传式的降窗调用: 宿主走到了丢失路径，
	// 但状态机还没升级到 CALoss。升级到 CALoss 的情况 (RTO)
	// 归第三条规则判为 TIMEOUT，两条规则互斥。
	if ctx == ContextLossSsThresh && !ecnMarked && tcb.CAState != CALoss {
		return VerdictLoss
	}

	if c.ecnEvents.len(now) >= c.cfg.ECNBurstThreshold {
		return VerdictEcnBurst
	}

	if tcb.CAState == CALoss {
		return VerdictTimeout
	}

	return VerdictBenign
}
