// =============================================================================
// 文件: internal/congestion/observation.go
// 描述: 观测向量组装
// =============================================================================
package congestion

import "time"

// buildObservation 在回调入口处对 15 个字段做快照。
// 第 9 字段取本控制器最近一次 PktsAcked 存下的 RTT，
// 尚无样本时退回宿主侧的 LastRTT。调用方必须持有 c.mu。
func (c *Controller) buildObservation(tcb *TCB, ctx CallingContext, segmentsAcked uint64, verdict Verdict) Observation {
	minRTTUs := uint64(0)
	if tcb.MinRTT > MinRTTUnknown {
		minRTTUs = uint64(tcb.MinRTT.Microseconds())
	}

	lastRTT := c.lastRTT
	if lastRTT <= 0 {
		lastRTT = tcb.LastRTT
	}
	lastRTTUs := uint64(0)
	if lastRTT > 0 {
		lastRTTUs = uint64(lastRTT.Microseconds())
	}

	return Observation{
		UUID:           c.uuid,
		EnvType:        0,
		SimTimeUs:      uint64(time.Now().UnixMicro()),
		NodeID:         c.nodeID,
		Ssthresh:       tcb.Ssthresh,
		Cwnd:           tcb.Cwnd,
		SegmentSize:    tcb.SegmentSize,
		SegmentsAcked:  segmentsAcked,
		BytesInFlight:  tcb.BytesInFlight,
		LastRTTUs:      lastRTTUs,
		MinRTTUs:       minRTTUs,
		CallingContext: ctx,
		CAState:        tcb.CAState,
		CAEvent:        tcb.CAEvent,
		ECNState:       tcb.ECNState,
		Severity:       verdict.Severity(),
	}
}
