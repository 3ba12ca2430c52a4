// =============================================================================
// 文件: internal/congestion/metrics_tracker.go
// 描述: 度量跟踪 - RTT/字节统计、ECN 事件环、重复 ACK 去重
// =============================================================================
package congestion

import "time"

// recordAcked 累加已确认字节并刷新峰值吞吐。调用方必须持有 c.mu。
func (c *Controller) recordAcked(tcb *TCB, segmentsAcked uint64, now time.Time) {
	c.totalBytesAcked += segmentsAcked * tcb.SegmentSize

	elapsed := now.Sub(c.connStart)
	if elapsed > 0 {
		current := float64(c.totalBytesAcked) / elapsed.Seconds()
		if current > c.peakThroughput {
			c.peakThroughput = current
		}
	}
}

// ecnRing 近期 CE 标记时间戳的有界环，读取时按时效惰性裁剪。
// 条目按到达时间过期而非按槽位覆盖，单连接的事件速率下
// 一个带压缩的切片就足够了，不需要真正的循环缓冲。
type ecnRing struct {
	window time.Duration
	events []time.Time
}

func newECNRing(window time.Duration) *ecnRing {
	return &ecnRing{window: window}
}

func (r *ecnRing) add(t time.Time) {
	r.events = append(r.events, t)
	r.prune(t)
}

// prune 丢弃超出窗口的条目。写入和每次读取都会调用，
// 保证环内不存在超龄条目。
func (r *ecnRing) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = r.events[i:]
	}
}

func (r *ecnRing) len(now time.Time) int {
	r.prune(now)
	return len(r.events)
}

// rate 返回窗口内的 CE 标记速率 (次/秒)
func (r *ecnRing) rate(now time.Time) float64 {
	n := r.len(now)
	if n == 0 || r.window <= 0 {
		return 0
	}
	return float64(n) / r.window.Seconds()
}

func (r *ecnRing) recent(now time.Time) bool {
	return r.len(now) > 0
}

// dedupGuard 重复 ACK 去重。数据中心里 RTT 稳定在微秒级、
// 延迟确认的段数又常年是同一个小整数，(segments, rtt) 在任何
// 时间窗口里都会被大量不同的 ACK 合法复用，不能当指纹。
// 重复送达的真实形态是宿主把同一次回调原样连发: 参数逐字段相同、
// 间隔在重传定时器粒度之内。因此只与上一次送达做精确比对，
// 把在途字节数也纳入比对——两个不同的 ACK 之间在途量必然变化。
type dedupGuard struct {
	lastSegs uint64
	lastRTT  time.Duration
	lastBIF  uint64
	lastAt   time.Time
	armed    bool
}

// dedupWindow 重复送达的判定间隔，取重传定时器的最小粒度
const dedupWindow = 5 * time.Millisecond

func newDedupGuard() *dedupGuard {
	return &dedupGuard{}
}

// seen 判断本次送达是否逐字段复现了上一次，并顺带登记本次送达
func (g *dedupGuard) seen(segmentsAcked uint64, rtt time.Duration, bytesInFlight uint64, now time.Time) bool {
	dup := g.armed &&
		segmentsAcked == g.lastSegs &&
		rtt == g.lastRTT &&
		bytesInFlight == g.lastBIF &&
		now.Sub(g.lastAt) <= dedupWindow

	g.lastSegs = segmentsAcked
	g.lastRTT = rtt
	g.lastBIF = bytesInFlight
	g.lastAt = now
	g.armed = true

	return dup
}
