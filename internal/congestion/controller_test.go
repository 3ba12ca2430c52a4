// =============================================================================
// 文件: internal/congestion/controller_test.go
// 描述: Lark 拥塞控制测试
// =============================================================================
package congestion

import (
	"math"
	"testing"
	"time"
)

const testMSS = 1448

func newTestTCB(cwndSegs, ssthreshSegs uint64) *TCB {
	return &TCB{
		Cwnd:        cwndSegs * testMSS,
		Ssthresh:    ssthreshSegs * testMSS,
		SegmentSize: testMSS,
		MinRTT:      100 * time.Microsecond,
		LastRTT:     100 * time.Microsecond,
		CAState:     CAOpen,
		ECNState:    ECNDisabled,
	}
}

func TestNewController(t *testing.T) {
	c := NewController(7, DefaultConfig())

	if c == nil {
		t.Fatal("Controller 应该不为 nil")
	}
	if c.Name() != "Lark" {
		t.Errorf("Name 错误: got %s, want Lark", c.Name())
	}

	stats := c.GetStats()
	if stats.NodeID != 7 {
		t.Errorf("NodeID 错误: got %d, want 7", stats.NodeID)
	}
	if stats.Alpha != 1.25 {
		t.Errorf("初始 alpha 错误: got %v, want 1.25", stats.Alpha)
	}
}

func TestUUIDMonotonic(t *testing.T) {
	a := NewController(1, DefaultConfig())
	b := NewController(1, DefaultConfig())

	if b.UUID() <= a.UUID() {
		t.Errorf("UUID 应该单调递增: %d <= %d", b.UUID(), a.UUID())
	}
}

// 干净的慢启动: 每个 ACK 按 2 段增长，连续增长 3 次后放大到 3 段
func TestCleanSlowStart(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 1<<20)

	for i := 0; i < 10; i++ {
		c.IncreaseWindow(tcb, 1)
	}

	// 前 3 次 +2 段，后 7 次 +3 段: 10 + 6 + 21 = 37 段
	want := uint64(37 * testMSS)
	if tcb.Cwnd != want {
		t.Errorf("慢启动后 cwnd 错误: got %d, want %d", tcb.Cwnd, want)
	}

	stats := c.GetStats()
	if stats.ConsecutiveGrowth != 10 {
		t.Errorf("连续增长计数错误: got %d, want 10", stats.ConsecutiveGrowth)
	}
	if math.Abs(stats.Alpha-1.50) > 1e-9 {
		t.Errorf("alpha 应该饱和到 1.50: got %v", stats.Alpha)
	}
}

// 单次丢包: 判定 LOSS，保留系数 0.70
func TestSingleLoss(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(80, 80)
	tcb.BytesInFlight = 80 * testMSS
	tcb.CAState = CARecovery

	got := c.GetSsThresh(tcb, 80*testMSS)

	want := uint64(math.Floor(0.70 * float64(80*testMSS)))
	if got != want {
		t.Errorf("ssthresh 错误: got %d, want %d", got, want)
	}
	if tcb.Ssthresh != want {
		t.Errorf("tcb.Ssthresh 未写回: got %d, want %d", tcb.Ssthresh, want)
	}
	if tcb.Cwnd != want {
		t.Errorf("cwnd 应该压到新 ssthresh: got %d, want %d", tcb.Cwnd, want)
	}
	if got >= 80*testMSS {
		t.Error("LOSS 判定必须严格缩小窗口")
	}

	stats := c.GetStats()
	if stats.LastVerdict != VerdictLoss {
		t.Errorf("判定错误: got %v, want loss", stats.LastVerdict)
	}
	if stats.ConsecutiveGrowth != 0 {
		t.Errorf("连续增长计数应该清零: got %d", stats.ConsecutiveGrowth)
	}
	if stats.LastCongestionTime.IsZero() {
		t.Error("应该记录拥塞时间")
	}
}

// ECN 突发: 1 秒内 >= 30 次 CE 标记，保留系数 0.92
func TestECNBurst(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(50, 50)
	tcb.ECNState = ECNCeRcvd

	for i := 0; i < 40; i++ {
		c.CwndEvent(tcb, CAEventEcnIsCe)
	}

	before := tcb.Cwnd
	got := c.GetSsThresh(tcb, 50*testMSS)

	want := uint64(math.Floor(0.92 * float64(50*testMSS)))
	if got != want {
		t.Errorf("ssthresh 错误: got %d, want %d", got, want)
	}
	if c.GetStats().LastVerdict != VerdictEcnBurst {
		t.Errorf("判定错误: got %v, want ecn_burst", c.GetStats().LastVerdict)
	}

	// ECN 突发最多削减 8%
	if float64(tcb.Cwnd) < 0.92*float64(before)-1 {
		t.Errorf("ECN 突发削减过度: %d -> %d", before, tcb.Cwnd)
	}
}

// 单个 ECN 标记被压制: 判定保持 BENIGN，窗口照常增长
func TestSingleECNMarkSuppressed(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(20, 10)

	c.CwndEvent(tcb, CAEventEcnIsCe)

	before := tcb.Cwnd
	c.IncreaseWindow(tcb, 4)

	stats := c.GetStats()
	if stats.LastVerdict != VerdictBenign {
		t.Errorf("单个 CE 标记不应触发拥塞判定: got %v", stats.LastVerdict)
	}
	if tcb.Cwnd <= before {
		t.Errorf("窗口应该照常增长: %d -> %d", before, tcb.Cwnd)
	}
	// rho<1.5 (+0.02) + 近期 CE (-0.03) + Open (+0.01) = 0
	if math.Abs(stats.Alpha-1.25) > 1e-9 {
		t.Errorf("alpha 净调整应为 0: got %v", stats.Alpha)
	}
}

// RTT 膨胀: rho >= 3 时 alpha 下调
func TestRTTInflation(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(20, 1<<20)
	tcb.MinRTT = 100 * time.Microsecond
	tcb.LastRTT = 400 * time.Microsecond

	c.IncreaseWindow(tcb, 1)

	// -0.05 (rho=4) + 0.01 (Open) = -0.04
	stats := c.GetStats()
	if math.Abs(stats.Alpha-1.21) > 1e-9 {
		t.Errorf("alpha 错误: got %v, want 1.21", stats.Alpha)
	}
}

// 超时: ca_state == Loss 时判定 TIMEOUT，保留系数 0.75
func TestTimeout(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(40, 40)
	tcb.CAState = CALoss

	got := c.GetSsThresh(tcb, 40*testMSS)

	want := uint64(30 * testMSS)
	if got != want {
		t.Errorf("ssthresh 错误: got %d, want %d", got, want)
	}
	if c.GetStats().LastVerdict != VerdictTimeout {
		t.Errorf("判定错误: got %v, want timeout", c.GetStats().LastVerdict)
	}

	// 后续增长路径上 Loss 状态继续压低 alpha
	tcb.MinRTT = MinRTTUnknown
	tcb.LastRTT = 0
	c.IncreaseWindow(tcb, 1)
	stats := c.GetStats()
	if stats.Alpha > 1.25-0.10+1e-9 {
		t.Errorf("Loss 状态下 alpha 应该至少下调 0.10: got %v", stats.Alpha)
	}
}

// bytes_in_flight 为 0 时以 cwnd 为基数
func TestGetSsThreshZeroInFlight(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(40, 40)
	tcb.CAState = CARecovery

	got := c.GetSsThresh(tcb, 0)

	want := uint64(math.Floor(0.70 * float64(40*testMSS)))
	if got != want {
		t.Errorf("ssthresh 错误: got %d, want %d", got, want)
	}
}

// ssthresh 下限 2 段，cwnd 下限 4 段
func TestCongestionFloors(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(1, 1)
	tcb.CAState = CARecovery

	got := c.GetSsThresh(tcb, 0)

	if got != 2*testMSS {
		t.Errorf("ssthresh 下限错误: got %d, want %d", got, 2*testMSS)
	}
	if tcb.Cwnd != 4*testMSS {
		t.Errorf("cwnd 下限错误: got %d, want %d", tcb.Cwnd, 4*testMSS)
	}
}

// 无 ECN 无丢包的持续增长中 cwnd 单调不减，且始终落在安全钳制区间内
func TestMonotoneGrowthAndClamp(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 20)

	prev := tcb.Cwnd
	for i := 0; i < 50; i++ {
		c.IncreaseWindow(tcb, 2)
		if tcb.Cwnd < prev {
			t.Fatalf("第 %d 次增长后 cwnd 缩小: %d -> %d", i+1, prev, tcb.Cwnd)
		}
		if tcb.Cwnd < 4*testMSS {
			t.Fatalf("cwnd 低于 4 段下限: %d", tcb.Cwnd)
		}
		prev = tcb.Cwnd

		stats := c.GetStats()
		if stats.Alpha < 1.10-1e-9 || stats.Alpha > 1.50+1e-9 {
			t.Fatalf("alpha 越界: %v", stats.Alpha)
		}
	}
}

// min_rtt 哨兵: alpha 跳过 RTT 项，BDP 退回 cwnd
func TestMinRTTSentinel(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(20, 10)
	tcb.MinRTT = MinRTTUnknown
	tcb.LastRTT = 0

	c.IncreaseWindow(tcb, 1)

	// 只有 Open 状态项生效
	stats := c.GetStats()
	if math.Abs(stats.Alpha-1.26) > 1e-9 {
		t.Errorf("alpha 错误: got %v, want 1.26", stats.Alpha)
	}
	// bdp == cwnd 时拥塞避免路径: max(floor(1.26*cwnd), cwnd) + 1 段
	if tcb.Cwnd <= 20*testMSS {
		t.Errorf("cwnd 应该增长: got %d", tcb.Cwnd)
	}
}

// nil tcb: 所有入口安全无操作
func TestNilTCB(t *testing.T) {
	c := NewController(1, DefaultConfig())

	if got := c.GetSsThresh(nil, 1000); got != 0 {
		t.Errorf("nil tcb 时 GetSsThresh 应返回 0: got %d", got)
	}
	c.IncreaseWindow(nil, 1)
	c.PktsAcked(nil, 1, time.Millisecond)
	c.CongestionStateSet(nil, CALoss)
	c.CwndEvent(nil, CAEventEcnIsCe)

	stats := c.GetStats()
	if stats.TotalBytesAcked != 0 || stats.ECNEventCount != 0 {
		t.Error("nil tcb 不应产生任何状态变更")
	}
}

// PktsAcked 对同一次 ACK 的逐字段重复送达幂等
func TestPktsAckedDedup(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 100)
	tcb.BytesInFlight = 40 * testMSS

	c.PktsAcked(tcb, 10, 200*time.Microsecond)
	c.PktsAcked(tcb, 10, 200*time.Microsecond)

	stats := c.GetStats()
	if stats.TotalBytesAcked != 10*testMSS {
		t.Errorf("重复 ACK 应该只记一次: got %d, want %d", stats.TotalBytesAcked, 10*testMSS)
	}
	if stats.LastRTT != 200*time.Microsecond {
		t.Errorf("LastRTT 错误: got %v", stats.LastRTT)
	}
}

// 数据中心常态: 大量不同 ACK 共享同一 (segments, rtt)，
// 只要在途字节数在变就全部计入，不会被误判为重复
func TestPktsAckedStableRTTNotDeduped(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 100)

	const n = 200
	for i := 0; i < n; i++ {
		tcb.BytesInFlight = uint64(n-i) * testMSS
		c.PktsAcked(tcb, 1, 100*time.Microsecond)
	}

	stats := c.GetStats()
	if stats.TotalBytesAcked != n*testMSS {
		t.Errorf("稳定 RTT 下的不同 ACK 不应被去重: got %d, want %d",
			stats.TotalBytesAcked, n*testMSS)
	}
}

// 峰值吞吐在第二个样本之后为正 (RTT 恒定，只有在途量在变)
func TestPeakThroughput(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 100)

	tcb.BytesInFlight = 20 * testMSS
	c.PktsAcked(tcb, 10, 200*time.Microsecond)
	time.Sleep(2 * time.Millisecond)
	tcb.BytesInFlight = 10 * testMSS
	c.PktsAcked(tcb, 10, 200*time.Microsecond)

	stats := c.GetStats()
	if stats.PeakThroughput <= 0 {
		t.Errorf("峰值吞吐应该 > 0: got %v", stats.PeakThroughput)
	}
	if stats.TotalBytesAcked != 20*testMSS {
		t.Errorf("累计字节错误: got %d, want %d", stats.TotalBytesAcked, 20*testMSS)
	}
}

// segments_acked == 0: 慢启动窗口不变；拥塞避免里步进下限
// 仍然加 1 段
func TestZeroSegmentsAcked(t *testing.T) {
	// 慢启动路径
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 1<<20)
	before := tcb.Cwnd
	c.IncreaseWindow(tcb, 0)
	if tcb.Cwnd != before {
		t.Errorf("慢启动零段 ACK 不应改变窗口: %d -> %d", before, tcb.Cwnd)
	}

	// 拥塞避免路径: BDP 压在窗口之下，只剩下限步进
	c = NewController(1, DefaultConfig())
	tcb = newTestTCB(20, 10)
	tcb.MinRTT = 100 * time.Microsecond
	tcb.LastRTT = 400 * time.Microsecond
	c.IncreaseWindow(tcb, 0)
	if tcb.Cwnd != 21*testMSS {
		t.Errorf("拥塞避免零段 ACK 应该恰好加 1 段: got %d, want %d", tcb.Cwnd, 21*testMSS)
	}
}

// ECN 事件环按时效裁剪
func TestECNRingAging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ECNWindow = 20 * time.Millisecond
	c := NewController(1, cfg)
	tcb := newTestTCB(50, 50)

	for i := 0; i < 40; i++ {
		c.CwndEvent(tcb, CAEventEcnIsCe)
	}
	if c.GetStats().ECNEventCount == 0 {
		t.Fatal("CE 事件应该被记录")
	}

	time.Sleep(40 * time.Millisecond)

	if got := c.GetStats().ECNEventCount; got != 0 {
		t.Errorf("过期 CE 事件应该被裁剪: got %d", got)
	}

	// 过期之后不再构成突发
	tcb.CAState = CARecovery
	tcb.ECNState = ECNCeRcvd
	c.GetSsThresh(tcb, 50*testMSS)
	if c.GetStats().LastVerdict == VerdictEcnBurst {
		t.Error("过期 CE 事件不应触发 ECN 突发判定")
	}
}

// CongestionStateSet 重复设置同一状态不改变可观测行为
func TestCongestionStateSetIdempotent(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 100)

	c.CongestionStateSet(tcb, CAOpen)
	s1 := c.GetStats()
	c.CongestionStateSet(tcb, CAOpen)
	s2 := c.GetStats()

	if s1.Alpha != s2.Alpha || s1.TotalBytesAcked != s2.TotalBytesAcked ||
		s1.ConsecutiveGrowth != s2.ConsecutiveGrowth {
		t.Error("重复设置同一状态不应改变内部状态")
	}
}

// 状态切换历史: 倒序返回，容量有界
func TestStateHistory(t *testing.T) {
	c := NewController(1, DefaultConfig())
	tcb := newTestTCB(10, 100)

	c.CongestionStateSet(tcb, CAOpen)
	c.CongestionStateSet(tcb, CADisorder)
	c.CongestionStateSet(tcb, CARecovery)

	hist := c.GetStateHistory(2)
	if len(hist) != 2 {
		t.Fatalf("历史长度错误: got %d, want 2", len(hist))
	}
	if hist[0].State != CARecovery || hist[1].State != CADisorder {
		t.Errorf("历史应该倒序: got %v, %v", hist[0].State, hist[1].State)
	}

	for i := 0; i < 100; i++ {
		c.CongestionStateSet(tcb, CAOpen)
	}
	if got := len(c.GetStateHistory(0)); got > 64 {
		t.Errorf("历史容量应该有界: got %d", got)
	}
}

// Fork: alpha 延续，度量清零，uuid 新发
func TestFork(t *testing.T) {
	c := NewController(3, DefaultConfig())
	tcb := newTestTCB(20, 1<<20)

	for i := 0; i < 5; i++ {
		c.IncreaseWindow(tcb, 1)
	}
	c.PktsAcked(tcb, 10, 150*time.Microsecond)

	forked := c.Fork()

	ps, fs := c.GetStats(), forked.GetStats()
	if fs.Alpha != ps.Alpha {
		t.Errorf("fork 应该延续 alpha: got %v, want %v", fs.Alpha, ps.Alpha)
	}
	if fs.TotalBytesAcked != 0 || fs.ConsecutiveGrowth != 0 || fs.ECNEventCount != 0 {
		t.Error("fork 的度量应该清零")
	}
	if forked.UUID() == c.UUID() {
		t.Error("fork 应该分配新的 uuid")
	}
	if fs.NodeID != ps.NodeID {
		t.Errorf("fork 应该保留 NodeID: got %d, want %d", fs.NodeID, ps.NodeID)
	}
}

type captureSink struct {
	obs []Observation
}

func (s *captureSink) Emit(o Observation) { s.obs = append(s.obs, o) }

// 观测向量: 字段顺序与取值，快照先于窗口改写
func TestObservationVector(t *testing.T) {
	c := NewController(9, DefaultConfig())
	sink := &captureSink{}
	c.SetObservationSink(sink)

	tcb := newTestTCB(10, 100)
	c.PktsAcked(tcb, 4, 150*time.Microsecond)

	preCwnd := tcb.Cwnd
	preSsthresh := tcb.Ssthresh
	c.IncreaseWindow(tcb, 4)

	if len(sink.obs) != 1 {
		t.Fatalf("应该产生 1 条观测: got %d", len(sink.obs))
	}

	v := sink.obs[0].ToVector()
	if v[0] != c.UUID() {
		t.Errorf("字段 0 (uuid) 错误: got %d", v[0])
	}
	if v[1] != 0 {
		t.Errorf("字段 1 (env_type) 应为 0: got %d", v[1])
	}
	if v[3] != 9 {
		t.Errorf("字段 3 (node_id) 错误: got %d", v[3])
	}
	if v[4] != preSsthresh {
		t.Errorf("字段 4 (ssthresh) 应为决策前的值: got %d, want %d", v[4], preSsthresh)
	}
	if v[5] != preCwnd {
		t.Errorf("字段 5 (cwnd) 应为决策前的值: got %d, want %d", v[5], preCwnd)
	}
	if tcb.Cwnd <= preCwnd {
		t.Errorf("调用之后窗口应该已经增长: got %d", tcb.Cwnd)
	}
	if v[6] != testMSS {
		t.Errorf("字段 6 (segment_size) 错误: got %d", v[6])
	}
	if v[7] != 4 {
		t.Errorf("字段 7 (segments_acked) 错误: got %d", v[7])
	}
	if v[9] != 150 {
		t.Errorf("字段 9 (last_rtt_us) 错误: got %d", v[9])
	}
	if v[10] != 100 {
		t.Errorf("字段 10 (min_rtt_us) 错误: got %d", v[10])
	}
	if v[11] != uint64(ContextIncrease) {
		t.Errorf("字段 11 (calling_context) 错误: got %d", v[11])
	}

	// min RTT 哨兵渲染为 0
	tcb.MinRTT = MinRTTUnknown
	c.IncreaseWindow(tcb, 1)
	v = sink.obs[1].ToVector()
	if v[10] != 0 {
		t.Errorf("min RTT 哨兵应渲染为 0: got %d", v[10])
	}

	// 降窗路径同样先快照后改写
	preCwnd = tcb.Cwnd
	preSsthresh = tcb.Ssthresh
	tcb.CAState = CARecovery
	c.GetSsThresh(tcb, preCwnd)

	v = sink.obs[2].ToVector()
	if v[4] != preSsthresh {
		t.Errorf("降窗观测的 ssthresh 应为削减前的值: got %d, want %d", v[4], preSsthresh)
	}
	if v[5] != preCwnd {
		t.Errorf("降窗观测的 cwnd 应为削减前的值: got %d, want %d", v[5], preCwnd)
	}
	if v[11] != uint64(ContextLossSsThresh) {
		t.Errorf("字段 11 (calling_context) 错误: got %d", v[11])
	}
	if tcb.Cwnd >= preCwnd {
		t.Errorf("丢包判定后窗口应该已经缩小: got %d", tcb.Cwnd)
	}
}
