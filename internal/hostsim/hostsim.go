// =============================================================================
// 文件: internal/hostsim/hostsim.go
// 描述: 宿主传输层替身 - 脚本化事件驱动器，供测试与演示程序使用。
//       不建模队列、链路或定时器，只按脚本把回调喂给控制器。
// =============================================================================
package hostsim

import (
	"fmt"
	"time"

	"github.com/mrcgq/lark/internal/congestion"
)

// StepKind 脚本步骤类型
type StepKind int

const (
	StepAck StepKind = iota
	StepIncrease
	StepLoss
	StepCwndEvent
	StepStateSet
	StepSetRTT
)

// Step 一个脚本步骤。字段按 Kind 选用。
type Step struct {
	Kind StepKind

	Segments      uint64        // StepAck / StepIncrease
	RTT           time.Duration // StepAck
	BytesInFlight uint64        // StepLoss
	Event         congestion.CAEvent
	State         congestion.CAState
	ECNState      congestion.ECNState // StepLoss 时写入 tcb
	MinRTT        time.Duration       // StepSetRTT
	LastRTT       time.Duration       // StepSetRTT
	Repeat        int                 // 重复次数，0 视为 1
}

// Scenario 一个命名场景
type Scenario struct {
	Name         string
	Description  string
	MSS          uint64
	CwndSegs     uint64
	SsthreshSegs uint64
	Steps        []Step
}

// TraceEntry 每步执行后的窗口轨迹
type TraceEntry struct {
	Step     int
	Cwnd     uint64
	Ssthresh uint64
	Alpha    float64
	Verdict  congestion.Verdict
}

// NewTCB 构造场景初始的传输控制块
func (s Scenario) NewTCB() *congestion.TCB {
	return &congestion.TCB{
		Cwnd:        s.CwndSegs * s.MSS,
		Ssthresh:    s.SsthreshSegs * s.MSS,
		SegmentSize: s.MSS,
		CAState:     congestion.CAOpen,
		ECNState:    congestion.ECNDisabled,
	}
}

// Run 在给定控制器与 tcb 上执行场景脚本，返回窗口轨迹
func (s Scenario) Run(ctrl *congestion.Controller, tcb *congestion.TCB) []TraceEntry {
	var trace []TraceEntry

	step := 0
	for _, st := range s.Steps {
		repeat := st.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for i := 0; i < repeat; i++ {
			step++
			s.apply(ctrl, tcb, st)

			stats := ctrl.GetStats()
			trace = append(trace, TraceEntry{
				Step:     step,
				Cwnd:     tcb.Cwnd,
				Ssthresh: tcb.Ssthresh,
				Alpha:    stats.Alpha,
				Verdict:  stats.LastVerdict,
			})
		}
	}
	return trace
}

func (s Scenario) apply(ctrl *congestion.Controller, tcb *congestion.TCB, st Step) {
	switch st.Kind {
	case StepAck:
		tcb.LastRTT = st.RTT
		if tcb.MinRTT == congestion.MinRTTUnknown || st.RTT < tcb.MinRTT {
			tcb.MinRTT = st.RTT
		}
		ctrl.PktsAcked(tcb, st.Segments, st.RTT)
	case StepIncrease:
		ctrl.IncreaseWindow(tcb, st.Segments)
	case StepLoss:
		tcb.CAState = st.State
		tcb.ECNState = st.ECNState
		tcb.BytesInFlight = st.BytesInFlight
		ctrl.GetSsThresh(tcb, st.BytesInFlight)
	case StepCwndEvent:
		ctrl.CwndEvent(tcb, st.Event)
	case StepStateSet:
		tcb.CAState = st.State
		ctrl.CongestionStateSet(tcb, st.State)
	case StepSetRTT:
		tcb.MinRTT = st.MinRTT
		tcb.LastRTT = st.LastRTT
	}
}

// Scenarios 内置场景表
func Scenarios() map[string]Scenario {
	const mss = 1448

	return map[string]Scenario{
		"slow-start": {
			Name:         "slow-start",
			Description:  "干净慢启动: 10 次单段 ACK 的指数增长",
			MSS:          mss,
			CwndSegs:     10,
			SsthreshSegs: 1 << 20,
			Steps:        []Step{
				{Kind: StepSetRTT, MinRTT: 100 * time.Microsecond, LastRTT: 100 * time.Microsecond},
				{Kind: StepAck, Segments: 1, RTT: 100 * time.Microsecond},
				{Kind: StepIncrease, Segments: 1, Repeat: 10},
			},
		},
		"single-loss": {
			Name:         "single-loss",
			Description:  "快速重传丢包: 0.70 保留系数",
			MSS:          mss,
			CwndSegs:     80,
			SsthreshSegs: 80,
			Steps:        []Step{
				{Kind: StepStateSet, State: congestion.CARecovery},
				{Kind: StepLoss, BytesInFlight: 80 * mss, State: congestion.CARecovery, ECNState: congestion.ECNDisabled},
			},
		},
		"ecn-burst": {
			Name:         "ecn-burst",
			Description:  "ECN 突发: 40 次 CE 标记后降窗，0.92 保留系数",
			MSS:          mss,
			CwndSegs:     50,
			SsthreshSegs: 50,
			Steps:        []Step{
				{Kind: StepCwndEvent, Event: congestion.CAEventEcnIsCe, Repeat: 40},
				{Kind: StepLoss, BytesInFlight: 50 * mss, State: congestion.CAOpen, ECNState: congestion.ECNCeRcvd},
			},
		},
		"ecn-single-mark": {
			Name:         "ecn-single-mark",
			Description:  "单个 CE 标记被压制: 窗口照常增长",
			MSS:          mss,
			CwndSegs:     20,
			SsthreshSegs: 10,
			Steps:        []Step{
				{Kind: StepSetRTT, MinRTT: 100 * time.Microsecond, LastRTT: 100 * time.Microsecond},
				{Kind: StepCwndEvent, Event: congestion.CAEventEcnIsCe},
				{Kind: StepIncrease, Segments: 4},
			},
		},
		"rtt-inflation": {
			Name:         "rtt-inflation",
			Description:  "RTT 膨胀到 4 倍: alpha 下调，增长放缓",
			MSS:          mss,
			CwndSegs:     20,
			SsthreshSegs: 10,
			Steps:        []Step{
				{Kind: StepSetRTT, MinRTT: 100 * time.Microsecond, LastRTT: 400 * time.Microsecond},
				{Kind: StepIncrease, Segments: 1, Repeat: 3},
			},
		},
		"timeout": {
			Name:         "timeout",
			Description:  "RTO 超时: 0.75 保留系数，Loss 状态压低 alpha",
			MSS:          mss,
			CwndSegs:     40,
			SsthreshSegs: 40,
			Steps:        []Step{
				{Kind: StepStateSet, State: congestion.CALoss},
				{Kind: StepLoss, BytesInFlight: 40 * mss, State: congestion.CALoss, ECNState: congestion.ECNDisabled},
				{Kind: StepIncrease, Segments: 1},
			},
		},
	}
}

// Get 按名称取场景
func Get(name string) (Scenario, error) {
	s, ok := Scenarios()[name]
	if !ok {
		return Scenario{}, fmt.Errorf("未知场景: %s", name)
	}
	return s, nil
}
