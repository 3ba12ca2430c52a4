// =============================================================================
// 文件: internal/hostsim/hostsim_test.go
// 描述: 场景驱动器测试
// =============================================================================
package hostsim

import (
	"testing"

	"github.com/mrcgq/lark/internal/congestion"
)

func TestScenariosComplete(t *testing.T) {
	want := []string{"slow-start", "single-loss", "ecn-burst", "ecn-single-mark", "rtt-inflation", "timeout"}

	all := Scenarios()
	for _, name := range want {
		if _, ok := all[name]; !ok {
			t.Errorf("缺少内置场景: %s", name)
		}
	}
}

func TestGetUnknown(t *testing.T) {
	if _, err := Get("no-such-scenario"); err == nil {
		t.Error("未知场景应该报错")
	}
}

func TestRunSlowStart(t *testing.T) {
	sc, err := Get("slow-start")
	if err != nil {
		t.Fatalf("取场景失败: %v", err)
	}

	ctrl := congestion.NewController(1, congestion.DefaultConfig())
	tcb := sc.NewTCB()

	trace := sc.Run(ctrl, tcb)
	if len(trace) != 12 {
		t.Fatalf("轨迹长度错误: got %d, want 12", len(trace))
	}

	// 窗口在增长步骤中单调不减
	prev := trace[1].Cwnd
	for _, e := range trace[2:] {
		if e.Cwnd < prev {
			t.Fatalf("第 %d 步窗口缩小: %d -> %d", e.Step, prev, e.Cwnd)
		}
		prev = e.Cwnd
	}

	last := trace[len(trace)-1]
	if last.Verdict != congestion.VerdictBenign {
		t.Errorf("干净慢启动的判定应为 benign: got %v", last.Verdict)
	}
	if last.Cwnd <= sc.CwndSegs*sc.MSS {
		t.Errorf("慢启动应该扩大窗口: got %d", last.Cwnd)
	}
}

func TestRunSingleLoss(t *testing.T) {
	sc, _ := Get("single-loss")

	ctrl := congestion.NewController(1, congestion.DefaultConfig())
	tcb := sc.NewTCB()
	before := tcb.Cwnd

	trace := sc.Run(ctrl, tcb)
	last := trace[len(trace)-1]

	if last.Verdict != congestion.VerdictLoss {
		t.Errorf("判定错误: got %v, want loss", last.Verdict)
	}
	if last.Cwnd >= before {
		t.Errorf("丢包后窗口应该缩小: %d -> %d", before, last.Cwnd)
	}
}

func TestRunTimeout(t *testing.T) {
	sc, _ := Get("timeout")

	ctrl := congestion.NewController(1, congestion.DefaultConfig())
	tcb := sc.NewTCB()

	trace := sc.Run(ctrl, tcb)

	// 第二步是降窗调用
	if trace[1].Verdict != congestion.VerdictTimeout {
		t.Errorf("判定错误: got %v, want timeout", trace[1].Verdict)
	}
	if trace[1].Ssthresh != 30*sc.MSS {
		t.Errorf("ssthresh 错误: got %d, want %d", trace[1].Ssthresh, 30*sc.MSS)
	}
}
