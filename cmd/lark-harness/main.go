// =============================================================================
// 文件: cmd/lark-harness/main.go
// 描述: 演示程序入口 - 加载配置、驱动内置场景、导出指标与观测帧
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/mrcgq/lark/internal/config"
	"github.com/mrcgq/lark/internal/congestion"
	"github.com/mrcgq/lark/internal/crypto"
	"github.com/mrcgq/lark/internal/hostsim"
	"github.com/mrcgq/lark/internal/metrics"
	"github.com/mrcgq/lark/internal/obssink"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// connTracker 把单个控制器暴露给 Prometheus 收集器
type connTracker struct {
	ctrl *congestion.Controller
}

func (t *connTracker) ControllerStats() []congestion.Stats {
	return []congestion.Stats{t.ctrl.GetStats()}
}

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	scenarioName := flag.String("scenario", "slow-start", "内置场景名称")
	listScenarios := flag.Bool("list", false, "列出内置场景")
	wait := flag.Bool("wait", false, "场景结束后保持运行以便抓取指标")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		psk, err := crypto.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(psk)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("lark.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: lark.example.yaml")
		return
	}

	if *listScenarios {
		printScenarios()
		return
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	scenario, err := hostsim.Get(*scenarioName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (使用 -list 查看可用场景)\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 控制器
	ctrl := congestion.NewController(cfg.NodeID, cfg.CongestionParams())

	// 指标服务
	var srv *metrics.Server
	var gauges *metrics.LarkMetrics
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		srv.MustRegisterCollector(metrics.NewControllerCollector(&connTracker{ctrl: ctrl}))
		gauges = metrics.NewLarkMetrics(srv.GetRegistry())

		if err := srv.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "指标服务启动失败: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()
		fmt.Printf("指标服务: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	// 观测导出
	var sink *obssink.Sink
	if cfg.Observation.Enabled {
		sink, err = obssink.New(cfg.Observation.URL, cfg.Observation.PSK, cfg.Observation.BufferSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "观测通道创建失败: %v\n", err)
			os.Exit(1)
		}
		defer sink.Close()
		ctrl.SetObservationSink(sink)
		fmt.Printf("观测通道: %s\n", cfg.Observation.URL)
	}

	// 组件健康上报
	if srv != nil {
		srv.RegisterComponent("controller", func() metrics.ComponentHealth {
			stats := ctrl.GetStats()
			return metrics.ComponentHealth{
				Status:  metrics.StatusHealthy,
				Message: fmt.Sprintf("uuid=%d alpha=%.3f", stats.UUID, stats.Alpha),
			}
		})
		if sink != nil {
			srv.RegisterComponent("obssink", func() metrics.ComponentHealth {
				if sink.Connected() {
					return metrics.ComponentHealth{Status: metrics.StatusHealthy}
				}
				ss := sink.GetStats()
				return metrics.ComponentHealth{
					Status:  metrics.StatusDegraded,
					Message: fmt.Sprintf("未连接, 丢弃=%d 写错误=%d", ss.Dropped, ss.WriteErrors),
				}
			})
		}
	}

	// 驱动场景
	fmt.Printf("场景: %s - %s\n\n", scenario.Name, scenario.Description)
	tcb := scenario.NewTCB()
	trace := scenario.Run(ctrl, tcb)

	fmt.Printf("%-5s %-12s %-12s %-8s %s\n", "步骤", "cwnd", "ssthresh", "alpha", "判定")
	for _, e := range trace {
		fmt.Printf("%-5d %-12d %-12d %-8.3f %s\n", e.Step, e.Cwnd, e.Ssthresh, e.Alpha, e.Verdict)

		if gauges != nil {
			gauges.RecordVerdict(e.Verdict.String())
		}
	}

	stats := ctrl.GetStats()
	if gauges != nil {
		gauges.UpdateWindow(tcb.Cwnd, tcb.Ssthresh, stats.Alpha)
	}

	fmt.Printf("\n连接 %d 最终状态: alpha=%.3f 连续增长=%d 已确认=%d 字节\n",
		stats.UUID, stats.Alpha, stats.ConsecutiveGrowth, stats.TotalBytesAcked)

	if sink != nil {
		// 给发送协程一点时间清空缓冲
		time.Sleep(200 * time.Millisecond)
		ss := sink.GetStats()
		fmt.Printf("观测帧: 产生=%d 发出=%d 丢弃=%d\n", ss.Emitted, ss.Written, ss.Dropped)
	}

	if *wait {
		fmt.Println("\n按 Ctrl+C 退出")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
	}
}

func printVersion() {
	fmt.Printf("lark-harness %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printScenarios() {
	all := hostsim.Scenarios()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("内置场景:")
	for _, name := range names {
		fmt.Printf("  %-16s %s\n", name, all[name].Description)
	}
}
