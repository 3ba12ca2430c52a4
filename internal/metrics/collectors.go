// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/lark/internal/congestion"
)

// StatsProvider 连接统计数据接口。
// 宿主侧对每条活跃连接各持有一个控制器，收集时逐个取快照。
type StatsProvider interface {
	ControllerStats() []congestion.Stats
}

// ControllerCollector 控制器指标收集器
type ControllerCollector struct {
	statsProvider StatsProvider

	connectionsDesc    *prometheus.Desc
	alphaDesc          *prometheus.Desc
	peakThroughputDesc *prometheus.Desc
	minRTTDesc         *prometheus.Desc
	lastRTTDesc        *prometheus.Desc
	growthDesc         *prometheus.Desc
	bytesAckedDesc     *prometheus.Desc
	ecnEventsDesc      *prometheus.Desc
	lastVerdictDesc    *prometheus.Desc
}

// NewControllerCollector 创建控制器收集器
func NewControllerCollector(provider StatsProvider) *ControllerCollector {
	namespace := "lark"
	subsystem := "congestion"

	return &ControllerCollector{
		statsProvider: provider,

		connectionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "connections"),
			"Number of tracked connections",
			nil, nil,
		),
		alphaDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "alpha"),
			"Current multiplicative factor",
			[]string{"uuid"}, nil,
		),
		peakThroughputDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "peak_throughput_bytes_per_second"),
			"Peak observed throughput",
			[]string{"uuid"}, nil,
		),
		minRTTDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "min_rtt_seconds"),
			"Minimum observed RTT",
			[]string{"uuid"}, nil,
		),
		lastRTTDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "last_rtt_seconds"),
			"Most recent RTT sample",
			[]string{"uuid"}, nil,
		),
		growthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "consecutive_growth"),
			"Consecutive non-congestion increase events",
			[]string{"uuid"}, nil,
		),
		bytesAckedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_acked_total"),
			"Cumulative acknowledged bytes",
			[]string{"uuid"}, nil,
		),
		ecnEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "ecn_events_in_window"),
			"CE marks within the sliding window",
			[]string{"uuid"}, nil,
		),
		lastVerdictDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "last_verdict"),
			"Most recent fusion verdict (1 = active)",
			[]string{"uuid", "verdict"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ControllerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsDesc
	ch <- c.alphaDesc
	ch <- c.peakThroughputDesc
	ch <- c.minRTTDesc
	ch <- c.lastRTTDesc
	ch <- c.growthDesc
	ch <- c.bytesAckedDesc
	ch <- c.ecnEventsDesc
	ch <- c.lastVerdictDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ControllerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.ControllerStats()

	ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue,
		float64(len(stats)))

	verdicts := []congestion.Verdict{
		congestion.VerdictBenign,
		congestion.VerdictLoss,
		congestion.VerdictEcnBurst,
		congestion.VerdictTimeout,
	}

	for _, s := range stats {
		uuid := strconv.FormatUint(s.UUID, 10)

		ch <- prometheus.MustNewConstMetric(c.alphaDesc, prometheus.GaugeValue,
			s.Alpha, uuid)
		ch <- prometheus.MustNewConstMetric(c.peakThroughputDesc, prometheus.GaugeValue,
			s.PeakThroughput, uuid)
		ch <- prometheus.MustNewConstMetric(c.minRTTDesc, prometheus.GaugeValue,
			s.MinRTT.Seconds(), uuid)
		ch <- prometheus.MustNewConstMetric(c.lastRTTDesc, prometheus.GaugeValue,
			s.LastRTT.Seconds(), uuid)
		ch <- prometheus.MustNewConstMetric(c.growthDesc, prometheus.GaugeValue,
			float64(s.ConsecutiveGrowth), uuid)
		ch <- prometheus.MustNewConstMetric(c.bytesAckedDesc, prometheus.CounterValue,
			float64(s.TotalBytesAcked), uuid)
		ch <- prometheus.MustNewConstMetric(c.ecnEventsDesc, prometheus.GaugeValue,
			float64(s.ECNEventCount), uuid)

		for _, v := range verdicts {
			val := 0.0
			if v == s.LastVerdict {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.lastVerdictDesc, prometheus.GaugeValue,
				val, uuid, v.String())
		}
	}
}
