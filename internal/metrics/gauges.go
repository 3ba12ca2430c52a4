// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LarkMetrics 全局指标集合
type LarkMetrics struct {
	// 窗口相关
	CongestionWindow prometheus.Gauge
	SlowStartThresh  prometheus.Gauge
	Alpha            prometheus.Gauge

	// 判定相关
	Verdicts *prometheus.CounterVec

	// ECN 相关
	ECNMarks prometheus.Counter

	// RTT 相关
	RTT prometheus.Histogram

	// 观测导出相关
	ObservationsEmitted prometheus.Counter
	ObservationsDropped prometheus.Counter

	// 宿主契约违规
	ContractViolations *prometheus.CounterVec
}

// NewLarkMetrics 创建指标集合
func NewLarkMetrics(registry *prometheus.Registry) *LarkMetrics {
	m := &LarkMetrics{
		CongestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lark",
			Subsystem: "congestion",
			Name:      "window_bytes",
			Help:      "Current congestion window size in bytes",
		}),

		SlowStartThresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lark",
			Subsystem: "congestion",
			Name:      "ssthresh_bytes",
			Help:      "Current slow-start threshold in bytes",
		}),

		Alpha: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lark",
			Subsystem: "congestion",
			Name:      "alpha_current",
			Help:      "Current multiplicative factor",
		}),

		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lark",
			Subsystem: "fusion",
			Name:      "verdicts_total",
			Help:      "Fusion detector verdicts by kind",
		}, []string{"verdict"}),

		ECNMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lark",
			Subsystem: "fusion",
			Name:      "ecn_marks_total",
			Help:      "Total CE marks observed",
		}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lark",
			Subsystem: "congestion",
			Name:      "rtt_seconds",
			Help:      "RTT samples reported by the host",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),

		ObservationsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lark",
			Subsystem: "observation",
			Name:      "emitted_total",
			Help:      "Observation vectors emitted to the export channel",
		}),

		ObservationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lark",
			Subsystem: "observation",
			Name:      "dropped_total",
			Help:      "Observation vectors dropped on buffer overflow",
		}),

		ContractViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lark",
			Subsystem: "host",
			Name:      "contract_violations_total",
			Help:      "Host contract violations by callback",
		}, []string{"callback"}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.CongestionWindow,
		m.SlowStartThresh,
		m.Alpha,
		m.Verdicts,
		m.ECNMarks,
		m.RTT,
		m.ObservationsEmitted,
		m.ObservationsDropped,
		m.ContractViolations,
	)

	return m
}

// RecordVerdict 记录一次融合判定
func (m *LarkMetrics) RecordVerdict(verdict string) {
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// RecordECNMark 记录一次 CE 标记
func (m *LarkMetrics) RecordECNMark() {
	m.ECNMarks.Inc()
}

// RecordRTT 记录一个 RTT 样本
func (m *LarkMetrics) RecordRTT(rttSeconds float64) {
	m.RTT.Observe(rttSeconds)
}

// UpdateWindow 更新窗口相关指标
func (m *LarkMetrics) UpdateWindow(cwnd, ssthresh uint64, alpha float64) {
	m.CongestionWindow.Set(float64(cwnd))
	m.SlowStartThresh.Set(float64(ssthresh))
	m.Alpha.Set(alpha)
}

// RecordObservation 记录一次观测导出
func (m *LarkMetrics) RecordObservation() {
	m.ObservationsEmitted.Inc()
}

// RecordObservationDropped 记录一次观测丢弃
func (m *LarkMetrics) RecordObservationDropped() {
	m.ObservationsDropped.Inc()
}

// RecordContractViolation 记录一次宿主契约违规
func (m *LarkMetrics) RecordContractViolation(callback string) {
	m.ContractViolations.WithLabelValues(callback).Inc()
}
