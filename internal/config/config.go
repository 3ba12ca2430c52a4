// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 拥塞控制参数校验、诊断端口格式校验、单飞重载
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/mrcgq/lark/internal/congestion"
)

// Config 主配置
type Config struct {
	NodeID   uint64 `yaml:"node_id"`
	LogLevel string `yaml:"log_level"`

	Congestion  CongestionConfig  `yaml:"congestion"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Observation ObservationConfig `yaml:"observation"`
}

// CongestionConfig 拥塞控制参数
type CongestionConfig struct {
	AlphaInitial      float64 `yaml:"alpha_initial"`
	AlphaMin          float64 `yaml:"alpha_min"`
	AlphaMax          float64 `yaml:"alpha_max"`
	ECNWindowS        float64 `yaml:"ecn_window_s"`
	ECNBurstThreshold int     `yaml:"ecn_burst_threshold"`
	ECNRateHigh       float64 `yaml:"ecn_rate_high"`
	RetentionLoss     float64 `yaml:"retention_loss"`
	RetentionECN      float64 `yaml:"retention_ecn"`
	RetentionTimeout  float64 `yaml:"retention_timeout"`
	RetentionDefault  float64 `yaml:"retention_default"`
	MinCwndSegments   int     `yaml:"min_cwnd_segments"`
	CwndCapSegments   int     `yaml:"cwnd_cap_segments"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// ObservationConfig 观测导出通道配置
type ObservationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	PSK        string `yaml:"psk"`
	BufferSize int    `yaml:"buffer_size"`
}

// loadGroup 把并发触发的重载合并成一次磁盘读取
var loadGroup singleflight.Group

// Load 加载配置
func Load(path string) (*Config, error) {
	v, err, _ := loadGroup.Do(path, func() (interface{}, error) {
		return loadFile(path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		NodeID:   0,
		LogLevel: "info",

		Congestion: CongestionConfig{
			AlphaInitial:      1.25,
			AlphaMin:          1.10,
			AlphaMax:          1.50,
			ECNWindowS:        1.0,
			ECNBurstThreshold: 30,
			ECNRateHigh:       50,
			RetentionLoss:     0.70,
			RetentionECN:      0.92,
			RetentionTimeout:  0.75,
			RetentionDefault:  0.90,
			MinCwndSegments:   4,
			CwndCapSegments:   100,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Observation: ObservationConfig{
			Enabled:    false,
			BufferSize: 1024,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	cc := c.Congestion

	if cc.AlphaMin <= 0 {
		return fmt.Errorf("alpha_min 必须为正数")
	}
	if cc.AlphaMin > cc.AlphaInitial || cc.AlphaInitial > cc.AlphaMax {
		return fmt.Errorf("alpha 参数需满足 alpha_min <= alpha_initial <= alpha_max")
	}
	if cc.AlphaMax > 2.0 {
		return fmt.Errorf("alpha_max 不应超过 2.0")
	}

	if cc.ECNWindowS <= 0 || cc.ECNWindowS > 60 {
		return fmt.Errorf("ecn_window_s 需在 (0, 60] 之间")
	}
	if cc.ECNBurstThreshold < 1 {
		return fmt.Errorf("ecn_burst_threshold 需 >= 1")
	}
	if cc.ECNRateHigh <= 0 {
		return fmt.Errorf("ecn_rate_high 必须为正数")
	}

	for name, r := range map[string]float64{
		"retention_loss":    cc.RetentionLoss,
		"retention_ecn":     cc.RetentionECN,
		"retention_timeout": cc.RetentionTimeout,
		"retention_default": cc.RetentionDefault,
	} {
		if r <= 0 || r >= 1 {
			return fmt.Errorf("%s 需在 (0, 1) 之间", name)
		}
	}

	if cc.MinCwndSegments < 1 {
		return fmt.Errorf("min_cwnd_segments 需 >= 1")
	}
	if cc.CwndCapSegments < cc.MinCwndSegments {
		return fmt.Errorf("cwnd_cap_segments 需 >= min_cwnd_segments")
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
	}

	if c.Observation.Enabled {
		if c.Observation.URL == "" {
			return fmt.Errorf("observation.url 不能为空")
		}
		if !strings.HasPrefix(c.Observation.URL, "ws://") && !strings.HasPrefix(c.Observation.URL, "wss://") {
			return fmt.Errorf("observation.url 必须是 ws:// 或 wss:// 地址")
		}
		if c.Observation.PSK == "" {
			return fmt.Errorf("observation.psk 不能为空")
		}
		if c.Observation.BufferSize < 16 || c.Observation.BufferSize > 65536 {
			return fmt.Errorf("observation.buffer_size 需在 16-65536 之间")
		}
	}

	return nil
}

// CongestionParams 转换为控制器参数
func (c *Config) CongestionParams() congestion.Config {
	cc := c.Congestion
	return congestion.Config{
		AlphaInitial:      cc.AlphaInitial,
		AlphaMin:          cc.AlphaMin,
		AlphaMax:          cc.AlphaMax,
		ECNWindow:         time.Duration(cc.ECNWindowS * float64(time.Second)),
		ECNBurstThreshold: cc.ECNBurstThreshold,
		ECNRateHigh:       cc.ECNRateHigh,
		RetentionLoss:     cc.RetentionLoss,
		RetentionECN:      cc.RetentionECN,
		RetentionTimeout:  cc.RetentionTimeout,
		RetentionDefault:  cc.RetentionDefault,
		MinCwndSegments:   cc.MinCwndSegments,
		CwndCapSegments:   cc.CwndCapSegments,
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetMetricsPort 获取监控端口
func (c *Config) GetMetricsPort() int {
	port, _ := parsePort(c.Metrics.Listen)
	return port
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# Lark 配置文件示例
# =============================================================================

# 基础配置
node_id: 0                          # 所在节点标识 (仅用于诊断)
log_level: "info"                   # 日志级别: debug, info, warn, error

# 拥塞控制参数
congestion:
  alpha_initial: 1.25               # 乘性因子初始值
  alpha_min: 1.10                   # 乘性因子下限
  alpha_max: 1.50                   # 乘性因子上限
  ecn_window_s: 1.0                 # CE 速率统计滑动窗口 (秒)
  ecn_burst_threshold: 30           # 窗口内 CE 次数达到该值判定 ECN 突发
  ecn_rate_high: 50                 # CE 速率 (次/秒) 超过该值追加 alpha 下调
  retention_loss: 0.70              # 丢包判定的窗口保留系数
  retention_ecn: 0.92               # ECN 突发判定的窗口保留系数
  retention_timeout: 0.75           # 超时判定的窗口保留系数
  retention_default: 0.90           # 兜底保留系数
  min_cwnd_segments: 4              # cwnd 下限 (段数)
  cwnd_cap_segments: 100            # BDP 未知时的 cwnd 上限 (段数)

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"                   # 监控端口
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof

# 观测导出通道 (接入外部训练/记录端时启用)
observation:
  enabled: false
  url: ""                           # ws:// 或 wss:// 地址
  psk: ""                           # 预共享密钥 (使用 --gen-psk 生成)
  buffer_size: 1024                 # 发送缓冲的观测条数，写满即丢弃
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
