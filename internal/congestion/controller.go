// =============================================================================
// 文件: internal/congestion/controller.go
// 描述: 单连接 Lark 控制器与六个调度入口
// =============================================================================
package congestion

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// nextUUID 进程级单调计数器。这是所有实例之间唯一的共享可变量，
// 其余字段都归属于恰好一个连接的控制器。
var nextUUID uint64

func mintUUID() uint64 {
	return atomic.AddUint64(&nextUUID, 1)
}

// stateTransition 记录一次 CongestionStateSet，仅用于诊断快照，
// 对窗口计算没有任何影响。
type stateTransition struct {
	state CAState
	at    time.Time
}

// Controller 单连接 Lark 状态。宿主传输层持有唯一引用，
// 连接拆除时直接丢弃指针即可，没有需要注销的全局注册表。
type Controller struct {
	uuid   uint64
	nodeID uint64
	cfg    Config
	logger *log.Logger

	mu sync.Mutex

	alpha              float64
	peakThroughput     float64
	minRTT             time.Duration
	lastRTT            time.Duration
	consecutiveGrowth  uint64
	ecnEvents          *ecnRing
	lastCongestionTime time.Time
	totalBytesAcked    uint64
	lastVerdict        Verdict
	connStart          time.Time
	stateHistory       []stateTransition

	dedup *dedupGuard

	sink ObservationSink
}

// ObservationSink 外部观测通道。nil 表示未接入，
// 此时观测向量的组装整体跳过，运行时决策不依赖它。
type ObservationSink interface {
	Emit(Observation)
}

// NewController 为一条连接创建新的控制器。
// nodeID 标识所在节点，仅用于诊断。
func NewController(nodeID uint64, cfg Config) *Controller {
	return &Controller{
		uuid:      mintUUID(),
		nodeID:    nodeID,
		cfg:       cfg,
		logger:    log.Default(),
		alpha:     cfg.AlphaInitial,
		ecnEvents: newECNRing(cfg.ECNWindow),
		dedup:     newDedupGuard(),
	}
}

// SetLogger 替换契约违规告警使用的 logger，传 nil 恢复 log.Default()
func (c *Controller) SetLogger(l *log.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = log.Default()
	}
	c.logger = l
}

// SetObservationSink 接入或断开外部观测通道
func (c *Controller) SetObservationSink(sink ObservationSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Name 返回控制器标识
func (c *Controller) Name() string { return "Lark" }

// UUID 返回连接的单调标识符
func (c *Controller) UUID() uint64 { return c.uuid }

func (c *Controller) warn(callback string, reason string) {
	c.logger.Printf("lark: warn: %s: %s", callback, reason)
}

// GetSsThresh 丢失路径入口: 运行融合检测与窗口策略的拥塞事件分支，
// 返回新的 ssthresh 并同步压低 tcb.Cwnd。
func (c *Controller) GetSsThresh(tcb *TCB, bytesInFlight uint64) uint64 {
	if tcb == nil {
		c.warn("GetSsThresh", "nil tcb")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	verdict := c.classify(tcb, ContextLossSsThresh)
	c.lastVerdict = verdict
	if verdict != VerdictBenign {
		c.lastCongestionTime = time.Now()
	}
	c.consecutiveGrowth = 0

	// 观测快照必须先于窗口改写: 外部策略要用决策前的宿主状态
	// 对照自己的动作
	c.emitObservation(tcb, ContextLossSsThresh, 0, verdict)

	return c.applyCongestionEvent(tcb, bytesInFlight, verdict)
}

// IncreaseWindow 增长路径入口: 依次运行融合检测、alpha 调节、
// 窗口策略增长分支，就地改写 tcb.Cwnd。
func (c *Controller) IncreaseWindow(tcb *TCB, segmentsAcked uint64) {
	if tcb == nil {
		c.warn("IncreaseWindow", "nil tcb")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	verdict := c.classify(tcb, ContextIncrease)
	c.lastVerdict = verdict
	if verdict != VerdictBenign {
		c.lastCongestionTime = time.Now()
		c.consecutiveGrowth = 0
	}

	// 同样先快照再改写
	c.emitObservation(tcb, ContextIncrease, segmentsAcked, verdict)

	c.updateAlpha(tcb)
	c.applyIncrease(tcb, segmentsAcked)
}

// PktsAcked 仅更新度量，不动窗口。
// 同一 (segmentsAcked, rtt, 在途字节数) 在极短时间内重复送达时幂等。
func (c *Controller) PktsAcked(tcb *TCB, segmentsAcked uint64, rtt time.Duration) {
	if tcb == nil {
		c.warn("PktsAcked", "nil tcb")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.dedup.seen(segmentsAcked, rtt, tcb.BytesInFlight, now) {
		return
	}

	if c.connStart.IsZero() {
		c.connStart = now
	}

	c.minRTT = tcb.MinRTT
	if rtt > 0 {
		c.lastRTT = rtt
		c.recordAcked(tcb, segmentsAcked, now)
	}
}

// CongestionStateSet 记录宿主的粗粒度状态切换，仅供诊断，不动窗口
func (c *Controller) CongestionStateSet(tcb *TCB, newState CAState) {
	if tcb == nil {
		c.warn("CongestionStateSet", "nil tcb")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateHistory = append(c.stateHistory, stateTransition{state: newState, at: time.Now()})
	if len(c.stateHistory) > 64 {
		c.stateHistory = c.stateHistory[len(c.stateHistory)-64:]
	}
}

// CwndEvent 按事件种类更新 ECN 跟踪
func (c *Controller) CwndEvent(tcb *TCB, event CAEvent) {
	if tcb == nil {
		c.warn("CwndEvent", "nil tcb")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch event {
	case CAEventEcnIsCe:
		c.ecnEvents.add(time.Now())
	case CAEventEcnNoCe:
		// 近期是否有 CE 标记由环在读取时按时效推导，没有单独的标志要清
	}
}

// Fork 创建独立的新控制器: 度量全部清零，alpha 延续当前值——
// 派生连接与原连接处在同一网络条件下。
func (c *Controller) Fork() *Controller {
	c.mu.Lock()
	alpha := c.alpha
	cfg := c.cfg
	nodeID := c.nodeID
	c.mu.Unlock()

	forked := NewController(nodeID, cfg)
	forked.alpha = alpha
	return forked
}

// GetStats 返回单连接状态的只读快照
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		UUID:               c.uuid,
		NodeID:             c.nodeID,
		Alpha:              c.alpha,
		PeakThroughput:     c.peakThroughput,
		MinRTT:             c.minRTT,
		LastRTT:            c.lastRTT,
		ConsecutiveGrowth:  c.consecutiveGrowth,
		TotalBytesAcked:    c.totalBytesAcked,
		ECNEventCount:      c.ecnEvents.len(time.Now()),
		LastVerdict:        c.lastVerdict,
		LastCongestionTime: c.lastCongestionTime,
	}
}

// StateTransition 一次宿主状态切换记录
type StateTransition struct {
	State CAState
	At    time.Time
}

// GetStateHistory 返回最近的状态切换记录（倒序）
func (c *Controller) GetStateHistory(limit int) []StateTransition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.stateHistory) {
		limit = len(c.stateHistory)
	}

	result := make([]StateTransition, limit)
	for i := 0; i < limit; i++ {
		st := c.stateHistory[len(c.stateHistory)-1-i]
		result[i] = StateTransition{State: st.state, At: st.at}
	}
	return result
}

func (c *Controller) emitObservation(tcb *TCB, ctx CallingContext, segmentsAcked uint64, verdict Verdict) {
	if c.sink == nil {
		return
	}
	obs := c.buildObservation(tcb, ctx, segmentsAcked, verdict)
	c.sink.Emit(obs)
}
