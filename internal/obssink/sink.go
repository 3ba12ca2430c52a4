// =============================================================================
// 文件: internal/obssink/sink.go
// 描述: 观测导出通道 - WebSocket 传输密封的观测帧
// =============================================================================
package obssink

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/lark/internal/congestion"
	"github.com/mrcgq/lark/internal/crypto"
)

const (
	// FrameSize 明文帧大小: 15 个大端 uint64
	FrameSize = 15 * 8

	dialTimeout      = 5 * time.Second
	writeTimeout     = 3 * time.Second
	redialBackoff    = time.Second
	redialBackoffMax = 30 * time.Second
)

// Sink 观测导出端。Emit 永不阻塞: 控制器在宿主回调里持锁调用，
// 缓冲写满时直接丢弃观测帧而不是拖慢决策路径。
type Sink struct {
	url    string
	sealer *crypto.Sealer
	logger *log.Logger

	buf    chan congestion.Observation
	stopCh chan struct{}
	wg     sync.WaitGroup

	// 统计
	emitted     uint64
	dropped     uint64
	written     uint64
	writeErrors uint64
	connected   int32
}

// Stats 导出端统计
type Stats struct {
	Emitted     uint64
	Dropped     uint64
	Written     uint64
	WriteErrors uint64
}

// New 创建并启动导出端。url 必须是 ws:// 或 wss:// 地址。
func New(url, pskBase64 string, bufferSize int) (*Sink, error) {
	sealer, err := crypto.New(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("创建封印器失败: %w", err)
	}
	if bufferSize < 1 {
		return nil, fmt.Errorf("buffer_size 必须为正数")
	}

	s := &Sink{
		url:    url,
		sealer: sealer,
		logger: log.Default(),
		buf:    make(chan congestion.Observation, bufferSize),
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// SetLogger 替换连接告警使用的 logger，传 nil 恢复 log.Default()
func (s *Sink) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.Default()
	}
	s.logger = l
}

// Emit 实现 congestion.ObservationSink
func (s *Sink) Emit(obs congestion.Observation) {
	atomic.AddUint64(&s.emitted, 1)
	select {
	case s.buf <- obs:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Close 停止导出端并等待发送协程退出
func (s *Sink) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Connected 报告当前是否持有活跃连接，供健康检查使用
func (s *Sink) Connected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// GetStats 返回导出端统计
func (s *Sink) GetStats() Stats {
	return Stats{
		Emitted:     atomic.LoadUint64(&s.emitted),
		Dropped:     atomic.LoadUint64(&s.dropped),
		Written:     atomic.LoadUint64(&s.written),
		WriteErrors: atomic.LoadUint64(&s.writeErrors),
	}
}

// writeLoop 串行发送: 逐帧编码、密封、写出，
// 连接断开时带退避重拨。
func (s *Sink) writeLoop() {
	defer s.wg.Done()

	var conn *websocket.Conn
	backoff := redialBackoff

	defer func() {
		atomic.StoreInt32(&s.connected, 0)
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case obs := <-s.buf:
			if conn == nil {
				c, err := s.dial()
				if err != nil {
					atomic.AddUint64(&s.writeErrors, 1)
					s.logger.Printf("obssink: 连接失败: %v", err)
					if !s.sleep(backoff) {
						return
					}
					backoff = nextBackoff(backoff)
					continue
				}
				conn = c
				backoff = redialBackoff
				atomic.StoreInt32(&s.connected, 1)
			}

			frame, err := s.sealFrame(obs)
			if err != nil {
				atomic.AddUint64(&s.writeErrors, 1)
				s.logger.Printf("obssink: 密封失败: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				atomic.AddUint64(&s.writeErrors, 1)
				s.logger.Printf("obssink: 写入失败: %v", err)
				conn.Close()
				conn = nil
				atomic.StoreInt32(&s.connected, 0)
				continue
			}
			atomic.AddUint64(&s.written, 1)
		}
	}
}

func (s *Sink) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	return conn, err
}

// sealFrame 序列化 15 字段向量并密封
func (s *Sink) sealFrame(obs congestion.Observation) ([]byte, error) {
	vector := obs.ToVector()
	plain := make([]byte, FrameSize)
	for i, v := range vector {
		binary.BigEndian.PutUint64(plain[i*8:], v)
	}
	return s.sealer.Seal(plain)
}

// sleep 可中断地等待。返回 false 表示已收到停止信号。
func (s *Sink) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > redialBackoffMax {
		d = redialBackoffMax
	}
	return d
}

// DecodeFrame 解封并还原 15 字段向量，供接收端使用
func DecodeFrame(opener *crypto.Opener, frame []byte) ([15]uint64, error) {
	var vector [15]uint64

	plain, err := opener.Open(frame)
	if err != nil {
		return vector, err
	}
	if len(plain) != FrameSize {
		return vector, fmt.Errorf("帧长度错误: got %d, want %d", len(plain), FrameSize)
	}

	for i := range vector {
		vector[i] = binary.BigEndian.Uint64(plain[i*8:])
	}
	return vector, nil
}
