// =============================================================================
// 文件: internal/crypto/guard.go
// 描述: 观测帧接收侧 - 解封、纪元时效校验、单调序号防重放。
//       有序流上的防重放不需要按时间片轮换的大过滤器:
//       当前纪元只要一个高水位序号；跨重连(纪元切换)的旧帧重放
//       由一个双代布隆过滤器兜底，内存有界，误报只丢一帧遥测。
// =============================================================================
package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultMaxSkew 纪元时效的默认容差: 覆盖发送端时钟漂移
// 与长连接的存活时长
const DefaultMaxSkew = time.Hour

// Opener 观测帧解封器 (接收侧)
type Opener struct {
	aead      cipher.AEAD
	channelID [ChannelIDSize]byte
	maxSkew   time.Duration

	mu        sync.Mutex
	curEpoch  uint32
	highwater uint64
	seen      *seenFilter
	stats     GuardStats
}

// GuardStats 接收侧统计
type GuardStats struct {
	Accepted      uint64
	ReplayBlocked uint64
	StaleBlocked  uint64
	OpenErrors    uint64
}

// NewOpener 创建解封器。maxSkew <= 0 时使用 DefaultMaxSkew。
func NewOpener(pskBase64 string, maxSkew time.Duration) (*Opener, error) {
	aead, channelID, err := deriveChannel(pskBase64)
	if err != nil {
		return nil, err
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	return &Opener{
		aead:      aead,
		channelID: channelID,
		maxSkew:   maxSkew,
		seen:      newSeenFilter(),
	}, nil
}

// Open 验证并解封一帧
func (o *Opener) Open(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize+TagSize {
		return nil, fmt.Errorf("帧太短")
	}

	var channelID [ChannelIDSize]byte
	copy(channelID[:], frame[:ChannelIDSize])
	if channelID != o.channelID {
		return nil, fmt.Errorf("通道标识不匹配")
	}

	epoch := binary.BigEndian.Uint32(frame[ChannelIDSize:])
	seq := binary.BigEndian.Uint64(frame[ChannelIDSize+EpochSize:])

	o.mu.Lock()
	defer o.mu.Unlock()

	// 纪元时效: 纪元是发送端的创建时刻，过旧的帧来自早已不在的发送者
	age := time.Now().Unix() - int64(epoch)
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > o.maxSkew {
		o.stats.StaleBlocked++
		return nil, fmt.Errorf("纪元过期")
	}

	// 防重放: 当前纪元靠高水位，旧纪元靠双代过滤器
	nonce := frameNonce(epoch, seq)
	switch {
	case epoch == o.curEpoch && seq <= o.highwater:
		o.stats.ReplayBlocked++
		return nil, fmt.Errorf("重放帧")
	case epoch != o.curEpoch && o.seen.test(nonce[:]):
		o.stats.ReplayBlocked++
		return nil, fmt.Errorf("重放帧")
	}

	plaintext, err := o.aead.Open(nil, nonce[:], frame[HeaderSize:], frame[:HeaderSize])
	if err != nil {
		// 校验失败不占用序号，真帧随后仍可通过
		o.stats.OpenErrors++
		return nil, fmt.Errorf("解封失败")
	}

	if epoch > o.curEpoch {
		// 发送端重启，切换到新纪元
		o.curEpoch = epoch
		o.highwater = seq
	} else if epoch == o.curEpoch && seq > o.highwater {
		o.highwater = seq
	}
	o.seen.add(nonce[:])
	o.stats.Accepted++

	return plaintext, nil
}

// Stats 返回接收侧统计
func (o *Opener) Stats() GuardStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// seenFilter 双代布隆过滤器: 当前代写满即翻代，查询覆盖两代。
// 没有后台协程，翻代由写入量驱动，调用方负责加锁。
type seenFilter struct {
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	curCount int
}

const (
	seenExpectedItems = 50000
	seenFalsePositive = 0.0001
)

func newSeenFilter() *seenFilter {
	return &seenFilter{
		cur: bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive),
	}
}

func (f *seenFilter) test(fp []byte) bool {
	if f.cur.Test(fp) {
		return true
	}
	return f.prev != nil && f.prev.Test(fp)
}

func (f *seenFilter) add(fp []byte) {
	f.cur.Add(fp)
	f.curCount++
	if f.curCount >= seenExpectedItems {
		f.prev = f.cur
		f.cur = bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive)
		f.curCount = 0
	}
}
