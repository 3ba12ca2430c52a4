// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 观测帧封印 - 单生产者有序流的计数器 nonce 密封。
//       观测通道一端只有一个发送者，且 WebSocket 按序可靠送达，
//       因此 nonce 不必随机: 纪元+单调序号既当 nonce 又当防重放凭据，
//       帧头即认证数据，线上不再携带独立的 nonce 字节。
// =============================================================================
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize       = 32
	ChannelIDSize = 4
	EpochSize     = 4
	SeqSize       = 8
	HeaderSize    = ChannelIDSize + EpochSize + SeqSize
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = chacha20poly1305.Overhead

	// FrameOverhead 密封一帧的总开销
	FrameOverhead = HeaderSize + TagSize
)

// Sealer 观测帧封印器 (发送侧)。
// 约束: 同一 PSK 在任一时刻只能有一个活跃的发送者——nonce 由
// 纪元和序号确定性导出，两个同纪元的发送者会复用 nonce。
// 观测通道由持有控制器的进程独占，天然满足这一点。
type Sealer struct {
	aead      cipher.AEAD
	channelID [ChannelIDSize]byte
	epoch     uint32 // 创建时刻 (unix 秒)，区分进程重启
	seq       uint64 // 单调帧序号
}

// New 创建封印器
func New(pskBase64 string) (*Sealer, error) {
	aead, channelID, err := deriveChannel(pskBase64)
	if err != nil {
		return nil, err
	}

	return &Sealer{
		aead:      aead,
		channelID: channelID,
		epoch:     uint32(time.Now().Unix()),
	}, nil
}

// deriveChannel 从 PSK 派生通道标识与密钥
func deriveChannel(pskBase64 string) (cipher.AEAD, [ChannelIDSize]byte, error) {
	var channelID [ChannelIDSize]byte

	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, channelID, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, channelID, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}

	reader := hkdf.New(sha256.New, psk, nil, []byte("lark-obs-channel-v1"))
	if _, err := io.ReadFull(reader, channelID[:]); err != nil {
		return nil, channelID, fmt.Errorf("派生通道标识失败: %w", err)
	}

	reader = hkdf.New(sha256.New, psk, nil, []byte("lark-obs-key-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, channelID, fmt.Errorf("派生密钥失败: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, channelID, fmt.Errorf("创建 AEAD 失败: %w", err)
	}

	return aead, channelID, nil
}

// GetChannelID 返回通道标识
func (s *Sealer) GetChannelID() [ChannelIDSize]byte {
	return s.channelID
}

// Seal 密封一帧。
// 输出: ChannelID(4) + Epoch(4) + Seq(8) + Ciphertext + Tag(16)，
// 整个帧头作为认证数据参与校验。
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	seq := atomic.AddUint64(&s.seq, 1)

	output := make([]byte, HeaderSize+len(plaintext)+TagSize)
	copy(output[:ChannelIDSize], s.channelID[:])
	binary.BigEndian.PutUint32(output[ChannelIDSize:], s.epoch)
	binary.BigEndian.PutUint64(output[ChannelIDSize+EpochSize:], seq)

	nonce := frameNonce(s.epoch, seq)
	s.aead.Seal(output[HeaderSize:HeaderSize], nonce[:], plaintext, output[:HeaderSize])

	return output, nil
}

// frameNonce 由纪元和序号确定性导出 12 字节 nonce。
// 序号进程内单调、纪元跨重启递增，(epoch, seq) 对不重复。
func frameNonce(epoch uint32, seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint32(nonce[:EpochSize], epoch)
	binary.BigEndian.PutUint64(nonce[EpochSize:], seq)
	return nonce
}

// GeneratePSK 生成新的 PSK
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}
