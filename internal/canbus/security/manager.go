/*
Package security 提供CAN报文安全管线

安全管理器维护四项可独立开关的安全措施：
  - 加密：AES-128-CBC，每次随机IV并前置于密文
  - 认证：HMAC-SHA256追加于负载之后
  - 速率限制：按仲裁ID统计最近窗口内的发送次数
  - 入侵检测：按仲裁ID学习报文间隔基线，检测频率异常

管理器同时负责密钥、累计统计计数器与各措施最近一次的处理开销。
所有方法均可被多个生产者并发调用。
*/
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/config"
)

const (
	aesKeySize  = 16
	hmacKeySize = 32
	masterSize  = 32
)

// Stats 累计安全统计，进程生命周期内单调递增
type Stats struct {
	MessagesEncrypted     uint64 `json:"messages_encrypted"`
	MessagesAuthenticated uint64 `json:"messages_authenticated"`
	RateLimitViolations   uint64 `json:"rate_limit_violations"`
	AnomaliesDetected     uint64 `json:"anomalies_detected"`
}

// Manager 安全管理器
type Manager struct {
	cfg config.Security

	// 措施开关，下一次收发即生效
	measures map[canbus.Measure]*atomic.Bool

	aesKey  []byte
	sealKey []byte
	hmacKey []byte

	// 速率窗口 ID -> 最近发送时间
	windowMutex sync.RWMutex
	windows     map[uint32]*rateWindow

	ids *detector

	// 累计计数器
	encrypted     atomic.Uint64
	authenticated atomic.Uint64
	violations    atomic.Uint64
	anomalies     atomic.Uint64

	// 各措施最近一次开销（纳秒），每次使用覆盖
	overhead map[canbus.Measure]*atomic.Int64

	now func() time.Time
}

// NewManager 创建安全管理器
// 主密钥为空时随机生成，AES与HMAC密钥通过HKDF派生
func NewManager(cfg config.Security) (*Manager, error) {
	master, err := masterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	aesKey, err := deriveKey(master, "cansim aes-128-cbc", aesKeySize)
	if err != nil {
		return nil, err
	}
	sealKey, err := deriveKey(master, "cansim cbc-seal", hmacKeySize)
	if err != nil {
		return nil, err
	}
	hmacKey, err := deriveKey(master, "cansim hmac-sha256", hmacKeySize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		measures: make(map[canbus.Measure]*atomic.Bool, len(canbus.Measures)),
		aesKey:   aesKey,
		sealKey:  sealKey,
		hmacKey:  hmacKey,
		windows:  make(map[uint32]*rateWindow),
		overhead: make(map[canbus.Measure]*atomic.Int64, len(canbus.Measures)),
		now:      time.Now,
	}
	m.ids = newDetector(cfg.IDSMinimumSamples, cfg.IDSMinimumRecent, cfg.IDSAnomalyMultiplier)

	for _, measure := range canbus.Measures {
		m.measures[measure] = &atomic.Bool{}
		m.overhead[measure] = &atomic.Int64{}
		if cfg.Defaults[string(measure)] {
			m.measures[measure].Store(true)
		}
	}
	return m, nil
}

func masterKey(hexKey string) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode master key: %w", err)
		}
		return key, nil
	}
	key := make([]byte, masterSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

func deriveKey(master []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

// Toggle 开关安全措施，未知措施返回false
func (m *Manager) Toggle(measure canbus.Measure, enabled bool) bool {
	flag, ok := m.measures[measure]
	if !ok {
		return false
	}
	flag.Store(enabled)
	log.WithFields(log.Fields{
		"measure": measure,
		"enabled": enabled,
	}).Info("Security measure toggled")
	return true
}

// Enabled 查询安全措施是否开启
func (m *Manager) Enabled(measure canbus.Measure) bool {
	flag, ok := m.measures[measure]
	return ok && flag.Load()
}

// Measures 返回全部措施开关快照
func (m *Manager) Measures() map[canbus.Measure]bool {
	result := make(map[canbus.Measure]bool, len(m.measures))
	for measure, flag := range m.measures {
		result[measure] = flag.Load()
	}
	return result
}

// Stats 返回累计统计快照
func (m *Manager) Stats() Stats {
	return Stats{
		MessagesEncrypted:     m.encrypted.Load(),
		MessagesAuthenticated: m.authenticated.Load(),
		RateLimitViolations:   m.violations.Load(),
		AnomaliesDetected:     m.anomalies.Load(),
	}
}

// Overhead 返回各措施最近一次的处理开销
func (m *Manager) Overhead() map[canbus.Measure]time.Duration {
	result := make(map[canbus.Measure]time.Duration, len(m.overhead))
	for measure, v := range m.overhead {
		result[measure] = time.Duration(v.Load())
	}
	return result
}

// Phase 返回IDS当前阶段
func (m *Manager) Phase() Phase {
	return m.ids.phase()
}

// FinishLearning 结束IDS学习阶段，基线自此冻结
func (m *Manager) FinishLearning() {
	if m.ids.finish() {
		log.WithField("baselines", m.ids.baselineCount()).Info("IDS learning phase finished")
	}
}

// Baseline 返回某ID的IDS基线
func (m *Manager) Baseline(id uint32) (Baseline, bool) {
	return m.ids.baseline(id)
}

func (m *Manager) recordOverhead(measure canbus.Measure, d time.Duration) {
	m.overhead[measure].Store(int64(d))
}

// window 获取或创建ID对应的速率窗口
func (m *Manager) window(id uint32) *rateWindow {
	m.windowMutex.RLock()
	w, ok := m.windows[id]
	m.windowMutex.RUnlock()
	if ok {
		return w
	}

	m.windowMutex.Lock()
	defer m.windowMutex.Unlock()
	if w, ok = m.windows[id]; !ok {
		w = newRateWindow(m.cfg.RateWindowCapacity)
		m.windows[id] = w
	}
	return w
}
