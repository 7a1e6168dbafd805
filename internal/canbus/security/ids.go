package security

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwu32/canbus/internal/canbus"
)

// Phase IDS阶段
type Phase int32

const (
	// PhaseLearning 学习阶段，只采样不判定
	PhaseLearning Phase = iota
	// PhaseDetecting 检测阶段，基线冻结
	PhaseDetecting
)

func (p Phase) String() string {
	switch p {
	case PhaseLearning:
		return "learning"
	case PhaseDetecting:
		return "detecting"
	default:
		return "unknown"
	}
}

// Baseline 某ID学习到的报文间隔基线
type Baseline struct {
	Count       int           `json:"count"`
	AvgInterval time.Duration `json:"avg_interval"`
}

// detector 两阶段频率异常检测器
type detector struct {
	mutex      sync.Mutex
	state      atomic.Int32
	samples    map[uint32][]time.Time
	baselines  map[uint32]Baseline
	minSamples int
	minRecent  int
	multiplier float64
}

func newDetector(minSamples, minRecent int, multiplier float64) *detector {
	return &detector{
		samples:    make(map[uint32][]time.Time),
		baselines:  make(map[uint32]Baseline),
		minSamples: minSamples,
		minRecent:  minRecent,
		multiplier: multiplier,
	}
}

func (d *detector) phase() Phase {
	return Phase(d.state.Load())
}

// finish 切换到检测阶段，只有第一次调用返回true
func (d *detector) finish() bool {
	if !d.state.CompareAndSwap(int32(PhaseLearning), int32(PhaseDetecting)) {
		return false
	}
	d.mutex.Lock()
	d.samples = nil
	d.mutex.Unlock()
	return true
}

// learn 记录学习样本，样本数达到下限后每次重新计算基线
func (d *detector) learn(id uint32, now time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// 并发的finish可能已清空样本
	if d.samples == nil {
		return
	}

	samples := append(d.samples[id], now)
	d.samples[id] = samples
	if len(samples) < d.minSamples {
		return
	}
	d.baselines[id] = Baseline{
		Count:       len(samples),
		AvgInterval: averageInterval(samples),
	}
}

func (d *detector) baseline(id uint32) (Baseline, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	b, ok := d.baselines[id]
	return b, ok
}

func (d *detector) baselineCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.baselines)
}

// averageInterval 有序时间序列的平均间隔
func averageInterval(times []time.Time) time.Duration {
	if len(times) < 2 {
		return 0
	}
	return times[len(times)-1].Sub(times[0]) / time.Duration(len(times)-1)
}

// CheckAnomaly IDS检查
// 学习阶段只采样并总是通过；检测阶段若最近窗口的平均间隔
// 小于基线间隔除以倍数则判定异常。异常只用于告警，不阻断发送
func (m *Manager) CheckAnomaly(id uint32) (bool, time.Duration, time.Duration) {
	start := time.Now()
	now := m.now()

	ok, recent := m.checkAnomaly(id, now)

	overhead := time.Since(start)
	m.recordOverhead(canbus.MeasureIDS, overhead)
	if !ok {
		m.anomalies.Add(1)
	}
	return ok, overhead, recent
}

func (m *Manager) checkAnomaly(id uint32, now time.Time) (bool, time.Duration) {
	if m.ids.phase() == PhaseLearning {
		m.ids.learn(id, now)
		return true, 0
	}

	// 速率限制关闭时窗口不会被填充，由IDS自行记录本次发送
	w := m.window(id)
	if !m.Enabled(canbus.MeasureRateLimiting) {
		w.add(now)
	}

	baseline, ok := m.ids.baseline(id)
	if !ok || baseline.AvgInterval == 0 {
		return true, 0
	}

	recent := w.since(now, m.cfg.RateLimitWindow.Duration)
	if len(recent) < m.ids.minRecent {
		return true, 0
	}

	avg := averageInterval(recent)
	threshold := time.Duration(float64(baseline.AvgInterval) / m.ids.multiplier)
	if avg < threshold {
		return false, avg
	}
	return true, avg
}
