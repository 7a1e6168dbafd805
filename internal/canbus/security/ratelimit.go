package security

import (
	"sync"
	"time"

	"github.com/bwu32/canbus/internal/canbus"
)

// rateWindow 有界的发送时间环形缓冲，按时间升序
type rateWindow struct {
	mutex sync.Mutex
	times []time.Time
	head  int
	size  int
}

func newRateWindow(capacity int) *rateWindow {
	return &rateWindow{times: make([]time.Time, capacity)}
}

// add 追加时间戳，满时覆盖最旧的条目
func (w *rateWindow) add(t time.Time) {
	w.mutex.Lock()
	w.addLocked(t)
	w.mutex.Unlock()
}

func (w *rateWindow) addLocked(t time.Time) {
	w.times[(w.head+w.size)%len(w.times)] = t
	if w.size < len(w.times) {
		w.size++
	} else {
		w.head = (w.head + 1) % len(w.times)
	}
}

// record 追加时间戳并返回窗口内的条目数
func (w *rateWindow) record(now time.Time, window time.Duration) int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.addLocked(now)
	count := 0
	for i := 0; i < w.size; i++ {
		if now.Sub(w.times[(w.head+i)%len(w.times)]) < window {
			count++
		}
	}
	return count
}

// since 返回窗口内的时间戳副本
func (w *rateWindow) since(now time.Time, window time.Duration) []time.Time {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	result := make([]time.Time, 0, w.size)
	for i := 0; i < w.size; i++ {
		t := w.times[(w.head+i)%len(w.times)]
		if now.Sub(t) < window {
			result = append(result, t)
		}
	}
	return result
}

// CheckRateLimit 记录一次发送并检查该ID在窗口内的发送次数
// 超过阈值时返回false，调用方必须丢弃该帧
func (m *Manager) CheckRateLimit(id uint32) (bool, time.Duration, int) {
	start := time.Now()

	count := m.window(id).record(m.now(), m.cfg.RateLimitWindow.Duration)

	overhead := time.Since(start)
	m.recordOverhead(canbus.MeasureRateLimiting, overhead)

	if count > m.cfg.RateLimitThreshold {
		m.violations.Add(1)
		return false, overhead, count
	}
	return true, overhead, count
}

// RateLimitThreshold 当前生效的速率阈值
func (m *Manager) RateLimitThreshold() int {
	return m.cfg.RateLimitThreshold
}
