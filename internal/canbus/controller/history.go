package controller

import (
	"sync"

	"github.com/bwu32/canbus/internal/canbus"
)

// history 定长滚动样本，维护累计和以便O(1)求均值
type history struct {
	mutex   sync.Mutex
	samples []float64
	head    int
	size    int
	sum     float64
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{samples: make([]float64, capacity)}
}

func (h *history) add(v float64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	idx := (h.head + h.size) % len(h.samples)
	if h.size == len(h.samples) {
		h.sum -= h.samples[h.head]
		h.head = (h.head + 1) % len(h.samples)
	} else {
		h.size++
	}
	h.samples[idx] = v
	h.sum += v
}

func (h *history) average() float64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.size == 0 {
		return 0
	}
	return h.sum / float64(h.size)
}

func (h *history) len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.size
}

// last 最近n个样本，按时间先后
func (h *history) last(n int) []float64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if n > h.size {
		n = h.size
	}
	result := make([]float64, 0, n)
	for i := h.size - n; i < h.size; i++ {
		result = append(result, h.samples[(h.head+i)%len(h.samples)])
	}
	return result
}

// recordLog 定长接收记录
type recordLog struct {
	mutex   sync.Mutex
	records []canbus.Record
	limit   int
}

func newRecordLog(limit int) *recordLog {
	if limit <= 0 {
		limit = 1
	}
	return &recordLog{limit: limit}
}

func (l *recordLog) add(r canbus.Record) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if len(l.records) == l.limit {
		copy(l.records, l.records[1:])
		l.records = l.records[:l.limit-1]
	}
	l.records = append(l.records, r)
}

func (l *recordLog) list() []canbus.Record {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	result := make([]canbus.Record, len(l.records))
	copy(result, l.records)
	return result
}
