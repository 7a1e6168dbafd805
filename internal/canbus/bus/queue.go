package bus

import "github.com/bwu32/canbus/internal/canbus"

// frameQueue 按canbus.Less排序的最小堆，实现heap.Interface
// 调用方负责加锁
type frameQueue []*canbus.Frame

func (q frameQueue) Len() int { return len(q) }

func (q frameQueue) Less(i, j int) bool { return canbus.Less(q[i], q[j]) }

func (q frameQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *frameQueue) Push(x interface{}) {
	*q = append(*q, x.(*canbus.Frame))
}

func (q *frameQueue) Pop() interface{} {
	old := *q
	n := len(old)
	frame := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return frame
}
