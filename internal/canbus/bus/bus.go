/*
Package bus 提供虚拟CAN总线

总线是按优先级仲裁的共享传输介质：
  - 任意数量的生产者并发调用Send入队
  - 单一仲裁循环按优先级出队、模拟传输时延并广播
  - 广播按注册顺序同步调用每个接收者

总线本身从不丢帧，安全策略造成的丢弃发生在控制器上游。
*/
package bus

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus"
)

// Receiver 总线接收者，由控制器实现
type Receiver interface {
	Name() string
	Receive(frame *canbus.Frame)
}

// Bus 虚拟CAN总线
type Bus struct {
	mutex sync.Mutex
	queue frameQueue

	receiverMutex sync.RWMutex
	receivers     []Receiver

	bitrate  int
	idlePoll time.Duration

	totalMessages atomic.Uint64
	compromised   atomic.Bool

	// 每帧广播完成后的回调
	onTransmit func(frame *canbus.Frame, receivers []Receiver)

	now func() time.Time
}

// NewBus 创建总线
func NewBus(bitrate int, idlePoll time.Duration) *Bus {
	if idlePoll <= 0 {
		idlePoll = 100 * time.Microsecond
	}
	return &Bus{
		bitrate:  bitrate,
		idlePoll: idlePoll,
		now:      time.Now,
	}
}

// SetOnTransmit 设置帧传输完成回调，必须在Run之前调用
func (b *Bus) SetOnTransmit(cb func(frame *canbus.Frame, receivers []Receiver)) {
	b.onTransmit = cb
}

// Register 注册接收者，广播按注册顺序进行
func (b *Bus) Register(r Receiver) {
	b.receiverMutex.Lock()
	defer b.receiverMutex.Unlock()
	b.receivers = append(b.receivers, r)
}

// Receivers 返回已注册接收者
func (b *Bus) Receivers() []Receiver {
	b.receiverMutex.RLock()
	defer b.receiverMutex.RUnlock()
	result := make([]Receiver, len(b.receivers))
	copy(result, b.receivers)
	return result
}

// Send 帧入队，未设置入队时间的帧以当前时间补齐
func (b *Bus) Send(frame *canbus.Frame) {
	if frame.EnqueuedAt.IsZero() {
		frame.EnqueuedAt = b.now()
	}
	b.mutex.Lock()
	heap.Push(&b.queue, frame)
	b.mutex.Unlock()
}

// Pending 待发送帧数
func (b *Bus) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.queue.Len()
}

// pop 取出最高优先级帧，无帧时返回nil
func (b *Bus) pop() *canbus.Frame {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&b.queue).(*canbus.Frame)
}

// Run 仲裁循环，直到ctx取消
func (b *Bus) Run(ctx context.Context) error {
	log.WithField("bitrate", b.bitrate).Info("CAN bus arbitration started")
	defer log.Info("CAN bus arbitration stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !b.Step() {
			time.Sleep(b.idlePoll)
		}
	}
}

// Step 仲裁一帧：出队、模拟传输、广播；无待发送帧时返回false
func (b *Bus) Step() bool {
	frame := b.pop()
	if frame == nil {
		return false
	}

	b.totalMessages.Add(1)
	time.Sleep(b.TransmissionTime(frame))

	receivers := b.Receivers()
	for _, r := range receivers {
		r.Receive(frame)
	}
	if b.onTransmit != nil {
		b.onTransmit(frame, receivers)
	}
	return true
}

// TransmissionTime 帧传输时长 = 比特数 / 比特率
func (b *Bus) TransmissionTime(frame *canbus.Frame) time.Duration {
	bits := frame.BitLength
	if bits <= 0 {
		bits = canbus.DefaultFrameBits
	}
	return time.Duration(bits) * time.Second / time.Duration(b.bitrate)
}

// TotalMessages 已传输帧总数
func (b *Bus) TotalMessages() uint64 {
	return b.totalMessages.Load()
}

// SetCompromised 由攻击代码设置/清除总线被攻陷标记
func (b *Bus) SetCompromised(v bool) {
	b.compromised.Store(v)
}

// Compromised 总线是否被攻陷
func (b *Bus) Compromised() bool {
	return b.compromised.Load()
}
