package attack

import (
	"bytes"
	"context"

	"github.com/bwu32/canbus/internal/canbus"
)

// BusFlooding 总线洪泛攻击
// 以最高优先级ID持续发送，使合法报文在仲裁中饿死
type BusFlooding struct {
	m *Manager
}

// NewBusFlooding 创建洪泛攻击
func NewBusFlooding(m *Manager) *BusFlooding {
	return &BusFlooding{m: m}
}

// Profile 攻击声明
// 洪泛不针对具体报文，不声明目标ID
func (a *BusFlooding) Profile() Profile {
	return Profile{
		Name:        NameBusFlooding,
		TargetNodes: []string{canbus.NodeBusFlooder},
	}
}

// Execute 洪泛循环
// 速率限制拦截的帧不上总线；IDS只检测不拦截
func (a *BusFlooding) Execute(ctx context.Context) {
	stats := a.m.statistics(NameBusFlooding)
	sec := a.m.security
	a.m.setBusCompromised(NameBusFlooding)

	for a.m.running(ctx, NameBusFlooding) {
		blocked, detected := false, false
		if sec.Enabled(canbus.MeasureRateLimiting) {
			if ok, _, _ := sec.CheckRateLimit(canbus.IDFlood); !ok {
				blocked, detected = true, true
			}
		}
		if !blocked && sec.Enabled(canbus.MeasureIDS) {
			if ok, _, _ := sec.CheckAnomaly(canbus.IDFlood); !ok {
				detected = true
			}
		}
		stats.attempt(blocked, detected)

		if !blocked {
			a.m.bus.Send(&canbus.Frame{
				ArbitrationID: canbus.IDFlood,
				Payload:       bytes.Repeat([]byte{0xFF}, 8),
				BitLength:     canbus.DefaultFrameBits,
				Source:        canbus.SourceAttacker,
			})
			stats.success()
			a.m.setBusCompromised(NameBusFlooding)
		}

		if !pause(ctx, a.m.cfg.FloodInterval.Duration) {
			return
		}
	}
}

// Stop 清除总线被攻陷标记，调用方持有管理器锁
func (a *BusFlooding) Stop() {
	a.m.bus.SetCompromised(false)
}
