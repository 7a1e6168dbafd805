package attack

import (
	"context"

	"github.com/bwu32/canbus/internal/canbus"
)

// captured 预先截获的合法报文
var captured = []struct {
	id      uint32
	payload []byte
}{
	{id: canbus.IDEngineRPM, payload: []byte{0x0B, 0xB8}}, // 3000 rpm
	{id: canbus.IDGearPosition, payload: []byte{0x03}},
}

// Replay 重放攻击
type Replay struct {
	m *Manager
}

// NewReplay 创建重放攻击
func NewReplay(m *Manager) *Replay {
	return &Replay{m: m}
}

// Profile 攻击声明
func (a *Replay) Profile() Profile {
	p := Profile{
		Name:        NameReplay,
		TargetNodes: []string{canbus.NodeEngine},
		EffectNodes: []string{canbus.NodeEngine},
	}
	for _, c := range captured {
		p.TargetIDs = append(p.TargetIDs, c.id)
	}
	return p
}

// Execute 重放循环，每条截获报文突发重放若干次
// 速率限制可拦截；IDS与认证只检测，重放帧本身是合法字节
func (a *Replay) Execute(ctx context.Context) {
	stats := a.m.statistics(NameReplay)
	sec := a.m.security
	cfg := a.m.cfg

	for a.m.running(ctx, NameReplay) {
		for _, c := range captured {
			for i := 0; i < cfg.ReplayBurstCount; i++ {
				if !a.m.running(ctx, NameReplay) {
					return
				}

				blocked, detected := false, false
				if sec.Enabled(canbus.MeasureRateLimiting) {
					if ok, _, _ := sec.CheckRateLimit(c.id); !ok {
						blocked, detected = true, true
					}
				}
				if !blocked && sec.Enabled(canbus.MeasureIDS) {
					if ok, _, _ := sec.CheckAnomaly(c.id); !ok {
						detected = true
					}
				}
				if !blocked && sec.Enabled(canbus.MeasureAuthentication) {
					detected = true
				}
				stats.attempt(blocked, detected)

				if !blocked {
					a.m.bus.Send(&canbus.Frame{
						ArbitrationID: c.id,
						Payload:       append([]byte(nil), c.payload...),
						BitLength:     canbus.DefaultFrameBits,
						Source:        canbus.SourceAttacker,
					})
					stats.success()
					a.m.markCompromised(NameReplay, canbus.NodeEngine)
				}

				if !pause(ctx, cfg.ReplayBurstDelay.Duration) {
					return
				}
			}
		}

		if !pause(ctx, cfg.ReplayInterval.Duration) {
			return
		}
	}
}

// Stop 重放攻击没有额外状态
func (a *Replay) Stop() {}
