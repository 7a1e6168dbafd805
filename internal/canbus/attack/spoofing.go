package attack

import (
	"context"

	"github.com/bwu32/canbus/internal/canbus"
)

// spoofTarget 伪造目标：ID、恶意负载、得手后被攻陷的节点
type spoofTarget struct {
	id      uint32
	payload []byte
	node    string
}

var spoofTargets = []spoofTarget{
	{id: canbus.IDBrakePressure, payload: []byte{0x00}, node: canbus.NodeBrake}, // 制动压力归零
	{id: canbus.IDDoorLocks, payload: []byte{0x00}, node: canbus.NodeBody},      // 解锁车门
	{id: canbus.IDLights, payload: []byte{0x00}, node: canbus.NodeBody},         // 关闭灯光
}

// Spoofing 报文伪造攻击
type Spoofing struct {
	m *Manager
}

// NewSpoofing 创建伪造攻击
func NewSpoofing(m *Manager) *Spoofing {
	return &Spoofing{m: m}
}

// Profile 攻击声明
func (a *Spoofing) Profile() Profile {
	p := Profile{
		Name:        NameSpoofing,
		TargetNodes: []string{canbus.NodeBody},
	}
	seen := make(map[string]bool)
	for _, t := range spoofTargets {
		p.TargetIDs = append(p.TargetIDs, t.id)
		if !seen[t.node] {
			seen[t.node] = true
			p.EffectNodes = append(p.EffectNodes, t.node)
		}
	}
	return p
}

// Execute 伪造循环
// 攻击者没有密钥：认证开启时伪造帧无法通过MAC校验，
// 加密开启时明文负载无法解密，两者都计为检测并拦截
func (a *Spoofing) Execute(ctx context.Context) {
	stats := a.m.statistics(NameSpoofing)
	sec := a.m.security

	for a.m.running(ctx, NameSpoofing) {
		for _, t := range spoofTargets {
			if !a.m.running(ctx, NameSpoofing) {
				return
			}

			if sec.Enabled(canbus.MeasureAuthentication) || sec.Enabled(canbus.MeasureEncryption) {
				stats.attempt(true, true)
				continue
			}

			stats.attempt(false, false)
			a.m.bus.Send(&canbus.Frame{
				ArbitrationID: t.id,
				Payload:       append([]byte(nil), t.payload...),
				BitLength:     canbus.DefaultFrameBits,
				Source:        canbus.SourceAttacker,
			})
			stats.success()
			a.m.markCompromised(NameSpoofing, t.node)
		}

		if !pause(ctx, a.m.cfg.SpoofInterval.Duration) {
			return
		}
	}
}

// Stop 伪造攻击没有额外状态，节点标记由管理器清除
func (a *Spoofing) Stop() {}
