// Package enginetest 提供用于测试对外服务的仿真引擎替身
package enginetest

import (
	"sync"
	"time"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/canbus/controller"
	"github.com/bwu32/canbus/internal/canbus/engine"
	"github.com/bwu32/canbus/internal/monitor"
)

// Simulator 内存中的engine.Simulator实现
// 安全措施只接受四个已知名称，攻击只接受三个已注册名称
type Simulator struct {
	mutex    sync.Mutex
	measures map[string]bool
	active   map[string]bool
	toggles  int
}

var _ engine.Simulator = (*Simulator)(nil)

// New 创建替身，全部措施关闭且无活跃攻击
func New() *Simulator {
	s := &Simulator{
		measures: make(map[string]bool),
		active:   make(map[string]bool),
	}
	for _, m := range canbus.Measures {
		s.measures[string(m)] = false
	}
	return s
}

// GetState 返回固定形状的状态
func (s *Simulator) GetState() engine.State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	measures := make(map[string]bool, len(s.measures))
	for k, v := range s.measures {
		measures[k] = v
	}
	return engine.State{
		RunID:            "test-run",
		Timestamp:        time.Unix(1700000000, 0).UTC(),
		Uptime:           1.5,
		IDSPhase:         "detecting",
		SecurityMeasures: measures,
		SecurityOverhead: map[string]float64{"encryption": 0.02},
		Controllers: map[string]controller.Status{
			canbus.NodeBrake: {
				Name:          canbus.NodeBrake,
				Health:        canbus.HealthHealthy,
				AvgLatency:    0.4,
				Subscriptions: []uint32{canbus.IDEngineRPM},
			},
		},
		BusStats: engine.BusStats{TotalMessages: 42, Pending: 1},
		Latency:  engine.LatencyFeed{Recent: map[string][]float64{}, Warnings: []engine.LatencyWarning{}},
	}
}

// GetAttackStatus 返回当前活跃集合与零值统计
func (s *Simulator) GetAttackStatus() attack.Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := attack.Status{
		ActiveAttacks:    []string{},
		CompromisedNodes: []string{},
		Statistics:       make(map[string]attack.StatisticsSnapshot),
		RecentEvents:     []attack.Event{},
	}
	for _, name := range []string{attack.NameBusFlooding, attack.NameReplay, attack.NameSpoofing} {
		st.Statistics[name] = attack.StatisticsSnapshot{TargetIDs: []uint32{}}
		if s.active[name] {
			st.ActiveAttacks = append(st.ActiveAttacks, name)
		}
	}
	return st
}

// ToggleSecurity 开关已知措施
func (s *Simulator) ToggleSecurity(measure string, enabled bool) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.measures[measure]; !ok {
		return false
	}
	s.measures[measure] = enabled
	s.toggles++
	return true
}

// StartAttack 启动已知且未活跃的攻击
func (s *Simulator) StartAttack(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch name {
	case attack.NameBusFlooding, attack.NameSpoofing, attack.NameReplay:
	default:
		return false
	}
	if s.active[name] {
		return false
	}
	s.active[name] = true
	return true
}

// StopAttack 停止活跃攻击
func (s *Simulator) StopAttack(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.active[name] {
		return false
	}
	delete(s.active, name)
	return true
}

// Graph 返回单边拓扑
func (s *Simulator) Graph() monitor.View {
	g := monitor.NewGraph()
	g.AddLink(canbus.NodeEngine, "0x100", canbus.NodeBrake, &monitor.LinkAttr{Frames: 3})
	return g.View()
}

// Measure 查询措施状态
func (s *Simulator) Measure(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.measures[name]
}

// Toggles 成功开关次数
func (s *Simulator) Toggles() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.toggles
}
