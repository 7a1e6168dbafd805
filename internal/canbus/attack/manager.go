/*
Package attack 提供CAN总线攻击模型与攻击管理器

支持三类攻击：
  - 总线洪泛：以最高优先级ID 0x000高频发送垃圾帧
  - 报文伪造：注入制动压力、门锁、灯光的恶意报文
  - 重放攻击：突发重放截获的发动机转速与档位报文

每类攻击根据当前开启的安全措施判定成功、拦截或检测，
结果写入共享统计；攻击管理器负责生命周期与被攻陷节点集合。
*/
package attack

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus/bus"
	"github.com/bwu32/canbus/internal/canbus/security"
	"github.com/bwu32/canbus/internal/config"
)

// 攻击名称
const (
	NameBusFlooding = "bus_flooding"
	NameSpoofing    = "spoofing"
	NameReplay      = "replay"
)

// Profile 攻击声明的目标数据
type Profile struct {
	Name      string
	TargetIDs []uint32
	// TargetNodes 攻击启动即视为被牵连的节点
	TargetNodes []string
	// EffectNodes 攻击得手后可能标记的节点
	EffectNodes []string
}

// Attack 攻击模型
type Attack interface {
	Profile() Profile
	// Execute 攻击循环，ctx取消或攻击不再活跃时在一个迭代内返回
	Execute(ctx context.Context)
	// Stop 撤销攻击自身引入的状态
	Stop()
}

// Event 攻击启停事件
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Attack  string    `json:"attack"`
	Action  string    `json:"action"`
	Targets []uint32  `json:"targets,omitempty"`
}

// Status 攻击状态快照
type Status struct {
	ActiveAttacks    []string                      `json:"active_attacks"`
	CompromisedNodes []string                      `json:"compromised_nodes"`
	Statistics       map[string]StatisticsSnapshot `json:"statistics"`
	RecentEvents     []Event                       `json:"recent_events"`
}

// run 一次攻击运行
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager 攻击管理器
type Manager struct {
	mutex sync.RWMutex

	bus      *bus.Bus
	security *security.Manager
	cfg      config.Attack

	attacks     map[string]Attack
	stats       map[string]*Statistics
	active      map[string]bool
	runs        map[string]*run
	compromised map[string]bool
	events      []Event

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager 创建攻击管理器
func NewManager(b *bus.Bus, sm *security.Manager, cfg config.Attack) *Manager {
	return &Manager{
		bus:         b,
		security:    sm,
		cfg:         cfg,
		attacks:     make(map[string]Attack),
		stats:       make(map[string]*Statistics),
		active:      make(map[string]bool),
		runs:        make(map[string]*run),
		compromised: make(map[string]bool),
		now:         time.Now,
	}
}

// Initialize 创建攻击管理器并注册全部攻击
func Initialize(b *bus.Bus, sm *security.Manager, cfg config.Attack) *Manager {
	m := NewManager(b, sm, cfg)
	m.Register(NewBusFlooding(m))
	m.Register(NewSpoofing(m))
	m.Register(NewReplay(m))
	return m
}

// Register 注册攻击
func (m *Manager) Register(a Attack) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p := a.Profile()
	m.attacks[p.Name] = a
	if _, ok := m.stats[p.Name]; !ok {
		m.stats[p.Name] = newStatistics(p.Name, p.TargetIDs)
	}
}

// Names 已注册攻击名称，升序
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.attacks))
	for name := range m.attacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAttack 启动攻击
// 未知或已在运行的攻击返回false；同名攻击任何时刻只有一个循环在运行
func (m *Manager) StartAttack(name string) bool {
	m.mutex.Lock()
	a, ok := m.attacks[name]
	if !ok || m.active[name] {
		m.mutex.Unlock()
		return false
	}

	p := a.Profile()
	m.active[name] = true
	for _, node := range p.TargetNodes {
		m.compromised[node] = true
	}
	prev := m.runs[name]
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[name] = r
	m.events = append(m.events, Event{
		ID:      uuid.New().String(),
		Time:    m.now(),
		Attack:  name,
		Action:  "started",
		Targets: p.TargetIDs,
	})
	m.wg.Add(1)
	m.mutex.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(r.done)
		// 等待上一次运行的循环退出
		if prev != nil {
			<-prev.done
		}
		a.Execute(ctx)
	}()

	log.WithFields(log.Fields{
		"attack":  name,
		"targets": p.TargetIDs,
	}).Info("Attack started")
	return true
}

// StopAttack 停止攻击，未运行的攻击返回false
func (m *Manager) StopAttack(name string) bool {
	m.mutex.Lock()
	if !m.active[name] {
		m.mutex.Unlock()
		return false
	}

	a := m.attacks[name]
	p := a.Profile()
	delete(m.active, name)
	if r, ok := m.runs[name]; ok {
		r.cancel()
	}
	a.Stop()
	for _, node := range p.TargetNodes {
		delete(m.compromised, node)
	}
	for _, node := range p.EffectNodes {
		delete(m.compromised, node)
	}
	m.events = append(m.events, Event{
		ID:     uuid.New().String(),
		Time:   m.now(),
		Attack: name,
		Action: "stopped",
	})
	m.mutex.Unlock()

	log.WithField("attack", name).Info("Attack stopped")
	return true
}

// StopAll 停止全部攻击并等待循环退出
func (m *Manager) StopAll() {
	for _, name := range m.ActiveAttacks() {
		m.StopAttack(name)
	}
	m.Wait()
}

// Wait 等待所有攻击循环退出
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsActive 攻击是否处于活跃集合
func (m *Manager) IsActive(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.active[name]
}

// ActiveAttacks 活跃攻击，升序
func (m *Manager) ActiveAttacks() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return sortedKeys(m.active)
}

// CompromisedNodes 被攻陷节点，升序
func (m *Manager) CompromisedNodes() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return sortedKeys(m.compromised)
}

// Statistics 返回某攻击的统计
func (m *Manager) Statistics(name string) (StatisticsSnapshot, bool) {
	m.mutex.RLock()
	s, ok := m.stats[name]
	m.mutex.RUnlock()
	if !ok {
		return StatisticsSnapshot{}, false
	}
	return s.Snapshot(), true
}

// GetStatus 返回攻击状态，事件只保留最近保留窗口内的
func (m *Manager) GetStatus() Status {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]StatisticsSnapshot, len(m.stats))
	for name, s := range m.stats {
		stats[name] = s.Snapshot()
	}

	now := m.now()
	recent := make([]Event, 0)
	for _, e := range m.events {
		if now.Sub(e.Time) < m.cfg.EventRetention.Duration {
			recent = append(recent, e)
		}
	}

	return Status{
		ActiveAttacks:    sortedKeys(m.active),
		CompromisedNodes: sortedKeys(m.compromised),
		Statistics:       stats,
		RecentEvents:     recent,
	}
}

// statistics 攻击循环使用的统计对象
func (m *Manager) statistics(name string) *Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats[name]
}

// markCompromised 攻击得手后标记节点，攻击已停止时忽略
func (m *Manager) markCompromised(name, node string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.active[name] {
		m.compromised[node] = true
	}
}

// setBusCompromised 在攻击活跃期间设置总线被攻陷标记
func (m *Manager) setBusCompromised(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.active[name] {
		m.bus.SetCompromised(true)
	}
}

// running 攻击循环的继续条件
func (m *Manager) running(ctx context.Context, name string) bool {
	return ctx.Err() == nil && m.IsActive(name)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pause 可被ctx打断的等待，ctx取消时返回false
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
