/*
Package controller 提供ECU的CAN控制器

控制器是应用与总线之间的网关：
  - 发送：加密 -> 认证 -> 速率限制 -> IDS，顺序固定
  - 接收：按发送变换的逆序校验，先验MAC再解密
  - 维护节点健康状态、延迟与安全开销历史、安全事件日志

总线的单一仲裁循环保证同一控制器不会并发处理两帧，
但发送路径会被应用协程并发调用，因此状态仍需加锁。
*/
package controller

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/bus"
	"github.com/bwu32/canbus/internal/canbus/security"
	"github.com/bwu32/canbus/internal/config"
)

// Status 控制器状态快照
type Status struct {
	Name                string        `json:"name"`
	Health              canbus.Health `json:"health"`
	AvgLatency          float64       `json:"avg_latency"`
	AvgSecurityOverhead float64       `json:"avg_security_overhead"`
	RecentAttacks       int           `json:"recent_attacks"`
	Subscriptions       []uint32      `json:"subscriptions"`
}

// Controller CAN控制器
type Controller struct {
	mutex sync.RWMutex

	name     string
	bus      *bus.Bus
	security *security.Manager
	cfg      config.Latency

	critical      map[uint32]bool
	safety        map[uint32]bool
	subscriptions map[uint32]bool

	// 健康状态，告警后只在配置了恢复时长时恢复
	health      canbus.Health
	lastWarning time.Time

	latency  *history // 端到端延迟（毫秒）
	overhead *history // 每帧累计安全开销（毫秒）
	records  *recordLog

	events []canbus.Event

	blocked atomic.Uint64

	now func() time.Time
}

// NewController 创建控制器并注册到总线
func NewController(name string, b *bus.Bus, sm *security.Manager, cfg config.Latency) *Controller {
	c := &Controller{
		name:          name,
		bus:           b,
		security:      sm,
		cfg:           cfg,
		critical:      toSet(cfg.CriticalIDs),
		safety:        toSet(cfg.SafetyIDs),
		subscriptions: make(map[uint32]bool),
		health:        canbus.HealthHealthy,
		latency:       newHistory(cfg.HistorySize),
		overhead:      newHistory(cfg.OverheadHistorySize),
		records:       newRecordLog(cfg.HistorySize),
		now:           time.Now,
	}
	b.Register(c)
	return c
}

func toSet(ids []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Name 控制器名称
func (c *Controller) Name() string {
	return c.name
}

// Subscribe 订阅仲裁ID
func (c *Controller) Subscribe(ids ...uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, id := range ids {
		c.subscriptions[id] = true
	}
}

// Subscriptions 返回已订阅ID，升序
func (c *Controller) Subscriptions() []uint32 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.subscriptionsLocked()
}

func (c *Controller) subscriptionsLocked() []uint32 {
	ids := make([]uint32, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsSubscribed 是否订阅了某ID
func (c *Controller) IsSubscribed(id uint32) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.subscriptions[id]
}

// Send 经过安全管线后发送
// 速率限制失败时帧被丢弃并返回ErrRateLimited；IDS异常只记录事件
func (c *Controller) Send(frame *canbus.Frame) error {
	frame.EnqueuedAt = c.now()
	frame.Source = c.name

	var total time.Duration
	defer func() {
		c.overhead.add(toMillis(total))
	}()

	if c.security.Enabled(canbus.MeasureEncryption) {
		payload, overhead, err := c.security.Encrypt(frame.Payload)
		if err != nil {
			return err
		}
		frame.Payload = payload
		frame.IsEncrypted = true
		total += overhead
	}

	// 认证覆盖已加密的负载
	if c.security.Enabled(canbus.MeasureAuthentication) {
		payload, overhead := c.security.AddMAC(frame.Payload)
		frame.Payload = payload
		frame.IsAuthenticated = true
		total += overhead
	}

	if c.security.Enabled(canbus.MeasureRateLimiting) {
		allowed, overhead, rate := c.security.CheckRateLimit(frame.ArbitrationID)
		total += overhead
		if !allowed {
			c.addEvent(canbus.EventRateLimitViolation, frame.ArbitrationID, rate)
			c.blocked.Add(1)
			log.WithFields(log.Fields{
				"controller": c.name,
				"arb_id":     frame.ArbitrationID,
				"rate":       rate,
			}).Debug("Frame blocked by rate limit")
			return canbus.ErrRateLimited
		}
	}

	if c.security.Enabled(canbus.MeasureIDS) {
		ok, overhead, _ := c.security.CheckAnomaly(frame.ArbitrationID)
		total += overhead
		if !ok {
			c.addEvent(canbus.EventAnomalyDetected, frame.ArbitrationID, 0)
		}
	}

	c.bus.Send(frame)
	return nil
}

// Receive 总线投递回调，按发送变换的逆序校验
// 广播的帧被所有接收者共享，校验只作用于负载副本
func (c *Controller) Receive(frame *canbus.Frame) {
	now := c.now()
	id := frame.ArbitrationID
	data := frame.Payload
	var total time.Duration

	if frame.IsAuthenticated {
		message, overhead, ok := c.security.VerifyMAC(data)
		total += overhead
		if !ok {
			c.integrityFailure(canbus.EventAuthFailed, id, now)
			return
		}
		data = message
	}

	if frame.IsEncrypted {
		plaintext, overhead, ok := c.security.Decrypt(data)
		total += overhead
		if !ok {
			c.integrityFailure(canbus.EventDecryptFailed, id, now)
			return
		}
		data = plaintext
	}

	if !c.IsSubscribed(id) {
		return
	}

	latency := now.Sub(frame.EnqueuedAt)
	c.latency.add(toMillis(latency))
	if latency > c.Threshold(id) {
		c.warn(now)
	}

	c.records.add(canbus.Record{
		Time:             now,
		ArbitrationID:    id,
		LatencyMs:        toMillis(latency),
		SecurityOverhead: toMillis(total),
		Source:           frame.Source,
		Payload:          data,
	})
}

func (c *Controller) integrityFailure(kind canbus.EventType, id uint32, now time.Time) {
	c.addEvent(kind, id, 0)
	c.warn(now)
	log.WithFields(log.Fields{
		"controller": c.name,
		"arb_id":     id,
		"type":       kind,
	}).Debug("Frame discarded on integrity failure")
}

// Threshold 返回ID所属类别的延迟阈值
func (c *Controller) Threshold(id uint32) time.Duration {
	switch {
	case c.critical[id]:
		return c.cfg.Critical.Duration
	case c.safety[id]:
		return c.cfg.Safety.Duration
	default:
		return c.cfg.Normal.Duration
	}
}

func (c *Controller) warn(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.health = canbus.HealthWarning
	c.lastWarning = now
}

func (c *Controller) addEvent(kind canbus.EventType, id uint32, rate int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, canbus.Event{
		ID:            uuid.New().String(),
		Time:          c.now(),
		Type:          kind,
		ArbitrationID: id,
		Rate:          rate,
	})
}

// Health 当前健康状态
func (c *Controller) Health() canbus.Health {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.healthLocked(c.now())
}

// healthLocked 配置了恢复时长时，告警静默足够久后恢复healthy
func (c *Controller) healthLocked(now time.Time) canbus.Health {
	recovery := c.cfg.HealthRecovery.Duration
	if c.health == canbus.HealthWarning && recovery > 0 && now.Sub(c.lastWarning) >= recovery {
		c.health = canbus.HealthHealthy
	}
	return c.health
}

// Events 返回安全事件副本
func (c *Controller) Events() []canbus.Event {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]canbus.Event, len(c.events))
	copy(result, c.events)
	return result
}

// RecentEvents 统计最近窗口内的安全事件数
func (c *Controller) RecentEvents(window time.Duration) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	count := 0
	for i := len(c.events) - 1; i >= 0; i-- {
		if now.Sub(c.events[i].Time) >= window {
			break
		}
		count++
	}
	return count
}

// Records 返回最近的接收记录
func (c *Controller) Records() []canbus.Record {
	return c.records.list()
}

// LatencySamples 返回最近n个延迟样本（毫秒）
func (c *Controller) LatencySamples(n int) []float64 {
	return c.latency.last(n)
}

// Blocked 被速率限制丢弃的帧数
func (c *Controller) Blocked() uint64 {
	return c.blocked.Load()
}

// Status 返回控制器状态快照
func (c *Controller) Status() Status {
	recent := c.RecentEvents(c.cfg.RecentEventWindow.Duration)

	c.mutex.Lock()
	health := c.healthLocked(c.now())
	subs := c.subscriptionsLocked()
	c.mutex.Unlock()

	return Status{
		Name:                c.name,
		Health:              health,
		AvgLatency:          c.latency.average(),
		AvgSecurityOverhead: c.overhead.average(),
		RecentAttacks:       recent,
		Subscriptions:       subs,
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
