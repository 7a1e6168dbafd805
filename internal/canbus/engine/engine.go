/*
Package engine 提供CAN总线仿真引擎

引擎是仿真的核心编排组件，负责：
  - 创建总线、安全管理器、四个ECU控制器与攻击管理器并完成订阅接线
  - 运行总线仲裁循环、ECU应用与流量拓扑聚合
  - 在预热时长结束后将IDS从学习阶段切换到检测阶段
  - 对外提供状态快照、安全措施开关与攻击启停命令
*/
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/canbus/bus"
	"github.com/bwu32/canbus/internal/canbus/controller"
	"github.com/bwu32/canbus/internal/canbus/ecu"
	"github.com/bwu32/canbus/internal/canbus/security"
	"github.com/bwu32/canbus/internal/config"
	"github.com/bwu32/canbus/internal/monitor"
)

// Simulator 仿真引擎对外暴露的命令与查询
type Simulator interface {
	GetState() State
	GetAttackStatus() attack.Status
	ToggleSecurity(measure string, enabled bool) bool
	StartAttack(name string) bool
	StopAttack(name string) bool
	Graph() monitor.View
}

// wiring 控制器及其订阅
var wiring = []struct {
	name string
	subs []uint32
}{
	{canbus.NodeEngine, []uint32{canbus.IDBrakePressure, canbus.IDDoorLocks}},
	{canbus.NodeBrake, []uint32{canbus.IDEngineRPM}},
	{canbus.NodeTransmission, []uint32{canbus.IDEngineRPM, canbus.IDBrakePressure}},
	{canbus.NodeBody, []uint32{canbus.IDEngineRPM, canbus.IDGearPosition}},
}

// Engine 仿真引擎
type Engine struct {
	mutex sync.RWMutex

	cfg *config.Config

	// 核心组件
	bus         *bus.Bus
	security    *security.Manager
	controllers []*controller.Controller
	apps        []ecu.App
	attacks     *attack.Manager
	topology    *monitor.Topology

	// 运行状态
	runID     string
	startedAt time.Time
	running   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewEngine 创建仿真引擎并完成组件接线
func NewEngine(cfg *config.Config) (*Engine, error) {
	sm, err := security.NewManager(cfg.Security)
	if err != nil {
		return nil, err
	}

	b := bus.NewBus(cfg.Bus.Bitrate, cfg.Bus.IdlePoll.Duration)
	e := &Engine{
		cfg:      cfg,
		bus:      b,
		security: sm,
		attacks:  attack.Initialize(b, sm, cfg.Attack),
		topology: monitor.NewTopology(cfg.Monitor.FlushInterval.Duration, cfg.Monitor.MaxFlows),
		runID:    uuid.New().String(),
	}
	b.SetOnTransmit(e.topology.OnTransmit)

	ctrls := make(map[string]*controller.Controller, len(wiring))
	for _, w := range wiring {
		c := controller.NewController(w.name, b, sm, cfg.Latency)
		c.Subscribe(w.subs...)
		ctrls[w.name] = c
		e.controllers = append(e.controllers, c)
	}

	e.apps = []ecu.App{
		ecu.NewEngine(ctrls[canbus.NodeEngine], cfg.ECU.EngineInterval.Duration),
		ecu.NewBrake(ctrls[canbus.NodeBrake], cfg.ECU.BrakeInterval.Duration),
		ecu.NewTransmission(ctrls[canbus.NodeTransmission], cfg.ECU.TransmissionInterval.Duration),
		ecu.NewBody(ctrls[canbus.NodeBody], cfg.ECU.BodyInterval.Duration),
	}
	return e, nil
}

// Start 启动总线循环、ECU应用、拓扑聚合与IDS学习计时
func (e *Engine) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return nil
	}
	log.WithField("run_id", e.runID).Info("Starting simulation engine")

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.bus.Run(ctx) })
	for _, app := range e.apps {
		app := app
		g.Go(func() error { return app.Run(ctx) })
	}
	g.Go(func() error { return e.topology.Run(ctx) })
	g.Go(func() error {
		timer := time.NewTimer(e.cfg.Security.IDSLearningTime.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.security.FinishLearning()
		case <-ctx.Done():
		}
		return nil
	})

	e.cancel = cancel
	e.group = g
	e.startedAt = time.Now()
	e.running = true

	log.WithFields(log.Fields{
		"controllers":   len(e.controllers),
		"learning_time": e.cfg.Security.IDSLearningTime.Duration,
	}).Info("Simulation engine started")
	return nil
}

// Stop 停止全部攻击与后台循环
func (e *Engine) Stop() error {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return nil
	}
	e.running = false
	cancel, g := e.cancel, e.group
	e.mutex.Unlock()

	log.Info("Stopping simulation engine")

	e.attacks.StopAll()
	cancel()
	err := g.Wait()

	log.Info("Simulation engine stopped")
	return err
}

// IsRunning 引擎是否在运行
func (e *Engine) IsRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

// ToggleSecurity 开关安全措施，未知措施返回false
func (e *Engine) ToggleSecurity(measure string, enabled bool) bool {
	m, err := canbus.ParseMeasure(measure)
	if err != nil {
		log.WithField("measure", measure).Warn("Unknown security measure")
		return false
	}
	return e.security.Toggle(m, enabled)
}

// StartAttack 启动攻击
func (e *Engine) StartAttack(name string) bool {
	return e.attacks.StartAttack(name)
}

// StopAttack 停止攻击
func (e *Engine) StopAttack(name string) bool {
	return e.attacks.StopAttack(name)
}

// GetAttackStatus 攻击状态快照
func (e *Engine) GetAttackStatus() attack.Status {
	return e.attacks.GetStatus()
}

// Graph 流量拓扑快照
func (e *Engine) Graph() monitor.View {
	return e.topology.View()
}

// Bus 总线
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Attacks 攻击管理器
func (e *Engine) Attacks() *attack.Manager {
	return e.attacks
}

// Controllers 全部控制器，按接线顺序
func (e *Engine) Controllers() []*controller.Controller {
	return e.controllers
}

// RunID 本次运行标识
func (e *Engine) RunID() string {
	return e.runID
}
