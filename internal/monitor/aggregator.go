/*
Package monitor 提供总线流量聚合与拓扑图

流量聚合器收集总线每次投递，按（发送方，接收控制器，仲裁ID）合并：
  - 仲裁循环只做追加，合并与上报在定时刷新中完成
  - 流量表容量有限，攻击者流量在表满时仍被保留
  - 刷新结果通过回调交给拓扑图
*/
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/bus"
)

// Flow 一组同源同宿同ID的投递
type Flow struct {
	Source        string
	Destination   string
	ArbitrationID uint32
	Frames        uint64
	Encrypted     uint64
	Authenticated uint64
	LastSeenAt    time.Time
}

// Key 流量聚合键
func (f *Flow) Key() string {
	return fmt.Sprintf("%v-%v-%v", f.Source, f.Destination, f.ArbitrationID)
}

// Link 流量在拓扑图中的链接名
func (f *Flow) Link() string {
	return fmt.Sprintf("0x%03X", f.ArbitrationID)
}

// delivery 仲裁循环投递的原始记录
type delivery struct {
	source        string
	id            uint32
	encrypted     bool
	authenticated bool
	at            time.Time
	receivers     []string
}

// Aggregator 流量聚合器
type Aggregator struct {
	mutex   sync.Mutex
	flowMap map[string]*Flow

	cacheMutex sync.Mutex
	cache      []delivery

	maxFlows int
	interval time.Duration

	onFlows func([]*Flow)

	now func() time.Time
}

// NewAggregator 创建流量聚合器
func NewAggregator(interval time.Duration, maxFlows int) *Aggregator {
	return &Aggregator{
		flowMap:  make(map[string]*Flow),
		cache:    make([]delivery, 0),
		maxFlows: maxFlows,
		interval: interval,
		now:      time.Now,
	}
}

// SetOnFlows 设置流量上报回调
func (a *Aggregator) SetOnFlows(cb func([]*Flow)) {
	a.onFlows = cb
}

// OnTransmit 总线投递回调，运行在仲裁循环中，只追加缓存
func (a *Aggregator) OnTransmit(frame *canbus.Frame, receivers []bus.Receiver) {
	names := make([]string, 0, len(receivers))
	for _, r := range receivers {
		if r.Name() != frame.Source {
			names = append(names, r.Name())
		}
	}

	source := frame.Source
	if source == "" {
		source = canbus.SourceAttacker
	}

	a.cacheMutex.Lock()
	a.cache = append(a.cache, delivery{
		source:        source,
		id:            frame.ArbitrationID,
		encrypted:     frame.IsEncrypted,
		authenticated: frame.IsAuthenticated,
		at:            a.now(),
		receivers:     names,
	})
	a.cacheMutex.Unlock()
}

// Run 定时刷新循环，ctx取消时做最后一次刷新后返回
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-ctx.Done():
			a.Flush()
			return nil
		}
	}
}

// Flush 合并缓存并上报全部流量
func (a *Aggregator) Flush() {
	a.updateFlows()
	a.putFlows()
}

func (a *Aggregator) updateFlows() {
	a.cacheMutex.Lock()
	cache := a.cache
	a.cache = make([]delivery, 0)
	a.cacheMutex.Unlock()

	for _, d := range cache {
		for _, dst := range d.receivers {
			flow := &Flow{
				Source:        d.source,
				Destination:   dst,
				ArbitrationID: d.id,
				Frames:        1,
				LastSeenAt:    d.at,
			}
			if d.encrypted {
				flow.Encrypted = 1
			}
			if d.authenticated {
				flow.Authenticated = 1
			}
			a.updateFlowMap(flow)
		}
	}
}

// updateFlowMap 合并到流量表
func (a *Aggregator) updateFlowMap(flow *Flow) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := flow.Key()
	if entry, exist := a.flowMap[key]; exist {
		entry.Frames += flow.Frames
		entry.Encrypted += flow.Encrypted
		entry.Authenticated += flow.Authenticated
		if entry.LastSeenAt.Before(flow.LastSeenAt) {
			entry.LastSeenAt = flow.LastSeenAt
		}
	} else if len(a.flowMap) < a.maxFlows || flow.Source == canbus.SourceAttacker {
		a.flowMap[key] = flow
	} else {
		log.WithFields(log.Fields{
			"flow": key, "len": len(a.flowMap),
		}).Debug("Flow map full -- drop")
	}
}

func (a *Aggregator) putFlows() {
	a.mutex.Lock()
	list := make([]*Flow, 0, len(a.flowMap))
	for key, flow := range a.flowMap {
		list = append(list, flow)
		delete(a.flowMap, key)
	}
	a.mutex.Unlock()

	if len(list) > 0 && a.onFlows != nil {
		a.onFlows(list)
	}
}

// GetFlowCount 当前流量表中的流数量
func (a *Aggregator) GetFlowCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.flowMap)
}
