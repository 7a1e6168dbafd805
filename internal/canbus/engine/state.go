package engine

import (
	"time"

	"github.com/bwu32/canbus/internal/canbus/controller"
	"github.com/bwu32/canbus/internal/canbus/security"
)

const (
	// recentLatencySamples 每个控制器推送的最近延迟样本数
	recentLatencySamples = 10
	// averageLatencySamples 计算实际平均延迟时每个控制器取的样本数
	averageLatencySamples = 50
)

// BusStats 总线统计
type BusStats struct {
	TotalMessages   uint64 `json:"total_messages"`
	Compromised     bool   `json:"compromised"`
	Pending         int    `json:"pending"`
	BlockedMessages uint64 `json:"blocked_messages"`
}

// LatencyWarning 延迟告警
type LatencyWarning struct {
	Level   string  `json:"level"`
	Message string  `json:"message"`
	System  string  `json:"system"`
	Latency float64 `json:"latency"`
}

// LatencyFeed 延迟数据
type LatencyFeed struct {
	Recent           map[string][]float64 `json:"recent"`
	AvgActualLatency float64              `json:"avg_actual_latency"`
	Warnings         []LatencyWarning     `json:"warnings"`
}

// State 仿真状态快照
type State struct {
	RunID            string                       `json:"run_id"`
	Timestamp        time.Time                    `json:"timestamp"`
	Uptime           float64                      `json:"uptime_seconds"`
	IDSPhase         string                       `json:"ids_phase"`
	SecurityMeasures map[string]bool              `json:"security_measures"`
	SecurityStats    security.Stats               `json:"security_stats"`
	SecurityOverhead map[string]float64           `json:"security_overhead"`
	Controllers      map[string]controller.Status `json:"controllers"`
	BusStats         BusStats                     `json:"bus_stats"`
	Latency          LatencyFeed                  `json:"latency"`
}

// GetState 返回仿真状态快照
func (e *Engine) GetState() State {
	e.mutex.RLock()
	startedAt := e.startedAt
	e.mutex.RUnlock()

	now := time.Now()
	state := State{
		RunID:            e.runID,
		Timestamp:        now,
		IDSPhase:         e.security.Phase().String(),
		SecurityMeasures: make(map[string]bool),
		SecurityStats:    e.security.Stats(),
		SecurityOverhead: make(map[string]float64),
		Controllers:      make(map[string]controller.Status, len(e.controllers)),
		BusStats: BusStats{
			TotalMessages: e.bus.TotalMessages(),
			Compromised:   e.bus.Compromised(),
			Pending:       e.bus.Pending(),
		},
	}
	if !startedAt.IsZero() {
		state.Uptime = now.Sub(startedAt).Seconds()
	}

	for measure, enabled := range e.security.Measures() {
		state.SecurityMeasures[string(measure)] = enabled
	}
	for measure, d := range e.security.Overhead() {
		state.SecurityOverhead[string(measure)] = float64(d) / float64(time.Millisecond)
	}
	for _, c := range e.controllers {
		state.Controllers[c.Name()] = c.Status()
		state.BusStats.BlockedMessages += c.Blocked()
	}

	state.Latency = e.latencyFeed()
	return state
}

// latencyFeed 汇总各控制器的延迟样本并生成告警
func (e *Engine) latencyFeed() LatencyFeed {
	feed := LatencyFeed{
		Recent:   make(map[string][]float64, len(e.controllers)),
		Warnings: make([]LatencyWarning, 0),
	}

	var sum float64
	var count int
	for _, c := range e.controllers {
		feed.Recent[c.Name()] = c.LatencySamples(recentLatencySamples)
		for _, v := range c.LatencySamples(averageLatencySamples) {
			sum += v
			count++
		}
	}
	if count == 0 {
		return feed
	}

	feed.AvgActualLatency = sum / float64(count)
	critical := float64(e.cfg.Latency.Critical.Duration) / float64(time.Millisecond)
	safety := float64(e.cfg.Latency.Safety.Duration) / float64(time.Millisecond)
	// 两级阈值独立判断，超过安全阈值时同时给出两条告警
	if feed.AvgActualLatency > critical {
		feed.Warnings = append(feed.Warnings, LatencyWarning{
			Level:   "critical",
			Message: "average latency exceeds critical threshold",
			System:  "Brakes, Airbags",
			Latency: feed.AvgActualLatency,
		})
	}
	if feed.AvgActualLatency > safety {
		feed.Warnings = append(feed.Warnings, LatencyWarning{
			Level:   "warning",
			Message: "average latency exceeds safety threshold",
			System:  "Steering, ABS",
			Latency: feed.AvgActualLatency,
		})
	}
	return feed
}
