// Package metrics 将仿真快照导出为Prometheus指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/engine"
)

const namespace = "cansim"

// Collector 每次抓取时读取一次仿真快照
type Collector struct {
	sim engine.Simulator

	busMessages      *prometheus.Desc
	busCompromised   *prometheus.Desc
	busPending       *prometheus.Desc
	blockedMessages  *prometheus.Desc
	measureEnabled   *prometheus.Desc
	securityEvents   *prometheus.Desc
	securityOverhead *prometheus.Desc
	controllerHealth *prometheus.Desc
	controllerLat    *prometheus.Desc
	attackActive     *prometheus.Desc
	attackFrames     *prometheus.Desc
	compromisedNodes *prometheus.Desc
}

// NewCollector 创建采集器
func NewCollector(sim engine.Simulator) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		sim:              sim,
		busMessages:      desc("bus_messages_total", "Frames transmitted on the virtual bus"),
		busCompromised:   desc("bus_compromised", "Whether the bus is currently flooded (1) or not (0)"),
		busPending:       desc("bus_pending_frames", "Frames waiting for arbitration"),
		blockedMessages:  desc("blocked_messages_total", "Frames dropped by controller rate limiting"),
		measureEnabled:   desc("security_measure_enabled", "Security measure toggle state", "measure"),
		securityEvents:   desc("security_events_total", "Cumulative security pipeline counters", "kind"),
		securityOverhead: desc("security_overhead_seconds", "Latest processing cost per security measure", "measure"),
		controllerHealth: desc("controller_healthy", "Controller health (1 healthy, 0 warning)", "controller"),
		controllerLat:    desc("controller_avg_latency_seconds", "Rolling average end-to-end latency", "controller"),
		attackActive:     desc("attack_active", "Whether an attack is running", "attack"),
		attackFrames:     desc("attack_frames_total", "Attack attempts by outcome", "attack", "result"),
		compromisedNodes: desc("compromised_nodes", "Nodes currently marked compromised"),
	}
}

// Describe 实现prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busMessages
	ch <- c.busCompromised
	ch <- c.busPending
	ch <- c.blockedMessages
	ch <- c.measureEnabled
	ch <- c.securityEvents
	ch <- c.securityOverhead
	ch <- c.controllerHealth
	ch <- c.controllerLat
	ch <- c.attackActive
	ch <- c.attackFrames
	ch <- c.compromisedNodes
}

// Collect 实现prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	state := c.sim.GetState()
	status := c.sim.GetAttackStatus()

	ch <- prometheus.MustNewConstMetric(c.busMessages, prometheus.CounterValue, float64(state.BusStats.TotalMessages))
	ch <- prometheus.MustNewConstMetric(c.busCompromised, prometheus.GaugeValue, boolValue(state.BusStats.Compromised))
	ch <- prometheus.MustNewConstMetric(c.busPending, prometheus.GaugeValue, float64(state.BusStats.Pending))
	ch <- prometheus.MustNewConstMetric(c.blockedMessages, prometheus.CounterValue, float64(state.BusStats.BlockedMessages))

	for measure, enabled := range state.SecurityMeasures {
		ch <- prometheus.MustNewConstMetric(c.measureEnabled, prometheus.GaugeValue, boolValue(enabled), measure)
	}
	for measure, ms := range state.SecurityOverhead {
		ch <- prometheus.MustNewConstMetric(c.securityOverhead, prometheus.GaugeValue, ms/1000, measure)
	}

	stats := state.SecurityStats
	for kind, v := range map[string]uint64{
		"encrypted":             stats.MessagesEncrypted,
		"authenticated":         stats.MessagesAuthenticated,
		"rate_limit_violations": stats.RateLimitViolations,
		"anomalies":             stats.AnomaliesDetected,
	} {
		ch <- prometheus.MustNewConstMetric(c.securityEvents, prometheus.CounterValue, float64(v), kind)
	}

	for name, s := range state.Controllers {
		ch <- prometheus.MustNewConstMetric(c.controllerHealth, prometheus.GaugeValue, boolValue(s.Health == canbus.HealthHealthy), name)
		ch <- prometheus.MustNewConstMetric(c.controllerLat, prometheus.GaugeValue, s.AvgLatency/1000, name)
	}

	active := make(map[string]bool, len(status.ActiveAttacks))
	for _, name := range status.ActiveAttacks {
		active[name] = true
	}
	for name, s := range status.Statistics {
		ch <- prometheus.MustNewConstMetric(c.attackActive, prometheus.GaugeValue, boolValue(active[name]), name)
		for result, v := range map[string]uint64{
			"attempted":  s.Attempts,
			"successful": s.Successful,
			"blocked":    s.Blocked,
			"detected":   s.Detected,
		} {
			ch <- prometheus.MustNewConstMetric(c.attackFrames, prometheus.CounterValue, float64(v), name, result)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.compromisedNodes, prometheus.GaugeValue, float64(len(status.CompromisedNodes)))
}

// NewRegistry 创建注册了仿真采集器的注册表
func NewRegistry(sim engine.Simulator) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(sim))
	return reg
}

// NewCommandCounter 对外命令计数，按命令与结果区分
func NewCommandCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands received through the API",
		},
		[]string{"command", "result"},
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
