/*
Package config 提供仿真器配置管理

配置分为以下几部分：
  - 总线参数（比特率、空闲轮询间隔）
  - 安全参数（速率限制、IDS学习、密钥）
  - 延迟阈值与关键报文ID分类
  - ECU发送周期与攻击节奏
  - 对外服务端口与推送频率

默认值与车载CAN常用参数保持一致，可由YAML文件覆盖。
*/
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Duration 支持 "2s"、"100ms" 形式的YAML时长
type Duration struct {
	time.Duration
}

// D 构造Duration
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalYAML 实现yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML 实现yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config 仿真器完整配置
type Config struct {
	Bus      Bus      `yaml:"bus"`
	Security Security `yaml:"security"`
	Latency  Latency  `yaml:"latency"`
	ECU      ECU      `yaml:"ecu"`
	Attack   Attack   `yaml:"attack"`
	Monitor  Monitor  `yaml:"monitor"`
	Server   Server   `yaml:"server"`
}

// Bus 总线参数
type Bus struct {
	Bitrate  int      `yaml:"bitrate"`
	IdlePoll Duration `yaml:"idle_poll"`
}

// Security 安全参数
type Security struct {
	// RateLimitThreshold 每个ID在窗口内允许的最大报文数，超过即丢弃
	RateLimitThreshold int      `yaml:"rate_limit_threshold"`
	RateLimitWindow    Duration `yaml:"rate_limit_window"`
	RateWindowCapacity int      `yaml:"rate_window_capacity"`

	IDSLearningTime      Duration `yaml:"ids_learning_time"`
	IDSAnomalyMultiplier float64  `yaml:"ids_anomaly_multiplier"`
	IDSMinimumSamples    int      `yaml:"ids_minimum_samples"`
	IDSMinimumRecent     int      `yaml:"ids_minimum_recent"`

	// MasterKey 十六进制主密钥，为空时随机生成
	MasterKey string `yaml:"master_key"`

	Defaults map[string]bool `yaml:"defaults"`
}

// Latency 延迟阈值
type Latency struct {
	Critical    Duration `yaml:"critical"`
	Safety      Duration `yaml:"safety"`
	Normal      Duration `yaml:"normal"`
	CriticalIDs []uint32 `yaml:"critical_ids"`
	SafetyIDs   []uint32 `yaml:"safety_ids"`

	HistorySize         int      `yaml:"history_size"`
	OverheadHistorySize int      `yaml:"overhead_history_size"`
	RecentEventWindow   Duration `yaml:"recent_event_window"`
	// HealthRecovery 无新告警持续该时长后恢复healthy，0表示永不恢复
	HealthRecovery Duration `yaml:"health_recovery"`
}

// ECU 各ECU发送周期
type ECU struct {
	EngineInterval       Duration `yaml:"engine_interval"`
	BrakeInterval        Duration `yaml:"brake_interval"`
	TransmissionInterval Duration `yaml:"transmission_interval"`
	BodyInterval         Duration `yaml:"body_interval"`
}

// Attack 攻击节奏
type Attack struct {
	FloodInterval    Duration `yaml:"flood_interval"`
	SpoofInterval    Duration `yaml:"spoof_interval"`
	ReplayBurstCount int      `yaml:"replay_burst_count"`
	ReplayBurstDelay Duration `yaml:"replay_burst_delay"`
	ReplayInterval   Duration `yaml:"replay_interval"`
	EventRetention   Duration `yaml:"event_retention"`
}

// Monitor 流量拓扑聚合
type Monitor struct {
	FlushInterval Duration `yaml:"flush_interval"`
	MaxFlows      int      `yaml:"max_flows"`
}

// Server 对外服务
type Server struct {
	HTTPPort     int      `yaml:"http_port"`
	GRPCPort     int      `yaml:"grpc_port"`
	PushInterval Duration `yaml:"push_interval"`
	CommandRPS   float64  `yaml:"command_rps"`
	CommandBurst int      `yaml:"command_burst"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Bus: Bus{
			Bitrate:  500_000,
			IdlePoll: D(100 * time.Microsecond),
		},
		Security: Security{
			RateLimitThreshold:   50,
			RateLimitWindow:      D(time.Second),
			RateWindowCapacity:   100,
			IDSLearningTime:      D(2 * time.Second),
			IDSAnomalyMultiplier: 3,
			IDSMinimumSamples:    20,
			IDSMinimumRecent:     3,
			Defaults: map[string]bool{
				"encryption":     false,
				"authentication": false,
				"rate_limiting":  false,
				"ids":            false,
			},
		},
		Latency: Latency{
			Critical:            D(10 * time.Millisecond),
			Safety:              D(20 * time.Millisecond),
			Normal:              D(100 * time.Millisecond),
			CriticalIDs:         []uint32{0x0A0, 0x0A1},
			SafetyIDs:           []uint32{0x0C0, 0x0C1},
			HistorySize:         1000,
			OverheadHistorySize: 1000,
			RecentEventWindow:   D(5 * time.Second),
		},
		ECU: ECU{
			EngineInterval:       D(50 * time.Millisecond),
			BrakeInterval:        D(10 * time.Millisecond),
			TransmissionInterval: D(80 * time.Millisecond),
			BodyInterval:         D(100 * time.Millisecond),
		},
		Attack: Attack{
			FloodInterval:    D(100 * time.Microsecond),
			SpoofInterval:    D(50 * time.Millisecond),
			ReplayBurstCount: 3,
			ReplayBurstDelay: D(time.Millisecond),
			ReplayInterval:   D(100 * time.Millisecond),
			EventRetention:   D(10 * time.Second),
		},
		Monitor: Monitor{
			FlushInterval: D(time.Second),
			MaxFlows:      4096,
		},
		Server: Server{
			HTTPPort:     8080,
			GRPCPort:     8765,
			PushInterval: D(100 * time.Millisecond),
			CommandRPS:   20,
			CommandBurst: 40,
		},
	}
}

// Load 从YAML文件加载配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate 检查会导致仿真无法运行的配置错误
func (c *Config) Validate() error {
	if c.Bus.Bitrate <= 0 {
		return errors.Errorf("bus bitrate must be positive, got %d", c.Bus.Bitrate)
	}
	if c.Latency.Critical.Duration >= c.Latency.Safety.Duration {
		return errors.New("latency critical threshold must be < safety threshold")
	}
	if c.Latency.Safety.Duration >= c.Latency.Normal.Duration {
		return errors.New("latency safety threshold must be < normal threshold")
	}
	if c.Security.RateLimitWindow.Duration <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.Security.RateLimitThreshold <= 0 {
		return errors.Errorf("rate limit threshold must be positive, got %d", c.Security.RateLimitThreshold)
	}
	if c.Security.RateWindowCapacity <= c.Security.RateLimitThreshold {
		return errors.Errorf("rate window capacity %d cannot hold threshold %d",
			c.Security.RateWindowCapacity, c.Security.RateLimitThreshold)
	}
	if c.Security.IDSMinimumSamples < 2 {
		return errors.New("ids minimum samples must be >= 2")
	}
	if c.Security.IDSAnomalyMultiplier <= 1 {
		return errors.New("ids anomaly multiplier must be > 1")
	}
	if c.Security.MasterKey != "" {
		if _, err := hex.DecodeString(c.Security.MasterKey); err != nil {
			return errors.Wrap(err, "master key must be hex encoded")
		}
	}
	for name := range c.Security.Defaults {
		switch name {
		case "encryption", "authentication", "rate_limiting", "ids":
		default:
			return errors.Errorf("unknown security measure %q in defaults", name)
		}
	}
	return nil
}

// Warnings 返回不影响运行但值得注意的配置项
func (c *Config) Warnings() []string {
	var warnings []string

	switch c.Bus.Bitrate {
	case 125_000, 250_000, 500_000, 1_000_000:
	default:
		warnings = append(warnings, fmt.Sprintf("unusual CAN bitrate: %d (common: 125k, 250k, 500k, 1M)", c.Bus.Bitrate))
	}
	if c.Server.PushInterval.Duration < 50*time.Millisecond {
		warnings = append(warnings, "push interval too fast (<50ms), may overload clients")
	}
	if c.Security.RateLimitThreshold < 10 {
		warnings = append(warnings, "rate limit threshold too strict (<10/sec), may block legitimate traffic")
	}
	return warnings
}
