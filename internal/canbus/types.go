// Package canbus 提供CAN总线仿真核心类型定义
// 帧、安全措施、节点健康状态与事件记录
package canbus

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// DefaultFrameBits 经典CAN帧长度（8字节负载）
const DefaultFrameBits = 128

// 车辆报文仲裁ID
const (
	IDFlood         uint32 = 0x000 // 最高优先级，保留为攻击向量
	IDBrakePressure uint32 = 0x0A0
	IDBrakeStatus   uint32 = 0x0A1
	IDSteeringAngle uint32 = 0x0C0
	IDABSStatus     uint32 = 0x0C1
	IDEngineRPM     uint32 = 0x100
	IDEngineTemp    uint32 = 0x101
	IDGearPosition  uint32 = 0x200
	IDDoorLocks     uint32 = 0x300
	IDLights        uint32 = 0x301
	IDOBDRequest    uint32 = 0x7DF
	IDOBDResponse   uint32 = 0x7E8
)

// ECU节点名称
const (
	NodeEngine       = "EngineECU"
	NodeBrake        = "BrakeECU"
	NodeTransmission = "TransmissionECU"
	NodeBody         = "BodyECU"
	NodeBusFlooder   = "BUS_FLOODER"
	SourceAttacker   = "ATTACKER"
)

var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrUnknownMeasure      = errors.New("unknown security measure")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Frame CAN帧
// 发送时负载被原地变换：明文 -> 密文 -> 密文+MAC
type Frame struct {
	ArbitrationID   uint32
	Payload         []byte
	EnqueuedAt      time.Time
	BitLength       int
	Source          string
	IsEncrypted     bool
	IsAuthenticated bool
}

// NewFrame 创建默认长度的帧
func NewFrame(id uint32, payload []byte) *Frame {
	return &Frame{
		ArbitrationID: id,
		Payload:       payload,
		BitLength:     DefaultFrameBits,
	}
}

// Less 总线优先级比较
// 先按仲裁ID升序；ID相同时按负载字节字典序升序打破平局，
// 仅用于保证测试可复现，不是安全属性
func Less(a, b *Frame) bool {
	if a.ArbitrationID != b.ArbitrationID {
		return a.ArbitrationID < b.ArbitrationID
	}
	return bytes.Compare(a.Payload, b.Payload) < 0
}

// Measure 安全措施
type Measure string

const (
	MeasureEncryption     Measure = "encryption"
	MeasureAuthentication Measure = "authentication"
	MeasureRateLimiting   Measure = "rate_limiting"
	MeasureIDS            Measure = "ids"
)

// Measures 全部安全措施，顺序即发送管线顺序
var Measures = []Measure{MeasureEncryption, MeasureAuthentication, MeasureRateLimiting, MeasureIDS}

// ParseMeasure 解析安全措施名称
func ParseMeasure(name string) (Measure, error) {
	for _, m := range Measures {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMeasure, name)
}

// Health 节点健康状态
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthWarning Health = "warning"
)

// EventType 控制器安全事件类型
type EventType string

const (
	EventRateLimitViolation EventType = "rate_limit_violation"
	EventAnomalyDetected    EventType = "anomaly_detected"
	EventAuthFailed         EventType = "authentication_failed"
	EventDecryptFailed      EventType = "decryption_failed"
)

// Event 控制器安全事件
type Event struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Type          EventType `json:"type"`
	ArbitrationID uint32    `json:"arb_id"`
	Rate          int       `json:"rate,omitempty"`
}

// Record 已接收订阅帧的日志记录
type Record struct {
	Time             time.Time `json:"time"`
	ArbitrationID    uint32    `json:"arb_id"`
	LatencyMs        float64   `json:"latency"`
	SecurityOverhead float64   `json:"security_overhead"`
	Source           string    `json:"source"`
	Payload          []byte    `json:"payload,omitempty"`
}

var systemNames = map[uint32]string{
	IDEngineRPM:     "Engine RPM",
	IDEngineTemp:    "Engine Temperature",
	IDBrakePressure: "Brake Pressure (CRITICAL)",
	IDBrakeStatus:   "Brake Status (CRITICAL)",
	IDGearPosition:  "Transmission Gear",
	IDDoorLocks:     "Door Locks",
	IDLights:        "Headlights/Taillights",
	IDSteeringAngle: "Steering Angle (SAFETY)",
	IDABSStatus:     "ABS Status (SAFETY)",
	IDOBDRequest:    "OBD-II Request",
	IDOBDResponse:   "OBD-II Response",
}

// SystemName 返回仲裁ID对应的系统名称
func SystemName(id uint32) string {
	if name, ok := systemNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown ID (0x%03X)", id)
}
