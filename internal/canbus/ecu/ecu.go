// Package ecu 提供周期性发送领域报文的ECU应用
package ecu

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus"
)

// Sender 帧发送方，由控制器实现
type Sender interface {
	Name() string
	Send(frame *canbus.Frame) error
}

// App ECU应用
type App interface {
	Name() string
	Run(ctx context.Context) error
}

// ticker 通用的周期发送循环
type ticker struct {
	ctrl     Sender
	interval time.Duration
	step     func() []*canbus.Frame
}

func (t *ticker) Name() string {
	return t.ctrl.Name()
}

// Run 每个周期发送一批帧，直到ctx取消
func (t *ticker) Run(ctx context.Context) error {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		for _, frame := range t.step() {
			if err := t.ctrl.Send(frame); err != nil && !errors.Is(err, canbus.ErrRateLimited) {
				log.WithError(err).WithField("ecu", t.ctrl.Name()).Warn("Failed to send frame")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
	}
}

// NewEngine 发动机ECU：转速与水温
func NewEngine(ctrl Sender, interval time.Duration) App {
	rpm, temp := uint16(3000), byte(90)
	return &ticker{
		ctrl:     ctrl,
		interval: interval,
		step: func() []*canbus.Frame {
			rpmBytes := make([]byte, 2)
			binary.BigEndian.PutUint16(rpmBytes, rpm)
			frames := []*canbus.Frame{
				canbus.NewFrame(canbus.IDEngineRPM, rpmBytes),
				canbus.NewFrame(canbus.IDEngineTemp, []byte{temp}),
			}
			rpm = (rpm + 50) % 8000
			temp = byte(85 + rpm/400)
			return frames
		},
	}
}

// NewBrake 制动ECU：制动压力与状态，关键时序
func NewBrake(ctrl Sender, interval time.Duration) App {
	pressure := byte(0)
	return &ticker{
		ctrl:     ctrl,
		interval: interval,
		step: func() []*canbus.Frame {
			frames := []*canbus.Frame{
				canbus.NewFrame(canbus.IDBrakePressure, []byte{pressure}),
				canbus.NewFrame(canbus.IDBrakeStatus, []byte{1}),
			}
			pressure = (pressure + 5) % 100
			return frames
		},
	}
}

// NewTransmission 变速箱ECU：档位1-6循环
func NewTransmission(ctrl Sender, interval time.Duration) App {
	gear := byte(1)
	return &ticker{
		ctrl:     ctrl,
		interval: interval,
		step: func() []*canbus.Frame {
			frame := canbus.NewFrame(canbus.IDGearPosition, []byte{gear})
			gear = gear%6 + 1
			return []*canbus.Frame{frame}
		},
	}
}

// NewBody 车身ECU：门锁与灯光
func NewBody(ctrl Sender, interval time.Duration) App {
	return &ticker{
		ctrl:     ctrl,
		interval: interval,
		step: func() []*canbus.Frame {
			return []*canbus.Frame{
				canbus.NewFrame(canbus.IDDoorLocks, []byte{1}),
				canbus.NewFrame(canbus.IDLights, []byte{1}),
			}
		},
	}
}
