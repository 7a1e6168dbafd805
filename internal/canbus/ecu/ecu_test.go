package ecu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwu32/canbus/internal/canbus"
)

type fakeSender struct {
	mutex  sync.Mutex
	frames []*canbus.Frame
	err    error
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(frame *canbus.Frame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.frames = append(s.frames, frame)
	return s.err
}

func (s *fakeSender) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.frames)
}

func steps(app App, n int) [][]*canbus.Frame {
	t := app.(*ticker)
	out := make([][]*canbus.Frame, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, t.step())
	}
	return out
}

func TestEngineFrames(t *testing.T) {
	batches := steps(NewEngine(&fakeSender{}, time.Millisecond), 2)

	require.Len(t, batches[0], 2)
	assert.Equal(t, canbus.IDEngineRPM, batches[0][0].ArbitrationID)
	assert.Equal(t, []byte{0x0B, 0xB8}, batches[0][0].Payload)
	assert.Equal(t, canbus.IDEngineTemp, batches[0][1].ArbitrationID)
	assert.Equal(t, []byte{90}, batches[0][1].Payload)

	// 3050 rpm
	assert.Equal(t, []byte{0x0B, 0xEA}, batches[1][0].Payload)
	assert.Equal(t, []byte{byte(85 + 3050/400)}, batches[1][1].Payload)
}

func TestBrakeFrames(t *testing.T) {
	batches := steps(NewBrake(&fakeSender{}, time.Millisecond), 21)

	assert.Equal(t, canbus.IDBrakePressure, batches[0][0].ArbitrationID)
	assert.Equal(t, []byte{0}, batches[0][0].Payload)
	assert.Equal(t, []byte{5}, batches[1][0].Payload)
	assert.Equal(t, []byte{0}, batches[20][0].Payload)
	assert.Equal(t, canbus.IDBrakeStatus, batches[0][1].ArbitrationID)
}

func TestTransmissionCyclesGears(t *testing.T) {
	batches := steps(NewTransmission(&fakeSender{}, time.Millisecond), 7)

	var gears []byte
	for _, b := range batches {
		require.Len(t, b, 1)
		gears = append(gears, b[0].Payload[0])
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 1}, gears)
}

func TestBodyFrames(t *testing.T) {
	batch := steps(NewBody(&fakeSender{}, time.Millisecond), 1)[0]
	require.Len(t, batch, 2)
	assert.Equal(t, canbus.IDDoorLocks, batch[0].ArbitrationID)
	assert.Equal(t, canbus.IDLights, batch[1].ArbitrationID)
}

func TestRunSendsUntilCancelled(t *testing.T) {
	s := &fakeSender{err: canbus.ErrRateLimited}
	app := NewTransmission(s, time.Millisecond)
	assert.Equal(t, "fake", app.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
