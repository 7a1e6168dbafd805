package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/config"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Security.IDSLearningTime = config.D(50 * time.Millisecond)
	cfg.Monitor.FlushInterval = config.D(20 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { assert.NoError(t, e.Stop()) })
	return e
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestEngineWiring(t *testing.T) {
	e := newTestEngine(t, nil)

	subs := map[string][]uint32{}
	for _, c := range e.Controllers() {
		subs[c.Name()] = c.Subscriptions()
	}
	assert.Equal(t, map[string][]uint32{
		canbus.NodeEngine:       {canbus.IDBrakePressure, canbus.IDDoorLocks},
		canbus.NodeBrake:        {canbus.IDEngineRPM},
		canbus.NodeTransmission: {canbus.IDBrakePressure, canbus.IDEngineRPM},
		canbus.NodeBody:         {canbus.IDEngineRPM, canbus.IDGearPosition},
	}, subs)
	assert.Len(t, e.Bus().Receivers(), 4)
	assert.True(t, e.IsRunning())
}

func TestEngineStateSnapshot(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.Eventually(t, func() bool { return e.Bus().TotalMessages() > 20 }, 2*time.Second, 5*time.Millisecond)

	state := e.GetState()
	assert.Equal(t, e.RunID(), state.RunID)
	assert.NotEmpty(t, state.RunID)
	assert.Len(t, state.Controllers, 4)
	assert.Len(t, state.SecurityMeasures, 4)
	assert.Len(t, state.SecurityOverhead, 4)
	assert.Greater(t, state.BusStats.TotalMessages, uint64(0))
	assert.False(t, state.BusStats.Compromised)
	assert.Greater(t, state.Uptime, 0.0)
	assert.Len(t, state.Latency.Recent, 4)
	assert.LessOrEqual(t, len(state.Latency.Recent[canbus.NodeBrake]), 10)
	assert.NotNil(t, state.Latency.Warnings)

	st := state.Controllers[canbus.NodeBrake]
	assert.Equal(t, canbus.NodeBrake, st.Name)
	assert.Equal(t, []uint32{canbus.IDEngineRPM}, st.Subscriptions)
}

func TestLearningPhaseEnds(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.Eventually(t, func() bool {
		return e.GetState().IDSPhase == "detecting"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestToggleSecurity(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.False(t, e.ToggleSecurity("firewall", true))
	assert.True(t, e.ToggleSecurity("encryption", true))
	assert.True(t, e.GetState().SecurityMeasures["encryption"])

	assert.Eventually(t, func() bool {
		return e.GetState().SecurityStats.MessagesEncrypted > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, e.ToggleSecurity("encryption", false))
	assert.False(t, e.GetState().SecurityMeasures["encryption"])
}

func TestSecureTrafficKeepsControllersHealthy(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Security.Defaults = map[string]bool{"encryption": true, "authentication": true}
	})

	assert.Eventually(t, func() bool { return e.Bus().TotalMessages() > 50 }, 2*time.Second, 5*time.Millisecond)
	for _, c := range e.Controllers() {
		for _, ev := range c.Events() {
			assert.NotEqual(t, canbus.EventAuthFailed, ev.Type, c.Name())
			assert.NotEqual(t, canbus.EventDecryptFailed, ev.Type, c.Name())
		}
	}
}

func TestSpoofingScenarioUndefended(t *testing.T) {
	e := newTestEngine(t, nil)

	require.True(t, e.StartAttack(attack.NameSpoofing))
	assert.False(t, e.StartAttack(attack.NameSpoofing))
	time.Sleep(time.Second)

	status := e.GetAttackStatus()
	assert.Contains(t, status.ActiveAttacks, attack.NameSpoofing)
	assert.True(t, contains(status.CompromisedNodes, canbus.NodeBrake))

	require.True(t, e.StopAttack(attack.NameSpoofing))
	e.Attacks().Wait()

	s := e.GetAttackStatus().Statistics[attack.NameSpoofing]
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Equal(t, s.Attempts, s.Successful)
	assert.Zero(t, s.Blocked)
	assert.Zero(t, s.Detected)
	assert.False(t, contains(e.GetAttackStatus().CompromisedNodes, canbus.NodeBrake))
}

func TestFloodingScenario(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Security.Defaults = map[string]bool{"authentication": true}
	})

	require.True(t, e.StartAttack(attack.NameBusFlooding))
	time.Sleep(time.Second)
	assert.True(t, e.GetState().BusStats.Compromised)

	s := e.GetAttackStatus().Statistics[attack.NameBusFlooding]
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Zero(t, s.Blocked)

	require.True(t, e.ToggleSecurity("rate_limiting", true))
	assert.Eventually(t, func() bool {
		return e.GetAttackStatus().Statistics[attack.NameBusFlooding].Blocked > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, e.StopAttack(attack.NameBusFlooding))
	e.Attacks().Wait()
	assert.False(t, e.GetState().BusStats.Compromised)
}

func TestGraphShowsDeliveries(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.Eventually(t, func() bool {
		for _, l := range e.Graph().Links {
			if l.Source == canbus.NodeEngine && l.Target == canbus.NodeBrake && l.Link == "0x100" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	e, err := NewEngine(config.Default())
	require.NoError(t, err)
	require.NoError(t, e.Stop())
	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
}

func TestLatencyWarnings(t *testing.T) {
	e, err := NewEngine(config.Default())
	require.NoError(t, err)

	assert.Empty(t, e.GetState().Latency.Warnings)

	brake := e.Controllers()[1]
	require.Equal(t, canbus.NodeBrake, brake.Name())
	for i := 0; i < 5; i++ {
		brake.Receive(&canbus.Frame{
			ArbitrationID: canbus.IDEngineRPM,
			Payload:       []byte{0x0B, 0xB8},
			EnqueuedAt:    time.Now().Add(-30 * time.Millisecond),
		})
	}

	feed := e.GetState().Latency
	assert.Greater(t, feed.AvgActualLatency, 20.0)
	require.Len(t, feed.Warnings, 2)
	assert.Equal(t, "critical", feed.Warnings[0].Level)
	assert.Equal(t, "warning", feed.Warnings[1].Level)
	assert.Len(t, feed.Recent[canbus.NodeBrake], 5)
}
