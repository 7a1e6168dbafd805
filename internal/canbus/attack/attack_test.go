package attack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/bus"
	"github.com/bwu32/canbus/internal/canbus/security"
	"github.com/bwu32/canbus/internal/config"
)

func newTestManager(t *testing.T, measures ...canbus.Measure) *Manager {
	t.Helper()
	cfg := config.Default()
	sm, err := security.NewManager(cfg.Security)
	require.NoError(t, err)
	for _, m := range measures {
		require.True(t, sm.Toggle(m, true))
	}
	return Initialize(bus.NewBus(cfg.Bus.Bitrate, cfg.Bus.IdlePoll.Duration), sm, cfg.Attack)
}

// runFor 运行攻击一段时间后停止并等待循环退出
func runFor(t *testing.T, m *Manager, name string, d time.Duration) StatisticsSnapshot {
	t.Helper()
	require.True(t, m.StartAttack(name))
	time.Sleep(d)
	require.True(t, m.StopAttack(name))
	m.Wait()
	s, ok := m.Statistics(name)
	require.True(t, ok)
	return s
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, percent(0, 0))
	assert.Equal(t, 0.0, percent(5, 0))
	assert.Equal(t, 50.0, percent(1, 2))
	assert.Equal(t, 100.0, percent(3, 2))
}

func TestStatisticsSnapshot(t *testing.T) {
	s := newStatistics(NameReplay, []uint32{0x100})
	snap := s.Snapshot()
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.DetectionRate)

	s.attempt(false, false)
	s.success()
	s.attempt(true, true)
	s.attempt(false, true)
	s.success()
	s.attempt(false, false)

	snap = s.Snapshot()
	assert.Equal(t, uint64(4), snap.Attempts)
	assert.Equal(t, uint64(2), snap.Successful)
	assert.Equal(t, uint64(1), snap.Blocked)
	assert.Equal(t, uint64(2), snap.Detected)
	assert.Equal(t, 50.0, snap.SuccessRate)
	assert.Equal(t, 50.0, snap.DetectionRate)
	assert.Equal(t, []uint32{0x100}, snap.TargetIDs)
}

func TestStartStopContract(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, []string{NameBusFlooding, NameReplay, NameSpoofing}, m.Names())
	assert.False(t, m.StartAttack("ddos"))
	assert.False(t, m.StopAttack(NameSpoofing))

	require.True(t, m.StartAttack(NameSpoofing))
	assert.False(t, m.StartAttack(NameSpoofing))
	assert.True(t, m.IsActive(NameSpoofing))
	assert.Contains(t, m.CompromisedNodes(), canbus.NodeBody)

	require.True(t, m.StopAttack(NameSpoofing))
	assert.False(t, m.StopAttack(NameSpoofing))
	m.Wait()

	assert.False(t, m.IsActive(NameSpoofing))
	assert.Empty(t, m.CompromisedNodes())

	status := m.GetStatus()
	assert.Empty(t, status.ActiveAttacks)
	require.Len(t, status.RecentEvents, 2)
	assert.Equal(t, "started", status.RecentEvents[0].Action)
	assert.Equal(t, "stopped", status.RecentEvents[1].Action)
	assert.Equal(t, NameSpoofing, status.RecentEvents[0].Attack)
	assert.Len(t, status.Statistics, 3)
}

func TestRecentEventsRetention(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.True(t, m.StartAttack(NameReplay))
	require.True(t, m.StopAttack(NameReplay))
	m.Wait()
	assert.Len(t, m.GetStatus().RecentEvents, 2)

	now = now.Add(11 * time.Second)
	assert.Empty(t, m.GetStatus().RecentEvents)
}

func TestSpoofingUndefended(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.StartAttack(NameSpoofing))
	assert.Eventually(t, func() bool {
		for _, n := range m.CompromisedNodes() {
			if n == canbus.NodeBrake {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.StopAttack(NameSpoofing))
	m.Wait()

	s, _ := m.Statistics(NameSpoofing)
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Equal(t, s.Attempts, s.Successful)
	assert.Zero(t, s.Blocked)
	assert.Zero(t, s.Detected)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Greater(t, m.bus.Pending(), 0)
}

func TestSpoofingBlockedByAuthentication(t *testing.T) {
	m := newTestManager(t, canbus.MeasureAuthentication)

	s := runFor(t, m, NameSpoofing, 200*time.Millisecond)
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Zero(t, s.Successful)
	assert.Equal(t, s.Attempts, s.Blocked)
	assert.Equal(t, s.Attempts, s.Detected)
	assert.Equal(t, 0, m.bus.Pending())
}

func TestSpoofingDetectedByEncryption(t *testing.T) {
	m := newTestManager(t, canbus.MeasureEncryption)

	s := runFor(t, m, NameSpoofing, 100*time.Millisecond)
	assert.Zero(t, s.Successful)
	assert.Equal(t, s.Attempts, s.Blocked)
	assert.Equal(t, 100.0, s.DetectionRate)
}

func TestFloodingMarksBusAndIgnoresAuthentication(t *testing.T) {
	m := newTestManager(t, canbus.MeasureAuthentication)

	require.True(t, m.StartAttack(NameBusFlooding))
	assert.Eventually(t, m.bus.Compromised, time.Second, time.Millisecond)
	assert.Contains(t, m.CompromisedNodes(), canbus.NodeBusFlooder)
	time.Sleep(100 * time.Millisecond)
	require.True(t, m.StopAttack(NameBusFlooding))
	m.Wait()

	assert.False(t, m.bus.Compromised())
	s, _ := m.Statistics(NameBusFlooding)
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Zero(t, s.Blocked)
	assert.Equal(t, s.Attempts, s.Successful)
}

func TestFloodingUndefended(t *testing.T) {
	m := newTestManager(t)

	s := runFor(t, m, NameBusFlooding, 200*time.Millisecond)
	require.Greater(t, s.Attempts, uint64(0))
	assert.Zero(t, s.Blocked)
	assert.Zero(t, s.Detected)
	assert.Equal(t, s.Attempts, s.Successful)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Zero(t, s.DetectionRate)
	assert.Empty(t, s.TargetIDs)
	assert.Zero(t, m.security.Stats().RateLimitViolations)
	assert.Zero(t, m.security.Stats().AnomaliesDetected)
}

func TestFloodingBlockedByRateLimiting(t *testing.T) {
	m := newTestManager(t, canbus.MeasureRateLimiting)

	s := runFor(t, m, NameBusFlooding, 300*time.Millisecond)
	require.Greater(t, s.Attempts, uint64(50))
	assert.Greater(t, s.Blocked, uint64(0))
	assert.Equal(t, s.Blocked, s.Detected)
	assert.Equal(t, s.Attempts, s.Successful+s.Blocked)
	assert.LessOrEqual(t, s.DetectionRate, 100.0)
}

func TestReplayUndefended(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.StartAttack(NameReplay))
	assert.Eventually(t, func() bool {
		return len(m.CompromisedNodes()) > 0 && m.CompromisedNodes()[0] == canbus.NodeEngine
	}, time.Second, time.Millisecond)
	require.True(t, m.StopAttack(NameReplay))
	m.Wait()

	s, _ := m.Statistics(NameReplay)
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Equal(t, s.Attempts, s.Successful)
	assert.Zero(t, s.Blocked)
	assert.Zero(t, s.Detected)
	assert.Empty(t, m.CompromisedNodes())
}

func TestReplayDetectedByAuthenticationNotBlocked(t *testing.T) {
	m := newTestManager(t, canbus.MeasureAuthentication)

	s := runFor(t, m, NameReplay, 150*time.Millisecond)
	assert.Greater(t, s.Attempts, uint64(0))
	assert.Zero(t, s.Blocked)
	assert.Equal(t, s.Attempts, s.Detected)
	assert.Equal(t, s.Attempts, s.Successful)
}

func TestStatisticsSurviveRestart(t *testing.T) {
	m := newTestManager(t)

	first := runFor(t, m, NameReplay, 50*time.Millisecond)
	second := runFor(t, m, NameReplay, 50*time.Millisecond)
	assert.Greater(t, second.Attempts, first.Attempts)
}

func TestQuickRestartRunsSingleLoop(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 5; i++ {
		require.True(t, m.StartAttack(NameSpoofing))
		require.True(t, m.StopAttack(NameSpoofing))
	}
	require.True(t, m.StartAttack(NameSpoofing))
	m.StopAll()

	assert.Empty(t, m.ActiveAttacks())
	assert.Empty(t, m.CompromisedNodes())
}
