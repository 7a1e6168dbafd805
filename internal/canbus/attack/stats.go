package attack

import "sync/atomic"

// Statistics 单类攻击的统计，计数只增不减，停止/重启不会清零
type Statistics struct {
	attackType string
	targetIDs  []uint32

	attempts   atomic.Uint64
	successful atomic.Uint64
	blocked    atomic.Uint64
	detected   atomic.Uint64
}

// StatisticsSnapshot 统计快照，比率由计数派生
type StatisticsSnapshot struct {
	Attempts      uint64   `json:"attempts"`
	Successful    uint64   `json:"successful"`
	Blocked       uint64   `json:"blocked"`
	Detected      uint64   `json:"detected"`
	SuccessRate   float64  `json:"success_rate"`
	DetectionRate float64  `json:"detection_rate"`
	TargetIDs     []uint32 `json:"target_ids"`
}

func newStatistics(attackType string, targetIDs []uint32) *Statistics {
	return &Statistics{attackType: attackType, targetIDs: targetIDs}
}

// attempt 记录一次尝试的判定结果，每次尝试最多计一次拦截和一次检测
func (s *Statistics) attempt(blocked, detected bool) {
	s.attempts.Add(1)
	if blocked {
		s.blocked.Add(1)
	}
	if detected {
		s.detected.Add(1)
	}
}

func (s *Statistics) success() {
	s.successful.Add(1)
}

// Snapshot 返回统计快照
// 先读结果计数再读尝试数，保证并发下比率不超过100
func (s *Statistics) Snapshot() StatisticsSnapshot {
	successful := s.successful.Load()
	blocked := s.blocked.Load()
	detected := s.detected.Load()
	attempts := s.attempts.Load()

	ids := make([]uint32, len(s.targetIDs))
	copy(ids, s.targetIDs)

	return StatisticsSnapshot{
		Attempts:      attempts,
		Successful:    successful,
		Blocked:       blocked,
		Detected:      detected,
		SuccessRate:   percent(successful, attempts),
		DetectionRate: percent(detected, attempts),
		TargetIDs:     ids,
	}
}

func percent(n, attempts uint64) float64 {
	if attempts == 0 {
		return 0
	}
	if n > attempts {
		n = attempts
	}
	return float64(n) / float64(attempts) * 100
}
