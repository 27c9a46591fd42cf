package rbaccache

import (
	"sync/atomic"

	"github.com/sentinel-iam/sentinel/internal/rbac"
)

// stats holds process-lifetime hit and miss counters. They only reset through
// an explicit clear.
type stats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (s *stats) hit()  { s.hits.Add(1) }
func (s *stats) miss() { s.misses.Add(1) }

func (s *stats) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
}

// Statistics reports the current counters plus approximate live entry counts
// taken from the local tier.
func (s *Service) Statistics() rbac.CacheStatistics {
	hits := s.stats.hits.Load()
	misses := s.stats.misses.Load()
	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	users, roles, decisions := s.local.counts()
	return rbac.CacheStatistics{
		Hits:            hits,
		Misses:          misses,
		HitRatio:        ratio,
		UserSetEntries:  users,
		RoleSetEntries:  roles,
		DecisionEntries: decisions,
	}
}
