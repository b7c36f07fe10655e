package core

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/manager"
)

// CircuitStatistics counts the bytes of one circuit. Counters are written
// by the reactor and read from other goroutines.
type CircuitStatistics struct {
	ID        string
	Path      string
	StartedAt time.Time

	ToTunnel   atomic.Int64
	FromTunnel atomic.Int64
}

type CircuitSnapshot struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	StartedAt  time.Time `json:"started_at"`
	ToTunnel   int64     `json:"to_tunnel"`
	FromTunnel int64     `json:"from_tunnel"`
}

type StatisticsSnapshot struct {
	Active   int               `json:"active"`
	Total    int64             `json:"total"`
	Rejected int64             `json:"rejected"`
	Circuits []CircuitSnapshot `json:"circuits"`
}

type Statistics struct {
	circuits *manager.Manager[*CircuitStatistics]

	total    atomic.Int64
	rejected atomic.Int64
}

func NewStatistics() *Statistics {
	return &Statistics{
		circuits: manager.New[*CircuitStatistics](),
	}
}

// Open starts tracking a circuit.
func (s *Statistics) Open(id string, path circuit.Path) *CircuitStatistics {
	stats := &CircuitStatistics{
		ID:        id,
		Path:      path.String(),
		StartedAt: time.Now(),
	}

	s.circuits.Set(id, stats)
	s.total.Add(1)
	return stats
}

// Close stops tracking a circuit.
func (s *Statistics) Close(id string) {
	s.circuits.Delete(id)
}

// Reject counts a client turned away before a circuit existed.
func (s *Statistics) Reject() {
	s.rejected.Add(1)
}

func (s *Statistics) Get(id string) (*CircuitStatistics, bool) {
	stats, err := s.circuits.Get(id)
	return stats, err == nil
}

func (s *Statistics) Snapshot() *StatisticsSnapshot {
	circuits := []CircuitSnapshot{}
	for _, stats := range s.circuits.Values() {
		circuits = append(circuits, CircuitSnapshot{
			ID:         stats.ID,
			Path:       stats.Path,
			StartedAt:  stats.StartedAt,
			ToTunnel:   stats.ToTunnel.Load(),
			FromTunnel: stats.FromTunnel.Load(),
		})
	}

	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].StartedAt.Before(circuits[j].StartedAt)
	})

	return &StatisticsSnapshot{
		Active:   len(circuits),
		Total:    s.total.Load(),
		Rejected: s.rejected.Load(),
		Circuits: circuits,
	}
}
