// Package telemetry publishes read-only per-agent snapshots for displays and
// statistics.
package telemetry

import (
	"log/slog"
	"sync"
)

// Snapshot is the state of one agent after a tick.
type Snapshot struct {
	Generation       int                `json:"generation"`
	AgentID          string             `json:"agent_id"`
	Step             int                `json:"step"`
	Reward           float64            `json:"reward"`
	CumulativeReward float64            `json:"cumulative_reward"`
	Fitness          float64            `json:"fitness"`
	Secured          int                `json:"secured"`
	Total            int                `json:"total"`
	Touching         bool               `json:"touching"`
	Holding          bool               `json:"holding"`
	TargetName       string             `json:"target_name,omitempty"`
	TargetDistance   float64            `json:"target_distance"`
	Phase            string             `json:"phase"`
	Status           string             `json:"status"`
	Ended            string             `json:"ended,omitempty"`
	Terms            map[string]float64 `json:"terms,omitempty"`
}

// Sink consumes snapshots. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(Snapshot)
}

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) Publish(s Snapshot) {
	for _, sink := range m {
		sink.Publish(s)
	}
}

// LogSink writes snapshots at debug level, and episode endings at info.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Publish(s Snapshot) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"generation", s.Generation,
		"agent_id", s.AgentID,
		"step", s.Step,
		"reward", s.Reward,
		"fitness", s.Fitness,
		"secured", s.Secured,
		"total", s.Total,
		"phase", s.Phase,
		"target", s.TargetName,
	}
	if s.Ended != "" {
		logger.Info("episode ended", append(attrs, "reason", s.Ended)...)
		return
	}
	logger.Debug("agent tick", attrs...)
}

// MemorySink keeps the latest snapshot per agent and an optional bounded
// history.
type MemorySink struct {
	mu      sync.Mutex
	latest  map[string]Snapshot
	history []Snapshot
	limit   int
}

// NewMemorySink keeps up to limit snapshots of history; zero keeps none.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{latest: make(map[string]Snapshot), limit: limit}
}

func (m *MemorySink) Publish(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[s.AgentID] = s
	if m.limit <= 0 {
		return
	}
	m.history = append(m.history, s)
	if len(m.history) > m.limit {
		m.history = append(m.history[:0], m.history[len(m.history)-m.limit:]...)
	}
}

func (m *MemorySink) Latest(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[agentID]
	return s, ok
}

func (m *MemorySink) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.history...)
}
