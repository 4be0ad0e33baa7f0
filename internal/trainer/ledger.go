package trainer

import (
	"sync"

	"forkevo/internal/reward"
)

// EpisodeStats is the per-agent bookkeeping kept by every trainer.
type EpisodeStats struct {
	Episodes   int
	Steps      int
	Reward     float64
	LastReward float64
	Endings    map[reward.Reason]int

	// decisions since the current episode began
	decisions int
}

// ledger implements the Reward and EndEpisode halves of Trainer.
type ledger struct {
	mu    sync.Mutex
	stats map[string]*EpisodeStats
}

func newLedger() ledger {
	return ledger{stats: make(map[string]*EpisodeStats)}
}

func (l *ledger) Reward(agentID string, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(agentID)
	st.Reward += value
	st.LastReward = value
}

func (l *ledger) EndEpisode(agentID string, reason reward.Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(agentID)
	st.Episodes++
	st.Endings[reason]++
	st.decisions = 0
}

// Stats returns a copy of the bookkeeping for agentID.
func (l *ledger) Stats(agentID string) EpisodeStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.stats[agentID]
	if !ok {
		return EpisodeStats{Endings: map[reward.Reason]int{}}
	}
	out := *st
	out.Endings = make(map[reward.Reason]int, len(st.Endings))
	for k, v := range st.Endings {
		out.Endings[k] = v
	}
	return out
}

// step counts one decision and returns the decisions made in the episode so
// far. Callers hold l.mu.
func (l *ledger) step(agentID string) int {
	st := l.entry(agentID)
	st.Steps++
	st.decisions++
	return st.decisions
}

func (l *ledger) entry(agentID string) *EpisodeStats {
	st, ok := l.stats[agentID]
	if !ok {
		st = &EpisodeStats{Endings: make(map[reward.Reason]int)}
		l.stats[agentID] = st
	}
	return st
}
