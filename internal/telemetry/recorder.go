package telemetry

import (
	"sort"
	"sync"
)

// Summary aggregates one recorder category.
type Summary struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
}

type aggregate struct {
	count int
	sum   float64
}

// Recorder averages named statistics between flushes. As a Sink it records
// every reward term under "Reward/<term>" and episode endings under
// "Episode/<reason>".
type Recorder struct {
	mu     sync.Mutex
	values map[string]*aggregate
}

func NewRecorder() *Recorder {
	return &Recorder{values: make(map[string]*aggregate)}
}

func (r *Recorder) Add(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.values[key]
	if !ok {
		agg = &aggregate{}
		r.values[key] = agg
	}
	agg.count++
	agg.sum += value
}

func (r *Recorder) Publish(s Snapshot) {
	for term, value := range s.Terms {
		r.Add("Reward/"+term, value)
	}
	if s.Ended != "" {
		r.Add("Episode/"+s.Ended, 1)
	}
}

// Flush returns the summaries sorted by key and clears the recorder.
func (r *Recorder) Flush() []Summary {
	r.mu.Lock()
	values := r.values
	r.values = make(map[string]*aggregate)
	r.mu.Unlock()

	out := make([]Summary, 0, len(values))
	for key, agg := range values {
		out = append(out, Summary{
			Key:   key,
			Count: agg.count,
			Sum:   agg.sum,
			Mean:  agg.sum / float64(agg.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
