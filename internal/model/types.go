package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one training run of a population.
type RunRecord struct {
	VersionedRecord
	ID             string  `json:"id"`
	CreatedAtUTC   string  `json:"created_at_utc"`
	Mode           string  `json:"mode"`
	PopulationSize int     `json:"population_size"`
	SurvivalRate   float64 `json:"survival_rate"`
	Generations    int     `json:"generations"`
	Seed           int64   `json:"seed"`
	BestFitness    float64 `json:"best_fitness"`
}

// GenerationDiagnostics summarizes one generation boundary.
type GenerationDiagnostics struct {
	Generation    int            `json:"generation"`
	Trigger       string         `json:"trigger"`
	DurationMS    int64          `json:"duration_ms"`
	Ticks         int            `json:"ticks"`
	BestFitness   float64        `json:"best_fitness"`
	MeanFitness   float64        `json:"mean_fitness"`
	MinFitness    float64        `json:"min_fitness"`
	StdDevFitness float64        `json:"stddev_fitness"`
	EliteCount    int            `json:"elite_count"`
	CulledCount   int            `json:"culled_count"`
	BestAgentID   string         `json:"best_agent_id"`
	Terminations  map[string]int `json:"terminations,omitempty"`
}

// LineageRecord captures one respawn-as-clone at a generation boundary.
type LineageRecord struct {
	VersionedRecord
	AgentID    string  `json:"agent_id"`
	DonorID    string  `json:"donor_id"`
	Generation int     `json:"generation"`
	Operation  string  `json:"operation"`
	GroupID    string  `json:"group_id"`
	Fitness    float64 `json:"fitness"`
}
