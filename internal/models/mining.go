// -----------------------------------------------------------------------
// Mining - Pattern miner tuning parameters and results
// -----------------------------------------------------------------------

package models

import (
	"strconv"
	"time"
)

// Mining parameter defaults. These match the defaults of the miner service.
const (
	DefaultMinPatternSize      = 5
	DefaultMaxPatternSize      = 10
	DefaultMinNeighborhoodSize = 5
	DefaultMaxNeighborhoodSize = 10
	DefaultNeighborhoods       = 2000
	DefaultTrials              = 100
	DefaultRadius              = 3
	DefaultGraphType           = "directed"
	DefaultSearchStrategy      = "greedy"
	DefaultSampleMethod        = "tree"
)

// MiningConfig is the caller supplied tuning. Nil fields fall back to the defaults.
type MiningConfig struct {
	MinPatternSize      *int    `json:"min_pattern_size,omitempty"`
	MaxPatternSize      *int    `json:"max_pattern_size,omitempty"`
	MinNeighborhoodSize *int    `json:"min_neighborhood_size,omitempty"`
	MaxNeighborhoodSize *int    `json:"max_neighborhood_size,omitempty"`
	NNeighborhoods      *int    `json:"n_neighborhoods,omitempty"`
	NTrials             *int    `json:"n_trials,omitempty"`
	Radius              *int    `json:"radius,omitempty"`
	GraphType           *string `json:"graph_type,omitempty"`
	SearchStrategy      *string `json:"search_strategy,omitempty"`
	SampleMethod        *string `json:"sample_method,omitempty"`
	VisualizeInstances  *bool   `json:"visualize_instances,omitempty"`
	OutBatchSize        *int    `json:"out_batch_size,omitempty"`
}

// MiningParams is a fully resolved parameter set, ready for validation
type MiningParams struct {
	MinPatternSize      int    `json:"min_pattern_size" validate:"gte=1,ltefield=MaxPatternSize"`
	MaxPatternSize      int    `json:"max_pattern_size" validate:"gte=1"`
	MinNeighborhoodSize int    `json:"min_neighborhood_size" validate:"gte=1,ltefield=MaxNeighborhoodSize"`
	MaxNeighborhoodSize int    `json:"max_neighborhood_size" validate:"gte=1"`
	NNeighborhoods      int    `json:"n_neighborhoods" validate:"gte=1"`
	NTrials             int    `json:"n_trials" validate:"gte=1"`
	Radius              int    `json:"radius" validate:"gte=1"`
	GraphType           string `json:"graph_type" validate:"oneof=directed undirected"`
	SearchStrategy      string `json:"search_strategy" validate:"oneof=greedy mcts"`
	SampleMethod        string `json:"sample_method" validate:"oneof=tree radial"`
	VisualizeInstances  bool   `json:"visualize_instances"`
	OutBatchSize        *int   `json:"out_batch_size,omitempty" validate:"omitempty,gte=1"`
}

// Resolve merges the supplied values over the defaults
func (c MiningConfig) Resolve() MiningParams {
	params := MiningParams{
		MinPatternSize:      DefaultMinPatternSize,
		MaxPatternSize:      DefaultMaxPatternSize,
		MinNeighborhoodSize: DefaultMinNeighborhoodSize,
		MaxNeighborhoodSize: DefaultMaxNeighborhoodSize,
		NNeighborhoods:      DefaultNeighborhoods,
		NTrials:             DefaultTrials,
		Radius:              DefaultRadius,
		GraphType:           DefaultGraphType,
		SearchStrategy:      DefaultSearchStrategy,
		SampleMethod:        DefaultSampleMethod,
	}

	setInt(&params.MinPatternSize, c.MinPatternSize)
	setInt(&params.MaxPatternSize, c.MaxPatternSize)
	setInt(&params.MinNeighborhoodSize, c.MinNeighborhoodSize)
	setInt(&params.MaxNeighborhoodSize, c.MaxNeighborhoodSize)
	setInt(&params.NNeighborhoods, c.NNeighborhoods)
	setInt(&params.NTrials, c.NTrials)
	setInt(&params.Radius, c.Radius)
	if c.GraphType != nil {
		params.GraphType = *c.GraphType
	}
	if c.SearchStrategy != nil {
		params.SearchStrategy = *c.SearchStrategy
	}
	if c.SampleMethod != nil {
		params.SampleMethod = *c.SampleMethod
	}
	if c.VisualizeInstances != nil {
		params.VisualizeInstances = *c.VisualizeInstances
	}
	if c.OutBatchSize != nil {
		size := *c.OutBatchSize
		params.OutBatchSize = &size
	}

	return params
}

// FormFields renders the parameters as miner form fields
func (p MiningParams) FormFields(jobID string) map[string]string {
	fields := map[string]string{
		"job_id":                jobID,
		"min_pattern_size":      strconv.Itoa(p.MinPatternSize),
		"max_pattern_size":      strconv.Itoa(p.MaxPatternSize),
		"min_neighborhood_size": strconv.Itoa(p.MinNeighborhoodSize),
		"max_neighborhood_size": strconv.Itoa(p.MaxNeighborhoodSize),
		"n_neighborhoods":       strconv.Itoa(p.NNeighborhoods),
		"n_trials":              strconv.Itoa(p.NTrials),
		"radius":                strconv.Itoa(p.Radius),
		"graph_type":            p.GraphType,
		"search_strategy":       p.SearchStrategy,
		"sample_method":         p.SampleMethod,
		"visualize_instances":   strconv.FormatBool(p.VisualizeInstances),
	}
	if p.OutBatchSize != nil {
		fields["out_batch_size"] = strconv.Itoa(*p.OutBatchSize)
	}
	return fields
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// MiningResult describes a finished miner run
type MiningResult struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	ResultsPath string    `json:"results_path"`
	PlotsPath   string    `json:"plots_path"`
	DownloadURL string    `json:"download_url"`
	LocalDir    string    `json:"local_dir,omitempty"` // Empty when the local copy could not be made
	CompletedAt time.Time `json:"completed_at"`
}
