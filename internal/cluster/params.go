package cluster

import (
	"encoding/json"
	"fmt"
)

// Supported algorithm tags.
const (
	AlgorithmKMeans = "kmeans"
	AlgorithmDBSCAN = "dbscan"
)

// Params is the validated, algorithm-tagged parameter set of a session.
// Parameters are decoded and validated once at session creation; everything
// downstream can rely on them being well formed.
type Params interface {
	Algorithm() string
	Validate() error
}

// KMeansParams configures a k-means partition.
type KMeansParams struct {
	NClusters int `json:"n_clusters"`
}

func (KMeansParams) Algorithm() string { return AlgorithmKMeans }

func (p KMeansParams) Validate() error {
	if p.NClusters < 1 {
		return fmt.Errorf("n_clusters must be >= 1, got %d", p.NClusters)
	}
	return nil
}

// DBSCANParams configures a density scan.
type DBSCANParams struct {
	Eps        float64 `json:"eps"`
	MinSamples int     `json:"min_samples"`
}

func (DBSCANParams) Algorithm() string { return AlgorithmDBSCAN }

func (p DBSCANParams) Validate() error {
	if p.Eps <= 0 {
		return fmt.Errorf("eps must be > 0, got %v", p.Eps)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("min_samples must be >= 1, got %d", p.MinSamples)
	}
	return nil
}

// DecodeParams parses the stored JSON parameters for the given algorithm tag.
func DecodeParams(algorithm, raw string) (Params, error) {
	if raw == "" {
		raw = "{}"
	}
	switch algorithm {
	case AlgorithmKMeans:
		var p KMeansParams
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("parsing kmeans params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	case AlgorithmDBSCAN:
		var p DBSCANParams
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("parsing dbscan params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
}

// EncodeParams serializes params for the session record.
func EncodeParams(p Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding %s params: %w", p.Algorithm(), err)
	}
	return string(data), nil
}
