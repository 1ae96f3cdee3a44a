// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"math"
	"time"
)

const (
	// ModelWeightedFeatures is the type of the built-in prediction model.
	ModelWeightedFeatures = "weighted-features"

	maxOutcomes  = 1000
	learningRate = 0.05
	minWeight    = 0.05
)

// Features are the inputs of the reuse prediction of an entry, each in [0, 1].
type Features struct {
	Frequency   float64 `json:"frequency"`
	Recency     float64 `json:"recency"`
	Seasonality float64 `json:"seasonality"`
	Size        float64 `json:"size"`
	Category    float64 `json:"category"`
}

func (f Features) values() [5]float64 {
	return [5]float64{f.Frequency, f.Recency, f.Seasonality, f.Size, f.Category}
}

func featuresFrom(v [5]float64) Features {
	return Features{v[0], v[1], v[2], v[3], v[4]}
}

// PredictionModel scores entries by their likelihood of reuse.
type PredictionModel struct {
	Type      string    `json:"type"`
	Accuracy  float64   `json:"accuracy"`
	TrainedAt time.Time `json:"trainedAt,omitempty"`
	Weights   Features  `json:"weights"`
	Samples   int       `json:"samples"`
}

type outcome struct {
	features Features
	score    float64
	reused   bool
}

func newPredictionModel() *PredictionModel {
	return &PredictionModel{
		Type: ModelWeightedFeatures,
		Weights: Features{
			Frequency:   0.3,
			Recency:     0.3,
			Seasonality: 0.2,
			Size:        0.1,
			Category:    0.1,
		},
	}
}

// score returns the weighted average of the features.
func (m *PredictionModel) score(f Features) float64 {
	w, v := m.Weights.values(), f.values()
	sum, total := 0.0, 0.0
	for i := range w {
		sum += w[i] * v[i]
		total += w[i]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// train adjusts the weights towards the observed outcomes and updates accuracy.
func (m *PredictionModel) train(outcomes []outcome, now time.Time) {
	if len(outcomes) == 0 {
		return
	}

	w := m.Weights.values()
	correct := 0
	for _, o := range outcomes {
		target := 0.0
		if o.reused {
			target = 1
		}
		if (o.score >= 0.5) == o.reused {
			correct++
		}
		err := target - o.score
		for i, f := range o.features.values() {
			w[i] = math.Max(minWeight, w[i]+learningRate*err*f)
		}
	}

	m.Weights = featuresFrom(w)
	m.Accuracy = float64(correct) / float64(len(outcomes))
	m.TrainedAt = now
	m.Samples = len(outcomes)
}

// features derives the prediction features of an entry.
func (c *Cache[V]) features(e *entry[V], p *AccessPattern, now time.Time) Features {
	f := Features{
		Frequency: math.Min(float64(e.accessCount)/10, 1),
		Recency:   math.Exp(-now.Sub(e.lastAccessed).Hours()),
		Category:  float64(e.priority) / float64(PriorityCritical),
	}

	if c.cfg.MaxSize > 0 {
		f.Size = 1 - math.Min(float64(e.size)/float64(c.cfg.MaxSize), 1)
	} else {
		f.Size = 1
	}

	if p != nil {
		peak := 0
		for _, n := range p.Hours {
			peak = max(peak, n)
		}
		if peak > 0 {
			f.Seasonality = float64(p.Hours[now.Hour()]) / float64(peak)
		}
	}

	return f
}
